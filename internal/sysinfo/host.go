// Package sysinfo samples host load for the worker health endpoint.
package sysinfo

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Snapshot is the host view reported next to agent counts.
type Snapshot struct {
	LoadAvg1      float64 `json:"loadAvg1"`
	NumCPU        int     `json:"numCpu"`
	MemoryPercent float64 `json:"memoryPercent"`
	DiskPercent   float64 `json:"diskPercent"`
	Goroutines    int     `json:"goroutines"`
}

// Collector reads procfs and caches the result for a short TTL so that
// health probes polled in a tight loop do not hit the filesystem each time.
type Collector struct {
	ttl       time.Duration
	mountPath string

	mu       sync.Mutex
	cached   *Snapshot
	cachedAt time.Time

	readFile func(path string) (string, error)
	statFS   func(path string) (*syscall.Statfs_t, error)
	now      func() time.Time
}

// NewCollector returns a collector. A zero ttl defaults to 5s and an empty
// mountPath to "/".
func NewCollector(ttl time.Duration, mountPath string) *Collector {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if mountPath == "" {
		mountPath = "/"
	}
	return &Collector{
		ttl:       ttl,
		mountPath: mountPath,
		readFile:  readFile,
		statFS:    statFS,
		now:       time.Now,
	}
}

// Collect returns the current snapshot, served from cache within the TTL.
func (c *Collector) Collect() (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && c.now().Sub(c.cachedAt) < c.ttl {
		return *c.cached, nil
	}

	loadavg, err := c.readFile("/proc/loadavg")
	if err != nil {
		return Snapshot{}, fmt.Errorf("loadavg: %w", err)
	}
	meminfo, err := c.readFile("/proc/meminfo")
	if err != nil {
		return Snapshot{}, fmt.Errorf("meminfo: %w", err)
	}
	stat, err := c.statFS(c.mountPath)
	if err != nil {
		return Snapshot{}, fmt.Errorf("statfs %s: %w", c.mountPath, err)
	}

	s := Snapshot{
		LoadAvg1:      ParseLoadAvg(loadavg),
		NumCPU:        runtime.NumCPU(),
		MemoryPercent: ParseMemInfo(meminfo),
		DiskPercent:   DiskPercent(stat),
		Goroutines:    runtime.NumGoroutine(),
	}
	c.cached = &s
	c.cachedAt = c.now()
	return s, nil
}

// ParseLoadAvg returns the one-minute load average from /proc/loadavg.
func ParseLoadAvg(content string) float64 {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return 0
	}
	v, _ := strconv.ParseFloat(fields[0], 64)
	return v
}

// ParseMemInfo returns the used memory percentage from /proc/meminfo.
// Kernels without MemAvailable fall back to free + buffers + cached.
func ParseMemInfo(content string) float64 {
	fields := make(map[string]uint64)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		key, val, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(val), "kB"))
		n, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			continue
		}
		fields[strings.TrimSpace(key)] = n
	}

	total := fields["MemTotal"]
	if total == 0 {
		return 0
	}
	available, ok := fields["MemAvailable"]
	if !ok {
		available = fields["MemFree"] + fields["Buffers"] + fields["Cached"]
	}
	if available >= total {
		return 0
	}
	return roundTo(float64(total-available)/float64(total)*100, 1)
}

// DiskPercent returns the used percentage of the filesystem in stat.
func DiskPercent(stat *syscall.Statfs_t) float64 {
	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return 0
	}
	used := total - stat.Bfree*uint64(stat.Bsize)
	return roundTo(float64(used)/float64(total)*100, 1)
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func statFS(path string) (*syscall.Statfs_t, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return nil, err
	}
	return &stat, nil
}

func roundTo(val float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(val*pow) / pow
}
