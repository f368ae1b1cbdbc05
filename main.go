// Agent worker - keeps live agents connected to their signaling rooms
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rezaa1/liveagent/internal/config"
	"github.com/rezaa1/liveagent/internal/credential"
	"github.com/rezaa1/liveagent/internal/logging"
	"github.com/rezaa1/liveagent/internal/persistence"
	"github.com/rezaa1/liveagent/internal/registry"
	"github.com/rezaa1/liveagent/internal/retry"
	"github.com/rezaa1/liveagent/internal/server"
	"github.com/rezaa1/liveagent/internal/signaling"
	"github.com/rezaa1/liveagent/internal/statusreport"
	"github.com/rezaa1/liveagent/internal/sysinfo"
)

func main() {
	logging.Setup()
	slog.Info("Starting agent worker...")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open agent store", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("Failed to close agent store", "error", err)
		}
	}()

	reporter := statusreport.New(cfg.StatusReportURL, cfg.StatusReportToken, statusreport.Config{})
	reporter.Start()

	dialerCfg := signaling.DefaultConfig()
	dialerCfg.ConnectTimeout = cfg.ConnectTimeout

	agents := registry.New(registry.Options{
		URL:      cfg.SignalingURL,
		Supplier: newSupplier(cfg),
		Opener:   signaling.NewDialer(dialerCfg),
		Policy: retry.Policy{
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			MaxAttempts: cfg.RetryMaxAttempts,
			Jitter:      cfg.RetryJitter,
		},
		JoinTimeout:       cfg.JoinTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconcileInterval: cfg.ReconcileInterval,
		ResponseTimeout:   cfg.ResponseTimeout,
		ReplyInterval:     cfg.ReplyRate,
		Store:             store,
		Reporter:          reporter,
	})

	toStart, err := prepareAgents(cfg, agents)
	if err != nil {
		slog.Error("Failed to prepare agents", "error", err)
		agents.Close()
		os.Exit(1)
	}
	for _, id := range toStart {
		if err := agents.Start(id); err != nil {
			slog.Error("Failed to start agent", "agentId", id, "error", err)
		}
	}

	var srv *server.Server
	errCh := make(chan error, 1)
	if cfg.HTTPAddr != "" {
		srv = server.New(server.Config{
			Addr:         cfg.HTTPAddr,
			ReadTimeout:  cfg.HTTPReadTimeout,
			WriteTimeout: cfg.HTTPWriteTimeout,
			Host:         sysinfo.NewCollector(0, ""),
		}, agents)
		go func() {
			if err := srv.Start(); err != nil {
				errCh <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		slog.Error("HTTP server error", "error", err)
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down...", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Stop(ctx); err != nil {
			slog.Warn("Error during HTTP shutdown", "error", err)
		}
	}

	// Every agent disconnects with a normal close before the store closes.
	done := make(chan struct{})
	go func() {
		agents.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Timed out waiting for agents to disconnect")
	}

	reporter.Shutdown()
	slog.Info("Agent worker stopped")
}

// newSupplier picks the credential source. With neither a token endpoint
// nor signing material it returns nil, and each agent closes on its first
// attempt with a configuration failure.
func newSupplier(cfg *config.Config) credential.Supplier {
	switch {
	case cfg.CredentialEndpoint != "":
		return credential.NewRemote(cfg.CredentialEndpoint, cfg.CredentialToken)
	case cfg.HasLocalSigner():
		return credential.NewSigner(cfg.CredentialAPIKey, cfg.CredentialAPISecret, cfg.CredentialTTL)
	default:
		slog.Warn("No credential source configured; agents will not connect")
		return nil
	}
}

// prepareAgents restores persisted agents, applies the manifest or the
// default agent, and returns the IDs to start.
func prepareAgents(cfg *config.Config, agents *registry.Registry) ([]string, error) {
	if _, err := agents.Load(); err != nil {
		return nil, err
	}

	existing := make(map[string]string)
	for _, a := range agents.List() {
		existing[a.Name+"@"+a.RoomName] = a.ID
	}

	var specs []config.AgentSpec
	if cfg.AgentsFile != "" {
		manifest, err := config.LoadManifest(cfg.AgentsFile)
		if err != nil {
			return nil, err
		}
		specs = manifest.Agents
	} else if len(existing) == 0 {
		specs = []config.AgentSpec{{Name: cfg.AgentName, Room: cfg.DefaultRoom}}
	} else {
		ids := make([]string, 0, len(existing))
		for _, a := range agents.List() {
			ids = append(ids, a.ID)
		}
		return ids, nil
	}

	var ids []string
	for _, spec := range specs {
		id, ok := existing[spec.Name+"@"+spec.Room]
		if !ok {
			a, err := agents.Create(spec.Name, spec.Room, configurationFor(spec))
			if err != nil {
				return nil, err
			}
			id = a.ID
			slog.Info("Created agent", "agentId", id, "agent", spec.Name, "room", spec.Room)
		}
		if spec.ShouldStart() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func configurationFor(spec config.AgentSpec) registry.Configuration {
	c := registry.DefaultConfiguration()
	if spec.AudioEnabled != nil {
		c.AudioEnabled = *spec.AudioEnabled
	}
	if spec.VideoEnabled != nil {
		c.VideoEnabled = *spec.VideoEnabled
	}
	if spec.AutoReply != nil {
		c.AutoReply = *spec.AutoReply
	}
	c.Simulcast = spec.Simulcast
	if spec.MaxRetries > 0 {
		c.MaxRetries = spec.MaxRetries
	}
	c.ReplyDelayMs = spec.ReplyDelayMs
	return c
}
