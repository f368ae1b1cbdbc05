// Package persistence provides SQLite-backed storage for agent records so
// that the status read model survives worker restarts.
package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// AgentRecord is one persisted agent. Configuration and Metrics hold JSON
// documents owned by the registry.
type AgentRecord struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	RoomName      string `json:"roomName"`
	Configuration string `json:"configuration"`
	Metrics       string `json:"metrics,omitempty"` // empty until the first measurement
	Error         string `json:"error,omitempty"`
	CreatedAt     string `json:"createdAt"` // ISO 8601
	UpdatedAt     string `json:"updatedAt"`
}

// Store provides persistent agent state backed by SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the agents table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			room_name TEXT NOT NULL,
			configuration TEXT NOT NULL DEFAULT '{}',
			metrics TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		)
	`)
	return err
}

// migrateV2 adds timestamps used to order the read model.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		ALTER TABLE agents ADD COLUMN created_at TEXT NOT NULL DEFAULT '';
		ALTER TABLE agents ADD COLUMN updated_at TEXT NOT NULL DEFAULT '';
		CREATE INDEX IF NOT EXISTS idx_agents_created ON agents(created_at);
	`)
	return err
}

// TimeLayout is fixed width so that timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (s *Store) timestamp() string {
	return s.now().UTC().Format(TimeLayout)
}

// UpsertAgent inserts or replaces an agent record. CreatedAt is preserved
// for existing rows.
func (s *Store) UpsertAgent(rec AgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.timestamp()
	if rec.CreatedAt == "" {
		rec.CreatedAt = ts
	}
	if rec.Configuration == "" {
		rec.Configuration = "{}"
	}
	rec.UpdatedAt = ts

	_, err := s.db.Exec(
		`INSERT INTO agents (id, name, status, room_name, configuration, metrics, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			room_name = excluded.room_name,
			configuration = excluded.configuration,
			metrics = excluded.metrics,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Name, rec.Status, rec.RoomName, rec.Configuration, rec.Metrics, rec.Error,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// DeleteAgent removes an agent record.
func (s *Store) DeleteAgent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM agents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

// UpdateAgentStatus sets the status and last error of an agent.
func (s *Store) UpdateAgentStatus(id, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE agents SET status = ?, error = ?, updated_at = ? WHERE id = ?",
		status, errMsg, s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	return nil
}

// UpdateAgentMetrics stores the latest metrics document for an agent.
func (s *Store) UpdateAgentMetrics(id, metrics string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE agents SET metrics = ?, updated_at = ? WHERE id = ?",
		metrics, s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("update agent metrics: %w", err)
	}
	return nil
}

// GetAgent retrieves one agent record.
// Returns nil, nil if no agent exists for the given ID.
func (s *Store) GetAgent(id string) (*AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r AgentRecord
	err := s.db.QueryRow(
		`SELECT id, name, status, room_name, configuration, metrics, error, created_at, updated_at
		FROM agents WHERE id = ?`,
		id,
	).Scan(&r.ID, &r.Name, &r.Status, &r.RoomName, &r.Configuration, &r.Metrics, &r.Error,
		&r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &r, nil
}

// ListAgents returns every agent ordered by creation time.
func (s *Store) ListAgents() ([]AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, name, status, room_name, configuration, metrics, error, created_at, updated_at
		FROM agents ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []AgentRecord
	for rows.Next() {
		var r AgentRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.Status, &r.RoomName, &r.Configuration, &r.Metrics, &r.Error,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}

	if agents == nil {
		agents = []AgentRecord{}
	}
	return agents, nil
}

// AgentCount returns the number of stored agents.
func (s *Store) AgentCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM agents").Scan(&count); err != nil {
		return 0, fmt.Errorf("count agents: %w", err)
	}
	return count, nil
}
