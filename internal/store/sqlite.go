// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent directory and task outcome persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	memory := path == ":memory:"
	if !memory {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if memory {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		// Enable WAL mode for better concurrent performance
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			protocol TEXT NOT NULL,
			capabilities TEXT NOT NULL DEFAULT '[]',
			registered_at TEXT NOT NULL,
			last_seen TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS task_outcomes (
			task_id TEXT PRIMARY KEY,
			originator TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_task_outcomes_agent ON task_outcomes(agent_id, finished_at);
		CREATE INDEX IF NOT EXISTS idx_task_outcomes_finished ON task_outcomes(finished_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies column additions made after the first schema.
// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "agents",
			column: "card_url",
			apply:  `ALTER TABLE agents ADD COLUMN card_url TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			// Column already exists, skip
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// UpsertAgent inserts an agent or updates its metadata and last_seen.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, a *AgentRecord) error {
	caps, err := json.Marshal(nonNil(a.Capabilities))
	if err != nil {
		return fmt.Errorf("marshaling capabilities: %w", err)
	}

	now := time.Now().UTC()
	registeredAt := a.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = now
	}
	lastSeen := a.LastSeen
	if lastSeen.IsZero() {
		lastSeen = now
	}

	query := `
		INSERT INTO agents (id, name, description, protocol, capabilities, card_url, registered_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			protocol = excluded.protocol,
			capabilities = excluded.capabilities,
			card_url = excluded.card_url,
			last_seen = excluded.last_seen
	`
	_, err = s.db.ExecContext(ctx, query,
		a.ID,
		a.Name,
		a.Description,
		a.Protocol,
		string(caps),
		a.CardURL,
		registeredAt.UTC().Format(time.RFC3339),
		lastSeen.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}

	s.logger.Debug("upserted agent", "id", a.ID, "protocol", a.Protocol)
	return nil
}

// TouchAgent records that the agent was seen at at.
func (s *SQLiteStore) TouchAgent(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("touching agent: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const agentColumns = `id, name, description, protocol, capabilities, card_url, registered_at, last_seen`

// scanAgent scans a row into an AgentRecord.
func scanAgent(scanner interface{ Scan(dest ...any) error }) (*AgentRecord, error) {
	var a AgentRecord
	var caps, registeredAt, lastSeen string
	if err := scanner.Scan(&a.ID, &a.Name, &a.Description, &a.Protocol, &caps, &a.CardURL, &registeredAt, &lastSeen); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshaling capabilities: %w", err)
	}

	var err error
	if a.RegisteredAt, err = time.Parse(time.RFC3339, registeredAt); err != nil {
		return nil, fmt.Errorf("parsing registered_at: %w", err)
	}
	if a.LastSeen, err = time.Parse(time.RFC3339, lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}
	return &a, nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return a, nil
}

// ListAgents returns every known agent ordered by ID.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	agents := []*AgentRecord{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return agents, nil
}

// DeleteAgent removes an agent.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted agent", "id", id)
	return nil
}

// RecordTaskOutcome appends a finished task. Recording the same task twice
// keeps the first outcome.
func (s *SQLiteStore) RecordTaskOutcome(ctx context.Context, o *TaskOutcome) error {
	query := `
		INSERT INTO task_outcomes (task_id, originator, agent_id, state, reason, error, created_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		o.TaskID,
		o.Originator,
		o.AgentID,
		o.State,
		o.Reason,
		o.Error,
		o.CreatedAt.UTC().Format(time.RFC3339),
		o.FinishedAt.UTC().Format(time.RFC3339),
		o.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("inserting task outcome: %w", err)
	}
	return nil
}

const outcomeQuery = `
	SELECT task_id, originator, agent_id, state, reason, error, created_at, finished_at, duration_ms
	FROM task_outcomes
	WHERE (? = '' OR agent_id = ?)
	  AND (? = '' OR state = ?)
	  AND (? IS NULL OR finished_at >= ?)
	ORDER BY finished_at DESC, task_id
	LIMIT ?
`

// ListTaskOutcomes returns outcomes matching the filter, newest first.
func (s *SQLiteStore) ListTaskOutcomes(ctx context.Context, f OutcomeFilter) ([]*TaskOutcome, error) {
	var since *string
	if f.Since != nil {
		str := f.Since.UTC().Format(time.RFC3339)
		since = &str
	}

	rows, err := s.db.QueryContext(ctx, outcomeQuery,
		f.AgentID, f.AgentID,
		f.State, f.State,
		since, since,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying task outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	outcomes := []*TaskOutcome{}
	for rows.Next() {
		var o TaskOutcome
		var createdAt, finishedAt string
		if err := rows.Scan(&o.TaskID, &o.Originator, &o.AgentID, &o.State, &o.Reason, &o.Error, &createdAt, &finishedAt, &o.DurationMS); err != nil {
			return nil, fmt.Errorf("scanning task outcome: %w", err)
		}
		if o.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if o.FinishedAt, err = time.Parse(time.RFC3339, finishedAt); err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		outcomes = append(outcomes, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task outcomes: %w", err)
	}
	return outcomes, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ Store = (*SQLiteStore)(nil)
