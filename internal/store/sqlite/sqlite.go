// Package sqlite backs the store contracts with an embedded SQLite
// database. This is the standalone-mode default: no external services,
// one file on disk.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentrelay/relay/internal/store"
	"github.com/agentrelay/relay/pkg/chat"
)

const schema = `
CREATE TABLE IF NOT EXISTS threads (
	agent_id        TEXT    NOT NULL,
	conversation_id INTEGER NOT NULL,
	thread_id       INTEGER NOT NULL,
	name            TEXT    NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL,
	PRIMARY KEY (agent_id, conversation_id, thread_id)
);

CREATE TABLE IF NOT EXISTS schedules (
	id              TEXT PRIMARY KEY,
	agent_id        TEXT    NOT NULL,
	conversation_id INTEGER NOT NULL,
	thread_id       INTEGER NOT NULL,
	cron_expr       TEXT    NOT NULL,
	prompt          TEXT    NOT NULL,
	source          TEXT    NOT NULL,
	next_run        TIMESTAMP NOT NULL,
	enabled         INTEGER NOT NULL DEFAULT 1,
	created_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS correlations (
	agent_id        TEXT    NOT NULL,
	conversation_id INTEGER NOT NULL,
	thread_id       INTEGER NOT NULL,
	correlation_id  TEXT    NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	PRIMARY KEY (agent_id, conversation_id, thread_id)
);
`

// NewStores opens (or creates) the database at path and returns all
// stores backed by it.
func NewStores(path string) (*store.Stores, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return store.NewStores(
		&threadStore{db: db},
		&scheduleStore{db: db},
		&correlationStore{db: db},
		db.Close,
	), nil
}

type threadStore struct {
	db *sql.DB
}

func (s *threadStore) Get(ctx context.Context, key chat.Key) (*store.ThreadState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, created_at, updated_at FROM threads
		 WHERE agent_id = ? AND conversation_id = ? AND thread_id = ?`,
		key.AgentID, key.ConversationID, key.ThreadID,
	)
	ts := store.ThreadState{Key: key}
	if err := row.Scan(&ts.Name, &ts.CreatedAt, &ts.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return &ts, nil
}

func (s *threadStore) Put(ctx context.Context, ts *store.ThreadState) error {
	now := time.Now().UTC()
	created := ts.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (agent_id, conversation_id, thread_id, name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (agent_id, conversation_id, thread_id)
		 DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at`,
		ts.Key.AgentID, ts.Key.ConversationID, ts.Key.ThreadID, ts.Name, created, now,
	)
	if err != nil {
		return fmt.Errorf("put thread: %w", err)
	}
	return nil
}

func (s *threadStore) Delete(ctx context.Context, key chat.Key) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM threads WHERE agent_id = ? AND conversation_id = ? AND thread_id = ?`,
		key.AgentID, key.ConversationID, key.ThreadID,
	)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

func (s *threadStore) ListThreads(ctx context.Context, conversationID int64, agentID string) ([]store.ThreadState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, name, created_at, updated_at FROM threads
		 WHERE agent_id = ? AND conversation_id = ? ORDER BY thread_id`,
		agentID, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var out []store.ThreadState
	for rows.Next() {
		ts := store.ThreadState{Key: chat.Key{ConversationID: conversationID, AgentID: agentID}}
		if err := rows.Scan(&ts.Key.ThreadID, &ts.Name, &ts.CreatedAt, &ts.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

type scheduleStore struct {
	db *sql.DB
}

func (s *scheduleStore) Create(ctx context.Context, sc *store.Schedule) error {
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, agent_id, conversation_id, thread_id, cron_expr, prompt, source, next_run, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.Key.AgentID, sc.Key.ConversationID, sc.Key.ThreadID,
		sc.CronExpr, sc.Prompt, string(sc.Source), sc.NextRun, sc.Enabled, sc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

func (s *scheduleStore) Update(ctx context.Context, sc *store.Schedule) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET cron_expr = ?, prompt = ?, source = ?, next_run = ?, enabled = ? WHERE id = ?`,
		sc.CronExpr, sc.Prompt, string(sc.Source), sc.NextRun, sc.Enabled, sc.ID,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *scheduleStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

func (s *scheduleStore) List(ctx context.Context) ([]store.Schedule, error) {
	return s.query(ctx, `SELECT id, agent_id, conversation_id, thread_id, cron_expr, prompt, source, next_run, enabled, created_at
		FROM schedules ORDER BY created_at`)
}

func (s *scheduleStore) GetDue(ctx context.Context, asOf time.Time) ([]store.Schedule, error) {
	return s.query(ctx, `SELECT id, agent_id, conversation_id, thread_id, cron_expr, prompt, source, next_run, enabled, created_at
		FROM schedules WHERE enabled = 1 AND next_run <= ? ORDER BY next_run`, asOf)
}

func (s *scheduleStore) query(ctx context.Context, q string, args ...any) ([]store.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []store.Schedule
	for rows.Next() {
		var sc store.Schedule
		var src string
		if err := rows.Scan(&sc.ID, &sc.Key.AgentID, &sc.Key.ConversationID, &sc.Key.ThreadID,
			&sc.CronExpr, &sc.Prompt, &src, &sc.NextRun, &sc.Enabled, &sc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sc.Source = chat.Source(src)
		out = append(out, sc)
	}
	return out, rows.Err()
}

type correlationStore struct {
	db *sql.DB
}

func (s *correlationStore) Put(ctx context.Context, key chat.Key, correlationID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO correlations (agent_id, conversation_id, thread_id, correlation_id, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (agent_id, conversation_id, thread_id)
		 DO UPDATE SET correlation_id = excluded.correlation_id, created_at = excluded.created_at`,
		key.AgentID, key.ConversationID, key.ThreadID, correlationID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put correlation: %w", err)
	}
	return nil
}

func (s *correlationStore) Get(ctx context.Context, key chat.Key) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT correlation_id FROM correlations
		 WHERE agent_id = ? AND conversation_id = ? AND thread_id = ?`,
		key.AgentID, key.ConversationID, key.ThreadID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get correlation: %w", err)
	}
	return id, nil
}

func (s *correlationStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM correlations WHERE created_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge correlations: %w", err)
	}
	return res.RowsAffected()
}
