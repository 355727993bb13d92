package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentrelay/relay/internal/store"
	"github.com/agentrelay/relay/pkg/chat"
)

type threadStore struct {
	db *sql.DB
}

func (s *threadStore) Get(ctx context.Context, key chat.Key) (*store.ThreadState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, created_at, updated_at FROM threads
		 WHERE agent_id = $1 AND conversation_id = $2 AND thread_id = $3`,
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
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (agent_id, conversation_id, thread_id)
		 DO UPDATE SET name = EXCLUDED.name, updated_at = EXCLUDED.updated_at`,
		ts.Key.AgentID, ts.Key.ConversationID, ts.Key.ThreadID, ts.Name, created, now,
	)
	if err != nil {
		return fmt.Errorf("put thread: %w", err)
	}
	return nil
}

func (s *threadStore) Delete(ctx context.Context, key chat.Key) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM threads WHERE agent_id = $1 AND conversation_id = $2 AND thread_id = $3`,
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
		 WHERE agent_id = $1 AND conversation_id = $2 ORDER BY thread_id`,
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
