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

type correlationStore struct {
	db *sql.DB
}

func (s *correlationStore) Put(ctx context.Context, key chat.Key, correlationID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO correlations (agent_id, conversation_id, thread_id, correlation_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (agent_id, conversation_id, thread_id)
		 DO UPDATE SET correlation_id = EXCLUDED.correlation_id, created_at = EXCLUDED.created_at`,
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
		 WHERE agent_id = $1 AND conversation_id = $2 AND thread_id = $3`,
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM correlations WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge correlations: %w", err)
	}
	return res.RowsAffected()
}
