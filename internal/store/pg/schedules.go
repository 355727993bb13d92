package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentrelay/relay/internal/store"
	"github.com/agentrelay/relay/pkg/chat"
)

type scheduleStore struct {
	db *sql.DB
}

func (s *scheduleStore) Create(ctx context.Context, sc *store.Schedule) error {
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, agent_id, conversation_id, thread_id, cron_expr, prompt, source, next_run, enabled, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
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
		`UPDATE schedules SET cron_expr = $1, prompt = $2, source = $3, next_run = $4, enabled = $5 WHERE id = $6`,
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
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, id)
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
		FROM schedules WHERE enabled AND next_run <= $1 ORDER BY next_run`, asOf)
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
