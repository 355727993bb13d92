// Package store defines the persistence contracts shared by the
// Postgres (managed) and SQLite (standalone) backends.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentrelay/relay/pkg/chat"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// CorrelationTTL bounds how long a request correlation is retained.
// Completed requests past this age are purged.
const CorrelationTTL = 30 * 24 * time.Hour

// ThreadState is the persisted identity of one conversation thread.
type ThreadState struct {
	Key       chat.Key
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ThreadStateStore persists thread identities so transports can answer
// existence checks across restarts.
type ThreadStateStore interface {
	Get(ctx context.Context, key chat.Key) (*ThreadState, error)
	Put(ctx context.Context, ts *ThreadState) error
	Delete(ctx context.Context, key chat.Key) error
	// ListThreads returns every thread of one conversation.
	ListThreads(ctx context.Context, conversationID int64, agentID string) ([]ThreadState, error)
}

// Schedule is one recurring prompt definition.
type Schedule struct {
	ID        string
	Key       chat.Key
	CronExpr  string
	Prompt    string
	Source    chat.Source
	NextRun   time.Time
	Enabled   bool
	CreatedAt time.Time
}

// ScheduleStore persists recurring prompts for the scheduler's wake
// cycle.
type ScheduleStore interface {
	Create(ctx context.Context, s *Schedule) error
	Update(ctx context.Context, s *Schedule) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Schedule, error)
	// GetDue returns enabled schedules whose next run is at or before
	// asOf.
	GetDue(ctx context.Context, asOf time.Time) ([]Schedule, error)
}

// CorrelationStore maps a session key to the external correlation id of
// the request currently being answered on that session.
type CorrelationStore interface {
	Put(ctx context.Context, key chat.Key, correlationID string) error
	Get(ctx context.Context, key chat.Key) (string, error)
	// Purge removes correlations recorded before the cutoff and returns
	// the number removed.
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Threads      ThreadStateStore
	Schedules    ScheduleStore
	Correlations CorrelationStore

	closer func() error
}

// NewStores bundles backend implementations with their shared closer.
func NewStores(threads ThreadStateStore, schedules ScheduleStore, correlations CorrelationStore, closer func() error) *Stores {
	return &Stores{
		Threads:      threads,
		Schedules:    schedules,
		Correlations: correlations,
		closer:       closer,
	}
}

// Close releases the underlying database handle.
func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
