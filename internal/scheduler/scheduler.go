// Package scheduler wakes periodically, pulls due schedules from the
// store, and submits their prompts into the gateway pipeline as if a
// user had typed them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/agentrelay/relay/internal/bus"
	"github.com/agentrelay/relay/internal/store"
	"github.com/agentrelay/relay/pkg/chat"
)

// DefaultWakeInterval is how often the scheduler checks for due work.
const DefaultWakeInterval = 30 * time.Second

// purgeInterval throttles correlation cleanup; entries only age out
// after store.CorrelationTTL, so hourly sweeps are plenty.
const purgeInterval = time.Hour

// ErrBadCron is returned for cron expressions gronx rejects.
var ErrBadCron = errors.New("invalid cron expression")

// Submit hands a scheduled prompt to the pipeline.
type Submit func(ctx context.Context, p chat.Prompt) error

// Scheduler runs the wake cycle: firing due schedules and sweeping
// expired request correlations.
type Scheduler struct {
	store        store.ScheduleStore
	correlations store.CorrelationStore
	router       *bus.Composite
	submit       Submit
	interval     time.Duration
	cron         *gronx.Gronx
	lastPurge    time.Time
}

func New(st store.ScheduleStore, correlations store.CorrelationStore, router *bus.Composite, submit Submit, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultWakeInterval
	}
	return &Scheduler{
		store:        st,
		correlations: correlations,
		router:       router,
		submit:       submit,
		interval:     interval,
		cron:         gronx.New(),
	}
}

// Add validates the expression, computes the first run, and persists
// the schedule.
func (s *Scheduler) Add(ctx context.Context, sc *store.Schedule) error {
	if !s.cron.IsValid(sc.CronExpr) {
		return fmt.Errorf("%w: %q", ErrBadCron, sc.CronExpr)
	}
	next, err := gronx.NextTick(sc.CronExpr, false)
	if err != nil {
		return fmt.Errorf("compute first run: %w", err)
	}
	sc.NextRun = next
	sc.Enabled = true
	return s.store.Create(ctx, sc)
}

// Run blocks until ctx is cancelled, firing due schedules each wake.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.fireDue(ctx, now.UTC())
			s.purgeCorrelations(ctx, now.UTC())
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	due, err := s.store.GetDue(ctx, now)
	if err != nil {
		slog.Error("scheduler: load due schedules", "error", err)
		return
	}

	for _, sc := range due {
		if !s.deliverable(sc.Source) {
			slog.Warn("scheduler: transport does not accept scheduled notifications, skipping",
				"schedule", sc.ID, "source", sc.Source)
			s.reschedule(ctx, sc, now)
			continue
		}

		p := chat.Prompt{
			Text:           sc.Prompt,
			ConversationID: sc.Key.ConversationID,
			ThreadID:       sc.Key.ThreadID,
			AgentID:        sc.Key.AgentID,
			Source:         sc.Source,
			SenderID:       "scheduler",
		}
		if err := s.submit(ctx, p); err != nil {
			slog.Error("scheduler: submit prompt", "schedule", sc.ID, "error", err)
			// Leave next_run in the past; the next wake retries.
			continue
		}
		slog.Info("scheduler: fired", "schedule", sc.ID, "session", sc.Key.String())
		s.reschedule(ctx, sc, now)
	}
}

// purgeCorrelations drops request correlations past their retention
// window, at most once per purgeInterval.
func (s *Scheduler) purgeCorrelations(ctx context.Context, now time.Time) {
	if s.correlations == nil || now.Sub(s.lastPurge) < purgeInterval {
		return
	}
	s.lastPurge = now
	n, err := s.correlations.Purge(ctx, now.Add(-store.CorrelationTTL))
	if err != nil {
		slog.Error("scheduler: purge correlations", "error", err)
		return
	}
	if n > 0 {
		slog.Info("scheduler: purged expired correlations", "count", n)
	}
}

// deliverable reports whether the pinned transport accepts unprompted
// messages. Unknown sources route to the dashboard, which always does.
func (s *Scheduler) deliverable(src chat.Source) bool {
	t, ok := s.router.BySource(src)
	if !ok {
		return true
	}
	return t.SupportsScheduledNotifications()
}

func (s *Scheduler) reschedule(ctx context.Context, sc store.Schedule, after time.Time) {
	next, err := gronx.NextTickAfter(sc.CronExpr, after, false)
	if err != nil {
		slog.Error("scheduler: compute next run, disabling", "schedule", sc.ID, "error", err)
		sc.Enabled = false
	} else {
		sc.NextRun = next
	}
	if err := s.store.Update(ctx, &sc); err != nil {
		slog.Error("scheduler: persist next run", "schedule", sc.ID, "error", err)
	}
}
