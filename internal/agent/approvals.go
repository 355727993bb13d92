package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/agentrelay/relay/pkg/chat"
)

// ErrUnknownApproval is returned when resolving an id that was never
// issued or is already resolved. Concurrent resolutions race; the first
// writer wins and later callers get this error.
var ErrUnknownApproval = errors.New("unknown or already resolved approval")

// Broker tracks approval requests awaiting human resolution. One waiter
// per id; entries are inserted and removed atomically under the lock.
type Broker struct {
	mu      sync.Mutex
	pending map[string]chan chat.ApprovalOutcome
}

func NewBroker() *Broker {
	return &Broker{pending: make(map[string]chan chat.ApprovalOutcome)}
}

// Await registers req and blocks until resolution or ctx cancellation.
// Cancellation discards the request and returns ctx.Err(); the caller
// treats that as an implicit reject and ends the turn.
func (b *Broker) Await(ctx context.Context, req chat.ApprovalRequest) (chat.ApprovalOutcome, error) {
	ch := make(chan chat.ApprovalOutcome, 1)

	b.mu.Lock()
	b.pending[req.ID] = ch
	b.mu.Unlock()

	select {
	case outcome := <-ch:
		return outcome, nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
		return "", ctx.Err()
	}
}

// Resolve delivers an outcome to the waiter. First writer wins.
func (b *Broker) Resolve(id string, outcome chat.ApprovalOutcome) error {
	if !outcome.Valid() {
		return errors.New("invalid approval outcome")
	}

	b.mu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		return ErrUnknownApproval
	}
	ch <- outcome
	return nil
}

// Pending returns the ids currently awaiting resolution.
func (b *Broker) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	return ids
}
