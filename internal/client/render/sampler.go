// Package render paces UI updates: streaming chunks arrive faster than
// a terminal or dashboard can usefully repaint, so the sampler emits
// the latest state at a fixed period instead of on every change.
package render

import (
	"sync"
	"time"
)

// DefaultPeriod is the repaint cadence.
const DefaultPeriod = 50 * time.Millisecond

// Sampler emits the most recent pushed value once per period while new
// values keep arriving. This is a periodic sample, not a debounce: a
// continuous stream still repaints every period rather than waiting
// for a quiet gap.
type Sampler[T any] struct {
	emit   func(T)
	period time.Duration

	mu     sync.Mutex
	latest T
	dirty  bool
	closed bool

	stop chan struct{}
	done chan struct{}
}

func NewSampler[T any](period time.Duration, emit func(T)) *Sampler[T] {
	if period <= 0 {
		period = DefaultPeriod
	}
	s := &Sampler[T]{
		emit:   emit,
		period: period,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// Push records v as the latest value. It never blocks.
func (s *Sampler[T]) Push(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.latest = v
	s.dirty = true
}

func (s *Sampler[T]) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stop:
			s.flush()
			return
		}
	}
}

func (s *Sampler[T]) flush() {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	v := s.latest
	s.dirty = false
	s.mu.Unlock()

	s.emit(v)
}

// Close flushes any pending value and stops the loop. Pushes after
// Close are ignored.
func (s *Sampler[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	<-s.done
}
