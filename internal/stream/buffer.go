// Package stream implements the server-side chunk buffer and the
// resume reconciler that merges a reconnecting client's history with
// the buffered stream.
package stream

import (
	"sync"
	"time"

	"github.com/agentrelay/relay/pkg/chat"
)

// DefaultGraceWindow defers buffer eviction after a terminal chunk so an
// immediately reconnecting client can still fetch the final stream.
const DefaultGraceWindow = 15 * time.Second

// Buffer holds the sequenced chunks of one session's current turn.
// Single writer (the agent loop), multi-reader via Snapshot.
type Buffer struct {
	mu sync.Mutex

	chunks           []chat.Chunk
	seq              int64
	processing       bool
	currentPrompt    string
	currentSenderID  string
	currentMessageID string

	grace time.Duration
	evict *time.Timer
}

// NewBuffer creates a buffer with the given eviction grace window.
// A non-positive grace falls back to DefaultGraceWindow.
func NewBuffer(grace time.Duration) *Buffer {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &Buffer{grace: grace}
}

// Begin marks the start of a turn: clears any previous buffer content,
// cancels a pending eviction, and records the prompt metadata.
func (b *Buffer) Begin(prompt, senderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.evict != nil {
		b.evict.Stop()
		b.evict = nil
	}
	b.chunks = nil
	b.processing = true
	b.currentPrompt = prompt
	b.currentSenderID = senderID
	b.currentMessageID = ""
}

// Append assigns the next sequence number to c, stores it, and returns
// the stamped chunk.
func (b *Buffer) Append(c chat.Chunk) chat.Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	c.Sequence = b.seq
	if c.MessageID != "" {
		b.currentMessageID = c.MessageID
	}
	b.chunks = append(b.chunks, c)
	return c
}

// Snapshot returns an immutable copy of the stream state.
func (b *Buffer) Snapshot() chat.StreamState {
	b.mu.Lock()
	defer b.mu.Unlock()

	chunks := make([]chat.Chunk, len(b.chunks))
	copy(chunks, b.chunks)
	return chat.StreamState{
		IsProcessing:     b.processing,
		CurrentPrompt:    b.currentPrompt,
		CurrentSenderID:  b.currentSenderID,
		CurrentMessageID: b.currentMessageID,
		Chunks:           chunks,
	}
}

// Complete marks the turn finished and schedules eviction after the
// grace window. A Begin before the timer fires cancels the eviction.
func (b *Buffer) Complete() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.processing = false
	if b.evict != nil {
		b.evict.Stop()
	}
	b.evict = time.AfterFunc(b.grace, b.Clear)
}

// Clear drops all buffered chunks and prompt metadata. The sequence
// counter survives: it is monotonic for the session's lifetime.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = nil
	b.processing = false
	b.currentPrompt = ""
	b.currentSenderID = ""
	b.currentMessageID = ""
	if b.evict != nil {
		b.evict.Stop()
		b.evict = nil
	}
}
