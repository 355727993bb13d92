package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/agentrelay/relay/pkg/chat"
)

// sendQueueDepth bounds each transport's outbound queue. A slow sender
// drops rather than stalling buffer appends for every other transport.
const sendQueueDepth = 256

// Composite multiplexes 1..N concrete transports: merged prompt
// fan-in, policy-driven chunk fan-out, and the conversation→source pin
// table that backs the routing decisions.
type Composite struct {
	transports map[chat.Source]Transport

	mu      sync.RWMutex
	sources map[int64]chat.Source // conversationID → origin source

	outs   map[chat.Source]chan Envelope
	outsWG sync.WaitGroup
	once   sync.Once
}

func NewComposite(transports ...Transport) *Composite {
	c := &Composite{
		transports: make(map[chat.Source]Transport, len(transports)),
		sources:    make(map[int64]chat.Source),
		outs:       make(map[chat.Source]chan Envelope, len(transports)),
	}
	for _, t := range transports {
		c.transports[t.Source()] = t
	}
	return c
}

// BySource returns the child transport for a source tag.
func (c *Composite) BySource(s chat.Source) (Transport, bool) {
	t, ok := c.transports[s]
	return t, ok
}

// Transports returns all child transports.
func (c *Composite) Transports() []Transport {
	out := make([]Transport, 0, len(c.transports))
	for _, t := range c.transports {
		out = append(out, t)
	}
	return out
}

// PinSource records which transport originated a conversation's current
// prompt. The pin is consulted on every fan-out for that conversation.
func (c *Composite) PinSource(conversationID int64, s chat.Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[conversationID] = s
}

// SourceOf returns the pinned source for a conversation.
func (c *Composite) SourceOf(conversationID int64) (chat.Source, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sources[conversationID]
	return s, ok
}

// ReadPrompts merges the child prompt streams into one channel and pins
// each prompt's source. The merged channel closes after every child
// stream ends.
func (c *Composite) ReadPrompts(ctx context.Context) (<-chan chat.Prompt, error) {
	merged := make(chan chat.Prompt)
	var wg sync.WaitGroup

	for _, t := range c.transports {
		in, err := t.ReadPrompts(ctx)
		if err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(src chat.Source, in <-chan chat.Prompt) {
			defer wg.Done()
			for p := range in {
				p.Source = src
				if p.ConversationID != 0 {
					c.PinSource(p.ConversationID, src)
				}
				select {
				case merged <- p:
				case <-ctx.Done():
					return
				}
			}
		}(t.Source(), in)
	}

	go func() { wg.Wait(); close(merged) }()
	return merged, nil
}

// Start launches the response consumer of every child transport. Must
// be called before Write.
func (c *Composite) Start(ctx context.Context) {
	c.once.Do(func() {
		for src, t := range c.transports {
			ch := make(chan Envelope, sendQueueDepth)
			c.outs[src] = ch
			c.outsWG.Add(1)
			go func(t Transport, ch chan Envelope) {
				defer c.outsWG.Done()
				if err := t.ProcessResponseStream(ctx, ch); err != nil && ctx.Err() == nil {
					slog.Error("transport response stream failed", "source", t.Source(), "error", err)
				}
			}(t, ch)
		}
	})
}

// Write routes one chunk by policy. The pin table supplies the source;
// a chunk for a conversation with no known source is dropped for
// source-specific transports and still delivered to the observer.
func (c *Composite) Write(key chat.Key, chunk chat.Chunk) {
	src, _ := c.SourceOf(key.ConversationID)
	env := Envelope{Key: key, Chunk: chunk, Source: src}

	for _, recipient := range Recipients(src) {
		out, ok := c.outs[recipient]
		if !ok {
			continue
		}
		select {
		case out <- env:
		default:
			slog.Warn("transport send queue full, dropping chunk",
				"source", recipient, "session", key.String(), "seq", chunk.Sequence)
		}
	}
}

// Close shuts the outbound queues and waits for consumers to drain.
func (c *Composite) Close() {
	for _, ch := range c.outs {
		close(ch)
	}
	c.outsWG.Wait()
}
