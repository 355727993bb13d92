// Package servicebus ingests prompts from a Redis stream and publishes
// completed responses back, for machine callers that speak
// request/response rather than a live chunk stream.
package servicebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentrelay/relay/internal/backoff"
	"github.com/agentrelay/relay/internal/bus"
	"github.com/agentrelay/relay/internal/store"
	"github.com/agentrelay/relay/pkg/chat"
)

// Stream and group defaults.
const (
	DefaultRequestStream  = "relay:requests"
	DefaultResponseStream = "relay:responses"
	DefaultDeadLetter     = "relay:requests:dead"
	DefaultGroup          = "relay"

	readBlock = 5 * time.Second
	readBatch = 16
)

// Dead-letter reasons recorded alongside rejected entries.
const (
	ReasonMissingField         = "MissingField"
	ReasonInvalidAgentID       = "InvalidAgentId"
	ReasonDeserializationError = "DeserializationError"
)

// request is the inbound envelope.
type request struct {
	CorrelationID string `json:"correlationId"`
	AgentID       string `json:"agentId"`
	Prompt        string `json:"prompt"`
	Sender        string `json:"sender"`
}

// response is the outbound envelope.
type response struct {
	CorrelationID string `json:"correlationId"`
	AgentID       string `json:"agentId"`
	Response      string `json:"response"`
	CompletedAt   string `json:"completedAt"`
}

// Config configures the transport.
type Config struct {
	Addr           string
	Password       string
	DB             int
	RequestStream  string
	ResponseStream string
	DeadLetter     string
	Group          string
	Consumer       string
	// KnownAgent validates the agentId field of inbound requests.
	KnownAgent func(id string) bool
}

// Transport implements bus.Transport over Redis streams.
type Transport struct {
	cfg          Config
	rdb          *redis.Client
	correlations store.CorrelationStore
	retry        backoff.Policy

	mu      sync.Mutex
	pending map[chat.Key]*strings.Builder // accumulated response text per in-flight turn
}

func New(cfg Config, correlations store.CorrelationStore) *Transport {
	if cfg.RequestStream == "" {
		cfg.RequestStream = DefaultRequestStream
	}
	if cfg.ResponseStream == "" {
		cfg.ResponseStream = DefaultResponseStream
	}
	if cfg.DeadLetter == "" {
		cfg.DeadLetter = DefaultDeadLetter
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "relay-1"
	}
	return &Transport{
		cfg: cfg,
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		correlations: correlations,
		retry:        backoff.DefaultPolicy,
		pending:      make(map[chat.Key]*strings.Builder),
	}
}

func (t *Transport) Source() chat.Source { return chat.SourceServiceBus }

// SupportsScheduledNotifications: bus callers expect answers only to
// their own requests.
func (t *Transport) SupportsScheduledNotifications() bool { return false }

// ConversationIDFor derives a stable conversation id from a correlation
// id so repeated requests for the same correlation land on one session.
func ConversationIDFor(correlationID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(correlationID))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

// ReadPrompts creates the consumer group if needed and starts the read
// loop. Entries that fail validation go to the dead-letter stream with
// a reason and are acknowledged so they are never redelivered.
func (t *Transport) ReadPrompts(ctx context.Context) (<-chan chat.Prompt, error) {
	err := t.rdb.XGroupCreateMkStream(ctx, t.cfg.RequestStream, t.cfg.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	out := make(chan chat.Prompt)
	go t.readLoop(ctx, out)
	return out, nil
}

func (t *Transport) readLoop(ctx context.Context, out chan<- chat.Prompt) {
	defer close(out)

	for {
		streams, err := t.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.cfg.Group,
			Consumer: t.cfg.Consumer,
			Streams:  []string{t.cfg.RequestStream, ">"},
			Count:    readBatch,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			slog.Error("servicebus read failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				p, reject := t.parse(msg)
				t.rdb.XAck(ctx, t.cfg.RequestStream, t.cfg.Group, msg.ID)
				if reject != "" {
					t.deadLetter(ctx, msg, reject)
					continue
				}
				if err := t.correlations.Put(ctx, p.Key(), p.CorrelationID); err != nil {
					slog.Error("servicebus persist correlation", "error", err)
				}
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// parse validates one stream entry. A non-empty reject reason means the
// entry goes to the dead-letter stream.
func (t *Transport) parse(msg redis.XMessage) (chat.Prompt, string) {
	body, ok := msg.Values["body"].(string)
	if !ok {
		return chat.Prompt{}, ReasonDeserializationError
	}
	var req request
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return chat.Prompt{}, ReasonDeserializationError
	}
	if req.CorrelationID == "" || req.AgentID == "" || req.Prompt == "" {
		return chat.Prompt{}, ReasonMissingField
	}
	if t.cfg.KnownAgent != nil && !t.cfg.KnownAgent(req.AgentID) {
		return chat.Prompt{}, ReasonInvalidAgentID
	}
	return chat.Prompt{
		Text:           req.Prompt,
		ConversationID: ConversationIDFor(req.CorrelationID),
		AgentID:        req.AgentID,
		SenderID:       req.Sender,
		Source:         chat.SourceServiceBus,
		CorrelationID:  req.CorrelationID,
	}, ""
}

func (t *Transport) deadLetter(ctx context.Context, msg redis.XMessage, reason string) {
	slog.Warn("servicebus request rejected", "entry", msg.ID, "reason", reason)
	values := map[string]any{"reason": reason, "entry": msg.ID}
	if body, ok := msg.Values["body"]; ok {
		values["body"] = body
	}
	if err := t.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: t.cfg.DeadLetter,
		Values: values,
	}).Err(); err != nil {
		slog.Error("servicebus dead-letter publish failed", "entry", msg.ID, "error", err)
	}
}

// ProcessResponseStream accumulates chunk content per session and
// publishes one response envelope when the turn finishes. Publishes
// retry on failure; an exhausted retry drops the response and the
// caller times out on its correlation id.
func (t *Transport) ProcessResponseStream(ctx context.Context, envelopes <-chan bus.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-envelopes:
			if !ok {
				return nil
			}
			t.consume(ctx, env)
		}
	}
}

func (t *Transport) consume(ctx context.Context, env bus.Envelope) {
	t.mu.Lock()
	b := t.pending[env.Key]
	if b == nil {
		b = &strings.Builder{}
		t.pending[env.Key] = b
	}
	if env.Chunk.Content != "" {
		b.WriteString(env.Chunk.Content)
	}
	var final string
	done := env.Chunk.Final || env.Chunk.Error != ""
	if done {
		final = b.String()
		if env.Chunk.Error != "" {
			final = env.Chunk.Error
		}
		delete(t.pending, env.Key)
	}
	t.mu.Unlock()

	if done {
		t.publish(ctx, env.Key, final)
	}
}

func (t *Transport) publish(ctx context.Context, key chat.Key, text string) {
	correlationID, err := t.correlations.Get(ctx, key)
	if err != nil {
		slog.Error("servicebus correlation lookup failed", "session", key.String(), "error", err)
		return
	}

	body, _ := json.Marshal(response{
		CorrelationID: correlationID,
		AgentID:       key.AgentID,
		Response:      text,
		CompletedAt:   time.Now().UTC().Format(time.RFC3339),
	})

	err = backoff.Retry(ctx, t.retry, func(attempt int) error {
		if attempt > 1 {
			slog.Warn("servicebus response retry", "correlation", correlationID, "attempt", attempt)
		}
		return t.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: t.cfg.ResponseStream,
			Values: map[string]any{"body": string(body)},
		}).Err()
	})
	if err != nil {
		slog.Error("servicebus response dropped", "correlation", correlationID, "error", err)
	}
}

// CreateTopicIfNeeded allocates a conversation for prompts that arrive
// without ids. Bus requests always carry a correlation id, so this only
// normalizes the key.
func (t *Transport) CreateTopicIfNeeded(ctx context.Context, conversationID, threadID int64, agentID, name string) (chat.Key, error) {
	if conversationID == 0 {
		return chat.Key{}, errors.New("servicebus: conversation id required")
	}
	return chat.Key{ConversationID: conversationID, ThreadID: threadID, AgentID: agentID}, nil
}

// CreateThread is unsupported; bus sessions are flat.
func (t *Transport) CreateThread(ctx context.Context, conversationID int64, name, agentID string) (int64, error) {
	return 0, errors.New("servicebus: threads not supported")
}

func (t *Transport) DoesThreadExist(ctx context.Context, key chat.Key) (bool, error) {
	_, err := t.correlations.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Close releases the Redis client.
func (t *Transport) Close() error { return t.rdb.Close() }
