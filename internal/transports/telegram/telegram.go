// Package telegram bridges Telegram chats into the gateway via the Bot
// API using long polling. Chats map to conversations and forum topics
// map to threads.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/agentrelay/relay/internal/bus"
	"github.com/agentrelay/relay/internal/store"
	"github.com/agentrelay/relay/pkg/chat"
)

const (
	// Telegram rejects messages above this length; longer responses
	// are split on the closest newline under the limit.
	maxMessageLen = 4096

	// generalTopicID is the implicit topic of a forum chat when no
	// message_thread_id is present.
	generalTopicID = 1

	typingInterval = 4 * time.Second
)

// Config configures the transport.
type Config struct {
	Token string
	Proxy string
	// AgentID is the agent all Telegram prompts route to.
	AgentID string
	// AllowFrom restricts senders; empty allows everyone.
	AllowFrom []string
}

// Transport implements bus.Transport over the Telegram Bot API.
type Transport struct {
	bot     *telego.Bot
	cfg     Config
	threads store.ThreadStateStore

	mu      sync.Mutex
	pending map[chat.Key]*turnBuffer
}

// turnBuffer accumulates one streaming turn for a chat plus its typing
// indicator lifecycle.
type turnBuffer struct {
	text       strings.Builder
	stopTyping context.CancelFunc
}

func New(cfg Config, threads store.ThreadStateStore) (*Transport, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Transport{
		bot:     bot,
		cfg:     cfg,
		threads: threads,
		pending: make(map[chat.Key]*turnBuffer),
	}, nil
}

func (t *Transport) Source() chat.Source { return chat.SourceTelegram }

func (t *Transport) SupportsScheduledNotifications() bool { return true }

// ReadPrompts starts long polling and converts messages to prompts.
func (t *Transport) ReadPrompts(ctx context.Context) (<-chan chat.Prompt, error) {
	updates, err := t.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return nil, fmt.Errorf("start long polling: %w", err)
	}
	slog.Info("telegram bot connected", "username", t.bot.Username())

	out := make(chan chat.Prompt)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				p, ok := t.toPrompt(update)
				if !ok {
					continue
				}
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (t *Transport) toPrompt(update telego.Update) (chat.Prompt, bool) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Text == "" {
		return chat.Prompt{}, false
	}

	senderID := fmt.Sprintf("%d", msg.From.ID)
	if msg.From.Username != "" {
		senderID = fmt.Sprintf("%s|%s", senderID, msg.From.Username)
	}
	if !t.allowed(senderID) {
		slog.Debug("telegram sender not allowed", "sender", senderID)
		return chat.Prompt{}, false
	}

	var threadID int64
	if msg.Chat.IsForum {
		threadID = int64(msg.MessageThreadID)
		if threadID == 0 {
			threadID = generalTopicID
		}
	}

	return chat.Prompt{
		Text:           msg.Text,
		ConversationID: msg.Chat.ID,
		ThreadID:       threadID,
		AgentID:        t.cfg.AgentID,
		SenderID:       senderID,
		Source:         chat.SourceTelegram,
	}, true
}

func (t *Transport) allowed(senderID string) bool {
	if len(t.cfg.AllowFrom) == 0 {
		return true
	}
	for _, a := range t.cfg.AllowFrom {
		if a == senderID || strings.HasPrefix(senderID, a+"|") || strings.HasSuffix(senderID, "|"+a) {
			return true
		}
	}
	return false
}

// ProcessResponseStream accumulates chunks per turn, keeps the typing
// indicator alive while streaming, and sends the full response when
// the turn completes.
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
	buf := t.pending[env.Key]
	if buf == nil {
		buf = &turnBuffer{}
		t.pending[env.Key] = buf
		typingCtx, cancel := context.WithCancel(ctx)
		buf.stopTyping = cancel
		go t.typingLoop(typingCtx, env.Key)
	}
	if env.Chunk.Content != "" {
		buf.text.WriteString(env.Chunk.Content)
	}
	done := env.Chunk.Final || env.Chunk.Error != ""
	var final string
	if done {
		final = buf.text.String()
		if env.Chunk.Error != "" {
			final = "Something went wrong: " + env.Chunk.Error
		}
		buf.stopTyping()
		delete(t.pending, env.Key)
	}
	t.mu.Unlock()

	if done && final != "" {
		t.sendText(ctx, env.Key, final)
	}
}

func (t *Transport) typingLoop(ctx context.Context, key chat.Key) {
	ticker := time.NewTicker(typingInterval)
	defer ticker.Stop()
	for {
		action := &telego.SendChatActionParams{
			ChatID: tu.ID(key.ConversationID),
			Action: telego.ChatActionTyping,
		}
		if key.ThreadID > 0 {
			action.MessageThreadID = int(key.ThreadID)
		}
		if err := t.bot.SendChatAction(ctx, action); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *Transport) sendText(ctx context.Context, key chat.Key, text string) {
	for _, part := range splitMessage(text, maxMessageLen) {
		msg := tu.Message(tu.ID(key.ConversationID), part)
		if key.ThreadID > 0 {
			msg.MessageThreadID = int(key.ThreadID)
		}
		if _, err := t.bot.SendMessage(ctx, msg); err != nil {
			slog.Error("telegram send failed", "chat", key.ConversationID, "error", err)
			return
		}
	}
}

// splitMessage breaks text into chunks under limit, preferring newline
// boundaries.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var parts []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
		}
		parts = append(parts, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

// CreateTopicIfNeeded records the chat in the thread store. Telegram
// allocates chat ids itself, so a missing conversation id is an error.
func (t *Transport) CreateTopicIfNeeded(ctx context.Context, conversationID, threadID int64, agentID, name string) (chat.Key, error) {
	if conversationID == 0 {
		return chat.Key{}, errors.New("telegram: chat id required")
	}
	key := chat.Key{ConversationID: conversationID, ThreadID: threadID, AgentID: agentID}
	if err := t.threads.Put(ctx, &store.ThreadState{Key: key, Name: name}); err != nil {
		return chat.Key{}, err
	}
	return key, nil
}

// CreateThread creates a forum topic in the chat. Requires the chat to
// be a forum supergroup with the bot as admin.
func (t *Transport) CreateThread(ctx context.Context, conversationID int64, name, agentID string) (int64, error) {
	topic, err := t.bot.CreateForumTopic(ctx, &telego.CreateForumTopicParams{
		ChatID: tu.ID(conversationID),
		Name:   name,
	})
	if err != nil {
		return 0, fmt.Errorf("create forum topic: %w", err)
	}
	threadID := int64(topic.MessageThreadID)
	key := chat.Key{ConversationID: conversationID, ThreadID: threadID, AgentID: agentID}
	if err := t.threads.Put(ctx, &store.ThreadState{Key: key, Name: name}); err != nil {
		return 0, err
	}
	return threadID, nil
}

func (t *Transport) DoesThreadExist(ctx context.Context, key chat.Key) (bool, error) {
	_, err := t.threads.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
