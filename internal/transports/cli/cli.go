// Package cli is the interactive stdin/stdout transport used by the
// chat command. One process, one conversation.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/mattn/go-runewidth"

	"github.com/agentrelay/relay/internal/bus"
	"github.com/agentrelay/relay/pkg/chat"
)

// conversationID is fixed: a CLI process is one conversation.
const conversationID = 1

// Transport implements bus.Transport over the process's terminal.
type Transport struct {
	agentID string
	in      io.Reader
	out     io.Writer

	// printedReasoning tracks whether the thinking header was shown
	// for the current turn.
	printedReasoning atomic.Bool
}

func New(agentID string, in io.Reader, out io.Writer) *Transport {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	return &Transport{agentID: agentID, in: in, out: out}
}

func (t *Transport) Source() chat.Source { return chat.SourceCLI }

// SupportsScheduledNotifications: a terminal user did not ask for
// unprompted output.
func (t *Transport) SupportsScheduledNotifications() bool { return false }

func (t *Transport) ReadPrompts(ctx context.Context) (<-chan chat.Prompt, error) {
	out := make(chan chat.Prompt)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(t.in)
		t.banner()
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				t.prompt()
				continue
			}
			if text == "/quit" || text == "/exit" {
				return
			}
			p := chat.Prompt{
				Text:           text,
				ConversationID: conversationID,
				AgentID:        t.agentID,
				SenderID:       "cli",
				Source:         chat.SourceCLI,
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (t *Transport) ProcessResponseStream(ctx context.Context, envelopes <-chan bus.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-envelopes:
			if !ok {
				return nil
			}
			t.render(env.Chunk)
		}
	}
}

func (t *Transport) render(c chat.Chunk) {
	switch {
	case c.Approval != nil:
		fmt.Fprintf(t.out, "\n[approval required: %s]\n", approvalSummary(c.Approval))
	case c.Error != "":
		fmt.Fprintf(t.out, "\nerror: %s\n", c.Error)
		t.prompt()
	case c.Final:
		fmt.Fprintln(t.out)
		t.printedReasoning.Store(false)
		t.prompt()
	case c.Reasoning != "":
		if t.printedReasoning.CompareAndSwap(false, true) {
			fmt.Fprint(t.out, "(thinking) ")
		}
	case c.Content != "":
		fmt.Fprint(t.out, c.Content)
	}
}

func approvalSummary(req *chat.ApprovalRequest) string {
	names := make([]string, 0, len(req.Calls))
	for _, c := range req.Calls {
		names = append(names, c.ToolName)
	}
	return req.ID + " " + strings.Join(names, ", ")
}

func (t *Transport) banner() {
	title := fmt.Sprintf(" relay chat · %s ", t.agentID)
	rule := strings.Repeat("─", runewidth.StringWidth(title))
	fmt.Fprintf(t.out, "%s\n%s\n%s\n", rule, title, rule)
	t.prompt()
}

func (t *Transport) prompt() {
	fmt.Fprint(t.out, "> ")
}

func (t *Transport) CreateTopicIfNeeded(ctx context.Context, cid, tid int64, agentID, name string) (chat.Key, error) {
	return chat.Key{ConversationID: conversationID, AgentID: agentID}, nil
}

func (t *Transport) CreateThread(ctx context.Context, cid int64, name, agentID string) (int64, error) {
	return 0, fmt.Errorf("cli: threads not supported")
}

func (t *Transport) DoesThreadExist(ctx context.Context, key chat.Key) (bool, error) {
	return key.ConversationID == conversationID && key.ThreadID == 0, nil
}
