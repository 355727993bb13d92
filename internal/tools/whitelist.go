package tools

import (
	"encoding/json"
	"path"
	"strings"
	"sync"
)

// Pattern allows automatic execution of matching tool calls. Tool
// matches by glob on the tool name; ArgsSignature, when set, must also
// equal the call's canonicalized arguments JSON (the shape recorded by
// an approvedAndRemember resolution).
type Pattern struct {
	Tool          string `json:"tool"`
	ArgsSignature string `json:"argsSignature,omitempty"`
}

// Whitelist is the per-session set of auto-approved call shapes.
type Whitelist struct {
	mu       sync.RWMutex
	patterns []Pattern
}

func NewWhitelist(patterns ...Pattern) *Whitelist {
	w := &Whitelist{}
	w.patterns = append(w.patterns, patterns...)
	return w
}

// Allows reports whether a call may execute without approval.
func (w *Whitelist) Allows(tool string, arguments json.RawMessage) bool {
	sig := CanonicalArgs(arguments)

	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, p := range w.patterns {
		if ok, err := path.Match(p.Tool, tool); err != nil || !ok {
			continue
		}
		if p.ArgsSignature == "" || p.ArgsSignature == sig {
			return true
		}
	}
	return false
}

// Remember adds a tool+arguments signature entry, as produced by an
// approvedAndRemember resolution.
func (w *Whitelist) Remember(tool string, arguments json.RawMessage) {
	entry := Pattern{Tool: tool, ArgsSignature: CanonicalArgs(arguments)}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.patterns {
		if p == entry {
			return
		}
	}
	w.patterns = append(w.patterns, entry)
}

// Patterns returns a copy of the current pattern set.
func (w *Whitelist) Patterns() []Pattern {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Pattern, len(w.patterns))
	copy(out, w.patterns)
	return out
}

// CanonicalArgs normalizes an arguments payload for signature
// comparison: decoded and re-encoded so key order and whitespace do not
// affect matching. Undecodable payloads fall back to trimmed raw text.
func CanonicalArgs(arguments json.RawMessage) string {
	if len(arguments) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(arguments, &v); err != nil {
		return strings.TrimSpace(string(arguments))
	}
	out, err := json.Marshal(v)
	if err != nil {
		return strings.TrimSpace(string(arguments))
	}
	return string(out)
}
