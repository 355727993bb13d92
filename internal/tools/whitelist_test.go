package tools

import (
	"encoding/json"
	"testing"
)

func TestWhitelist_Allows(t *testing.T) {
	wl := NewWhitelist(
		Pattern{Tool: "current_time"},
		Pattern{Tool: "fs_*"},
		Pattern{Tool: "http_fetch", ArgsSignature: `{"url":"https://example.com"}`},
	)

	tests := []struct {
		name string
		tool string
		args string
		want bool
	}{
		{"exact name, any args", "current_time", `{"timezone":"UTC"}`, true},
		{"glob match", "fs_read", `{}`, true},
		{"glob non-match", "shell_exec", `{}`, false},
		{"pinned args match", "http_fetch", `{"url":"https://example.com"}`, true},
		{"pinned args key order ignored", "http_fetch", `{ "url" : "https://example.com" }`, true},
		{"pinned args mismatch", "http_fetch", `{"url":"https://evil.example"}`, false},
		{"unknown tool", "delete_everything", `{}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := wl.Allows(tt.tool, json.RawMessage(tt.args)); got != tt.want {
				t.Errorf("Allows(%q, %s) = %v, want %v", tt.tool, tt.args, got, tt.want)
			}
		})
	}
}

func TestWhitelist_Remember(t *testing.T) {
	wl := NewWhitelist()
	args := json.RawMessage(`{"msg": "hi"}`)

	if wl.Allows("echo", args) {
		t.Fatal("empty whitelist allowed a call")
	}
	wl.Remember("echo", args)
	if !wl.Allows("echo", args) {
		t.Error("remembered call not allowed")
	}
	// Remembered shape is exact: different args still gated.
	if wl.Allows("echo", json.RawMessage(`{"msg":"other"}`)) {
		t.Error("remember leaked to different arguments")
	}

	// Remember is idempotent.
	wl.Remember("echo", args)
	if got := len(wl.Patterns()); got != 1 {
		t.Errorf("patterns = %d, want 1", got)
	}
}

func TestCanonicalArgs(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"normalizes whitespace", `{ "a" : 1 }`, `{"a":1}`},
		{"sorts keys", `{"b":2,"a":1}`, `{"a":1,"b":2}`},
		{"invalid json falls back to trimmed raw", `  not json  `, "not json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanonicalArgs(json.RawMessage(tt.in)); got != tt.want {
				t.Errorf("CanonicalArgs(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
