package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	fetchTimeout      = 30 * time.Second
	fetchMaxBytes     = 1 << 20
	fetchDefaultChars = 50000
	fetchUserAgent    = "relay/1.0"
)

// CurrentTimeTool reports the current time, optionally in a named zone.
type CurrentTimeTool struct{}

func (CurrentTimeTool) Name() string { return "current_time" }

func (CurrentTimeTool) Description() string {
	return "Get the current date and time, optionally in a specific IANA timezone."
}

func (CurrentTimeTool) ParametersSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"timezone": {
				"type": "string",
				"description": "IANA timezone name, e.g. \"Europe/Berlin\". Defaults to UTC."
			}
		}
	}`)
}

func (CurrentTimeTool) Invoke(_ context.Context, arguments json.RawMessage) (*Result, error) {
	var args struct {
		Timezone string `json:"timezone"`
	}
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return ErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
	}

	loc := time.UTC
	if args.Timezone != "" {
		l, err := time.LoadLocation(args.Timezone)
		if err != nil {
			return ErrorResult(fmt.Sprintf("unknown timezone %q", args.Timezone)), nil
		}
		loc = l
	}

	now := time.Now().In(loc)
	payload, _ := json.Marshal(map[string]string{
		"time":     now.Format(time.RFC3339),
		"timezone": loc.String(),
		"weekday":  now.Weekday().String(),
	})
	return JSONResult(payload), nil
}

// HTTPFetchTool fetches a URL and returns its body as text. Private and
// loopback addresses are refused.
type HTTPFetchTool struct {
	client *http.Client
}

func NewHTTPFetchTool() *HTTPFetchTool {
	return &HTTPFetchTool{client: &http.Client{Timeout: fetchTimeout}}
}

func (t *HTTPFetchTool) Name() string { return "http_fetch" }

func (t *HTTPFetchTool) Description() string {
	return "Fetch an http(s) URL and return the response body as text. Bodies are truncated past the character limit."
}

func (t *HTTPFetchTool) ParametersSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {
				"type": "string",
				"description": "HTTP or HTTPS URL to fetch."
			},
			"maxChars": {
				"type": "integer",
				"description": "Maximum characters to return.",
				"minimum": 100
			}
		},
		"required": ["url"]
	}`)
}

func (t *HTTPFetchTool) Invoke(ctx context.Context, arguments json.RawMessage) (*Result, error) {
	var args struct {
		URL      string `json:"url"`
		MaxChars int    `json:"maxChars"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return ErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.URL == "" {
		return ErrorResult("url is required"), nil
	}
	maxChars := args.MaxChars
	if maxChars < 100 {
		maxChars = fetchDefaultChars
	}

	parsed, err := url.Parse(args.URL)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid URL: %v", err)), nil
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrorResult("only http and https URLs are supported"), nil
	}
	if parsed.Host == "" {
		return ErrorResult("missing hostname in URL"), nil
	}
	if err := refusePrivateHost(parsed.Hostname()); err != nil {
		return ErrorResult(err.Error()), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
	if err != nil {
		return ErrorResult(fmt.Sprintf("build request: %v", err)), nil
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("fetch failed: %v", err)), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBytes))
	if err != nil {
		return ErrorResult(fmt.Sprintf("read body: %v", err)), nil
	}

	text := string(body)
	truncated := false
	if len(text) > maxChars {
		text = text[:maxChars]
		truncated = true
	}
	if resp.StatusCode >= 400 {
		return ErrorResult(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(text))), nil
	}

	payload, _ := json.Marshal(map[string]any{
		"status":      resp.StatusCode,
		"contentType": resp.Header.Get("Content-Type"),
		"body":        text,
		"truncated":   truncated,
	})
	return JSONResult(payload), nil
}

// refusePrivateHost blocks loopback, link-local, and RFC 1918 targets so
// a prompt cannot steer the tool at internal services.
func refusePrivateHost(host string) error {
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("refusing to fetch private address %s", ip)
		}
	}
	return nil
}

// Builtins returns the tools every agent gets by default.
func Builtins() []Tool {
	return []Tool{CurrentTimeTool{}, NewHTTPFetchTool()}
}
