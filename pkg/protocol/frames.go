// Package protocol defines the WebSocket wire protocol spoken between
// the gateway and its dashboard/CLI clients.
package protocol

import "encoding/json"

// ProtocolVersion is bumped on breaking frame changes. Clients refuse
// to connect across a mismatch.
const ProtocolVersion = 1

// FrameType discriminates the three frame shapes on the wire.
type FrameType string

const (
	FrameRequest  FrameType = "req"
	FrameResponse FrameType = "res"
	FrameEvent    FrameType = "event"
)

// RequestFrame is a client-initiated RPC call.
type RequestFrame struct {
	Type   FrameType       `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers exactly one RequestFrame, matched by ID.
type ResponseFrame struct {
	Type   FrameType       `json:"type"`
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorShape     `json:"error,omitempty"`
}

// EventFrame is a server push; no ID, no reply expected.
type EventFrame struct {
	Type    FrameType       `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorShape carries a machine-readable code plus a human message.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeNotFound      = "not_found"
	ErrCodeUnauthorized  = "unauthorized"
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeInternal      = "internal"
	ErrCodeUnknownMethod = "unknown_method"
)

// NewResponse builds a success response for a request id. result is
// marshalled; marshal failures degrade to an internal error response.
func NewResponse(id string, result any) *ResponseFrame {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewError(id, ErrCodeInternal, "encode result: "+err.Error())
	}
	return &ResponseFrame{Type: FrameResponse, ID: id, OK: true, Result: raw}
}

// NewError builds a failure response for a request id.
func NewError(id, code, message string) *ResponseFrame {
	return &ResponseFrame{
		Type:  FrameResponse,
		ID:    id,
		Error: &ErrorShape{Code: code, Message: message},
	}
}

// NewEvent builds a server push frame. payload is marshalled; a marshal
// failure yields an empty payload rather than a dropped event.
func NewEvent(name string, payload any) *EventFrame {
	raw, _ := json.Marshal(payload)
	return &EventFrame{Type: FrameEvent, Event: name, Payload: raw}
}
