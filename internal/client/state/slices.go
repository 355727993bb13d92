package state

import (
	"time"

	"github.com/agentrelay/relay/pkg/chat"
)

// Topic is one conversation as the client sees it.
type Topic struct {
	ID      int64
	Name    string
	AgentID string
}

// TopicsState lists known topics, the configured agents, and what the
// UI has open.
type TopicsState struct {
	Topics []Topic
	// SelectedID is 0 when nothing is selected.
	SelectedID      int64
	Agents          []string
	SelectedAgentID string
	// IsLoading is set between LoadTopics and TopicsLoaded/TopicsError.
	IsLoading bool
	LastError string
}

// MessagesState holds the completed message log per topic. Loaded
// distinguishes a topic whose log was fetched and is empty from one
// never fetched at all.
type MessagesState struct {
	ByTopic map[int64][]chat.Message
	Loaded  map[int64]bool
}

// StreamingState holds the in-flight partial turn per topic. Resuming
// marks topics whose buffered stream is being reconciled after a
// reconnect; a topic is never both resuming and streaming live.
type StreamingState struct {
	ByTopic    map[int64]chat.StreamingContent
	Processing map[int64]bool
	Resuming   map[int64]bool
}

// ConnStatus is the socket lifecycle.
type ConnStatus string

const (
	ConnDisconnected ConnStatus = "disconnected"
	ConnConnecting   ConnStatus = "connecting"
	ConnConnected    ConnStatus = "connected"
	ConnReconnecting ConnStatus = "reconnecting"
)

// ConnectionState tracks the gateway socket. A successful connect
// zeroes ReconnectAttempts and clears LastError.
type ConnectionState struct {
	Status            ConnStatus
	LastError         string
	Since             time.Time
	LastConnected     time.Time
	ReconnectAttempts int
}

// ApprovalsState lists approval requests awaiting a decision.
// IsResponding is set while a resolve call is in flight.
type ApprovalsState struct {
	Pending      []chat.ApprovalRequest
	IsResponding bool
}

// Actions.

// LoadTopics marks the topic list as being fetched.
type LoadTopics struct{}

// TopicsLoaded replaces the topic list after a fetch.
type TopicsLoaded struct{ Topics []Topic }

// TopicsError records a failed topic fetch.
type TopicsError struct{ Err string }

type AddTopic struct{ Topic Topic }

type RemoveTopic struct{ ID int64 }

type SelectTopic struct{ ID int64 }

type SetAgents struct{ Agents []string }

type SelectAgent struct{ ID string }

type AddMessage struct {
	TopicID int64
	Message chat.Message
}

type RemoveMessage struct {
	TopicID   int64
	MessageID string
}

// SetMessages replaces a topic's whole log and marks it loaded; used
// after fetches and resume merges.
type SetMessages struct {
	TopicID  int64
	Messages []chat.Message
}

// ClearMessages empties a topic's log while keeping it loaded.
type ClearMessages struct{ TopicID int64 }

type SetStreaming struct {
	TopicID int64
	Content chat.StreamingContent
}

type ClearStreaming struct{ TopicID int64 }

type SetProcessing struct {
	TopicID    int64
	Processing bool
}

// StartResuming marks a topic while its buffered stream is reconciled.
type StartResuming struct{ TopicID int64 }

type StopResuming struct{ TopicID int64 }

type ConnectionChanged struct {
	Status ConnStatus
	Err    string
}

type ApprovalRequested struct{ Request chat.ApprovalRequest }

// ApprovalResponding toggles the in-flight flag around a resolve call.
type ApprovalResponding struct{ Responding bool }

type ApprovalResolved struct{ ID string }
