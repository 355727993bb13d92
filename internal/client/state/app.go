package state

import (
	"time"

	"github.com/agentrelay/relay/pkg/chat"
)

// App bundles the five stores with the dispatcher that feeds them.
type App struct {
	Dispatcher *Dispatcher

	Topics     *Store[*TopicsState]
	Messages   *Store[*MessagesState]
	Streaming  *Store[*StreamingState]
	Connection *Store[*ConnectionState]
	Approvals  *Store[*ApprovalsState]
}

// NewApp builds empty stores and registers every reducer.
func NewApp() *App {
	a := &App{
		Dispatcher: NewDispatcher(),
		Topics:     NewStore(&TopicsState{}),
		Messages:   NewStore(&MessagesState{ByTopic: map[int64][]chat.Message{}, Loaded: map[int64]bool{}}),
		Streaming: NewStore(&StreamingState{
			ByTopic:    map[int64]chat.StreamingContent{},
			Processing: map[int64]bool{},
			Resuming:   map[int64]bool{},
		}),
		Connection: NewStore(&ConnectionState{Status: ConnDisconnected}),
		Approvals:  NewStore(&ApprovalsState{}),
	}
	a.registerReducers()
	return a
}

func (a *App) registerReducers() {
	Handle(a.Dispatcher, func(LoadTopics) {
		a.Topics.Update(func(s *TopicsState) *TopicsState {
			if s.IsLoading {
				return s
			}
			next := *s
			next.IsLoading = true
			return &next
		})
	})

	Handle(a.Dispatcher, func(act TopicsLoaded) {
		a.Topics.Update(func(s *TopicsState) *TopicsState {
			next := *s
			next.Topics = act.Topics
			next.IsLoading = false
			next.LastError = ""
			return &next
		})
	})

	Handle(a.Dispatcher, func(act TopicsError) {
		a.Topics.Update(func(s *TopicsState) *TopicsState {
			if !s.IsLoading && s.LastError == act.Err {
				return s
			}
			next := *s
			next.IsLoading = false
			next.LastError = act.Err
			return &next
		})
	})

	Handle(a.Dispatcher, func(act AddTopic) {
		a.Topics.Update(func(s *TopicsState) *TopicsState {
			for _, t := range s.Topics {
				if t.ID == act.Topic.ID {
					return s
				}
			}
			next := *s
			next.Topics = append(append([]Topic(nil), s.Topics...), act.Topic)
			return &next
		})
	})

	Handle(a.Dispatcher, func(act RemoveTopic) {
		a.Topics.Update(func(s *TopicsState) *TopicsState {
			kept := make([]Topic, 0, len(s.Topics))
			removed := false
			for _, t := range s.Topics {
				if t.ID == act.ID {
					removed = true
					continue
				}
				kept = append(kept, t)
			}
			if !removed {
				return s
			}
			next := *s
			next.Topics = kept
			// Removing the open topic deselects it.
			if s.SelectedID == act.ID {
				next.SelectedID = 0
			}
			return &next
		})
		a.Messages.Update(func(s *MessagesState) *MessagesState {
			_, hasLog := s.ByTopic[act.ID]
			if !hasLog && !s.Loaded[act.ID] {
				return s
			}
			return &MessagesState{ByTopic: copyWithout(s.ByTopic, act.ID), Loaded: copyWithout(s.Loaded, act.ID)}
		})
		a.Streaming.Update(func(s *StreamingState) *StreamingState {
			_, hasStream := s.ByTopic[act.ID]
			if !hasStream && !s.Processing[act.ID] && !s.Resuming[act.ID] {
				return s
			}
			return &StreamingState{
				ByTopic:    copyWithout(s.ByTopic, act.ID),
				Processing: copyWithout(s.Processing, act.ID),
				Resuming:   copyWithout(s.Resuming, act.ID),
			}
		})
	})

	Handle(a.Dispatcher, func(act SelectTopic) {
		a.Topics.Update(func(s *TopicsState) *TopicsState {
			if s.SelectedID == act.ID {
				return s
			}
			next := *s
			next.SelectedID = act.ID
			return &next
		})
	})

	Handle(a.Dispatcher, func(act SetAgents) {
		a.Topics.Update(func(s *TopicsState) *TopicsState {
			next := *s
			next.Agents = act.Agents
			return &next
		})
	})

	Handle(a.Dispatcher, func(act SelectAgent) {
		a.Topics.Update(func(s *TopicsState) *TopicsState {
			if s.SelectedAgentID == act.ID {
				return s
			}
			next := *s
			next.SelectedAgentID = act.ID
			return &next
		})
	})

	Handle(a.Dispatcher, func(act AddMessage) {
		a.Messages.Update(func(s *MessagesState) *MessagesState {
			byTopic := copyMap(s.ByTopic)
			byTopic[act.TopicID] = append(append([]chat.Message(nil), byTopic[act.TopicID]...), act.Message)
			return &MessagesState{ByTopic: byTopic, Loaded: s.Loaded}
		})
	})

	Handle(a.Dispatcher, func(act RemoveMessage) {
		a.Messages.Update(func(s *MessagesState) *MessagesState {
			msgs, ok := s.ByTopic[act.TopicID]
			if !ok {
				return s
			}
			kept := make([]chat.Message, 0, len(msgs))
			removed := false
			for _, m := range msgs {
				if m.MessageID == act.MessageID {
					removed = true
					continue
				}
				kept = append(kept, m)
			}
			if !removed {
				return s
			}
			byTopic := copyMap(s.ByTopic)
			byTopic[act.TopicID] = kept
			return &MessagesState{ByTopic: byTopic, Loaded: s.Loaded}
		})
	})

	Handle(a.Dispatcher, func(act SetMessages) {
		a.Messages.Update(func(s *MessagesState) *MessagesState {
			byTopic := copyMap(s.ByTopic)
			byTopic[act.TopicID] = act.Messages
			loaded := copyMap(s.Loaded)
			loaded[act.TopicID] = true
			return &MessagesState{ByTopic: byTopic, Loaded: loaded}
		})
	})

	Handle(a.Dispatcher, func(act ClearMessages) {
		a.Messages.Update(func(s *MessagesState) *MessagesState {
			if len(s.ByTopic[act.TopicID]) == 0 {
				return s
			}
			byTopic := copyMap(s.ByTopic)
			byTopic[act.TopicID] = nil
			return &MessagesState{ByTopic: byTopic, Loaded: s.Loaded}
		})
	})

	Handle(a.Dispatcher, func(act SetStreaming) {
		a.Streaming.Update(func(s *StreamingState) *StreamingState {
			byTopic := copyMap(s.ByTopic)
			byTopic[act.TopicID] = act.Content
			return &StreamingState{ByTopic: byTopic, Processing: s.Processing, Resuming: s.Resuming}
		})
	})

	Handle(a.Dispatcher, func(act ClearStreaming) {
		a.Streaming.Update(func(s *StreamingState) *StreamingState {
			if _, ok := s.ByTopic[act.TopicID]; !ok {
				return s
			}
			return &StreamingState{ByTopic: copyWithout(s.ByTopic, act.TopicID), Processing: s.Processing, Resuming: s.Resuming}
		})
	})

	Handle(a.Dispatcher, func(act SetProcessing) {
		a.Streaming.Update(func(s *StreamingState) *StreamingState {
			if s.Processing[act.TopicID] == act.Processing {
				return s
			}
			processing := copyMap(s.Processing)
			if act.Processing {
				processing[act.TopicID] = true
			} else {
				delete(processing, act.TopicID)
			}
			return &StreamingState{ByTopic: s.ByTopic, Processing: processing, Resuming: s.Resuming}
		})
	})

	Handle(a.Dispatcher, func(act StartResuming) {
		a.Streaming.Update(func(s *StreamingState) *StreamingState {
			if s.Resuming[act.TopicID] {
				return s
			}
			resuming := copyMap(s.Resuming)
			resuming[act.TopicID] = true
			return &StreamingState{ByTopic: s.ByTopic, Processing: s.Processing, Resuming: resuming}
		})
	})

	Handle(a.Dispatcher, func(act StopResuming) {
		a.Streaming.Update(func(s *StreamingState) *StreamingState {
			if !s.Resuming[act.TopicID] {
				return s
			}
			return &StreamingState{ByTopic: s.ByTopic, Processing: s.Processing, Resuming: copyWithout(s.Resuming, act.TopicID)}
		})
	})

	Handle(a.Dispatcher, func(act ConnectionChanged) {
		a.Connection.Update(func(s *ConnectionState) *ConnectionState {
			now := time.Now()
			switch act.Status {
			case ConnConnected:
				if s.Status == ConnConnected && s.LastError == "" && s.ReconnectAttempts == 0 {
					return s
				}
				return &ConnectionState{Status: ConnConnected, Since: now, LastConnected: now}
			case ConnReconnecting:
				// Every reconnecting transition counts an attempt.
				return &ConnectionState{
					Status:            ConnReconnecting,
					LastError:         act.Err,
					Since:             now,
					LastConnected:     s.LastConnected,
					ReconnectAttempts: s.ReconnectAttempts + 1,
				}
			default:
				if s.Status == act.Status && s.LastError == act.Err {
					return s
				}
				return &ConnectionState{
					Status:            act.Status,
					LastError:         act.Err,
					Since:             now,
					LastConnected:     s.LastConnected,
					ReconnectAttempts: s.ReconnectAttempts,
				}
			}
		})
	})

	Handle(a.Dispatcher, func(act ApprovalRequested) {
		a.Approvals.Update(func(s *ApprovalsState) *ApprovalsState {
			for _, r := range s.Pending {
				if r.ID == act.Request.ID {
					return s
				}
			}
			return &ApprovalsState{
				Pending:      append(append([]chat.ApprovalRequest(nil), s.Pending...), act.Request),
				IsResponding: s.IsResponding,
			}
		})
	})

	Handle(a.Dispatcher, func(act ApprovalResponding) {
		a.Approvals.Update(func(s *ApprovalsState) *ApprovalsState {
			if s.IsResponding == act.Responding {
				return s
			}
			return &ApprovalsState{Pending: s.Pending, IsResponding: act.Responding}
		})
	})

	Handle(a.Dispatcher, func(act ApprovalResolved) {
		a.Approvals.Update(func(s *ApprovalsState) *ApprovalsState {
			kept := make([]chat.ApprovalRequest, 0, len(s.Pending))
			removed := false
			for _, r := range s.Pending {
				if r.ID == act.ID {
					removed = true
					continue
				}
				kept = append(kept, r)
			}
			if !removed && !s.IsResponding {
				return s
			}
			return &ApprovalsState{Pending: kept}
		})
	})
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyWithout[K comparable, V any](m map[K]V, k K) map[K]V {
	out := copyMap(m)
	delete(out, k)
	return out
}
