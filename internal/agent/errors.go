package agent

import (
	"context"
	"errors"
	"strings"
)

// ErrLoopLimit means a turn exhausted the tool-iteration depth without
// the model producing a final answer.
var ErrLoopLimit = errors.New("agent loop depth exceeded")

// transientMatches are message fragments that identify a cancellation
// surfaced through a provider error string. Matching is type-based
// first (context.Canceled); the string set is the fallback for wrapped
// provider errors that lose the sentinel.
var transientMatches = []string{
	"operationcanceled",
	"taskcanceled",
	"operation was canceled",
}

// IsTransient reports whether err is a cancellation that should end the
// turn silently: no error chunk, the turn marked interrupted rather
// than failed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMatches {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
