// Package conversation holds the conversation state machine and the fan-out
// of state snapshots to observers.
package conversation

import (
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/twin-chat/internal/protocol"
)

// FailureNotice replaces the reply of a failed turn. The underlying error is
// never shown to the user.
const FailureNotice = "Sorry, I encountered an error. Please try again."

// ReducerOption configures a Reducer.
type ReducerOption func(*Reducer)

// WithIDSource sets the generator for message IDs.
func WithIDSource(fn func() string) ReducerOption {
	return func(r *Reducer) {
		r.newID = fn
	}
}

// WithClock sets the time source for message timestamps.
func WithClock(fn func() time.Time) ReducerOption {
	return func(r *Reducer) {
		r.now = fn
	}
}

// Reducer applies transitions to a State. Every method reports whether it
// changed the state; transitions that are not legal in the current phase
// leave it untouched.
type Reducer struct {
	newID func() string
	now   func() time.Time
}

// NewReducer creates a Reducer with UUID message IDs and wall-clock times.
func NewReducer(opts ...ReducerOption) *Reducer {
	r := &Reducer{
		newID: uuid.NewString,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit records a user message and opens a turn. Only legal when idle.
func (r *Reducer) Submit(s *State, text string) bool {
	if s.Phase != PhaseIdle {
		return false
	}
	s.PendingContent = ""
	r.appendMessage(s, RoleUser, text)
	s.Phase = PhaseAwaitingFirstToken
	return true
}

// Apply folds one protocol event into the state. Events outside an active
// turn are ignored.
func (r *Reducer) Apply(s *State, ev protocol.Event) bool {
	if !s.Phase.Active() {
		return false
	}

	switch e := ev.(type) {
	case protocol.SessionAssigned:
		if s.SessionID != "" {
			return false
		}
		s.SessionID = e.SessionID
		return true

	case protocol.ContentDelta:
		s.PendingContent += e.Text
		s.Phase = PhaseStreaming
		return true

	case protocol.TurnComplete:
		content := s.PendingContent
		s.PendingContent = ""
		r.appendMessage(s, RoleAssistant, content)
		s.Phase = PhaseIdle
		return true

	case protocol.StreamError:
		return r.Fail(s)

	default:
		return false
	}
}

// Fail ends the active turn with the failure notice. It is used both for
// StreamError events and for transport failures.
func (r *Reducer) Fail(s *State) bool {
	if !s.Phase.Active() {
		return false
	}
	s.PendingContent = ""
	r.appendMessage(s, RoleAssistant, FailureNotice)
	s.Phase = PhaseErroring
	return true
}

// Settle closes a failed turn, returning the state to idle.
func (r *Reducer) Settle(s *State) bool {
	if s.Phase != PhaseErroring {
		return false
	}
	s.Phase = PhaseIdle
	return true
}

// Cancel abandons the current turn without producing a message.
func (r *Reducer) Cancel(s *State) bool {
	if s.Phase == PhaseIdle {
		return false
	}
	s.PendingContent = ""
	s.Phase = PhaseIdle
	return true
}

// Clear drops the history while idle. The session ID is kept.
func (r *Reducer) Clear(s *State) bool {
	if s.Phase != PhaseIdle || len(s.History) == 0 {
		return false
	}
	s.History = nil
	s.PendingContent = ""
	return true
}

func (r *Reducer) appendMessage(s *State, role Role, content string) {
	s.History = append(s.History, Message{
		ID:        r.newID(),
		Role:      role,
		Content:   content,
		CreatedAt: r.now(),
	})
}
