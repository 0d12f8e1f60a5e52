package conversation

import (
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Phase is the position of the conversation in the turn lifecycle.
type Phase int

const (
	// PhaseIdle accepts a new submission.
	PhaseIdle Phase = iota
	// PhaseAwaitingFirstToken has sent the user message and seen no content yet.
	PhaseAwaitingFirstToken
	// PhaseStreaming is accumulating content deltas.
	PhaseStreaming
	// PhaseErroring holds a failed turn until the controller settles it.
	PhaseErroring
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingFirstToken:
		return "awaiting_first_token"
	case PhaseStreaming:
		return "streaming"
	case PhaseErroring:
		return "erroring"
	default:
		return "unknown"
	}
}

// Active reports whether a turn is in flight and consuming events.
func (p Phase) Active() bool {
	return p == PhaseAwaitingFirstToken || p == PhaseStreaming
}

// Message is one entry of the history. It is never modified after it has
// been appended.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// State is the complete conversation state of one client.
type State struct {
	History        []Message `json:"history"`
	SessionID      string    `json:"session_id,omitempty"`
	PendingContent string    `json:"pending_content,omitempty"`
	Phase          Phase     `json:"phase"`
}

// Clone returns a copy that shares no mutable memory with s.
func (s State) Clone() State {
	out := s
	if s.History != nil {
		out.History = make([]Message, len(s.History))
		copy(out.History, s.History)
	}
	return out
}

// LastMessage returns the most recent history entry.
func (s State) LastMessage() (Message, bool) {
	if len(s.History) == 0 {
		return Message{}, false
	}
	return s.History[len(s.History)-1], true
}
