// Package protocol interprets data-record payloads of the conversation stream.
package protocol

import (
	"github.com/tidwall/gjson"
)

// Discriminator values carried in the payload "type" field.
const (
	TypeSessionID = "session_id"
	TypeContent   = "content"
	TypeDone      = "done"
	TypeError     = "error"
)

// Event is one of SessionAssigned, ContentDelta, TurnComplete or StreamError.
type Event interface {
	// Type returns the wire discriminator of the event.
	Type() string

	isEvent()
}

// SessionAssigned carries the session identifier chosen by the service.
type SessionAssigned struct {
	SessionID string
}

// ContentDelta is one incremental piece of the assistant reply.
type ContentDelta struct {
	Text string
}

// TurnComplete ends the turn successfully.
type TurnComplete struct{}

// StreamError ends the turn with a failure reported by the service.
type StreamError struct {
	Message string
}

func (SessionAssigned) Type() string { return TypeSessionID }
func (ContentDelta) Type() string    { return TypeContent }
func (TurnComplete) Type() string    { return TypeDone }
func (StreamError) Type() string     { return TypeError }

func (SessionAssigned) isEvent() {}
func (ContentDelta) isEvent()    {}
func (TurnComplete) isEvent()    {}
func (StreamError) isEvent()     {}

// Terminal reports whether e ends the turn.
func Terminal(e Event) bool {
	switch e.(type) {
	case TurnComplete, StreamError:
		return true
	default:
		return false
	}
}

// Interpret parses a data-record payload. It returns ok == false for anything
// that is not a well-formed, known event: invalid or partial JSON, a missing
// or non-string type, an unknown type, or a field of the wrong type. Such
// records are expected (heartbeats, newer event kinds) and are not errors.
func Interpret(payload string) (Event, bool) {
	if !gjson.Valid(payload) {
		return nil, false
	}
	doc := gjson.Parse(payload)
	if !doc.IsObject() {
		return nil, false
	}

	kind := doc.Get("type")
	if kind.Type != gjson.String {
		return nil, false
	}

	switch kind.Str {
	case TypeSessionID:
		id := doc.Get("session_id")
		if id.Type != gjson.String || id.Str == "" {
			return nil, false
		}
		return SessionAssigned{SessionID: id.Str}, true

	case TypeContent:
		text := doc.Get("content")
		if text.Type != gjson.String {
			return nil, false
		}
		return ContentDelta{Text: text.Str}, true

	case TypeDone:
		return TurnComplete{}, true

	case TypeError:
		msg := doc.Get("error")
		if msg.Exists() && msg.Type != gjson.String {
			// Structured error bodies are kept verbatim for logging.
			return StreamError{Message: msg.Raw}, true
		}
		return StreamError{Message: msg.Str}, true

	default:
		return nil, false
	}
}
