// Package twin is the public API for embedding the chat client in a UI.
// A UI subscribes to state snapshots and calls Send and Cancel; it never
// mutates conversation state itself.
package twin

import (
	apitwin "github.com/tjfontaine/twin-chat/internal/api/twin"
	"github.com/tjfontaine/twin-chat/internal/conversation"
	"github.com/tjfontaine/twin-chat/internal/session"
)

// Controller runs turns against the chat service.
// See internal/session.Controller for full documentation.
type Controller = session.Controller

// Option is a functional option for configuring a Controller.
type Option = session.Option

// StreamOpener opens the streamed reply to one chat request.
type StreamOpener = session.StreamOpener

// Conversation state types.
type (
	State   = conversation.State
	Message = conversation.Message
	Role    = conversation.Role
	Phase   = conversation.Phase
	Outcome = session.Outcome
)

const (
	RoleUser      = conversation.RoleUser
	RoleAssistant = conversation.RoleAssistant

	PhaseIdle               = conversation.PhaseIdle
	PhaseAwaitingFirstToken = conversation.PhaseAwaitingFirstToken
	PhaseStreaming          = conversation.PhaseStreaming
	PhaseErroring           = conversation.PhaseErroring

	OutcomeCompleted = session.OutcomeCompleted
	OutcomeFailed    = session.OutcomeFailed
	OutcomeCancelled = session.OutcomeCancelled

	// FailureNotice is the assistant message recorded for a failed turn.
	FailureNotice = conversation.FailureNotice

	DefaultEndpoint = apitwin.DefaultEndpoint
)

var (
	ErrEmptyMessage   = session.ErrEmptyMessage
	ErrTurnInProgress = session.ErrTurnInProgress
)

// New creates a Controller over any StreamOpener.
var New = session.New

// Controller options
var (
	WithLogger           = session.WithLogger
	WithMaxLineBytes     = session.WithMaxLineBytes
	WithSubscriberBuffer = session.WithSubscriberBuffer
	WithTracerProvider   = session.WithTracerProvider
)

// Connect creates a Controller for the chat service at endpoint.
// Example:
//
//	c := twin.Connect(twin.DefaultEndpoint)
//	updates, stop := c.Subscribe(ctx)
//	defer stop()
//	go render(updates)
//	outcome, err := c.Send(ctx, "Hello")
func Connect(endpoint string, opts ...Option) *Controller {
	client := apitwin.NewClient(
		apitwin.WithEndpoint(endpoint),
		apitwin.WithHTTPClient(apitwin.NewHTTPClient(apitwin.TransportConfig{})),
	)
	return session.New(client, opts...)
}
