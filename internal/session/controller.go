// Package session drives one conversation with the chat service: it submits
// user messages, consumes the streamed reply and owns the conversation state.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/twin-chat/internal/api/twin"
	"github.com/tjfontaine/twin-chat/internal/conversation"
	"github.com/tjfontaine/twin-chat/internal/protocol"
	"github.com/tjfontaine/twin-chat/internal/sse"
)

const tracerName = "github.com/tjfontaine/twin-chat/internal/session"

var (
	// ErrEmptyMessage is returned by Send for blank input.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrTurnInProgress is returned while a previous turn is still running.
	ErrTurnInProgress = errors.New("a turn is already in progress")

	// ErrUnexpectedEOF is the transport failure for a stream that ends before
	// a terminal event.
	ErrUnexpectedEOF = errors.New("stream ended before a terminal event")
)

// StreamOpener opens the streamed reply to one chat request.
type StreamOpener interface {
	OpenStream(ctx context.Context, req *twin.ChatRequest) (io.ReadCloser, error)
}

// Outcome is how a turn ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithReducer replaces the default reducer.
func WithReducer(r *conversation.Reducer) Option {
	return func(c *Controller) {
		if r != nil {
			c.reducer = r
		}
	}
}

// WithMaxLineBytes bounds a single stream line.
func WithMaxLineBytes(n int) Option {
	return func(c *Controller) {
		c.maxLineBytes = n
	}
}

// WithSubscriberBuffer sets the snapshot buffer of each subscriber.
func WithSubscriberBuffer(n int) Option {
	return func(c *Controller) {
		c.subscriberBuffer = n
	}
}

// WithTracerProvider sets the tracer provider used for turn spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Controller) {
		c.tracerProvider = tp
	}
}

// Controller is the sole owner of a conversation's state. Send runs one turn
// at a time; every other method is safe to call from any goroutine.
type Controller struct {
	client      StreamOpener
	reducer     *conversation.Reducer
	broadcaster *conversation.Broadcaster
	logger      *slog.Logger
	tracer      trace.Tracer

	maxLineBytes     int
	subscriberBuffer int
	tracerProvider   trace.TracerProvider

	mu     sync.Mutex
	state  conversation.State
	active *turn
}

type turn struct {
	ctx    context.Context
	cancel context.CancelFunc
	deltas int
}

// New creates a controller that opens streams through client.
func New(client StreamOpener, opts ...Option) *Controller {
	c := &Controller{
		client:       client,
		reducer:      conversation.NewReducer(),
		logger:       slog.Default(),
		maxLineBytes: sse.DefaultMaxLineBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracerProvider == nil {
		c.tracerProvider = otel.GetTracerProvider()
	}
	c.tracer = c.tracerProvider.Tracer(tracerName)
	c.logger = c.logger.With("component", "session")
	c.broadcaster = conversation.NewBroadcaster(c.subscriberBuffer, c.logger)
	return c
}

// State returns a snapshot of the conversation.
func (c *Controller) State() conversation.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Subscribe streams a snapshot after every state change until ctx is done or
// the returned func is called.
func (c *Controller) Subscribe(ctx context.Context) (<-chan conversation.State, func()) {
	return c.broadcaster.Subscribe(ctx)
}

// Close ends all subscriptions. It does not cancel a running turn.
func (c *Controller) Close() {
	c.broadcaster.Close()
}

// Send submits text as a user message and blocks until the reply has been
// consumed, the turn failed, or it was cancelled. Failures are recorded in
// the conversation, not returned: the error is non-nil only when the message
// was rejected.
func (c *Controller) Send(ctx context.Context, text string) (Outcome, error) {
	if strings.TrimSpace(text) == "" {
		return OutcomeFailed, ErrEmptyMessage
	}

	t, sessionID, err := c.begin(ctx, text)
	if err != nil {
		return OutcomeFailed, err
	}
	defer t.cancel()

	ctx, span := c.tracer.Start(t.ctx, "session.turn")
	defer span.End()

	outcome := c.run(ctx, t, &twin.ChatRequest{Message: text, SessionID: sessionID})
	c.finish(t)

	state := c.State()
	span.SetAttributes(
		attribute.String("twin.session_id", state.SessionID),
		attribute.String("twin.outcome", outcome.String()),
		attribute.Int("twin.deltas", t.deltas),
	)
	if outcome == OutcomeFailed {
		span.SetStatus(codes.Error, "turn failed")
	}

	c.logger.Debug("turn finished",
		"outcome", outcome.String(),
		"session_id", state.SessionID,
		"deltas", t.deltas)

	return outcome, nil
}

// Cancel abandons the running turn. The partial reply is discarded and no
// message is appended. It is a no-op while idle.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return
	}
	c.active.cancel()
	c.active = nil
	if c.reducer.Cancel(&c.state) {
		c.publishLocked()
	}
	c.logger.Debug("turn cancelled")
}

// Clear empties the history while idle. The session ID is kept.
func (c *Controller) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil || c.state.Phase != conversation.PhaseIdle {
		return ErrTurnInProgress
	}
	if c.reducer.Clear(&c.state) {
		c.publishLocked()
	}
	return nil
}

func (c *Controller) begin(ctx context.Context, text string) (*turn, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil || !c.reducer.Submit(&c.state, text) {
		return nil, "", ErrTurnInProgress
	}

	turnCtx, cancel := context.WithCancel(ctx)
	t := &turn{ctx: turnCtx, cancel: cancel}
	c.active = t
	c.publishLocked()
	return t, c.state.SessionID, nil
}

func (c *Controller) run(ctx context.Context, t *turn, req *twin.ChatRequest) Outcome {
	body, err := c.client.OpenStream(ctx, req)
	if err != nil {
		return c.fail(t, fmt.Errorf("open stream: %w", err))
	}
	defer body.Close()

	reader := sse.NewReader(body, sse.WithMaxLineBytes(c.maxLineBytes))
	for {
		rec, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrUnexpectedEOF
			}
			return c.fail(t, err)
		}
		if !rec.IsData {
			continue
		}

		ev, ok := protocol.Interpret(rec.Data)
		if !ok {
			c.logger.Debug("skipping unrecognized record", "data", rec.Data)
			continue
		}

		if outcome, done := c.apply(t, ev); done {
			return outcome
		}
	}
}

// apply folds one event into the state under the lock. It reports the turn's
// outcome once the turn is over.
func (c *Controller) apply(t *turn, ev protocol.Event) (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelledLocked(t) {
		return OutcomeCancelled, true
	}

	if _, ok := ev.(protocol.ContentDelta); ok {
		t.deltas++
	}
	if se, ok := ev.(protocol.StreamError); ok {
		c.logger.Warn("service reported an error", "error", se.Message)
	}

	if c.reducer.Apply(&c.state, ev) {
		c.publishLocked()
	}

	switch ev.(type) {
	case protocol.TurnComplete:
		return OutcomeCompleted, true
	case protocol.StreamError:
		return OutcomeFailed, true
	default:
		return OutcomeCompleted, false
	}
}

// fail records a transport failure, unless the turn was cancelled, in which
// case the error is only the cancellation surfacing through the transport.
func (c *Controller) fail(t *turn, err error) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelledLocked(t) {
		return OutcomeCancelled
	}

	c.logger.Error("turn failed", "error", err)
	if c.reducer.Fail(&c.state) {
		c.publishLocked()
	}
	return OutcomeFailed
}

// cancelledLocked reports whether t no longer owns the state. A turn whose
// context is done is cancelled here if Cancel has not already done so.
func (c *Controller) cancelledLocked(t *turn) bool {
	if c.active != t {
		return true
	}
	if t.ctx.Err() == nil {
		return false
	}
	c.active = nil
	if c.reducer.Cancel(&c.state) {
		c.publishLocked()
	}
	return true
}

func (c *Controller) finish(t *turn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != t {
		return
	}
	c.active = nil
	if c.reducer.Settle(&c.state) {
		c.publishLocked()
	}
}

func (c *Controller) publishLocked() {
	c.broadcaster.Publish(c.state.Clone())
}
