package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tjfontaine/twin-chat/internal/api/twin"
	"github.com/tjfontaine/twin-chat/internal/conversation"
)

// segmentBody returns each segment from its own Read call.
type segmentBody struct {
	segments []string
	closed   bool
}

func (b *segmentBody) Read(p []byte) (int, error) {
	if len(b.segments) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.segments[0])
	if n < len(b.segments[0]) {
		b.segments[0] = b.segments[0][n:]
	} else {
		b.segments = b.segments[1:]
	}
	return n, nil
}

func (b *segmentBody) Close() error {
	b.closed = true
	return nil
}

type fakeOpener struct {
	mu       sync.Mutex
	requests []twin.ChatRequest
	open     func(ctx context.Context, call int) (io.ReadCloser, error)
}

func (f *fakeOpener) OpenStream(ctx context.Context, req *twin.ChatRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.requests = append(f.requests, *req)
	call := len(f.requests)
	f.mu.Unlock()
	return f.open(ctx, call)
}

func (f *fakeOpener) Requests() []twin.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]twin.ChatRequest(nil), f.requests...)
}

// streams serves one scripted body per call.
func streams(bodies ...[]string) *fakeOpener {
	return &fakeOpener{open: func(_ context.Context, call int) (io.ReadCloser, error) {
		if call > len(bodies) {
			return nil, errors.New("unexpected request")
		}
		return &segmentBody{segments: append([]string(nil), bodies[call-1]...)}, nil
	}}
}

// pipeOpener hands the test the writing end of every stream. The body fails
// with the context error once the request context is done.
func pipeOpener() (*fakeOpener, <-chan *io.PipeWriter) {
	writers := make(chan *io.PipeWriter, 4)
	return &fakeOpener{open: func(ctx context.Context, _ int) (io.ReadCloser, error) {
		pr, pw := io.Pipe()
		go func() {
			<-ctx.Done()
			pw.CloseWithError(ctx.Err())
		}()
		writers <- pw
		return pr, nil
	}}, writers
}

func waitForState(t *testing.T, c *Controller, cond func(conversation.State) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(c.State()) }, 2*time.Second, 5*time.Millisecond)
}

func assertFailedTurn(t *testing.T, c *Controller, outcome Outcome, err error) {
	t.Helper()
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	s := c.State()
	assert.Equal(t, conversation.PhaseIdle, s.Phase)
	assert.Empty(t, s.PendingContent)
	require.Len(t, s.History, 2)
	assert.Equal(t, conversation.RoleAssistant, s.History[1].Role)
	assert.Equal(t, conversation.FailureNotice, s.History[1].Content)
}

func TestController_SplitSegments(t *testing.T) {
	opener := streams([]string{
		"data: {\"type\":\"sess",
		"ion_id\",\"session_id\":\"abc\"}\n\ndata: {\"type\":\"content\",\"content\":\"Hi\"}\n\ndata: {\"type\":\"done\"}\n\n",
	})
	c := New(opener)

	outcome, err := c.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	s := c.State()
	assert.Equal(t, "abc", s.SessionID)
	assert.Equal(t, conversation.PhaseIdle, s.Phase)
	require.Len(t, s.History, 2)
	assert.Equal(t, conversation.RoleUser, s.History[0].Role)
	assert.Equal(t, "hello", s.History[0].Content)
	assert.Equal(t, conversation.RoleAssistant, s.History[1].Role)
	assert.Equal(t, "Hi", s.History[1].Content)

	assert.Equal(t, []twin.ChatRequest{{Message: "hello"}}, opener.Requests())
}

func TestController_UnknownRecordIsConsumed(t *testing.T) {
	opener := streams([]string{
		"data: {\"type\":\"session_id\",\"session_id\":\"abc\"}\n\n",
		"data: {\"type\":\"content\",\"content\":\"a\"}\n\n",
		"data: {\"type\":\"unknown\"}\n\n",
		": keep-alive\n\n",
		"data: not json\n\n",
		"data: {\"type\":\"content\",\"content\":\"b\"}\n\n",
		"data: {\"type\":\"done\"}\n\n",
	})
	c := New(opener)

	snapshots, cancel := c.Subscribe(context.Background())
	defer cancel()

	outcome, err := c.Send(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	last, _ := c.State().LastMessage()
	assert.Equal(t, "ab", last.Content)

	// submit, session, two deltas and done; skipped records publish nothing
	assert.Len(t, snapshots, 5)
}

func TestController_SnapshotsFollowTurn(t *testing.T) {
	opener := streams([]string{
		"data: {\"type\":\"session_id\",\"session_id\":\"abc\"}\n\n",
		"data: {\"type\":\"content\",\"content\":\"Hel\"}\n\n",
		"data: {\"type\":\"content\",\"content\":\"lo\"}\n\n",
		"data: {\"type\":\"done\"}\n\n",
	})
	c := New(opener)

	snapshots, cancel := c.Subscribe(context.Background())
	defer cancel()

	_, err := c.Send(context.Background(), "hi")
	require.NoError(t, err)

	var phases []conversation.Phase
	var pending []string
	for len(snapshots) > 0 {
		s := <-snapshots
		phases = append(phases, s.Phase)
		pending = append(pending, s.PendingContent)
	}

	assert.Equal(t, []conversation.Phase{
		conversation.PhaseAwaitingFirstToken,
		conversation.PhaseAwaitingFirstToken,
		conversation.PhaseStreaming,
		conversation.PhaseStreaming,
		conversation.PhaseIdle,
	}, phases)
	assert.Equal(t, []string{"", "", "Hel", "Hello", ""}, pending)
}

func TestController_SlowSubscriberSeesFinalState(t *testing.T) {
	body := []string{
		"data: {\"type\":\"session_id\",\"session_id\":\"abc\"}\n\n",
		"data: {\"type\":\"content\",\"content\":\"a\"}\n\n",
		"data: {\"type\":\"content\",\"content\":\"b\"}\n\n",
		"data: {\"type\":\"done\"}\n\n",
	}

	for _, size := range []int{1, 2} {
		c := New(streams(body), WithSubscriberBuffer(size))
		snapshots, cancel := c.Subscribe(context.Background())

		_, err := c.Send(context.Background(), "hi")
		require.NoError(t, err)

		var last conversation.State
		for len(snapshots) > 0 {
			last = <-snapshots
		}
		cancel()
		c.Close()

		want := c.State()
		assert.Equal(t, conversation.PhaseIdle, last.Phase, "buffer %d", size)
		assert.Empty(t, last.PendingContent, "buffer %d", size)
		assert.Equal(t, want.History, last.History, "buffer %d", size)
		assert.Equal(t, want.SessionID, last.SessionID, "buffer %d", size)
	}
}

func TestController_EmptyMessage(t *testing.T) {
	opener := streams()
	c := New(opener)

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := c.Send(context.Background(), text)
		assert.ErrorIs(t, err, ErrEmptyMessage)
	}
	assert.Empty(t, opener.Requests())
	assert.Empty(t, c.State().History)
}

func TestController_NoDoubleSubmit(t *testing.T) {
	opener, writers := pipeOpener()
	c := New(opener)

	done := make(chan Outcome, 1)
	go func() {
		outcome, _ := c.Send(context.Background(), "first")
		done <- outcome
	}()
	pw := <-writers

	_, err := c.Send(context.Background(), "second")
	assert.ErrorIs(t, err, ErrTurnInProgress)
	assert.Len(t, opener.Requests(), 1)
	assert.Len(t, c.State().History, 1)

	_, err = io.WriteString(pw, "data: {\"type\":\"done\"}\n\n")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, <-done)
	assert.Len(t, c.State().History, 2)
}

func TestController_CancelMidStream(t *testing.T) {
	opener, writers := pipeOpener()
	c := New(opener)

	done := make(chan Outcome, 1)
	go func() {
		outcome, _ := c.Send(context.Background(), "tell me a story")
		done <- outcome
	}()
	pw := <-writers

	_, err := io.WriteString(pw, "data: {\"type\":\"session_id\",\"session_id\":\"abc\"}\n\ndata: {\"type\":\"content\",\"content\":\"Once upon\"}\n\n")
	require.NoError(t, err)
	waitForState(t, c, func(s conversation.State) bool { return s.PendingContent == "Once upon" })

	before := len(c.State().History)
	c.Cancel()

	s := c.State()
	assert.Equal(t, conversation.PhaseIdle, s.Phase)
	assert.Empty(t, s.PendingContent)
	assert.Len(t, s.History, before)
	assert.Equal(t, "abc", s.SessionID)

	assert.Equal(t, OutcomeCancelled, <-done)
	assert.Len(t, c.State().History, before)

	// The controller is reusable after a cancellation.
	go func() {
		pw := <-writers
		_, _ = io.WriteString(pw, "data: {\"type\":\"content\",\"content\":\"ok\"}\n\ndata: {\"type\":\"done\"}\n\n")
	}()
	outcome, err := c.Send(context.Background(), "again")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, "abc", opener.Requests()[1].SessionID)
}

func TestController_CancelBeforeFirstByte(t *testing.T) {
	opener, writers := pipeOpener()
	c := New(opener)

	done := make(chan Outcome, 1)
	go func() {
		outcome, _ := c.Send(context.Background(), "hi")
		done <- outcome
	}()
	<-writers

	c.Cancel()
	assert.Equal(t, OutcomeCancelled, <-done)

	s := c.State()
	assert.Equal(t, conversation.PhaseIdle, s.Phase)
	assert.Len(t, s.History, 1)
}

func TestController_CallerContextCancels(t *testing.T) {
	opener, writers := pipeOpener()
	c := New(opener)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() {
		outcome, _ := c.Send(ctx, "hi")
		done <- outcome
	}()
	pw := <-writers

	_, err := io.WriteString(pw, "data: {\"type\":\"content\",\"content\":\"par\"}\n\n")
	require.NoError(t, err)
	waitForState(t, c, func(s conversation.State) bool { return s.Phase == conversation.PhaseStreaming })

	cancel()
	assert.Equal(t, OutcomeCancelled, <-done)

	s := c.State()
	assert.Equal(t, conversation.PhaseIdle, s.Phase)
	assert.Empty(t, s.PendingContent)
	assert.Len(t, s.History, 1)
}

func TestController_CancelWhileIdle(t *testing.T) {
	opener := streams([]string{
		"data: {\"type\":\"session_id\",\"session_id\":\"abc\"}\n\ndata: {\"type\":\"content\",\"content\":\"Hi\"}\n\ndata: {\"type\":\"done\"}\n\n",
	})
	c := New(opener)

	c.Cancel()
	assert.Equal(t, conversation.State{}, c.State())

	_, err := c.Send(context.Background(), "hello")
	require.NoError(t, err)

	before := c.State()
	c.Cancel()
	c.Cancel()
	assert.Equal(t, before, c.State())
}

func TestController_TransportFailures(t *testing.T) {
	tests := []struct {
		name string
		open func(ctx context.Context, call int) (io.ReadCloser, error)
	}{
		{
			name: "connection error",
			open: func(context.Context, int) (io.ReadCloser, error) {
				return nil, errors.New("dial tcp 127.0.0.1:8000: connection refused")
			},
		},
		{
			name: "status error",
			open: func(context.Context, int) (io.ReadCloser, error) {
				return nil, twin.ParseErrorResponse(http.StatusInternalServerError, []byte(`{"detail":"boom"}`))
			},
		},
		{
			name: "eof before done",
			open: func(context.Context, int) (io.ReadCloser, error) {
				return &segmentBody{segments: []string{"data: {\"type\":\"content\",\"content\":\"half\"}\n\n"}}, nil
			},
		},
		{
			name: "invalid encoding",
			open: func(context.Context, int) (io.ReadCloser, error) {
				return &segmentBody{segments: []string{"data: {\"type\":\"content\",\"content\":\"ok\"}\n\n", "data: \xff\xfe\n\n"}}, nil
			},
		},
		{
			name: "read error",
			open: func(context.Context, int) (io.ReadCloser, error) {
				return io.NopCloser(io.MultiReader(
					&segmentBody{segments: []string{"data: {\"type\":\"content\",\"content\":\"x\"}\n\n"}},
					errReader{errors.New("connection reset by peer")},
				)), nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(&fakeOpener{open: tt.open})

			outcome, err := c.Send(context.Background(), "hi")
			assertFailedTurn(t, c, outcome, err)
		})
	}
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func TestController_StreamError(t *testing.T) {
	opener := streams(
		[]string{
			"data: {\"type\":\"session_id\",\"session_id\":\"abc\"}\n\n",
			"data: {\"type\":\"content\",\"content\":\"partial\"}\n\n",
			"data: {\"type\":\"error\",\"error\":\"rate limited\"}\n\n",
			"data: {\"type\":\"content\",\"content\":\"ignored\"}\n\n",
		},
		[]string{"data: {\"type\":\"content\",\"content\":\"recovered\"}\n\ndata: {\"type\":\"done\"}\n\n"},
	)
	c := New(opener)

	snapshots, cancel := c.Subscribe(context.Background())
	defer cancel()

	outcome, err := c.Send(context.Background(), "hi")
	assertFailedTurn(t, c, outcome, err)
	assert.NotContains(t, c.State().History[1].Content, "rate limited")

	var sawErroring bool
	for len(snapshots) > 0 {
		if s := <-snapshots; s.Phase == conversation.PhaseErroring {
			sawErroring = true
		}
	}
	assert.True(t, sawErroring)

	outcome, err = c.Send(context.Background(), "again")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	s := c.State()
	require.Len(t, s.History, 4)
	assert.Equal(t, "recovered", s.History[3].Content)
	assert.Equal(t, "abc", s.SessionID)
}

func TestController_SessionStickiness(t *testing.T) {
	opener := streams(
		[]string{"data: {\"type\":\"session_id\",\"session_id\":\"abc\"}\n\ndata: {\"type\":\"done\"}\n\n"},
		[]string{"data: {\"type\":\"session_id\",\"session_id\":\"xyz\"}\n\ndata: {\"type\":\"done\"}\n\n"},
		[]string{"data: {\"type\":\"done\"}\n\n"},
	)
	c := New(opener)

	for _, text := range []string{"one", "two"} {
		_, err := c.Send(context.Background(), text)
		require.NoError(t, err)
	}
	require.NoError(t, c.Clear())
	_, err := c.Send(context.Background(), "three")
	require.NoError(t, err)

	assert.Equal(t, "abc", c.State().SessionID)
	assert.Equal(t, []twin.ChatRequest{
		{Message: "one"},
		{Message: "two", SessionID: "abc"},
		{Message: "three", SessionID: "abc"},
	}, opener.Requests())
}

func TestController_Clear(t *testing.T) {
	opener, writers := pipeOpener()
	c := New(opener)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Send(context.Background(), "hi")
	}()
	pw := <-writers

	assert.ErrorIs(t, c.Clear(), ErrTurnInProgress)

	_, err := io.WriteString(pw, "data: {\"type\":\"session_id\",\"session_id\":\"abc\"}\n\ndata: {\"type\":\"done\"}\n\n")
	require.NoError(t, err)
	<-done

	require.NoError(t, c.Clear())
	s := c.State()
	assert.Empty(t, s.History)
	assert.Equal(t, "abc", s.SessionID)
}

func TestController_TurnSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	opener := streams([]string{
		"data: {\"type\":\"session_id\",\"session_id\":\"abc\"}\n\n",
		"data: {\"type\":\"content\",\"content\":\"a\"}\n\ndata: {\"type\":\"content\",\"content\":\"b\"}\n\n",
		"data: {\"type\":\"done\"}\n\n",
	})
	c := New(opener, WithTracerProvider(tp))

	_, err := c.Send(context.Background(), "hi")
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "session.turn", spans[0].Name())

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "abc", attrs["twin.session_id"])
	assert.Equal(t, "completed", attrs["twin.outcome"])
	assert.Equal(t, "2", attrs["twin.deltas"])
}

func TestController_WithHTTPClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, seg := range []string{
			"data: {\"type\":\"sess",
			"ion_id\",\"session_id\":\"abc\"}\n\ndata: {\"type\":\"content\",\"content\":\"Hi\"}\n\ndata: {\"type\":\"done\"}\n\n",
		} {
			_, _ = io.WriteString(w, seg)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	client := twin.NewClient(twin.WithEndpoint(srv.URL), twin.WithHTTPClient(srv.Client()))
	c := New(client, WithMaxLineBytes(1024))

	outcome, err := c.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	s := c.State()
	assert.Equal(t, "abc", s.SessionID)
	last, _ := s.LastMessage()
	assert.Equal(t, "Hi", last.Content)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "completed", OutcomeCompleted.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
	assert.Equal(t, "cancelled", OutcomeCancelled.String())
	assert.Equal(t, "unknown", Outcome(9).String())
}
