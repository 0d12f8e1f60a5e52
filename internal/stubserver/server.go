// Package stubserver is a local stand-in for the chat service. It speaks the
// same streaming protocol and generates replies without a language model.
package stubserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Responder produces the full reply to message given the session's prior
// turns. The server streams it word by word.
type Responder func(history []Turn, message string) string

// EchoResponder acknowledges the message and how far into the session it is.
func EchoResponder(history []Turn, message string) string {
	return fmt.Sprintf("You said: %q. That makes %d messages from you in this session.",
		message, len(history)/2+1)
}

// Option configures the server.
type Option func(*Server)

// WithDelay pauses between streamed words.
func WithDelay(d time.Duration) Option {
	return func(s *Server) {
		s.delay = d
	}
}

// WithResponder replaces EchoResponder.
func WithResponder(r Responder) Option {
	return func(s *Server) {
		if r != nil {
			s.respond = r
		}
	}
}

// WithStore shares a session store.
func WithStore(st *Store) Option {
	return func(s *Server) {
		if st != nil {
			s.store = st
		}
	}
}

type Server struct {
	Router  *chi.Mux
	store   *Store
	respond Responder
	delay   time.Duration
	logger  *slog.Logger
}

// New builds the router. Pass nil logger for default.
func New(logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:   NewStore(),
		respond: EchoResponder,
		logger:  logger.With("component", "stubserver"),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(CORSMiddleware)
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "twin-stub")
	})

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/sessions", s.handleSessions)
	r.Post("/chat/stream", s.handleChatStream)

	s.Router = r
	return s
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Digital twin stub API"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.store.List()})
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid request body"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger := s.logger.With("request_id", GetRequestID(r.Context()), "session_id", sessionID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(event map[string]string) error {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := send(map[string]string{"type": "session_id", "session_id": sessionID}); err != nil {
		logger.Debug("client went away", "error", err)
		return
	}

	if strings.TrimSpace(req.Message) == "" {
		_ = send(map[string]string{"type": "error", "error": "message must not be empty"})
		return
	}

	history := s.store.History(sessionID)
	reply := s.respond(history, req.Message)

	for i, word := range strings.Fields(reply) {
		if i > 0 {
			word = " " + word
			if err := s.pause(r.Context()); err != nil {
				logger.Debug("stream cancelled", "error", err)
				return
			}
		}
		if err := send(map[string]string{"type": "content", "content": word}); err != nil {
			logger.Debug("client went away", "error", err)
			return
		}
	}

	if err := s.store.Append(sessionID,
		Turn{Role: "user", Content: req.Message},
		Turn{Role: "assistant", Content: strings.Join(strings.Fields(reply), " ")},
	); err != nil {
		_ = send(map[string]string{"type": "error", "error": err.Error()})
		return
	}

	_ = send(map[string]string{"type": "done"})
	logger.Debug("reply streamed", slog.Int("chars", len(reply)))
}

func (s *Server) pause(ctx context.Context) error {
	if s.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
