package stubserver

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Turn is one stored message of a session.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionSummary describes a session for the listing endpoint.
type SessionSummary struct {
	SessionID    string  `json:"session_id"`
	MessageCount int     `json:"message_count"`
	LastMessage  *string `json:"last_message"`
}

// Store keeps session histories in memory for the life of the process.
type Store struct {
	mu       sync.RWMutex
	sessions map[string][]Turn
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string][]Turn),
	}
}

// History returns a copy of the session's messages. Unknown sessions are empty.
func (s *Store) History(sessionID string) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]Turn(nil), s.sessions[sessionID]...)
}

// Append records a completed exchange.
func (s *Store) Append(sessionID string, turns ...Turn) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	stored := s.sessions[sessionID]
	for _, t := range turns {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		stored = append(stored, t)
	}
	s.sessions[sessionID] = stored
	return nil
}

// List summarizes every session, ordered by ID.
func (s *Store) List() []SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]SessionSummary, 0, len(s.sessions))
	for id, turns := range s.sessions {
		summary := SessionSummary{SessionID: id, MessageCount: len(turns)}
		if len(turns) > 0 {
			last := turns[len(turns)-1].Content
			summary.LastMessage = &last
		}
		result = append(result, summary)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SessionID < result[j].SessionID })
	return result
}
