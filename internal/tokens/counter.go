// Package tokens reports approximate token usage of a conversation.
package tokens

import (
	"fmt"
	"log/slog"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/twin-chat/internal/conversation"
)

// Chat formatting overhead, following the OpenAI chat format: 3 tokens per
// message plus 1 for the role.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
)

// Counter counts tokens in a piece of text.
type Counter interface {
	CountText(text string) (int, error)
	// Estimated reports whether counts are approximations.
	Estimated() bool
	Name() string
}

// New returns a tiktoken counter for encoding, or the estimator when the
// encoding is not available.
func New(encoding string, logger *slog.Logger) Counter {
	c, err := NewTiktokenCounter(encoding)
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("falling back to token estimation", "encoding", encoding, "error", err)
		return NewEstimator()
	}
	return c
}

// TiktokenCounter counts with a BPE encoding.
type TiktokenCounter struct {
	encoding tokenizer.Encoding
	codec    tokenizer.Codec
}

// NewTiktokenCounter loads the named encoding, e.g. "cl100k_base".
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	enc := tokenizer.Encoding(encoding)
	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}
	return &TiktokenCounter{encoding: enc, codec: codec}, nil
}

func (c *TiktokenCounter) CountText(text string) (int, error) {
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (c *TiktokenCounter) Estimated() bool { return false }

func (c *TiktokenCounter) Name() string { return string(c.encoding) }

const defaultCharsPerToken = 4.0

// Estimator approximates counts from the text length.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: defaultCharsPerToken,
	}
}

func (e *Estimator) CountText(text string) (int, error) {
	cpt := e.CharsPerToken
	if cpt <= 0 {
		cpt = defaultCharsPerToken
	}
	return int(float64(len(text)) / cpt), nil
}

func (e *Estimator) Estimated() bool { return true }

func (e *Estimator) Name() string { return "estimate" }

// Usage summarizes the tokens in a history.
type Usage struct {
	Messages  int
	User      int
	Assistant int
	Total     int
	Estimated bool
	Counter   string
}

// CountHistory counts every message of history, including chat overhead.
func CountHistory(c Counter, history []conversation.Message) (Usage, error) {
	u := Usage{
		Messages:  len(history),
		Estimated: c.Estimated(),
		Counter:   c.Name(),
	}

	for _, msg := range history {
		n, err := c.CountText(msg.Content)
		if err != nil {
			return Usage{}, fmt.Errorf("count message %s: %w", msg.ID, err)
		}
		switch msg.Role {
		case conversation.RoleUser:
			u.User += n
		case conversation.RoleAssistant:
			u.Assistant += n
		}
		u.Total += n + tokensPerMessage + tokensPerRole
	}
	return u, nil
}
