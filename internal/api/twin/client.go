// Package twin is the HTTP transport for the assistant's streaming chat
// endpoint.
package twin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const (
	// DefaultEndpoint is the local development address of the chat service.
	DefaultEndpoint = "http://localhost:8000/chat/stream"

	defaultUserAgent = "twin-chat/1.0"

	// maxErrorBody caps how much of a failed response is read for diagnostics.
	maxErrorBody = 64 * 1024
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithEndpoint sets the chat stream URL.
func WithEndpoint(endpoint string) ClientOption {
	return func(c *Client) {
		c.endpoint = endpoint
	}
}

// WithHTTPClient sets a custom HTTP client. The client must not set an
// overall Timeout, since that would cut long replies short.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// Client opens streamed chat responses.
type Client struct {
	endpoint   string
	userAgent  string
	httpClient *http.Client
}

// NewClient creates a new chat stream client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		endpoint:   DefaultEndpoint,
		userAgent:  defaultUserAgent,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the URL requests are sent to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// OpenStream posts one chat message and returns the streaming response body.
// The caller must close the body. Cancelling ctx aborts the request and any
// pending body read.
func (c *Client) OpenStream(ctx context.Context, req *ChatRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, ParseErrorResponse(resp.StatusCode, respBody)
	}

	return resp.Body, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", c.userAgent)
}
