package twin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ChatRequest is the body of a chat stream request.
type ChatRequest struct {
	Message string `json:"message"`
	// SessionID is omitted until the service has assigned one.
	SessionID string `json:"session_id,omitempty"`
}

// APIError is a non-success HTTP response from the chat service.
type APIError struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int `json:"-"`

	// Message is the service-provided description, or the raw body.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error (status %d): %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// Retryable reports whether the status suggests the request may succeed later.
// The client itself never retries.
func (e *APIError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// errorResponse covers the error shapes the service returns: framework
// validation errors use "detail", handler errors use "error".
type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
	Error  string          `json:"error"`
}

// ParseErrorResponse builds an APIError from a failed response body.
func ParseErrorResponse(statusCode int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: statusCode}

	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err == nil {
		switch {
		case resp.Error != "":
			apiErr.Message = resp.Error
			return apiErr
		case len(resp.Detail) > 0:
			var detail string
			if err := json.Unmarshal(resp.Detail, &detail); err == nil {
				apiErr.Message = detail
			} else {
				apiErr.Message = string(resp.Detail)
			}
			return apiErr
		}
	}

	apiErr.Message = strings.TrimSpace(string(body))
	return apiErr
}
