// Package model defines the API envelope and the market-data domain types
// shared by the service façade and the HTTP layer.
package model

import (
	"time"
)

// APIResponse is the standard envelope for successful responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard envelope for error responses.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error with its recovery hint. Clients decide
// whether and when to retry from these fields, never from the message text.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// CanRetry tells the client whether re-issuing the request can help.
	CanRetry bool `json:"can_retry"`

	// RetryAfterMs is the minimum backoff before a retry, when known.
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"`

	// Suggestions are alternative identifiers for not-found errors, when
	// derivable.
	Suggestions []string `json:"suggestions,omitempty"`
}
