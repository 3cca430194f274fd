// Package apierror defines the JSON error envelope returned by every HTTP
// endpoint of the gateway.
package apierror

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrAPI            ErrorType = "api_error"
	ErrUpstream       ErrorType = "upstream_error"
)

// Error is the API error shape.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Envelope wraps an Error for the wire.
type Envelope struct {
	Error *Error `json:"error"`
}

// StatusFor maps an error type to an HTTP status code.
func StatusFor(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes the error envelope with the status implied by its type.
func WriteJSON(w http.ResponseWriter, reqID string, apiErr *Error) {
	if apiErr == nil {
		apiErr = &Error{Type: ErrAPI, Message: "internal error"}
	}
	if apiErr.RequestID == "" {
		apiErr.RequestID = reqID
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(StatusFor(apiErr.Type))
	_ = json.NewEncoder(w).Encode(Envelope{Error: apiErr})
}
