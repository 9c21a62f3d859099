// Package openapierr builds the OpenAI-shaped error envelope used across the
// gateway's HTTP surface: {"error": {"message", "type", "code", "param"}}.
package openapierr

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Kind is a stable error code surfaced in the envelope's "code" field and
// used to select the HTTP status.
type Kind string

const (
	InvalidAPIKey      Kind = "invalid_api_key"
	ForbiddenOrigin    Kind = "forbidden_origin"
	ModelNotFound      Kind = "model_not_found"
	InvalidToolMessage Kind = "invalid_tool_message"
	InvalidRequest     Kind = "invalid_request"
	ModelLoading       Kind = "model_loading"
	BackendUnavailable Kind = "backend_unavailable"
	BackendTimeout     Kind = "backend_timeout"
	InsufficientMemory Kind = "insufficient_memory"
	SwitchInProgress   Kind = "switch_in_progress"
	SwitchFailed       Kind = "switch_failed"
	ToolParseError     Kind = "tool_parse_error"
)

// statusFor is the kind -> HTTP status taxonomy from spec.md §7.
var statusFor = map[Kind]int{
	InvalidAPIKey:      http.StatusUnauthorized,
	ForbiddenOrigin:    http.StatusForbidden,
	ModelNotFound:      http.StatusBadRequest,
	InvalidToolMessage: http.StatusBadRequest,
	InvalidRequest:     http.StatusBadRequest,
	ModelLoading:       http.StatusServiceUnavailable,
	BackendUnavailable: http.StatusServiceUnavailable,
	BackendTimeout:     http.StatusGatewayTimeout,
	InsufficientMemory: http.StatusInsufficientStorage, // 507
	SwitchInProgress:   http.StatusConflict,
	SwitchFailed:       http.StatusInternalServerError,
	ToolParseError:     http.StatusBadGateway,
}

// Error is both a Go error and the JSON body written to the client.
type Error struct {
	Kind    Kind   `json:"-"`
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    Kind   `json:"code"`
	Param   string `json:"param,omitempty"`

	// RetryAfterSeconds, when non-zero, is written as a Retry-After header
	// alongside model_loading and backend_unavailable responses.
	RetryAfterSeconds int `json:"-"`

	// Extra carries kind-specific structured fields (insufficient_memory's
	// required_gb/available_gb/achievable_gb) merged into the envelope.
	Extra map[string]any `json:"-"`
}

func (e *Error) Error() string { return e.Message }

// Status returns the HTTP status code for this error's kind.
func (e *Error) Status() int {
	if s, ok := statusFor[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an Error of the given kind with the OpenAI "type" field set
// conventionally ("invalid_request_error" for 4xx client errors, otherwise
// "api_error").
func New(kind Kind, message string) *Error {
	typ := "api_error"
	if s := statusFor[kind]; s >= 400 && s < 500 {
		typ = "invalid_request_error"
	}
	return &Error{Kind: kind, Message: message, Type: typ, Code: kind}
}

func (e *Error) WithParam(param string) *Error {
	e.Param = param
	return e
}

func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfterSeconds = seconds
	return e
}

func (e *Error) WithExtra(extra map[string]any) *Error {
	e.Extra = extra
	return e
}

type envelope struct {
	Error *Error `json:"error"`
}

// Write marshals err as the OpenAI error envelope, sets X-Request-Id if
// requestID is non-empty, and writes the status from err.Status().
func Write(w http.ResponseWriter, requestID string, err *Error) {
	if requestID != "" {
		w.Header().Set("X-Request-Id", requestID)
	}
	if err.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(err.RetryAfterSeconds))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status())

	if len(err.Extra) == 0 {
		_ = json.NewEncoder(w).Encode(envelope{Error: err})
		return
	}

	// Merge Extra fields into the error object for kinds like
	// insufficient_memory that carry required_gb/available_gb/achievable_gb.
	body := map[string]any{
		"message": err.Message,
		"type":    err.Type,
		"code":    err.Code,
	}
	if err.Param != "" {
		body["param"] = err.Param
	}
	for k, v := range err.Extra {
		body[k] = v
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"error": body})
}
