package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failure for propagation and HTTP mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindConfiguration
	KindValidation
	KindNotFound
	KindState
	KindUpstreamTransport
	KindUpstreamProtocol
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindState:
		return "state"
	case KindUpstreamTransport:
		return "upstream_transport"
	case KindUpstreamProtocol:
		return "upstream_protocol"
	case KindPersistence:
		return "persistence"
	default:
		return "internal"
	}
}

// Error is the error type returned across package boundaries of the turn pipeline.
type Error struct {
	Kind     Kind
	Message  string
	Missing  []string // validation: itemized missing inputs
	Upstream string   // upstream name for transport/protocol failures
	Status   int      // upstream status for protocol failures
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if len(e.Missing) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.Join(e.Missing, ", "))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Public returns the message safe to show to the caller.
func (e *Error) Public() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("%s: %s", e.Message, strings.Join(e.Missing, ", "))
	}
	return e.Message
}

// Configuration reports missing or invalid setup, such as an absent API key.
func Configuration(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Message: fmt.Sprintf(format, args...)}
}

// Validation reports bad end-user input. missing lists the absent fields.
func Validation(message string, missing ...string) *Error {
	return &Error{Kind: KindValidation, Message: message, Missing: missing}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// State reports an entity that exists but cannot be used, e.g. an inactive assistant.
func State(format string, args ...any) *Error {
	return &Error{Kind: KindState, Message: fmt.Sprintf(format, args...)}
}

// Unavailable reports an upstream that could not be reached after all retries.
func Unavailable(upstream string, err error) *Error {
	return &Error{
		Kind:     KindUpstreamTransport,
		Message:  fmt.Sprintf("%s unavailable", upstream),
		Upstream: upstream,
		Err:      err,
	}
}

// Protocol reports a well-formed non-2xx upstream response. A JSON body contributes its
// "error" field (a string, or an object with "message"); any other body is used as text.
func Protocol(upstream string, status int, body string) *Error {
	msg := upstreamMessage(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &Error{
		Kind:     KindUpstreamProtocol,
		Message:  fmt.Sprintf("%s error: %s", upstream, msg),
		Upstream: upstream,
		Status:   status,
	}
}

func upstreamMessage(body string) string {
	body = strings.TrimSpace(body)
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return body
	}
	var text string
	if err := json.Unmarshal(payload.Error, &text); err == nil && text != "" {
		return text
	}
	var nested struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload.Error, &nested); err == nil && nested.Message != "" {
		return nested.Message
	}
	if payload.Message != "" {
		return payload.Message
	}
	return body
}

// Persistence wraps a failed store write that must not fail the turn.
func Persistence(op string, err error) *Error {
	return &Error{Kind: KindPersistence, Message: op, Err: err}
}

// UpstreamFailed reports an upstream failure that is not retried and surfaces as a generic 500.
func UpstreamFailed(upstream string, err error) *Error {
	return &Error{Kind: KindInternal, Message: "upstream error", Upstream: upstream, Err: err}
}

// Internal wraps an unexpected failure. Only message is shown to the end user.
func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in the chain, KindInternal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// HTTPStatus maps an error chain to the status code returned to the end user.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindConfiguration, KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindState:
		return http.StatusForbidden
	case KindUpstreamTransport:
		return http.StatusServiceUnavailable
	case KindUpstreamProtocol:
		if e.Status >= 400 && e.Status <= 599 {
			return e.Status
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the caller-facing message for err.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindInternal && e.Upstream != "" {
			return e.Message
		}
		if e.Kind == KindInternal || e.Kind == KindPersistence {
			return "internal server error"
		}
		return e.Public()
	}
	return "internal server error"
}
