// Package apierr defines the stable error-kind taxonomy and the JSON
// envelope every request-level error is serialized into. Internal detail
// never crosses the HTTP boundary beyond the kind and a message.
package apierr

import (
	"errors"
	"net/http"
)

// Kind names one stable error category.
type Kind string

const (
	Unauthenticated Kind = "Unauthenticated"
	Forbidden       Kind = "Forbidden"
	NotFound        Kind = "NotFound"
	Validation      Kind = "Validation"
	Conflict        Kind = "Conflict"
	Storage         Kind = "Storage"
	Upstream        Kind = "Upstream"
	Internal        Kind = "Internal"
	Unavailable     Kind = "Unavailable"
)

// statusByKind maps each kind to its HTTP status.
var statusByKind = map[Kind]int{
	Unauthenticated: http.StatusUnauthorized,
	Forbidden:       http.StatusForbidden,
	NotFound:        http.StatusNotFound,
	Validation:      http.StatusBadRequest,
	Conflict:        http.StatusConflict,
	Storage:         http.StatusBadGateway,
	Upstream:        http.StatusBadGateway,
	Internal:        http.StatusInternalServerError,
	Unavailable:     http.StatusServiceUnavailable,
}

// Error is the typed error carried through the application; handlers map
// it to the {error: {kind, message, detail}} envelope at the HTTP boundary.
type Error struct {
	Kind    Kind
	Message string
	Detail  string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status code for this error's kind.
func (e *Error) Status() int {
	if code, ok := statusByKind[e.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// New constructs an Error of the given kind with a caller-facing message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind carrying an underlying cause.
// The cause is never serialized to the client; it is for logging only.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetail attaches caller-facing structured detail (e.g. a field name).
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// As reports whether err (or anything it wraps) is an *Error, writing it
// into target on success. Thin wrapper over errors.As for call-site brevity.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}

// Envelope is the JSON wire shape for request-level errors.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

// EnvelopeBody is the nested error object inside Envelope.
type EnvelopeBody struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// ToEnvelope converts any error into a response envelope. Errors that are
// not *Error are treated as Internal and their detail is not surfaced.
func ToEnvelope(err error) (int, Envelope) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status(), Envelope{Error: EnvelopeBody{
			Kind:    apiErr.Kind,
			Message: apiErr.Message,
			Detail:  apiErr.Detail,
		}}
	}
	return http.StatusInternalServerError, Envelope{Error: EnvelopeBody{
		Kind:    Internal,
		Message: "internal error",
	}}
}
