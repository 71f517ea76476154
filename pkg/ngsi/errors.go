package ngsi

import (
	"errors"
	"fmt"
)

// ErrorKind represents the category of an engine error.
type ErrorKind string

const (
	// KindEnvelope means the broker rejected the whole request.
	KindEnvelope ErrorKind = "envelope_error"
	// KindElement means one context element carried a non-success status.
	KindElement ErrorKind = "element_error"
	// KindTransport covers network failures, timeouts, non-2xx replies and
	// undecodable payloads.
	KindTransport ErrorKind = "transport_error"
	// KindLifecycle means an operation was invoked in the wrong subscription state.
	KindLifecycle ErrorKind = "lifecycle_error"
	// KindInvalidRequest is a configuration error detected before any I/O.
	KindInvalidRequest ErrorKind = "invalid_request"
)

// StatusOK is the NGSI success code.
const StatusOK = 200

// Error is the single error type surfaced by the engine. Element errors carry
// the offending element; transport errors may wrap the underlying cause.
type Error struct {
	Kind    ErrorKind       `json:"type"`
	Code    int             `json:"code,omitempty"`
	Param   string          `json:"param,omitempty"`
	Message string          `json:"message"`
	Element *ContextElement `json:"contextElement,omitempty"`
	Err     error           `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Param != "":
		return fmt.Sprintf("%s: %s (param: %s)", e.Kind, e.Message, e.Param)
	case e.Code != 0:
		return fmt.Sprintf("%s: %s (code: %d)", e.Kind, e.Message, e.Code)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewEnvelopeError creates an error for a broker-level errorCode.
func NewEnvelopeError(code int, reason string) *Error {
	return &Error{
		Kind:    KindEnvelope,
		Code:    code,
		Message: reason,
	}
}

// NewElementError creates an error for a context response whose status code
// is not 200. The element is attached so consumers can tell which entity failed.
func NewElementError(code int, reason string, el *ContextElement) *Error {
	return &Error{
		Kind:    KindElement,
		Code:    code,
		Message: reason,
		Element: el,
	}
}

// NewTransportError creates an error for a failed remote call or an
// undecodable payload.
func NewTransportError(message string, err error) *Error {
	return &Error{
		Kind:    KindTransport,
		Message: message,
		Err:     err,
	}
}

// NewHTTPError creates a transport error for a non-2xx broker reply.
func NewHTTPError(status int, message string) *Error {
	return &Error{
		Kind:    KindTransport,
		Code:    status,
		Message: message,
	}
}

// NewLifecycleError creates an error for an operation invoked in the wrong
// subscription state.
func NewLifecycleError(message string) *Error {
	return &Error{
		Kind:    KindLifecycle,
		Message: message,
	}
}

// NewInvalidRequestError creates an error for an invalid descriptor field.
func NewInvalidRequestError(param, message string) *Error {
	return &Error{
		Kind:    KindInvalidRequest,
		Param:   param,
		Message: message,
	}
}

// IsKind reports whether err is, or wraps, an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// CodeOf returns the NGSI or HTTP code carried by err, or 0.
func CodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}
