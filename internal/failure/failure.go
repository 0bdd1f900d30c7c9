// Package failure defines the error taxonomy shared by the orchestration
// layers and its mapping onto client-visible status codes.
package failure

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an operation failure.
type Kind int

// Failure kinds, ordered roughly by how early in a request they are detected.
const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthorized
	KindNotFound
	KindAdmission
	KindEngine
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindAdmission:
		return "admission_denied"
	case KindEngine:
		return "engine"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// Error is a classified failure. Op names the operation that failed, Msg is
// the client-visible text and Err the optional underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation reports a missing or malformed request field.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Unauthorized reports a failed session key check.
func Unauthorized(format string, args ...any) error {
	return &Error{Kind: KindUnauthorized, Msg: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing room, router, transport, producer, consumer or stream.
func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Admission reports a request rejected by a room limit or state rule.
func Admission(format string, args ...any) error {
	return &Error{Kind: KindAdmission, Msg: fmt.Sprintf(format, args...)}
}

// Engine wraps a media engine failure for operation op.
func Engine(op string, err error) error {
	return &Error{Kind: KindEngine, Op: op, Msg: "media engine failure", Err: err}
}

// Upstream wraps a failure of an external collaborator such as a video
// metadata API.
func Upstream(msg string, err error) error {
	return &Error{Kind: KindUpstream, Msg: msg, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal if there is none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Status maps err onto the HTTP status code returned to clients.
func Status(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindAdmission:
		return http.StatusForbidden
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the client-visible text for err. Engine and internal
// failures do not leak their cause.
func Message(err error) string {
	var fe *Error
	if !errors.As(err, &fe) {
		return "internal error"
	}
	switch fe.Kind {
	case KindEngine:
		if fe.Op != "" {
			return fmt.Sprintf("%s failed", fe.Op)
		}
		return fe.Msg
	case KindInternal:
		return "internal error"
	}
	return fe.Msg
}
