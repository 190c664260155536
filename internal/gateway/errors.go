package gateway

import (
	"context"
	"errors"
	"net"

	"decisiondesk/internal/validate"
)

// Kind classifies a normalized error.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindForbidden  Kind = "forbidden"
	KindConflict   Kind = "conflict"
	KindBackend    Kind = "backend"
	KindNetwork    Kind = "network"
)

// ErrNotFound matches any normalized not-found error through errors.Is.
var ErrNotFound = errors.New("not found")

// Error is the only error shape callers of the gateway ever see. Message is a
// short headline; Description carries the backend's own text when there is one.
type Error struct {
	Kind        Kind
	Message     string
	Description string
	Fields      []validate.FieldError
	Err         error
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Message
	}
	return e.Message + ": " + e.Description
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.Kind == KindNotFound
}

func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found", Err: ErrNotFound}
}

func Forbidden(desc string, err error) *Error {
	return &Error{Kind: KindForbidden, Message: "Not allowed", Description: desc, Err: err}
}

func Conflict(desc string, err error) *Error {
	return &Error{Kind: KindConflict, Message: "Conflicting change", Description: desc, Err: err}
}

func BackendFailure(desc string, err error) *Error {
	return &Error{Kind: KindBackend, Message: "Backend error", Description: desc, Err: err}
}

func Network(desc string, err error) *Error {
	return &Error{Kind: KindNetwork, Message: "Network error", Description: desc, Err: err}
}

// Invalid wraps a validation failure from the validate package.
func Invalid(err error) *Error {
	out := &Error{Kind: KindValidation, Message: "Invalid input", Description: err.Error(), Err: err}
	var verr *validate.Error
	if errors.As(err, &verr) {
		out.Fields = verr.Fields
	}
	return out
}

// KindOf reports the kind of a normalized error, or "" for anything else.
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return ""
}

// normalize is the last line of defence: backends map their own errors, and
// anything that slips through is classified generically here.
func normalize(err error) error {
	if err == nil {
		return nil
	}
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr
	}
	var verr *validate.Error
	if errors.As(err, &verr) {
		return Invalid(err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Network(err.Error(), err)
	}
	return BackendFailure(err.Error(), err)
}
