// Package cseerror provides the typed error carried between components so
// that only the dispatcher (or a binding adapter) ever has to translate a
// failure into a wire-level Response Status Code.
package cseerror

import (
	"errors"
	"fmt"

	"github.com/ankraft/acme-cse/internal/rsc"
)

// Kind classifies a CSEError independently of its RSC, mirroring spec.md
// §7's error taxonomy.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindTimeout       Kind = "timeout"
	KindUnreachable   Kind = "unreachable"
	KindInternal      Kind = "internal"
)

// CSEError is the structured error returned by every component. The
// dispatcher is the single place that converts it to a wire response;
// everything upstream of that boundary should treat RSC as opaque data,
// not as something to branch on.
type CSEError struct {
	Kind    Kind
	RSC     rsc.Code
	Message string
	Cause   error
}

func (e *CSEError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CSEError) Unwrap() error { return e.Cause }

// As reports whether err (or something it wraps) is a *CSEError, and
// returns it if so.
func As(err error) (*CSEError, bool) {
	var ce *CSEError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// New constructs a CSEError with no wrapped cause.
func New(kind Kind, code rsc.Code, message string) *CSEError {
	return &CSEError{Kind: kind, RSC: code, Message: message}
}

// Wrap constructs a CSEError wrapping cause.
func Wrap(kind Kind, code rsc.Code, message string, cause error) *CSEError {
	return &CSEError{Kind: kind, RSC: code, Message: message, Cause: cause}
}

func NotFound(message string) *CSEError {
	return New(KindNotFound, rsc.NotFound, message)
}

func AccessDenied(message string) *CSEError {
	return New(KindAuthorization, rsc.OriginatorHasNoPrivilege, message)
}

func BadRequest(message string) *CSEError {
	return New(KindValidation, rsc.BadRequest, message)
}

func Conflict(message string) *CSEError {
	return New(KindConflict, rsc.Conflict, message)
}

func Internal(message string, cause error) *CSEError {
	return Wrap(KindInternal, rsc.InternalServerError, message, cause)
}

func Timeout(message string) *CSEError {
	return New(KindTimeout, rsc.RequestTimeout, message)
}

func Unreachable(message string) *CSEError {
	return New(KindUnreachable, rsc.TargetNotReachable, message)
}

// CodeOf extracts the RSC from err, defaulting to InternalServerError for
// errors that were never wrapped into a CSEError — this is what lets the
// dispatcher treat "anything not already classified" as a 5000.
func CodeOf(err error) rsc.Code {
	if err == nil {
		return rsc.OK
	}
	if ce, ok := As(err); ok {
		return ce.RSC
	}
	return rsc.InternalServerError
}
