package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies errors for degrade-or-fail decisions.
type Kind string

const (
	KindInput              Kind = "input"               // caller sent unusable content
	KindInferenceTransient Kind = "inference_transient" // provider busy, 5xx, timeout, network
	KindInferenceRejected  Kind = "inference_rejected"  // provider refused the request (4xx)
	KindParse              Kind = "parse"               // model output not usable
	KindTruncationGuard    Kind = "truncation_guard"    // restructured text lost content
	KindUpstream           Kind = "upstream"            // mandatory stage failed
	KindCanceled           Kind = "canceled"            // caller gave up
	KindInternal           Kind = "internal"
)

// Error is the service-level error type.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on kind and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

func Input(code, message string) *Error {
	return &Error{Kind: KindInput, Code: code, Message: message}
}

func InferenceTransient(message string) *Error {
	return &Error{Kind: KindInferenceTransient, Code: "INFERENCE_UNAVAILABLE", Message: message}
}

func InferenceRejected(message string) *Error {
	return &Error{Kind: KindInferenceRejected, Code: "INFERENCE_REJECTED", Message: message}
}

func Parse(message string) *Error {
	return &Error{Kind: KindParse, Code: "PARSE_FAILED", Message: message}
}

func TruncationGuard(message string) *Error {
	return &Error{Kind: KindTruncationGuard, Code: "TRUNCATED", Message: message}
}

func Upstream(message string) *Error {
	return &Error{Kind: KindUpstream, Code: "UPSTREAM_FAILED", Message: message}
}

func Canceled(cause error) *Error {
	return &Error{Kind: KindCanceled, Code: "CANCELED", Message: "request canceled", Cause: cause}
}

func Internal(message string) *Error {
	return &Error{Kind: KindInternal, Code: "INTERNAL", Message: message}
}

// KindOf returns the kind of the first *Error in err's chain. Context
// errors map to KindCanceled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindInternal
}

func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// HTTPStatus maps an error to the status returned to callers. Only input
// errors are the caller's fault.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the message safe to return to callers. Provider details
// never leak.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindInput {
		return e.Message
	}
	return "service temporarily unavailable"
}

// PublicCode is the machine-readable code returned to callers.
func PublicCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindInput {
			return e.Code
		}
		return string(e.Kind)
	}
	return string(KindOf(err))
}
