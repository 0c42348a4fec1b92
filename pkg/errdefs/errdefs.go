package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error into one of the closed set of failure classes
// the control plane distinguishes. Every component returns these unchanged;
// only the dispatcher translates them for callers.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindServiceUnavailable Kind = "service_unavailable"
	KindRateLimit          Kind = "rate_limit"
	KindInternal           Kind = "internal"
	KindWorkspace          Kind = "workspace"
)

// Error is the typed error carried across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	// Fields carries per-field validation failures, one "field: reason"
	// entry each. Only populated for KindValidation.
	Fields []string
	// RetryAfterSeconds is an advisory for KindServiceUnavailable and
	// KindRateLimit. Zero means no advice.
	RetryAfterSeconds int
	// WorkspaceID identifies the workspace for KindWorkspace errors.
	WorkspaceID string

	cause error
}

func (e *Error) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, strings.Join(e.Fields, "; "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is makes errors.Is match on Kind so callers can compare against the
// kind sentinels below without unwrapping by hand.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// Kind sentinels for errors.Is comparisons.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrServiceUnavailable = &Error{Kind: KindServiceUnavailable}
	ErrRateLimit          = &Error{Kind: KindRateLimit}
	ErrInternal           = &Error{Kind: KindInternal}
	ErrWorkspace          = &Error{Kind: KindWorkspace}
)

// Validation returns a validation error aggregating every field failure.
func Validation(msg string, fields ...string) error {
	return &Error{Kind: KindValidation, Message: msg, Fields: fields}
}

// NotFound returns a not-found error for the named resource.
func NotFound(format string, args ...interface{}) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict returns an optimistic-concurrency or duplicate-constraint error.
func Conflict(format string, args ...interface{}) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// ServiceUnavailable returns a capacity/exhaustion error with a retry hint.
func ServiceUnavailable(retryAfterSeconds int, format string, args ...interface{}) error {
	return &Error{
		Kind:              KindServiceUnavailable,
		Message:           fmt.Sprintf(format, args...),
		RetryAfterSeconds: retryAfterSeconds,
	}
}

// RateLimit returns an upstream-throttled error.
func RateLimit(format string, args ...interface{}) error {
	return &Error{Kind: KindRateLimit, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected infrastructure failure. The cause is kept
// for logging; the message is what callers may surface.
func Internal(cause error, format string, args ...interface{}) error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Workspace returns a clone/init/cleanup failure tagged with the workspace.
func Workspace(workspaceID string, cause error, format string, args ...interface{}) error {
	return &Error{
		Kind:        KindWorkspace,
		Message:     fmt.Sprintf(format, args...),
		WorkspaceID: workspaceID,
		cause:       cause,
	}
}

// KindOf extracts the Kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// FieldsOf returns the per-field failures of a validation error, or nil.
func FieldsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}
