package errdefs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", Validation("bad input", "task: too short"), KindValidation},
		{"not found", NotFound("dispatch %s not found", "abc"), KindNotFound},
		{"conflict", Conflict("version mismatch"), KindConflict},
		{"service unavailable", ServiceUnavailable(30, "no capacity"), KindServiceUnavailable},
		{"rate limit", RateLimit("throttled"), KindRateLimit},
		{"internal", Internal(errors.New("boom"), "store write"), KindInternal},
		{"workspace", Workspace("ws-1", errors.New("clone failed"), "init"), KindWorkspace},
		{"untyped defaults to internal", errors.New("plain"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSentinelMatching(t *testing.T) {
	err := NotFound("dispatch missing")
	if !errors.Is(err, ErrNotFound) {
		t.Error("errors.Is(NotFound, ErrNotFound) should be true")
	}
	if errors.Is(err, ErrConflict) {
		t.Error("errors.Is(NotFound, ErrConflict) should be false")
	}
}

func TestWrappedSentinelMatching(t *testing.T) {
	err := fmt.Errorf("acquire: %w", Conflict("entry already in use"))
	if !errors.Is(err, ErrConflict) {
		t.Error("wrapped conflict should still match ErrConflict")
	}
	if !IsConflict(err) {
		t.Error("IsConflict should see through wrapping")
	}
}

func TestValidationFields(t *testing.T) {
	err := Validation("invalid request",
		"task: must be at least 10 characters",
		"timeoutSeconds: must be between 30 and 86400",
	)

	fields := FieldsOf(err)
	if len(fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(fields))
	}

	msg := err.Error()
	if msg == "" || !IsValidation(err) {
		t.Errorf("validation error malformed: %q", msg)
	}
}

func TestInternalKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Internal(cause, "dynamodb put")

	if !errors.Is(err, cause) {
		t.Error("Internal should wrap its cause for errors.Is")
	}
}

func TestWorkspaceCarriesID(t *testing.T) {
	err := Workspace("ws-42", nil, "sparse checkout failed")

	var e *Error
	if !errors.As(err, &e) {
		t.Fatal("expected *Error")
	}
	if e.WorkspaceID != "ws-42" {
		t.Errorf("WorkspaceID = %q, want ws-42", e.WorkspaceID)
	}
}
