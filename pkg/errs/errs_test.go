package errs

import (
	"errors"
	"testing"
)

func TestClassOf(t *testing.T) {
	err := Recoverable(CodeConstraint, "duplicate key", nil)
	c, ok := ClassOf(err)
	if !ok || c != ClassRecoverable {
		t.Fatalf("expected recoverable class, got %v ok=%v", c, ok)
	}
	if IsFatal(err) {
		t.Fatal("recoverable error should not be fatal")
	}
}

func TestIsFatal(t *testing.T) {
	err := FatalRuntime(CodeCorruptPage, "bad magic", nil)
	if !IsFatal(err) {
		t.Fatal("expected FatalRuntime to report fatal")
	}
}

func TestWrappedCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Recoverable(CodeWriteFailed, "flush failed", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find wrapped cause")
	}
}
