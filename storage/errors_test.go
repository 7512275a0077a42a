package storage

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	base := newErr(KindIntegrity, "rab.open", "foo.bin", "mac mismatch", nil)
	wrapped := fmt.Errorf("opening store: %w", base)

	if KindOf(wrapped) != KindIntegrity {
		t.Fatalf("expected KindOf to see through fmt.Errorf wrapping, got %v", KindOf(wrapped))
	}
	if !Is(wrapped, KindIntegrity) {
		t.Fatalf("expected Is(wrapped, KindIntegrity) to be true")
	}
}

func TestKindOfReturnsZeroForForeignErrors(t *testing.T) {
	if got := KindOf(errors.New("plain error")); got != 0 {
		t.Fatalf("expected zero Kind for a non-storage error, got %v", got)
	}
	if got := KindOf(nil); got != 0 {
		t.Fatalf("expected zero Kind for nil, got %v", got)
	}
}

func TestErrorMessageIncludesObjectAndCause(t *testing.T) {
	cause := errors.New("disk exploded")
	err := newErr(KindIO, "bucket.getOutputStream", "/tmp/x", "write failed", cause)

	msg := err.Error()
	for _, want := range []string{"bucket.getOutputStream", "/tmp/x", "io-error", "write failed", "disk exploded"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected error message %q to contain %q", msg, want)
		}
	}
}

func TestErrorMessageOmitsEmptyObject(t *testing.T) {
	err := newErr(KindClosed, "rab.pread", "", "", nil)
	msg := err.Error()
	if strings.Contains(msg, "[]") {
		t.Fatalf("expected no empty bracket pair for a blank object, got %q", msg)
	}
}

func TestErrorUnwrapExposesCause(t *testing.T) {
	cause := errors.New("root cause")
	err := newErr(KindIO, "op", "obj", "", cause)
	if errors.Unwrap(err) != cause {
		t.Fatalf("expected Unwrap to return the wrapped cause")
	}
}

func TestKindStringCoversAllKinds(t *testing.T) {
	kinds := []Kind{
		KindOutOfRange, KindClosed, KindAlreadyFreed, KindReadOnly, KindIO,
		KindInsufficientDiskSpace, KindIntegrity, KindStorageFormat,
		KindResumeFailed, KindInvalidArgument,
	}
	seen := map[string]bool{}
	for _, k := range kinds {
		s := k.String()
		if s == "" || s == "unknown" {
			t.Fatalf("expected a descriptive string for Kind %d, got %q", k, s)
		}
		if seen[s] {
			t.Fatalf("duplicate Kind string %q", s)
		}
		seen[s] = true
	}
	if Kind(0).String() != "unknown" {
		t.Fatalf("expected the zero Kind to stringify as unknown")
	}
}
