package errcode

import (
	"errors"
	"fmt"
	"testing"
)

type fakeCoded struct{ kind Kind }

func (e *fakeCoded) Error() string { return "fake: " + string(e.kind) }
func (e *fakeCoded) Kind() Kind    { return e.kind }

func TestClassifyDirect(t *testing.T) {
	err := &fakeCoded{KindReset}
	if got := Classify(err); got != KindReset {
		t.Fatalf("Classify = %q, want %q", got, KindReset)
	}
}

func TestClassifyWrapped(t *testing.T) {
	base := &fakeCoded{KindDeadline}
	wrapped := fmt.Errorf("operation failed: %w", base)
	if got := Classify(wrapped); got != KindDeadline {
		t.Fatalf("Classify(wrapped) = %q, want %q", got, KindDeadline)
	}
}

func TestClassifyUnknown(t *testing.T) {
	if got := Classify(errors.New("plain error")); got != KindUnknown {
		t.Fatalf("Classify(plain) = %q, want %q", got, KindUnknown)
	}
}
