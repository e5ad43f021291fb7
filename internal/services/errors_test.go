package services_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"casegraph/internal/services"
)

type quotaError struct{ limit int }

func (e *quotaError) Error() string { return fmt.Sprintf("quota of %d exceeded", e.limit) }

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "transcription", "run", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"transcription", "run", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected default detail, got %q", err.Error())
	}
}

func TestErrorTypeFindsInnermostConcreteType(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"plain", errors.New("x"), "error"},
		{"custom", &quotaError{limit: 3}, "services_test.quotaError"},
		{"wrapped", services.Wrap(services.ErrTimeout, "translation", "call", "slow", &quotaError{limit: 1}), "services_test.quotaError"},
		{"stage error", services.NewStageError("embedding", fmt.Errorf("call: %w", &quotaError{})), "services_test.quotaError"},
		{"deadline", fmt.Errorf("llm: %w", context.DeadlineExceeded), "context.deadlineExceededError"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := services.ErrorType(tc.err); got != tc.want {
				t.Fatalf("ErrorType = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestStageErrorCapturesStackAndUnwraps(t *testing.T) {
	base := services.Wrap(services.ErrValidation, "text_extraction", "read", "empty text", nil)
	err := services.NewStageError("text_extraction", base)
	if err.Stack == "" {
		t.Fatal("expected stack to be captured")
	}
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation marker through StageError, got %v", err)
	}
	if services.Classify(err) != services.ErrValidation {
		t.Fatalf("unexpected classification %v", services.Classify(err))
	}
	if !strings.HasPrefix(err.Error(), "stage text_extraction:") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestPanicErrorWrapsValue(t *testing.T) {
	err := services.NewPanicError("summarization", "nil map", []byte("goroutine 1"))
	if !err.Panicked {
		t.Fatal("expected panicked flag")
	}
	if !strings.Contains(err.Error(), "panic: nil map") {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if err.Stack != "goroutine 1" {
		t.Fatalf("unexpected stack %q", err.Stack)
	}
}
