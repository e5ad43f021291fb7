package services

import (
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"
)

var (
	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// StageError records a failure raised by a stage executor together with the
// diagnostics persisted into dead-letter records.
type StageError struct {
	Stage string
	Err   error
	Stack string
	// Panicked is set when the failure was recovered from a panic.
	Panicked bool
}

// NewStageError wraps err and captures the current goroutine stack.
func NewStageError(stage string, err error) *StageError {
	return &StageError{Stage: stage, Err: err, Stack: string(debug.Stack())}
}

// NewPanicError converts a recovered panic value into a StageError. The stack
// must be captured inside the deferred recover.
func NewPanicError(stage string, recovered any, stack []byte) *StageError {
	err, ok := recovered.(error)
	if !ok {
		err = fmt.Errorf("%v", recovered)
	}
	return &StageError{Stage: stage, Err: fmt.Errorf("panic: %w", err), Stack: string(stack), Panicked: true}
}

func (e *StageError) Error() string {
	if e == nil || e.Err == nil {
		return "stage failure"
	}
	if e.Stage == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrorType names the concrete type of the innermost error that is not one of
// the package sentinels or a plain wrapper. Plain errors report "error".
func ErrorType(err error) string {
	if name := concreteType(err); name != "" {
		return name
	}
	return "error"
}

func concreteType(err error) string {
	if err == nil || isSentinel(err) {
		return ""
	}
	var children []error
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		children = x.Unwrap()
	case interface{ Unwrap() error }:
		if inner := x.Unwrap(); inner != nil {
			children = []error{inner}
		}
	}
	for _, child := range children {
		if name := concreteType(child); name != "" {
			return name
		}
	}
	switch typeName := reflect.TypeOf(err).String(); typeName {
	case "*fmt.wrapError", "*fmt.wrapErrors", "*errors.errorString", "*errors.joinError", "*services.StageError":
		return ""
	default:
		return strings.TrimPrefix(typeName, "*")
	}
}

// Classify returns the sentinel marker carried by err, or nil.
func Classify(err error) error {
	for _, marker := range []error{ErrValidation, ErrConfiguration, ErrNotFound, ErrTimeout, ErrExternalTool, ErrTransient} {
		if errors.Is(err, marker) {
			return marker
		}
	}
	return nil
}

func isSentinel(err error) bool {
	switch err {
	case ErrExternalTool, ErrValidation, ErrConfiguration, ErrNotFound, ErrTimeout, ErrTransient:
		return true
	}
	return false
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
