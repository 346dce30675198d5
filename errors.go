package pagetest

import (
	"errors"
	"fmt"

	"github.com/ethereum-optimism/infra/op-pagetest/errs"
)

// RuntimeError represents an operational error that should lead to exit code 2.
// Examples include configuration errors, a failed capabilities query or a failed
// coverage tool.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError creates a new RuntimeError
func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

// IsRuntimeError checks if the error is or wraps a RuntimeError
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && errors.As(err, &runtimeErr)
}

// TestFailureError represents failed or incomplete pages (exit code 1)
type TestFailureError struct {
	Message string
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("test failure: %s", e.Message)
}

// NewTestFailureError creates a new TestFailureError
func NewTestFailureError(message string) *TestFailureError {
	return &TestFailureError{Message: message}
}

// IsTestFailureError checks if the error is or wraps a TestFailureError
func IsTestFailureError(err error) bool {
	var testErr *TestFailureError
	return err != nil && errors.As(err, &testErr)
}

// classify wraps the failures that must abort the run as runtime errors.
func classify(err error) error {
	if err == nil || IsRuntimeError(err) || IsTestFailureError(err) {
		return err
	}
	if errs.IsFatal(err) {
		return NewRuntimeError(err)
	}
	return err
}
