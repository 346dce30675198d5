// Package errs defines the coded failure kinds raised by the page test runner.
//
// Every kind carries a stable negative numeric code so that callers (and the
// process exit status) can tell failures apart without matching on text.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure.
type Kind int

const (
	Generic Kind = iota
	NpmFailed
	MissingOrInvalidBrowserCapabilities
	BrowserProbeFailed
	BrowserFailed
	BrowserScreenshotFailed
	BrowserScreenshotTimeout
	BrowserScreenshotNotSupported
	ProtocolError
	CoverageToolFailed
)

var kindNames = [...]string{
	Generic:                             "GENERIC",
	NpmFailed:                           "NPM_FAILED",
	MissingOrInvalidBrowserCapabilities: "MISSING_OR_INVALID_BROWSER_CAPABILITIES",
	BrowserProbeFailed:                  "BROWSER_PROBE_FAILED",
	BrowserFailed:                       "BROWSER_FAILED",
	BrowserScreenshotFailed:             "BROWSER_SCREENSHOT_FAILED",
	BrowserScreenshotTimeout:            "BROWSER_SCREENSHOT_TIMEOUT",
	BrowserScreenshotNotSupported:       "BROWSER_SCREENSHOT_NOT_SUPPORTED",
	ProtocolError:                       "PROTOCOL_ERROR",
	CoverageToolFailed:                  "COVERAGE_TOOL_FAILED",
}

// Code returns the stable numeric code of the kind: -1 for Generic, -2 for
// NpmFailed and so on.
func (k Kind) Code() int {
	return -1 - int(k)
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("UNKNOWN(%d)", int(k))
	}
	return kindNames[k]
}

// Error is a coded failure with free-text detail.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

// New creates an Error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf creates an Error of the given kind with a formatted detail.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind that wraps a cause.
func Wrap(kind Kind, err error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Code returns the stable numeric code of the error kind.
func (e *Error) Code() int {
	return e.Kind.Code()
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the same kind, so that
// errors.Is(err, errs.ProtocolError) works on wrapped errors.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// Error lets a bare Kind be used as an errors.Is target.
func (k Kind) Error() string {
	return k.String()
}

// KindOf returns the kind of the first *Error in the chain, or Generic with
// ok=false when the chain carries none.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return Generic, false
}

// CodeOf returns the numeric code carried by err, Generic's code otherwise.
func CodeOf(err error) int {
	kind, _ := KindOf(err)
	return kind.Code()
}

// IsFatal reports whether the failure must abort the whole run rather than a
// single page.
func IsFatal(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case NpmFailed, MissingOrInvalidBrowserCapabilities, BrowserProbeFailed, CoverageToolFailed:
		return true
	}
	return false
}
