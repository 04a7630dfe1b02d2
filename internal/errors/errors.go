// Package errors provides the error handling primitives used throughout
// blobidx. It is a thin wrapper around github.com/pkg/errors so call sites
// never import that package directly, plus a small "fatal" marker that
// distinguishes errors that should abort the process without a stack
// trace from ones that should be retried or logged.
package errors

import "github.com/pkg/errors"

// New creates a new error with the given message and a stack trace attached.
func New(message string) error {
	return errors.New(message)
}

// Errorf creates a new error according to a format specifier and a stack
// trace attached.
func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Wrap wraps an error and adds a message, while preserving the stack trace
// of the original error.
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

// Wrapf wraps an error and adds a formatted message, while preserving the
// stack trace of the original error.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// Cause returns the underlying cause of an error, if it has one.
func Cause(err error) error {
	return errors.Cause(err)
}

type fatalError struct {
	s string
}

func (e *fatalError) Error() string {
	return e.s
}

// Fatal creates an error that abortes the program if it is returned from
// main, without a stack trace printed.
func Fatal(s string) error {
	return &fatalError{s}
}

// Fatalf creates an error according to a format specifier that aborts the
// program without a stack trace when returned from main.
func Fatalf(format string, args ...interface{}) error {
	return &fatalError{s: Errorf(format, args...).Error()}
}

// IsFatal checks if an error is a fatal error, that should be printed
// without a stack trace.
func IsFatal(err error) bool {
	_, ok := err.(*fatalError)
	return ok
}
