package errors

import (
	goerrors "errors"
	"fmt"
)

// New returns an error with the given message. It's a drop-in replacement for
// the standard library so that callers only need to import this package.
func New(format string, args ...interface{}) error {
	if len(args) == 0 {
		return goerrors.New(format)
	}
	return fmt.Errorf(format, args...)
}

// contextError annotates an error with the operation that was being performed
// when it occurred.
type contextError struct {
	context string
	cause   error
}

func (err contextError) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.cause)
}

func (err contextError) Unwrap() error {
	return err.cause
}

// WithContext wraps `err` with a short description of what was being done.
// A nil `err` stays nil so that results can be wrapped unconditionally.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return contextError{context: context, cause: err}
}

// RootCause strips all the context added by WithContext and returns the
// original error.
func RootCause(err error) error {
	for {
		ctxErr, ok := err.(contextError)
		if !ok {
			return err
		}
		err = ctxErr.cause
	}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return goerrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return goerrors.As(err, target)
}

// FriendlyError is an error whose message is meant to be shown to the user
// as-is, without the internal context chain.
type FriendlyError interface {
	error
	FriendlyMessage() string
}

type friendlyError struct {
	msg string
}

func (err friendlyError) Error() string {
	return err.msg
}

func (err friendlyError) FriendlyMessage() string {
	return err.msg
}

// NewFriendlyError creates an error that's printed directly to the user.
func NewFriendlyError(format string, args ...interface{}) error {
	return friendlyError{fmt.Sprintf(format, args...)}
}

// GetFriendlyMessage returns the user-facing message for `err` if any error
// in its chain is a FriendlyError.
func GetFriendlyMessage(err error) (string, bool) {
	var friendly FriendlyError
	if As(err, &friendly) {
		return friendly.FriendlyMessage(), true
	}
	return "", false
}
