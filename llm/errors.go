package llm

import (
	"errors"
)

// TransientError marks a completion failure worth retrying, such as a
// rate limit or provider overload.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError classifies err as retryable.
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError marks a completion failure retrying cannot fix, such as a
// bad API key or an invalid request.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError classifies err as non-retryable.
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient reports whether err carries a transient classification
// anywhere in its chain.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal reports whether err carries a fatal classification anywhere in
// its chain.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
