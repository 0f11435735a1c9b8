package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrPayloadNotFound   = errors.New("job payload not found")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrForbidden         = errors.New("job belongs to another partner")

	errClaimConflict = errors.New("claim lost to a concurrent worker")
)

// FatalError marks a processing failure that retrying cannot fix.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

func Fatalf(format string, args ...interface{}) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
