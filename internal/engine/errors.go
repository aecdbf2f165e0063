package engine

import (
	"errors"
	"fmt"
)

// ErrStopped is returned by Do when the loop is no longer accepting jobs, or
// stopped before a queued job could run.
var ErrStopped = errors.New("engine: stopped")

// PanicError reports a job that panicked. The loop recovers and keeps
// running.
type PanicError struct {
	Job   string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("engine: job %q panicked: %v", e.Job, e.Value)
}

// IsPanic reports whether err is or wraps a *PanicError.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
