package engine

import "github.com/cockroachdb/errors"

var (
	ErrStopped   = errors.New("task engine stopped")
	ErrStopping  = errors.New("task engine stopping")
	ErrQueueFull = errors.New("task engine queue full")
	ErrInvalid   = errors.New("invalid task")
)

// IsRejected reports whether err means the task was never queued and will
// not run.
func IsRejected(err error) bool {
	return errors.IsAny(err, ErrStopped, ErrStopping, ErrQueueFull, ErrInvalid)
}
