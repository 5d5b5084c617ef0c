package delivery

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrDuplicateJob is returned by Add when a pending or executing job with
	// the same id exists. Updates must use Replace.
	ErrDuplicateJob = errors.New("duplicate job")
	// ErrJobNotFound is benign on remove/cancel and surfaced as a no-op.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotifierFailure wraps transport errors; recorded as FAILED.
	ErrNotifierFailure = errors.New("notifier failure")
	// ErrMissedWindow marks a job whose grace period elapsed before dispatch.
	ErrMissedWindow = errors.New("misfire grace window elapsed")
	// ErrDuplicateRecord means the recorder saw the same execution twice.
	ErrDuplicateRecord = errors.New("duplicate delivery record")

	// ErrStaleObservation means the occasion changed between Observe and
	// ApplyIfUnchanged.
	ErrStaleObservation = errors.New("stale job observation")

	ErrSchedulerStopped = errors.New("scheduler stopped")
	ErrInvalidOccasion  = errors.New("invalid occasion")
	ErrInvalidJob       = errors.New("invalid job")
)

// IsIntegrityError reports whether err is a programming-contract violation
// (as opposed to an operational condition).
func IsIntegrityError(err error) bool {
	return errors.IsAny(err, ErrDuplicateJob, ErrDuplicateRecord, ErrInvalidJob)
}

func duplicateJobError(j Job) error {
	return errors.Wrapf(errors.WithStack(ErrDuplicateJob), "occasion %s", j.ID)
}

func notifierFailure(err error) error {
	return errors.Mark(errors.Wrap(err, "notifier send"), ErrNotifierFailure)
}
