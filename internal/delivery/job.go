package delivery

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"memorable/internal/model"
)

// JobState is the lifecycle position of a job.
//
//	PENDING -> EXECUTING -> DELIVERED | FAILED
//	PENDING -> MISSED
//	PENDING -> CANCELLED
//
// PENDING and EXECUTING live in the scheduler; the terminal states only
// surface through the recorder and the event bus.
type JobState int

const (
	StateNone JobState = iota
	StatePending
	StateExecuting
	StateDelivered
	StateFailed
	StateMissed
	StateCancelled
)

func (s JobState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateExecuting:
		return "EXECUTING"
	case StateDelivered:
		return "DELIVERED"
	case StateFailed:
		return "FAILED"
	case StateMissed:
		return "MISSED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "NONE"
	}
}

// Terminal reports whether s ends a job's life.
func (s JobState) Terminal() bool {
	return s == StateDelivered || s == StateFailed || s == StateMissed || s == StateCancelled
}

// DeliveryStatus maps the recorded terminal states to history statuses.
func (s JobState) DeliveryStatus() (model.DeliveryStatus, bool) {
	switch s {
	case StateDelivered:
		return model.StatusDelivered, true
	case StateFailed:
		return model.StatusFailed, true
	case StateMissed:
		return model.StatusMissed, true
	}
	return "", false
}

// Job is one scheduled delivery. Its ID is the owning occasion's ID.
type Job struct {
	ID           model.OccasionID
	TriggerTime  time.Time
	Payload      model.Payload
	MisfireGrace time.Duration
	Repeat       bool
}

// Deadline is the last instant at which dispatch still counts as on time.
func (j Job) Deadline() time.Time { return j.TriggerTime.Add(j.MisfireGrace) }

// MissedAt reports whether dispatching at now would be past the grace window.
func (j Job) MissedAt(now time.Time) bool { return now.After(j.Deadline()) }

func (j Job) String() string {
	return fmt.Sprintf("job(%s @ %s)", j.ID, j.TriggerTime.Format(time.RFC3339))
}

func (j Job) validate() error {
	if !j.ID.Valid() {
		return errors.Wrapf(ErrInvalidJob, "id %d", int64(j.ID))
	}
	if j.TriggerTime.IsZero() {
		return errors.Wrapf(ErrInvalidJob, "occasion %s: trigger time required", j.ID)
	}
	if j.MisfireGrace < 0 {
		return errors.Wrapf(ErrInvalidJob, "occasion %s: negative misfire grace", j.ID)
	}
	return nil
}

// NextInstance is the repeat re-arm: same job, trigger one year later.
func NextInstance(j Job) Job {
	next := j
	next.TriggerTime = NextYear(j.TriggerTime)
	return next
}

// NextYear returns t with the year incremented, keeping month, day,
// time-of-day and location. Feb 29 maps to Feb 28 in non-leap years.
func NextYear(t time.Time) time.Time { return YearsAfter(t, 1) }

func isLeap(y int) bool {
	return y%4 == 0 && (y%100 != 0 || y%400 == 0)
}
