package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"memorable/internal/model"
	logx "memorable/pkg/logx"
)

// DefaultMisfireGrace is how late a dispatch may be before it counts as missed.
const DefaultMisfireGrace = 24 * time.Hour

// JobScheduler is the command surface of the scheduler loop.
type JobScheduler interface {
	Add(ctx context.Context, j Job) error
	Replace(ctx context.Context, j Job) error
	Remove(ctx context.Context, id model.OccasionID) (bool, error)
	Lookup(ctx context.Context, id model.OccasionID) (JobState, Job, error)
	Observe(ctx context.Context, id model.OccasionID) (Observation, error)
	ApplyIfUnchanged(ctx context.Context, seen Observation, want *Job) error
	PendingJobs() []Job
}

// LifecycleConfig is the hot-reloadable part of the adapter.
type LifecycleConfig struct {
	MisfireGrace time.Duration
	// Location anchors yearly repeats (month/day in this zone). Nil keeps the
	// occasion's own offset.
	Location *time.Location
	// Strict panics on scheduler integrity errors instead of logging them.
	Strict bool
}

// Lifecycle translates occasion create/update/delete into scheduler commands
// and rebuilds jobs from the occasion repository.
type Lifecycle struct {
	mu    sync.RWMutex
	cfg   LifecycleConfig
	sched JobScheduler
	repo  Repository
	clock Clock
	log   logx.Logger
}

func NewLifecycle(cfg LifecycleConfig, sched JobScheduler, repo Repository, clock Clock, log logx.Logger) *Lifecycle {
	if clock == nil {
		clock = SystemClock{}
	}
	l := &Lifecycle{sched: sched, repo: repo, clock: clock, log: log.Component("lifecycle")}
	l.Apply(cfg)
	return l
}

func (l *Lifecycle) Apply(cfg LifecycleConfig) {
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = DefaultMisfireGrace
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

func (l *Lifecycle) config() LifecycleConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// JobFor builds the job for the occasion's date_time.
func (l *Lifecycle) JobFor(o model.Occasion) (Job, error) {
	return l.jobAt(o, o.DateTime)
}

func (l *Lifecycle) jobAt(o model.Occasion, at time.Time) (Job, error) {
	if !o.ID.Valid() {
		return Job{}, errors.Wrapf(ErrInvalidOccasion, "id %d", int64(o.ID))
	}
	if o.DateTime.IsZero() {
		return Job{}, errors.Wrapf(ErrInvalidOccasion, "occasion %s: date_time required", o.ID)
	}
	if !o.DeliveryMethod.Known() {
		return Job{}, errors.Wrapf(ErrInvalidOccasion, "occasion %s: unknown delivery method %q", o.ID, o.DeliveryMethod)
	}
	cfg := l.config()
	if cfg.Location != nil {
		at = at.In(cfg.Location)
	}
	return Job{
		ID:           o.ID,
		TriggerTime:  at,
		Payload:      model.PayloadFor(o),
		MisfireGrace: cfg.MisfireGrace,
		Repeat:       o.IsRepeated,
	}, nil
}

// ScheduleFor adds the job for a newly created occasion.
func (l *Lifecycle) ScheduleFor(ctx context.Context, o model.Occasion) error {
	j, err := l.JobFor(o)
	if err != nil {
		return err
	}
	if err := l.sched.Add(ctx, j); err != nil {
		return l.fail("schedule", o.ID, err)
	}
	l.log.Info("occasion scheduled", logx.Stringer("occasion", o.ID), logx.Time("trigger", j.TriggerTime), logx.Bool("repeat", j.Repeat))
	return nil
}

// RescheduleFor replaces the job for an updated occasion. The replace is
// unconditional, even when the trigger time did not change.
func (l *Lifecycle) RescheduleFor(ctx context.Context, o model.Occasion) error {
	j, err := l.JobFor(o)
	if err != nil {
		return err
	}
	if err := l.sched.Replace(ctx, j); err != nil {
		return l.fail("reschedule", o.ID, err)
	}
	l.log.Info("occasion rescheduled", logx.Stringer("occasion", o.ID), logx.Time("trigger", j.TriggerTime))
	return nil
}

// CancelFor removes the job for a deleted occasion. No job is not an error.
func (l *Lifecycle) CancelFor(ctx context.Context, id model.OccasionID) error {
	found, err := l.sched.Remove(ctx, id)
	if err != nil {
		return l.fail("cancel", id, err)
	}
	if !found {
		l.log.Debug("nothing to cancel", logx.Stringer("occasion", id))
		return nil
	}
	l.log.Info("occasion cancelled", logx.Stringer("occasion", id))
	return nil
}

// HasPendingJob reports whether a job for id is pending or executing.
func (l *Lifecycle) HasPendingJob(ctx context.Context, id model.OccasionID) (bool, error) {
	state, _, err := l.sched.Lookup(ctx, id)
	if err != nil {
		return false, err
	}
	return state == StatePending || state == StateExecuting, nil
}

// fail logs err; integrity violations are loud and, in strict mode, fatal.
func (l *Lifecycle) fail(op string, id model.OccasionID, err error) error {
	if !IsIntegrityError(err) {
		l.log.Warn(op+" failed", logx.Stringer("occasion", id), logx.Err(err))
		return err
	}
	l.log.Error(op+": scheduler integrity violation", logx.Stringer("occasion", id), logx.ErrStack(err))
	if l.config().Strict {
		panic(err)
	}
	return err
}

// YearsAfter returns t moved n years forward with the Feb 29 rule of NextYear.
func YearsAfter(t time.Time, n int) time.Time {
	if n <= 0 {
		return t
	}
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	ny := y + n
	if m == time.February && d == 29 && !isLeap(ny) {
		d = 28
	}
	return time.Date(ny, m, d, hh, mm, ss, t.Nanosecond(), t.Location())
}
