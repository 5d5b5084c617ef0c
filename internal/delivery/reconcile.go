package delivery

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"memorable/internal/model"
	logx "memorable/pkg/logx"
)

// Repository is the read side the adapter rebuilds jobs from.
type Repository interface {
	ListOccasions(ctx context.Context) ([]model.Occasion, error)
	ListHistory(ctx context.Context, id model.OccasionID) ([]model.HistoryEntry, error)
}

// ReconcileReport summarises one reconcile pass.
type ReconcileReport struct {
	Occasions int `json:"occasions"`
	Added     int `json:"added"`
	Replaced  int `json:"replaced"`
	Removed   int `json:"removed"`
	Handled   int `json:"handled"`
	Busy      int `json:"busy"`
	Errors    int `json:"errors"`
}

// maxYearScan bounds the search for a repeating occasion's current instance.
const maxYearScan = 1000

// CurrentInstance returns the trigger time of the instance of o that still
// needs a delivery attempt, or false when nothing is owed.
//
// An instance is handled once a history entry at or after its trigger exists.
// For repeating occasions, yearly instances already past their grace window
// at now are skipped rather than reported as owed.
func CurrentInstance(o model.Occasion, history []model.HistoryEntry, grace time.Duration, now time.Time) (time.Time, bool) {
	var latest time.Time
	for _, h := range history {
		if h.Timestamp.After(latest) {
			latest = h.Timestamp
		}
	}
	handled := func(t time.Time) bool { return !latest.IsZero() && !latest.Before(t) }

	if !o.IsRepeated {
		if handled(o.DateTime) {
			return time.Time{}, false
		}
		return o.DateTime, true
	}
	for n := 0; n < maxYearScan; n++ {
		inst := YearsAfter(o.DateTime, n)
		if handled(inst) {
			continue
		}
		if now.After(inst.Add(grace)) {
			continue
		}
		return inst, true
	}
	return time.Time{}, false
}

// Reconcile makes the scheduler match the repository: every occasion with an
// owed instance has exactly that job, and jobs of deleted occasions go away.
// It runs on cold start and periodically to resume repeat chains that ended
// in FAILED or MISSED.
func (l *Lifecycle) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	if l.repo == nil {
		return rep, errors.New("reconcile: no repository")
	}
	occs, err := l.repo.ListOccasions(ctx)
	if err != nil {
		return rep, errors.Wrap(err, "reconcile: list occasions")
	}
	rep.Occasions = len(occs)
	cfg := l.config()
	now := l.clock.Now()

	known := make(map[model.OccasionID]struct{}, len(occs))
	for _, o := range occs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		known[o.ID] = struct{}{}
		if err := l.reconcileOne(ctx, o, cfg, now, &rep); err != nil {
			rep.Errors++
			l.log.Warn("reconcile occasion failed", logx.Stringer("occasion", o.ID), logx.Err(err))
		}
	}

	for _, j := range l.sched.PendingJobs() {
		if _, ok := known[j.ID]; ok {
			continue
		}
		found, err := l.sched.Remove(ctx, j.ID)
		if err != nil {
			rep.Errors++
			continue
		}
		if found {
			rep.Removed++
			l.log.Info("orphan job removed", logx.Stringer("occasion", j.ID))
		}
	}

	l.log.Info("reconcile finished",
		logx.Int("occasions", rep.Occasions),
		logx.Int("added", rep.Added),
		logx.Int("replaced", rep.Replaced),
		logx.Int("removed", rep.Removed),
		logx.Int("errors", rep.Errors),
	)
	return rep, nil
}

func (l *Lifecycle) reconcileOne(ctx context.Context, o model.Occasion, cfg LifecycleConfig, now time.Time, rep *ReconcileReport) error {
	// Observe before reading history: a delivery recorded after the history
	// read then shows up as a changed observation and the write is refused.
	seen, err := l.sched.Observe(ctx, o.ID)
	if err != nil {
		return err
	}
	if seen.State == StateExecuting {
		rep.Busy++
		return nil
	}
	history, err := l.repo.ListHistory(ctx, o.ID)
	if err != nil {
		return errors.Wrap(err, "list history")
	}
	if cfg.Location != nil {
		o.DateTime = o.DateTime.In(cfg.Location)
	}
	inst, owed := CurrentInstance(o, history, cfg.MisfireGrace, now)

	if !owed {
		rep.Handled++
		if seen.State != StatePending {
			return nil
		}
		err := l.sched.ApplyIfUnchanged(ctx, seen, nil)
		if errors.Is(err, ErrStaleObservation) {
			rep.Busy++
			return nil
		}
		if err != nil {
			return err
		}
		rep.Removed++
		return nil
	}

	j, err := l.jobAt(o, inst)
	if err != nil {
		return err
	}
	if seen.State == StatePending && sameJob(seen.Job, j) {
		return nil
	}
	err = l.sched.ApplyIfUnchanged(ctx, seen, &j)
	if errors.Is(err, ErrStaleObservation) {
		// Something ran or changed meanwhile; the next pass looks again.
		rep.Busy++
		return nil
	}
	if err != nil {
		return err
	}
	if seen.State == StatePending {
		rep.Replaced++
	} else {
		rep.Added++
	}
	return nil
}

func sameJob(a, b Job) bool {
	return a.ID == b.ID &&
		a.TriggerTime.Equal(b.TriggerTime) &&
		a.Payload == b.Payload &&
		a.MisfireGrace == b.MisfireGrace &&
		a.Repeat == b.Repeat
}
