package delivery

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/cockroachdb/errors"

	"memorable/internal/model"
	"memorable/internal/task/engine"
	logx "memorable/pkg/logx"
)

// Notifier delivers one payload. It is called at most once per execution and
// is never retried by the scheduler.
type Notifier interface {
	Send(ctx context.Context, p model.Payload) error
}

// Pool runs executions off the scheduler loop.
type Pool interface {
	Enqueue(t engine.Task) error
	Submit(ctx context.Context, t engine.Task) error
}

// Outcome is what an execution reports back to the scheduler loop.
type Outcome struct {
	ExecutionID string
	Job         Job
	State       JobState
	Err         error
	// Aborted means the execution never ran (pool stopped or refused it).
	Aborted bool
}

// Executor runs a claimed job: misfire check, one Notifier call, one record.
type Executor struct {
	clock    Clock
	notifier Notifier
	recorder *Recorder
	pool     Pool
	log      logx.Logger

	overflow sync.WaitGroup
}

func NewExecutor(clock Clock, n Notifier, rec *Recorder, pool Pool, log logx.Logger) *Executor {
	return &Executor{
		clock:    clock,
		notifier: n,
		recorder: rec,
		pool:     pool,
		log:      log.Component("executor"),
	}
}

// Dispatch hands job to the pool and returns without waiting. report is
// called exactly once, from another goroutine, when the execution finished
// or could not be started.
func (e *Executor) Dispatch(ctx context.Context, executionID string, job Job, report func(Outcome)) {
	task := engine.Task{
		ID:   executionID,
		Name: "deliver:" + job.ID.String(),
		Run: func(runCtx context.Context) error {
			o := e.Execute(runCtx, executionID, job)
			report(o)
			if o.State == StateFailed {
				return o.Err
			}
			return nil
		},
	}
	if e.pool == nil {
		go func() { _ = task.Run(ctx) }()
		return
	}

	err := e.pool.Enqueue(task)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrQueueFull):
		// Queue is full: wait for room on a side goroutine, never on the loop.
		e.overflow.Add(1)
		go func() {
			defer e.overflow.Done()
			if err := e.pool.Submit(ctx, task); err != nil {
				e.abort(executionID, job, err, report)
			}
		}()
	default:
		go e.abort(executionID, job, err, report)
	}
}

func (e *Executor) abort(executionID string, job Job, err error, report func(Outcome)) {
	e.log.Error("execution not started",
		logx.Stringer("occasion", job.ID),
		logx.String("execution", executionID),
		logx.Err(err),
	)
	report(Outcome{ExecutionID: executionID, Job: job, Err: err, Aborted: true})
}

// WaitOverflow blocks until side goroutines started for a full queue exit.
func (e *Executor) WaitOverflow() { e.overflow.Wait() }

// Execute runs job synchronously and records the outcome.
func (e *Executor) Execute(ctx context.Context, executionID string, job Job) Outcome {
	o := Outcome{ExecutionID: executionID, Job: job}
	now := e.clock.Now()
	if job.MissedAt(now) {
		o.State = StateMissed
		o.Err = errors.Wrapf(ErrMissedWindow, "occasion %s late by %s", job.ID, now.Sub(job.Deadline()))
		e.log.Warn("delivery missed",
			logx.Stringer("occasion", job.ID),
			logx.Time("trigger", job.TriggerTime),
			logx.Duration("grace", job.MisfireGrace),
		)
	} else if err := e.send(ctx, job); err != nil {
		o.State = StateFailed
		o.Err = notifierFailure(err)
		e.log.Warn("delivery failed", logx.Stringer("occasion", job.ID), logx.Err(err))
		now = e.clock.Now()
	} else {
		o.State = StateDelivered
		now = e.clock.Now()
	}

	status, _ := o.State.DeliveryStatus()
	// Shutdown must not lose an outcome that already happened.
	if err := e.recorder.Record(context.WithoutCancel(ctx), executionID, job, status, now, o.Err); err != nil && !errors.Is(err, ErrDuplicateRecord) {
		e.log.Error("outcome not recorded", logx.Stringer("occasion", job.ID), logx.Err(err))
	}
	return o
}

func (e *Executor) send(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("notifier panicked", logx.Stringer("occasion", job.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = errors.Newf("notifier panic: %s", fmt.Sprint(r))
		}
	}()
	return e.notifier.Send(ctx, job.Payload)
}
