package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"memorable/internal/eventbus"
	"memorable/internal/model"
	rtsup "memorable/internal/runtime/supervisor"
	logx "memorable/pkg/logx"
)

// Dispatcher starts an execution without blocking the caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, executionID string, job Job, report func(Outcome))
}

// LoopState is what the scheduler loop is currently doing.
type LoopState int32

const (
	LoopIdle LoopState = iota
	LoopWaiting
	LoopDispatching
)

func (s LoopState) String() string {
	switch s {
	case LoopWaiting:
		return "WAITING"
	case LoopDispatching:
		return "DISPATCHING"
	default:
		return "IDLE"
	}
}

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	Running    bool      `json:"running"`
	State      string    `json:"state"`
	Pending    int       `json:"pending"`
	InFlight   int       `json:"in_flight"`
	NextWake   time.Time `json:"next_wake,omitempty"`
	Wakeups    uint64    `json:"wakeups"`
	Dispatched uint64    `json:"dispatched"`
	Delivered  uint64    `json:"delivered"`
	Failed     uint64    `json:"failed"`
	Missed     uint64    `json:"missed"`
	Rearmed    uint64    `json:"rearmed"`
	Cancelled  uint64    `json:"cancelled"`
	Aborted    uint64    `json:"aborted"`
}

type cmdKind int

const (
	cmdAdd cmdKind = iota
	cmdReplace
	cmdRemove
	cmdLookup
	cmdGuarded
	cmdFlush
	cmdWaitIdle
)

type command struct {
	kind  cmdKind
	job   Job
	id    model.OccasionID
	seen  Observation
	reply chan reply
}

type reply struct {
	err   error
	found bool
	state JobState
	job   Job
	epoch uint64
}

// Observation is a Lookup result that can guard a later ApplyIfUnchanged.
// epoch changes every time an execution of the occasion completes.
type Observation struct {
	ID    model.OccasionID
	State JobState
	Job   Job
	epoch uint64
}

type completion struct {
	gen     uint64
	outcome Outcome
}

// flight is a job the loop handed to the executor and has not heard back
// about. Mutations that arrive meanwhile are parked in next.
type flight struct {
	executionID string
	job         Job
	next        *Job
	cancelNext  bool
}

// Scheduler owns the job store and the single loop that waits for the
// earliest trigger and dispatches due jobs.
type Scheduler struct {
	clock Clock
	store *JobStore
	exec  Dispatcher
	log   logx.Logger
	bus   eventbus.Bus

	cmds        chan command
	completions chan completion

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	closed  chan struct{}
	running bool
	// gen counts Starts; outcomes of an earlier run are ignored.
	gen uint64

	// Loop-owned.
	inflight map[model.OccasionID]*flight
	idlers   []chan reply
	// finished maps an occasion to the sequence number of its last
	// completed execution.
	finished map[model.OccasionID]uint64
	finishN  uint64

	state     atomic.Int32
	nextWake  atomic.Int64
	inflightN atomic.Int32

	wakeups, dispatched         atomic.Uint64
	delivered, failed, missed   atomic.Uint64
	rearmed, cancelled, aborted atomic.Uint64
}

func NewScheduler(clock Clock, exec Dispatcher, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Scheduler{
		clock:       clock,
		store:       NewJobStore(),
		exec:        exec,
		log:         log.Component("scheduler"),
		bus:         bus,
		cmds:        make(chan command),
		completions: make(chan completion, 64),
		inflight:    map[model.OccasionID]*flight{},
		finished:    map[model.OccasionID]uint64{},
	}
}

// Start runs the loop under a supervisor that restarts it after a panic.
// Pending jobs survive Stop/Start, and commands issued while stopped are
// applied to the store so a cold start can load jobs before dispatching.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.closed = make(chan struct{})
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.running = true
	s.gen++
	gen := s.gen
	s.sup.GoRestart("scheduler.loop", func(c context.Context) error { return s.run(c, gen) })
	s.log.Info("scheduler started", logx.Int("pending", s.store.Len()))
}

// Stop ends the loop. Executions already handed to the pool keep running;
// their outcomes are recorded but no longer re-armed.
func (s *Scheduler) Stop(ctx context.Context) error {
	// Held until the loop is gone so stopped-mode commands never race it.
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	close(s.closed)

	err := s.sup.Stop(ctx)
	s.drainCompletions()
	clear(s.inflight)
	s.idlers = nil
	s.inflightN.Store(0)
	s.state.Store(int32(LoopIdle))
	s.log.Info("scheduler stopped", logx.Int("pending", s.store.Len()))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Add schedules a new job. ErrDuplicateJob if one is pending or executing.
func (s *Scheduler) Add(ctx context.Context, j Job) error {
	if err := j.validate(); err != nil {
		return err
	}
	return s.do(ctx, command{kind: cmdAdd, job: j}).err
}

// Replace upserts the pending job for j.ID. While that occasion is executing
// the replacement is held back and becomes pending once the execution ends.
func (s *Scheduler) Replace(ctx context.Context, j Job) error {
	if err := j.validate(); err != nil {
		return err
	}
	return s.do(ctx, command{kind: cmdReplace, job: j}).err
}

// Remove cancels the pending job for id. While executing, the current
// attempt finishes and nothing is scheduled after it. found is false when
// there was nothing to cancel.
func (s *Scheduler) Remove(ctx context.Context, id model.OccasionID) (found bool, err error) {
	r := s.do(ctx, command{kind: cmdRemove, id: id})
	return r.found, r.err
}

// Lookup reports the job state for id (StateNone when absent).
func (s *Scheduler) Lookup(ctx context.Context, id model.OccasionID) (JobState, Job, error) {
	r := s.do(ctx, command{kind: cmdLookup, id: id})
	return r.state, r.job, r.err
}

// Observe is Lookup plus a completion epoch for ApplyIfUnchanged.
func (s *Scheduler) Observe(ctx context.Context, id model.OccasionID) (Observation, error) {
	r := s.do(ctx, command{kind: cmdLookup, id: id})
	if r.err != nil {
		return Observation{}, r.err
	}
	return Observation{ID: id, State: r.state, Job: r.job, epoch: r.epoch}, nil
}

// ApplyIfUnchanged makes want the pending job for seen.ID, or removes the
// pending job when want is nil, but only if nothing happened to that
// occasion since seen was taken: same state, same pending trigger and no
// execution completed in between. Otherwise it returns ErrStaleObservation
// and changes nothing.
func (s *Scheduler) ApplyIfUnchanged(ctx context.Context, seen Observation, want *Job) error {
	c := command{kind: cmdGuarded, id: seen.ID, seen: seen}
	if want != nil {
		if want.ID != seen.ID {
			return errors.Wrapf(ErrInvalidJob, "job %s guarded by observation of %s", want.ID, seen.ID)
		}
		if err := want.validate(); err != nil {
			return err
		}
		c.job = *want
	}
	return s.do(ctx, c).err
}

// Flush returns once the loop has processed every earlier command and
// dispatched whatever is due at the clock's current time.
func (s *Scheduler) Flush(ctx context.Context) error {
	return s.do(ctx, command{kind: cmdFlush}).err
}

// WaitIdle returns once nothing is due and no execution is in flight.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	return s.do(ctx, command{kind: cmdWaitIdle}).err
}

// PendingJobs lists pending (not executing) jobs.
func (s *Scheduler) PendingJobs() []Job { return s.store.Jobs() }

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	snap := Snapshot{
		Running:    running,
		State:      LoopState(s.state.Load()).String(),
		Pending:    s.store.Len(),
		InFlight:   int(s.inflightN.Load()),
		Wakeups:    s.wakeups.Load(),
		Dispatched: s.dispatched.Load(),
		Delivered:  s.delivered.Load(),
		Failed:     s.failed.Load(),
		Missed:     s.missed.Load(),
		Rearmed:    s.rearmed.Load(),
		Cancelled:  s.cancelled.Load(),
		Aborted:    s.aborted.Load(),
	}
	if ns := s.nextWake.Load(); ns != 0 {
		snap.NextWake = time.Unix(0, ns)
	}
	return snap
}

func (s *Scheduler) do(ctx context.Context, c command) reply {
	if err := ctx.Err(); err != nil {
		return reply{err: err}
	}
	s.mu.Lock()
	running, closed := s.running, s.closed
	if !running {
		// No loop: mutate the store directly; dispatch waits for Start.
		defer s.mu.Unlock()
		if c.kind == cmdFlush || c.kind == cmdWaitIdle {
			return reply{}
		}
		return s.apply(c)
	}
	s.mu.Unlock()

	c.reply = make(chan reply, 1)
	select {
	case s.cmds <- c:
	case <-ctx.Done():
		return reply{err: ctx.Err()}
	case <-closed:
		return reply{err: ErrSchedulerStopped}
	}
	select {
	case r := <-c.reply:
		return r
	case <-ctx.Done():
		return reply{err: ctx.Err()}
	case <-closed:
		return reply{err: ErrSchedulerStopped}
	}
}

// report is handed to the executor. It may run after Stop.
func (s *Scheduler) report(gen uint64, o Outcome) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	select {
	case <-closed:
		s.log.Debug("outcome after stop", logx.Stringer("occasion", o.Job.ID), logx.String("state", o.State.String()))
		return
	default:
	}
	select {
	case s.completions <- completion{gen: gen, outcome: o}:
	case <-closed:
		s.log.Debug("outcome after stop", logx.Stringer("occasion", o.Job.ID), logx.String("state", o.State.String()))
	}
}

func (s *Scheduler) drainCompletions() {
	for {
		select {
		case <-s.completions:
		default:
			return
		}
	}
}

func (s *Scheduler) run(ctx context.Context, gen uint64) error {
	var (
		timer   Timer
		replyTo chan reply
		pending reply
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		// Every iteration re-derives the wake time from the store, so any
		// mutation that moves the earliest trigger re-arms the timer.
		s.dispatchDue(ctx, gen)

		if timer != nil {
			timer.Stop()
			timer = nil
		}
		var wake <-chan time.Time
		if next, ok := s.store.NextTrigger(); ok {
			timer = s.clock.TimerAt(next)
			wake = timer.C()
			s.nextWake.Store(next.UnixNano())
			s.state.Store(int32(LoopWaiting))
		} else {
			s.nextWake.Store(0)
			s.state.Store(int32(LoopIdle))
		}

		if replyTo != nil {
			replyTo <- pending
			replyTo = nil
		}
		s.releaseIdlers()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-s.cmds:
			if c.kind == cmdWaitIdle {
				s.idlers = append(s.idlers, c.reply)
				continue
			}
			pending, replyTo = s.apply(c), c.reply
		case c := <-s.completions:
			if c.gen != gen {
				s.log.Debug("outcome from previous run ignored", logx.Stringer("occasion", c.outcome.Job.ID))
				continue
			}
			s.complete(c.outcome)
		case <-wake:
			// Early wakeups fall through to the due check.
			s.wakeups.Add(1)
		}
	}
}

func (s *Scheduler) releaseIdlers() {
	if len(s.idlers) == 0 || len(s.inflight) > 0 {
		return
	}
	for _, ch := range s.idlers {
		ch <- reply{}
	}
	s.idlers = nil
}

func (s *Scheduler) dispatchDue(ctx context.Context, gen uint64) {
	due := s.store.DueBefore(s.clock.Now())
	if len(due) == 0 {
		return
	}
	s.state.Store(int32(LoopDispatching))
	report := func(o Outcome) { s.report(gen, o) }
	for _, j := range due {
		execID := uuid.NewString()
		s.inflight[j.ID] = &flight{executionID: execID, job: j}
		s.inflightN.Add(1)
		s.dispatched.Add(1)
		s.log.Debug("job dispatched", logx.Stringer("occasion", j.ID), logx.Time("trigger", j.TriggerTime), logx.String("execution", execID))
		s.publish(eventbus.TypeJobDispatched, j)
		s.exec.Dispatch(ctx, execID, j, report)
	}
}

func (s *Scheduler) apply(c command) reply {
	switch c.kind {
	case cmdAdd:
		if _, busy := s.inflight[c.job.ID]; busy {
			return reply{err: duplicateJobError(c.job)}
		}
		if err := s.store.Add(c.job); err != nil {
			return reply{err: err}
		}
		s.log.Debug("job scheduled", logx.Stringer("occasion", c.job.ID), logx.Time("trigger", c.job.TriggerTime))
		s.publish(eventbus.TypeJobScheduled, c.job)
		return reply{}

	case cmdReplace:
		if f, busy := s.inflight[c.job.ID]; busy {
			j := c.job
			f.next, f.cancelNext = &j, false
			s.log.Debug("replacement held until execution ends", logx.Stringer("occasion", j.ID))
			return reply{}
		}
		replaced, err := s.store.Replace(c.job)
		if err != nil {
			return reply{err: err}
		}
		s.log.Debug("job replaced", logx.Stringer("occasion", c.job.ID), logx.Time("trigger", c.job.TriggerTime), logx.Bool("existed", replaced))
		s.publish(eventbus.TypeJobReplaced, c.job)
		return reply{}

	case cmdRemove:
		if f, busy := s.inflight[c.id]; busy {
			f.next, f.cancelNext = nil, true
			return reply{found: true}
		}
		j, ok := s.store.Remove(c.id)
		if ok {
			s.cancelled.Add(1)
			s.log.Debug("job cancelled", logx.Stringer("occasion", c.id))
			s.publish(eventbus.TypeJobCancelled, j)
		}
		return reply{found: ok}

	case cmdLookup:
		return s.lookup(c.id)

	case cmdGuarded:
		cur := s.lookup(c.id)
		seen := c.seen
		if cur.state != seen.State || cur.epoch != seen.epoch ||
			(cur.state != StateNone && !cur.job.TriggerTime.Equal(seen.Job.TriggerTime)) {
			return reply{err: errors.Wrapf(ErrStaleObservation, "occasion %s", c.id)}
		}
		switch {
		case cur.state == StateExecuting:
			return reply{err: errors.Wrapf(ErrStaleObservation, "occasion %s is executing", c.id)}
		case c.job.ID == 0:
			return s.apply(command{kind: cmdRemove, id: c.id})
		case cur.state == StateNone:
			return s.apply(command{kind: cmdAdd, job: c.job})
		default:
			return s.apply(command{kind: cmdReplace, job: c.job})
		}
	}
	return reply{}
}

func (s *Scheduler) lookup(id model.OccasionID) reply {
	epoch := s.finished[id]
	if f, busy := s.inflight[id]; busy {
		return reply{found: true, state: StateExecuting, job: f.job, epoch: epoch}
	}
	if j, ok := s.store.Get(id); ok {
		return reply{found: true, state: StatePending, job: j, epoch: epoch}
	}
	return reply{state: StateNone, epoch: epoch}
}

func (s *Scheduler) complete(o Outcome) {
	f, ok := s.inflight[o.Job.ID]
	if !ok || f.executionID != o.ExecutionID {
		s.log.Error("completion for unknown execution",
			logx.Stringer("occasion", o.Job.ID),
			logx.String("execution", o.ExecutionID),
		)
		return
	}
	delete(s.inflight, o.Job.ID)
	s.inflightN.Add(-1)
	s.finishN++
	s.finished[o.Job.ID] = s.finishN

	switch {
	case o.Aborted:
		s.aborted.Add(1)
	case o.State == StateDelivered:
		s.delivered.Add(1)
	case o.State == StateFailed:
		s.failed.Add(1)
	case o.State == StateMissed:
		s.missed.Add(1)
	}

	switch {
	case f.cancelNext:
		s.cancelled.Add(1)
		s.publish(eventbus.TypeJobCancelled, f.job)
	case f.next != nil:
		s.readd(*f.next, eventbus.TypeJobReplaced)
	case o.State == StateDelivered && o.Job.Repeat:
		next := NextInstance(o.Job)
		if s.readd(next, eventbus.TypeJobRearmed) {
			s.rearmed.Add(1)
		}
	}
}

func (s *Scheduler) readd(j Job, eventType string) bool {
	if err := s.store.Add(j); err != nil {
		s.log.Error("re-add after execution failed", logx.Stringer("occasion", j.ID), logx.ErrStack(err))
		return false
	}
	s.log.Debug("job re-added", logx.Stringer("occasion", j.ID), logx.Time("trigger", j.TriggerTime), logx.String("reason", eventType))
	s.publish(eventType, j)
	return true
}

// JobEvent is the bus payload for job.* events.
type JobEvent struct {
	OccasionID  model.OccasionID `json:"occasion_id"`
	TriggerTime time.Time        `json:"trigger_time"`
	Repeat      bool             `json:"repeat"`
}

func (s *Scheduler) publish(typ string, j Job) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: JobEvent{OccasionID: j.ID, TriggerTime: j.TriggerTime, Repeat: j.Repeat}})
}
