package delivery

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memorable/internal/eventbus"
	"memorable/internal/model"
	logx "memorable/pkg/logx"
)

func TestScheduleForCreatesOnePendingJob(t *testing.T) {
	h := newHarness(t, LifecycleConfig{})
	h.start()
	o := h.occasion(1, epoch.Add(time.Hour), false)

	require.NoError(t, h.life.ScheduleFor(h.ctx, o))

	state, j, err := h.sched.Lookup(h.ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)
	assert.True(t, j.TriggerTime.Equal(o.DateTime))
	assert.Equal(t, DefaultMisfireGrace, j.MisfireGrace)
	assert.Equal(t, "friend@example.com", j.Payload.Recipient)
	assert.Equal(t, "Birthday", j.Payload.Subject)
	assert.Equal(t, "owner@example.com", j.Payload.Sender)
	assert.Len(t, h.sched.PendingJobs(), 1)
}

func TestScheduleForTwiceIsDuplicate(t *testing.T) {
	h := newHarness(t, LifecycleConfig{})
	h.start()
	o := h.occasion(1, epoch.Add(time.Hour), false)

	require.NoError(t, h.life.ScheduleFor(h.ctx, o))
	err := h.life.ScheduleFor(h.ctx, o)
	assert.ErrorIs(t, err, ErrDuplicateJob)
	assert.Len(t, h.sched.PendingJobs(), 1)
}

func TestStrictModePanicsOnIntegrityError(t *testing.T) {
	h := newHarness(t, LifecycleConfig{Strict: true})
	h.start()
	o := h.occasion(1, epoch.Add(time.Hour), false)
	require.NoError(t, h.life.ScheduleFor(h.ctx, o))

	assert.Panics(t, func() { _ = h.life.ScheduleFor(h.ctx, o) })
}

func TestRescheduleForNeverYieldsTwoJobs(t *testing.T) {
	h := newHarness(t, LifecycleConfig{})
	h.start()
	o := h.occasion(1, epoch.Add(time.Hour), false)
	require.NoError(t, h.life.ScheduleFor(h.ctx, o))

	for i := 1; i <= 3; i++ {
		o.DateTime = epoch.Add(time.Duration(i) * 2 * time.Hour)
		require.NoError(t, h.life.RescheduleFor(h.ctx, o))
		jobs := h.sched.PendingJobs()
		require.Len(t, jobs, 1)
		assert.True(t, jobs[0].TriggerTime.Equal(o.DateTime))
	}

	// Unconditional replace: same trigger, new message.
	o.MessageContent = "edited"
	require.NoError(t, h.life.RescheduleFor(h.ctx, o))
	jobs := h.sched.PendingJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "edited", jobs[0].Payload.Body)
}

func TestRescheduleForWithoutJobAddsOne(t *testing.T) {
	h := newHarness(t, LifecycleConfig{})
	h.start()
	o := h.occasion(1, epoch.Add(time.Hour), false)

	require.NoError(t, h.life.RescheduleFor(h.ctx, o))
	ok, err := h.life.HasPendingJob(h.ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCancelForWithoutJobIsNoop(t *testing.T) {
	h := newHarness(t, LifecycleConfig{})
	h.start()

	require.NoError(t, h.life.CancelFor(h.ctx, 42))
	h.advance(48 * time.Hour)
	h.settle()
	assert.Empty(t, h.repo.History())
}

func TestCancelForRemovesPendingJobWithoutHistory(t *testing.T) {
	h := newHarness(t, LifecycleConfig{})
	h.start()
	o := h.occasion(1, epoch.Add(10*time.Second), false)
	require.NoError(t, h.life.ScheduleFor(h.ctx, o))

	require.NoError(t, h.life.CancelFor(h.ctx, o.ID))
	ok, err := h.life.HasPendingJob(h.ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	h.advance(time.Minute)
	h.settle()
	assert.Empty(t, h.notifier.Calls())
	assert.Empty(t, h.repo.History())
	assert.Equal(t, uint64(1), h.sched.Snapshot().Cancelled)
}

func TestDeliveredWithinGrace(t *testing.T) {
	h := newHarness(t, LifecycleConfig{})
	h.start()
	o := h.occasion(1, epoch.Add(10*time.Second), false)
	require.NoError(t, h.life.ScheduleFor(h.ctx, o))

	h.advance(11 * time.Second)
	h.settle()

	assert.Len(t, h.notifier.Calls(), 1)
	hist := h.repo.History()
	require.Len(t, hist, 1)
	assert.Equal(t, model.StatusDelivered, hist[0].Status)
	assert.Equal(t, o.ID, hist[0].OccasionID)
	assert.NotEmpty(t, hist[0].ExecutionID)
	assert.Empty(t, h.sched.PendingJobs())

	snap := h.sched.Snapshot()
	assert.Equal(t, "IDLE", snap.State)
	assert.Equal(t, uint64(1), snap.Delivered)
}

func TestMissedOutsideGraceSkipsNotifier(t *testing.T) {
	h := newHarness(t, LifecycleConfig{MisfireGrace: 5 * time.Second})
	o := h.occasion(1, epoch.Add(-time.Second), false)
	require.NoError(t, h.life.ScheduleFor(h.ctx, o))

	h.clock.Advance(10 * time.Second)
	h.start()
	h.settle()

	assert.Empty(t, h.notifier.Calls())
	assert.Equal(t, []model.DeliveryStatus{model.StatusMissed}, h.statuses())
	assert.Empty(t, h.sched.PendingJobs())
}

func TestLateButWithinGraceIsDelivered(t *testing.T) {
	h := newHarness(t, LifecycleConfig{MisfireGrace: 5 * time.Second})
	o := h.occasion(1, epoch, false)
	require.NoError(t, h.life.ScheduleFor(h.ctx, o))

	// Exactly at the deadline still counts as on time.
	h.clock.Advance(5 * time.Second)
	h.start()
	h.settle()

	assert.Equal(t, []model.DeliveryStatus{model.StatusDelivered}, h.statuses())
}

func TestNotifierFailureRecordedOnceWithoutRetry(t *testing.T) {
	h := newHarness(t, LifecycleConfig{})
	h.start()
	o := h.occasion(1, epoch.Add(time.Second), true)
	h.notifier.failFor["friend@example.com"] = true
	require.NoError(t, h.life.ScheduleFor(h.ctx, o))

	h.advance(2 * time.Second)
	h.settle()

	assert.Len(t, h.notifier.Calls(), 1)
	hist := h.repo.History()
	require.Len(t, hist, 1)
	assert.Equal(t, model.StatusFailed, hist[0].Status)
	assert.Contains(t, hist[0].Error, "unavailable")
	// Re-arm only follows a delivery.
	assert.Empty(t, h.sched.PendingJobs())
}

func TestRepeatingOccasionRearmsOneYearLater(t *testing.T) {
	h := newHarness(t, LifecycleConfig{})
	h.start()
	o := h.occasion(1, epoch.Add(10*time.Second), true)
	require.NoError(t, h.life.ScheduleFor(h.ctx, o))

	h.advance(11 * time.Second)
	h.settle()

	jobs := h.sched.PendingJobs()
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].TriggerTime.Equal(o.DateTime.AddDate(1, 0, 0)))
	assert.True(t, jobs[0].Repeat)
	assert.Equal(t, uint64(1), h.sched.Snapshot().Rearmed)

	// The next year's instance fires too.
	h.clock.Set(jobs[0].TriggerTime)
	require.NoError(t, h.sched.Flush(h.ctx))
	h.settle()
	assert.Equal(t, []model.DeliveryStatus{model.StatusDelivered, model.StatusDelivered}, h.statuses())
}

func TestUpdateBeforeDueMovesDispatch(t *testing.T) {
	h := newHarness(t, LifecycleConfig{})
	h.start()
	o := h.occasion(1, epoch.Add(10*time.Second), false)
	require.NoError(t, h.life.ScheduleFor(h.ctx, o))

	o.DateTime = epoch.Add(100 * time.Second)
	require.NoError(t, h.life.RescheduleFor(h.ctx, o))

	h.advance(10 * time.Second)
	h.settle()
	assert.Empty(t, h.notifier.Calls())
	assert.Empty(t, h.repo.History())

	h.advance(90 * time.Second)
	h.settle()
	assert.Len(t, h.notifier.Calls(), 1)
	assert.Equal(t, []model.DeliveryStatus{model.StatusDelivered}, h.statuses())
}

func TestEarlierJobShortensWait(t *testing.T) {
	h := newHarness(t, LifecycleConfig{})
	h.start()
	late := h.occasion(1, epoch.Add(time.Hour), false)
	require.NoError(t, h.life.ScheduleFor(h.ctx, late))
	require.NoError(t, h.sched.Flush(h.ctx))
	assert.True(t, h.sched.Snapshot().NextWake.Equal(late.DateTime))
	assert.Equal(t, "WAITING", h.sched.Snapshot().State)

	early := h.occasion(2, epoch.Add(time.Minute), false)
	require.NoError(t, h.life.ScheduleFor(h.ctx, early))
	require.NoError(t, h.sched.Flush(h.ctx))
	assert.True(t, h.sched.Snapshot().NextWake.Equal(early.DateTime))
	assert.Equal(t, 1, h.clock.Waiters())

	h.advance(time.Minute)
	h.settle()
	hist := h.repo.History()
	require.Len(t, hist, 1)
	assert.Equal(t, early.ID, hist[0].OccasionID)
	assert.Len(t, h.sched.PendingJobs(), 1)
}

func TestBatchFailureDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, LifecycleConfig{})
	h.start()
	at := epoch.Add(time.Minute)
	for i := int64(1); i <= 3; i++ {
		o := h.occasion(i, at, false)
		if i == 2 {
			o.ReceiverEmail = "broken@example.com"
			h.repo.put(o)
		}
		require.NoError(t, h.life.ScheduleFor(h.ctx, o))
	}
	h.notifier.failFor["broken@example.com"] = true

	h.advance(time.Minute)
	h.settle()

	byID := map[model.OccasionID]model.DeliveryStatus{}
	for _, e := range h.repo.History() {
		byID[e.OccasionID] = e.Status
	}
	assert.Equal(t, map[model.OccasionID]model.DeliveryStatus{
		1: model.StatusDelivered,
		2: model.StatusFailed,
		3: model.StatusDelivered,
	}, byID)
	assert.Equal(t, uint64(3), h.sched.Snapshot().Dispatched)
}

// blockFirstSend parks the next Send until release is closed.
func blockFirstSend(h *harness) (entered chan model.Payload, release chan struct{}) {
	entered = make(chan model.Payload, 4)
	release = make(chan struct{})
	h.notifier.mu.Lock()
	h.notifier.entered = entered
	h.notifier.gate = release
	h.notifier.mu.Unlock()
	return entered, release
}

func waitEntered(t *testing.T, entered chan model.Payload) {
	t.Helper()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("notifier was not called")
	}
}

func TestMutationsDuringExecutionAffectNextInstance(t *testing.T) {
	h := newHarness(t, LifecycleConfig{})
	h.start()
	o := h.occasion(1, epoch.Add(time.Second), true)
	require.NoError(t, h.life.ScheduleFor(h.ctx, o))
	entered, release := blockFirstSend(h)

	h.advance(time.Second)
	waitEntered(t, entered)

	state, _, err := h.sched.Lookup(h.ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExecuting, state)
	assert.ErrorIs(t, h.sched.Add(h.ctx, Job{ID: o.ID, TriggerTime: epoch.Add(time.Hour)}), ErrDuplicateJob)

	moved := o
	moved.DateTime = epoch.Add(48 * time.Hour)
	require.NoError(t, h.life.RescheduleFor(h.ctx, moved))
	assert.Empty(t, h.sched.PendingJobs())

	close(release)
	h.settle()

	assert.Equal(t, []model.DeliveryStatus{model.StatusDelivered}, h.statuses())
	jobs := h.sched.PendingJobs()
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].TriggerTime.Equal(moved.DateTime), "replacement wins over the yearly re-arm")
}

func TestCancelDuringExecutionSuppressesRearm(t *testing.T) {
	h := newHarness(t, LifecycleConfig{})
	h.start()
	o := h.occasion(1, epoch.Add(time.Second), true)
	require.NoError(t, h.life.ScheduleFor(h.ctx, o))
	entered, release := blockFirstSend(h)

	h.advance(time.Second)
	waitEntered(t, entered)
	require.NoError(t, h.life.CancelFor(h.ctx, o.ID))

	close(release)
	h.settle()

	assert.Equal(t, []model.DeliveryStatus{model.StatusDelivered}, h.statuses())
	assert.Empty(t, h.sched.PendingJobs())
}

func TestOutcomesArePublished(t *testing.T) {
	h := newHarness(t, LifecycleConfig{MisfireGrace: time.Second})
	events, unsub := h.bus.Subscribe(16, "delivery.")
	defer unsub()
	h.start()

	require.NoError(t, h.life.ScheduleFor(h.ctx, h.occasion(1, epoch.Add(time.Second), false)))
	h.advance(time.Second)
	h.settle()

	require.Len(t, events, 1)
	e := <-events
	assert.Equal(t, eventbus.TypeDelivered, e.Type)
	ev, ok := e.Data.(OutcomeEvent)
	require.True(t, ok)
	assert.Equal(t, model.OccasionID(1), ev.OccasionID)
}

func TestCommandsWhileStoppedApplyToStore(t *testing.T) {
	h := newHarness(t, LifecycleConfig{})
	o := h.occasion(1, epoch.Add(time.Second), false)

	require.NoError(t, h.life.ScheduleFor(h.ctx, o))
	require.NoError(t, h.sched.Flush(h.ctx))
	assert.Len(t, h.sched.PendingJobs(), 1)
	assert.False(t, h.sched.Snapshot().Running)

	h.clock.Advance(time.Second)
	h.start()
	h.settle()
	assert.Equal(t, []model.DeliveryStatus{model.StatusDelivered}, h.statuses())

	require.NoError(t, h.sched.Stop(h.ctx))
	require.NoError(t, h.life.ScheduleFor(h.ctx, h.occasion(2, epoch.Add(time.Hour), false)))
	h.start()
	ok, err := h.life.HasPendingJob(h.ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestApplyIfUnchanged(t *testing.T) {
	h := newHarness(t, LifecycleConfig{})
	ctx := h.ctx
	first := Job{ID: 1, TriggerTime: epoch.Add(time.Hour)}

	seen, err := h.sched.Observe(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StateNone, seen.State)
	require.NoError(t, h.sched.ApplyIfUnchanged(ctx, seen, &first))

	// seen still says "no job": a second guarded add is refused.
	err = h.sched.ApplyIfUnchanged(ctx, seen, &first)
	assert.ErrorIs(t, err, ErrStaleObservation)

	seen, err = h.sched.Observe(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatePending, seen.State)
	moved := Job{ID: 1, TriggerTime: epoch.Add(2 * time.Hour)}
	require.NoError(t, h.sched.ApplyIfUnchanged(ctx, seen, &moved))
	_, j, err := h.sched.Lookup(ctx, 1)
	require.NoError(t, err)
	assert.True(t, j.TriggerTime.Equal(moved.TriggerTime))

	// The pending trigger moved since seen was taken.
	assert.ErrorIs(t, h.sched.ApplyIfUnchanged(ctx, seen, nil), ErrStaleObservation)

	seen, err = h.sched.Observe(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, h.sched.ApplyIfUnchanged(ctx, seen, nil))
	assert.Empty(t, h.sched.PendingJobs())

	other := Job{ID: 2, TriggerTime: epoch}
	assert.ErrorIs(t, h.sched.ApplyIfUnchanged(ctx, seen, &other), ErrInvalidJob)
}

func TestApplyIfUnchangedRefusedAfterCompletion(t *testing.T) {
	h := newHarness(t, LifecycleConfig{})
	h.start()
	o := h.occasion(1, epoch.Add(time.Second), true)
	require.NoError(t, h.life.ScheduleFor(h.ctx, o))

	seen, err := h.sched.Observe(h.ctx, o.ID)
	require.NoError(t, err)
	h.advance(time.Second)
	h.settle()

	// Delivered and re-armed: the state is pending again but a year later,
	// and the completion epoch moved.
	again := seen.Job
	assert.ErrorIs(t, h.sched.ApplyIfUnchanged(h.ctx, seen, &again), ErrStaleObservation)
	jobs := h.sched.PendingJobs()
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].TriggerTime.Equal(o.DateTime.AddDate(1, 0, 0)))
}

type captureDispatcher struct {
	mu      sync.Mutex
	ids     []string
	jobs    []Job
	reports []func(Outcome)
}

func (d *captureDispatcher) Dispatch(_ context.Context, id string, j Job, report func(Outcome)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	d.jobs = append(d.jobs, j)
	d.reports = append(d.reports, report)
}

func (d *captureDispatcher) last(t *testing.T) (string, Job, func(Outcome)) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.ids)
	n := len(d.ids) - 1
	return d.ids[n], d.jobs[n], d.reports[n]
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestOutcomeFromEarlierRunIsIgnored(t *testing.T) {
	var logs lockedBuffer
	d := &captureDispatcher{}
	s := NewScheduler(NewFakeClock(epoch), d, logx.NewWriter(&logs, "debug"), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.Add(ctx, Job{ID: 1, TriggerTime: epoch}))
	s.Start(ctx)
	require.NoError(t, s.Flush(ctx))
	id, job, report := d.last(t)
	require.NoError(t, s.Stop(ctx))

	out := Outcome{ExecutionID: id, Job: job, State: StateDelivered}
	report(out) // loop is down

	s.Start(ctx)
	defer func() { _ = s.Stop(context.Background()) }()
	report(out) // loop belongs to a newer run

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "outcome from previous run ignored")
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Flush(ctx))
	assert.NotContains(t, logs.String(), "completion for unknown execution")
	assert.Zero(t, s.Snapshot().Delivered)
	assert.Zero(t, s.Snapshot().InFlight)
}
