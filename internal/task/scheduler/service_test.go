package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memorable/internal/task/engine"
	logx "memorable/pkg/logx"
)

// queueEngine holds enqueued tasks until run is called.
type queueEngine struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (q *queueEngine) Enqueue(t engine.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *queueEngine) Snapshot() engine.Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return engine.Snapshot{QueueLen: len(q.tasks)}
}

func (q *queueEngine) runAll() []error {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()
	var errs []error
	for _, t := range tasks {
		errs = append(errs, t.Run(context.Background()))
	}
	return errs
}

func TestAddScheduleValidates(t *testing.T) {
	s := New(Config{}, &queueEngine{}, logx.Nop(), nil)
	job := func(context.Context) error { return nil }

	_, err := s.AddSchedule("", "5m", 0, job)
	assert.Error(t, err)
	_, err = s.AddSchedule("x", "5m", 0, nil)
	assert.Error(t, err)
	_, err = s.AddSchedule("x", "61 * * * *", 0, job)
	assert.Error(t, err)
	_, err = s.AddSchedule("x", "nonsense", 0, job)
	assert.Error(t, err)
}

func TestAddScheduleUpsertsByName(t *testing.T) {
	s := New(Config{}, &queueEngine{}, logx.Nop(), nil)
	job := func(context.Context) error { return nil }

	_, err := s.AddSchedule("reconcile", "10m", 0, job)
	require.NoError(t, err)
	_, err = s.AddSchedule("reconcile", "@hourly", 0, job)
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, "@hourly", snap.Schedules[0].Spec)

	assert.True(t, s.Remove("reconcile"))
	assert.False(t, s.Remove("reconcile"))
	assert.Empty(t, s.Snapshot().Schedules)
}

func TestRunNowSkipsWhileInFlight(t *testing.T) {
	q := &queueEngine{}
	s := New(Config{}, q, logx.Nop(), nil)
	var runs atomic.Int32
	_, err := s.AddSchedule("status", "1h", time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.RunNow("status"))
	assert.True(t, errors.Is(s.RunNow("status"), ErrAlreadyRunning))
	assert.True(t, s.Snapshot().Schedules[0].Running)

	q.runAll()
	assert.EqualValues(t, 1, runs.Load())
	assert.False(t, s.Snapshot().Schedules[0].Running)
	require.NoError(t, s.RunNow("status"))
}

func TestRunNowReleasesOnEnqueueError(t *testing.T) {
	q := &queueEngine{err: engine.ErrQueueFull}
	s := New(Config{}, q, logx.Nop(), nil)
	_, err := s.AddSchedule("status", "1h", 0, func(context.Context) error { return nil })
	require.NoError(t, err)

	assert.True(t, errors.Is(s.RunNow("status"), engine.ErrQueueFull))
	q.err = nil
	assert.NoError(t, s.RunNow("status"))
}

func TestRunNowUnknown(t *testing.T) {
	s := New(Config{}, &queueEngine{}, logx.Nop(), nil)
	assert.True(t, errors.Is(s.RunNow("nope"), ErrUnknownSchedule))
}

func TestStartRespectsEnabled(t *testing.T) {
	s := New(Config{Enabled: false}, &queueEngine{}, logx.Nop(), nil)
	_, err := s.AddSchedule("status", "@daily", 0, func(context.Context) error { return nil })
	require.NoError(t, err)

	s.Start(context.Background())
	assert.False(t, s.Snapshot().Started)

	s.Apply(context.Background(), Config{Enabled: true, Timezone: "UTC"})
	snap := s.Snapshot()
	assert.True(t, snap.Started)
	assert.Equal(t, "UTC", snap.Timezone)
	assert.False(t, snap.Schedules[0].Next.IsZero())

	s.Apply(context.Background(), Config{Enabled: false})
	assert.False(t, s.Snapshot().Started)
	require.Len(t, s.Snapshot().Schedules, 1, "definitions survive stop")
}

func TestIntervalFiresThroughEngine(t *testing.T) {
	q := &queueEngine{}
	s := New(Config{Enabled: true}, q, logx.Nop(), nil)
	_, err := s.AddSchedule("tick", "1s", 0, func(context.Context) error { return nil })
	require.NoError(t, err)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return q.Snapshot().QueueLen > 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestStartupSpreadBounds(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := makeIntervalScheduleWithSpread(10*time.Second, now, "x")
	assert.GreaterOrEqual(t, jitter, time.Duration(0))
	assert.Less(t, jitter, 10*time.Second)
	first := sched.Next(now)
	assert.Equal(t, now.Add(10*time.Second+jitter), first)

	_, jitter = makeIntervalScheduleWithSpread(time.Hour, now, "y")
	assert.Less(t, jitter, maxStartupSpread)
}
