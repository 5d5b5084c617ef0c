package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memorable/internal/eventbus"
	logx "memorable/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func TestEnqueueRunsTaskOnce(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 2, QueueSize: 4})
	var runs atomic.Int32
	done := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "once", Run: func(ctx context.Context) error {
		runs.Add(1)
		close(done)
		return errors.New("fails but is not retried")
	}}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	require.Eventually(t, func() bool { return len(s.Snapshot().History) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
	snap := s.Snapshot()
	assert.Equal(t, uint64(1), snap.Failed)
	assert.NotEmpty(t, snap.History[0].Error)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 1, QueueSize: 1})
	events, unsub := bus.Subscribe(16, "task.rejected")
	defer unsub()

	block := make(chan struct{})
	running := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "blocker", Run: func(ctx context.Context) error {
		close(running)
		<-block
		return nil
	}}))
	<-running
	require.NoError(t, s.Enqueue(Task{Name: "queued", Run: func(context.Context) error { return nil }}))

	err := s.Enqueue(Task{Name: "overflow", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.True(t, IsRejected(err))
	assert.Len(t, events, 1)

	// Submit waits for room instead.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.Submit(context.Background(), Task{Name: "patient", Run: func(context.Context) error { return nil }}))
	}()
	close(block)
	wg.Wait()
}

func TestPanicIsContained(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 1, QueueSize: 2})
	require.NoError(t, s.Enqueue(Task{Name: "panics", Run: func(context.Context) error { panic("kaboom") }}))

	done := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "after", Run: func(context.Context) error { close(done); return nil }}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive panic")
	}
	assert.Equal(t, uint64(1), s.Snapshot().Panics)
}

func TestStopDrainsAcceptedTasks(t *testing.T) {
	s := New(Config{Workers: 1, QueueSize: 8}, logx.Nop(), nil)
	s.Start(context.Background())

	var runs atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Enqueue(Task{Name: "drain", Run: func(context.Context) error {
			runs.Add(1)
			return nil
		}}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	assert.Equal(t, int32(5), runs.Load())
	assert.ErrorIs(t, s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}), ErrStopped)
}

func TestTaskTimeout(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 1, QueueSize: 1, DefaultTimeout: 20 * time.Millisecond})
	got := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		got <- ctx.Err()
		return ctx.Err()
	}}))
	select {
	case err := <-got:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("timeout not applied")
	}
}
