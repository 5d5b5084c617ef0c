package delivery

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memorable/internal/model"
	"memorable/internal/task/engine"
	logx "memorable/pkg/logx"
)

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type panickyNotifier struct{}

func (panickyNotifier) Send(context.Context, model.Payload) error { panic("driver bug") }

func TestExecutePanicBecomesFailed(t *testing.T) {
	repo := newMemRepo()
	clock := NewFakeClock(epoch)
	e := NewExecutor(clock, panickyNotifier{}, NewRecorder(repo, logx.Nop(), nil), nil, logx.Nop())

	o := e.Execute(context.Background(), "exec-1", job(1, epoch))
	assert.Equal(t, StateFailed, o.State)
	assert.ErrorIs(t, o.Err, ErrNotifierFailure)
	require.Len(t, repo.History(), 1)
	assert.Equal(t, model.StatusFailed, repo.History()[0].Status)
}

func TestExecuteRecordsEvenWhenContextCancelled(t *testing.T) {
	repo := newMemRepo()
	clock := NewFakeClock(epoch.Add(time.Hour))
	n := &fakeNotifier{}
	e := NewExecutor(clock, n, NewRecorder(repo, logx.Nop(), nil), nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := e.Execute(ctx, "exec-1", job(1, epoch))
	assert.Equal(t, StateMissed, o.State)
	assert.ErrorIs(t, o.Err, ErrMissedWindow)
	assert.Empty(t, n.Calls())
	assert.Len(t, repo.History(), 1)
}

func TestDispatchWithoutPoolRunsInGoroutine(t *testing.T) {
	repo := newMemRepo()
	n := &fakeNotifier{}
	e := NewExecutor(NewFakeClock(epoch), n, NewRecorder(repo, logx.Nop(), nil), nil, logx.Nop())

	got := make(chan Outcome, 1)
	e.Dispatch(context.Background(), "exec-1", job(1, epoch), func(o Outcome) { got <- o })
	select {
	case o := <-got:
		assert.Equal(t, StateDelivered, o.State)
		assert.Equal(t, "exec-1", o.ExecutionID)
	case <-time.After(time.Second):
		t.Fatal("no outcome")
	}
}

func TestDispatchOverflowWaitsForQueueRoom(t *testing.T) {
	repo := newMemRepo()
	n := &fakeNotifier{}
	entered, release := make(chan model.Payload, 8), make(chan struct{})
	n.entered, n.gate = entered, release

	pool := engine.New(engine.Config{Workers: 1, QueueSize: 1}, logx.Nop(), nil)
	pool.Start(context.Background())
	defer pool.Stop(context.Background())
	e := NewExecutor(NewFakeClock(epoch), n, NewRecorder(repo, logx.Nop(), nil), pool, logx.Nop())

	outcomes := make(chan Outcome, 3)
	report := func(o Outcome) { outcomes <- o }
	e.Dispatch(context.Background(), "a", job(1, epoch), report)
	<-entered
	e.Dispatch(context.Background(), "b", job(2, epoch), report)
	e.Dispatch(context.Background(), "c", job(3, epoch), report)

	close(release)
	for i := 0; i < 3; i++ {
		select {
		case o := <-outcomes:
			assert.False(t, o.Aborted)
			assert.Equal(t, StateDelivered, o.State)
		case <-time.After(5 * time.Second):
			t.Fatal("outcome missing")
		}
	}
	e.WaitOverflow()
	assert.Len(t, repo.History(), 3)
}

func TestDispatchOnStoppedPoolAborts(t *testing.T) {
	pool := engine.New(engine.Config{}, logx.Nop(), nil)
	e := NewExecutor(NewFakeClock(epoch), &fakeNotifier{}, NewRecorder(newMemRepo(), logx.Nop(), nil), pool, logx.Nop())

	got := make(chan Outcome, 1)
	e.Dispatch(context.Background(), "x", job(1, epoch), func(o Outcome) { got <- o })
	select {
	case o := <-got:
		assert.True(t, o.Aborted)
		assert.ErrorIs(t, o.Err, engine.ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("no outcome")
	}
}
