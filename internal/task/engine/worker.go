package engine

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"

	"memorable/internal/eventbus"
	logx "memorable/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		select {
		case <-ctx.Done():
			return
		case qt := <-queue:
			s.execOne(ctx, qt)
		case <-stopCh:
			// Drain what was accepted before the stop.
			for {
				select {
				case qt := <-queue:
					s.execOne(ctx, qt)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	s.started.Add(1)

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "task.started", Time: start, Data: TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay}})
	}

	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.panics.Add(1)
				err = errors.Newf("panic: %v", r)
				s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = qt.task.Run(runCtx)
	}()

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		s.failed.Add(1)
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "task.failed", Data: ev})
		}
	} else {
		s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "task.finished", Data: ev})
		}
	}
	s.remember(item)
}
