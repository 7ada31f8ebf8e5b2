package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"pubsched/internal/eventbus"
	logx "pubsched/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			s.drain(ctx, queue)
			return
		case <-stopCh:
			s.drain(ctx, queue)
			return
		default:
		}

		select {
		case <-ctx.Done():
			s.drain(ctx, queue)
			return
		case <-stopCh:
			s.drain(ctx, queue)
			return
		case t := <-queue:
			s.execOne(ctx, t)
		}
	}
}

// drain runs tasks still queued at shutdown with the canceled ctx, so each one observes
// cancellation at its first checkpoint and its owner hears back.
func (s *Service) drain(ctx context.Context, queue chan queuedTask) {
	if ctx.Err() == nil {
		c, cancel := context.WithCancel(ctx)
		cancel()
		ctx = c
	}
	for {
		select {
		case t := <-queue:
			s.execOne(ctx, t)
		default:
			return
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	defer qt.slot.release()

	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	group := qt.slot.group

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Duration("queue_delay", queueDelay))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: TypeTaskStarted, Time: start, Data: TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Group: group, Started: start, QueueDelay: queueDelay}})
	}

	atomic.AddInt32(&s.inFlight, 1)
	runCtx := ctx
	var cancel context.CancelFunc
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
	}
	var err error
	// Guard against task panics: one bad task must not kill a worker.
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.panics.Add(1)
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = qt.task.Run(runCtx)
	}()
	if cancel != nil {
		cancel()
	}
	atomic.AddInt32(&s.inFlight, -1)
	// The slot is free before the end event is published.
	qt.slot.release()

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Group: group, Started: start, Duration: dur, QueueDelay: queueDelay}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Group: group, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Err(err), logx.Duration("dur", dur))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: TypeTaskFailed, Time: time.Now(), Data: ev})
		}
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Duration("dur", dur))
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: TypeTaskFinished, Time: time.Now(), Data: ev})
		}
	}
	s.record(item)
}
