package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pubsched/internal/eventbus"
	logx "pubsched/pkg/logx"
)

func startPool(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func TestReserveEnforcesGlobalAndGroupLimits(t *testing.T) {
	s, _ := startPool(t, Config{Workers: 2})

	a1, err := s.Reserve("acct-a", 1)
	require.NoError(t, err)
	_, err = s.Reserve("acct-a", 1)
	assert.ErrorIs(t, err, ErrGroupBusy)

	b1, err := s.Reserve("acct-b", 1)
	require.NoError(t, err)
	_, err = s.Reserve("acct-c", 1)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Zero(t, s.Free())

	a1.Release()
	assert.Equal(t, 1, s.Free())
	a2, err := s.Reserve("acct-a", 1)
	require.NoError(t, err)
	a2.Release()
	b1.Release()
	assert.Equal(t, 2, s.Free())
}

func TestRunReleasesSlotAfterTask(t *testing.T) {
	s, bus := startPool(t, Config{Workers: 1})
	events, unsub := bus.SubscribeTypes(16, "task.")
	defer unsub()

	done := make(chan struct{})
	sl, err := s.Reserve("acct", 1)
	require.NoError(t, err)
	require.NoError(t, sl.Run(Task{Name: "upload", Run: func(ctx context.Context) error {
		close(done)
		return errors.New("boom")
	}}))
	<-done
	assert.ErrorIs(t, sl.Run(Task{Name: "again", Run: func(context.Context) error { return nil }}), ErrSlotUsed)

	require.Eventually(t, func() bool { return s.Free() == 1 }, time.Second, 5*time.Millisecond)
	var types []string
	require.Eventually(t, func() bool {
		for len(events) > 0 {
			types = append(types, (<-events).Type)
		}
		return len(types) >= 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{TypeTaskStarted, TypeTaskFailed}, types)

	snap := s.Snapshot()
	require.Len(t, snap.History, 1)
	assert.Equal(t, "boom", snap.History[0].Error)
	assert.Equal(t, "acct", snap.History[0].Group)
}

func TestSlotFreeWhenFinishedEventArrives(t *testing.T) {
	s, bus := startPool(t, Config{Workers: 1})
	events, unsub := bus.SubscribeTypes(16, TypeTaskFinished, TypeTaskFailed)
	defer unsub()

	for _, fail := range []bool{false, true} {
		sl, err := s.Reserve("acct", 1)
		require.NoError(t, err)
		require.NoError(t, sl.Run(Task{Name: "upload", Run: func(context.Context) error {
			if fail {
				return errors.New("boom")
			}
			return nil
		}}))

		select {
		case <-events:
		case <-time.After(time.Second):
			t.Fatal("no end event")
		}
		again, err := s.Reserve("acct", 1)
		require.NoError(t, err, "slot still held after end event (fail=%v)", fail)
		again.Release()
	}
}

func TestPanicIsRecovered(t *testing.T) {
	s, _ := startPool(t, Config{Workers: 1})
	sl, err := s.Reserve("", 0)
	require.NoError(t, err)
	require.NoError(t, sl.Run(Task{Name: "bad", Run: func(context.Context) error { panic("nope") }}))
	require.Eventually(t, func() bool { return s.Snapshot().Panics == 1 && s.Free() == 1 }, time.Second, 5*time.Millisecond)

	ran := make(chan struct{})
	sl, err = s.Reserve("", 0)
	require.NoError(t, err)
	require.NoError(t, sl.Run(Task{Name: "good", Run: func(context.Context) error { close(ran); return nil }}))
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panic")
	}
}

func TestStopCancelsRunningTasks(t *testing.T) {
	bus := eventbus.New()
	s := New(Config{Workers: 1}, logx.Nop(), bus)
	s.Start(context.Background())

	started := make(chan struct{})
	var sawCancel atomic.Bool
	sl, err := s.Reserve("acct", 1)
	require.NoError(t, err)
	require.NoError(t, sl.Run(Task{Name: "long", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	}}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.True(t, sawCancel.Load())

	_, err = s.Reserve("acct", 1)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestApplyLowersActiveLimit(t *testing.T) {
	s, _ := startPool(t, Config{Workers: 3})
	assert.Equal(t, 3, s.Free())
	s.Apply(Config{Workers: 3, ActiveLimit: 1})
	assert.Equal(t, 1, s.Free())
	s.Apply(Config{Workers: 5})
	assert.Equal(t, 3, s.Free(), "limit stays capped at started workers")
}
