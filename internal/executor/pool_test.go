package executor_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/riptidedb/riptide/internal/executor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPool(t *testing.T) *executor.Pool {
	t.Helper()
	p := executor.NewPool(executor.Config{}, zap.NewNop())
	t.Cleanup(func() { p.Stop(5 * time.Second) })
	return p
}

func TestPool_RunsOneShotTask(t *testing.T) {
	p := newPool(t)
	done := make(chan struct{})

	_, err := p.Schedule(executor.TaskFunc{
		Desc: "one shot",
		Prio: executor.PriorityNonIO,
		Fn: func(context.Context) (bool, time.Duration) {
			close(done)
			return false, 0
		},
	}, 0, nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestPool_RecurringTaskReschedules(t *testing.T) {
	p := newPool(t)
	var runs atomic.Int32

	_, err := p.Schedule(executor.TaskFunc{
		Desc: "recurring",
		Prio: executor.PriorityNonIO,
		Fn: func(context.Context) (bool, time.Duration) {
			return runs.Add(1) < 3, time.Millisecond
		},
	}, 0, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return runs.Load() >= 3
	}, time.Second, time.Millisecond)
	// Retired after declaring itself done.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), runs.Load())
}

func TestPool_GroupCancelStopsTasks(t *testing.T) {
	p := newPool(t)
	group := executor.NewGroup("test")
	var runs atomic.Int32

	_, err := p.Schedule(executor.TaskFunc{
		Desc: "cancelled",
		Prio: executor.PriorityNonIO,
		Fn: func(context.Context) (bool, time.Duration) {
			runs.Add(1)
			return true, time.Millisecond
		},
	}, 0, group)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return runs.Load() > 0 }, time.Second, time.Millisecond)
	group.Cancel()
	settled := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, runs.Load(), settled+1, "at most the in-flight run completes after cancel")

	// A cancelled group refuses new tasks.
	_, err = p.Schedule(executor.TaskFunc{
		Desc: "late",
		Prio: executor.PriorityNonIO,
		Fn:   func(context.Context) (bool, time.Duration) { return false, 0 },
	}, 0, group)
	require.Error(t, err)
}

func TestPool_PanickingTaskIsRetired(t *testing.T) {
	p := newPool(t)
	ran := make(chan struct{})

	_, err := p.Schedule(executor.TaskFunc{
		Desc: "panics",
		Prio: executor.PriorityNonIO,
		Fn: func(context.Context) (bool, time.Duration) {
			close(ran)
			panic("boom")
		},
	}, 0, nil)
	require.NoError(t, err)

	<-ran
	// The pool survives and still runs other work.
	done := make(chan struct{})
	_, err = p.Schedule(executor.TaskFunc{
		Desc: "after panic",
		Prio: executor.PriorityNonIO,
		Fn: func(context.Context) (bool, time.Duration) {
			close(done)
			return false, 0
		},
	}, 0, nil)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not recover from panic")
	}
}

func TestPool_StopRejectsNewWork(t *testing.T) {
	p := executor.NewPool(executor.Config{}, zap.NewNop())
	require.NoError(t, p.Stop(time.Second))

	_, err := p.Schedule(executor.TaskFunc{
		Desc: "too late",
		Prio: executor.PriorityNonIO,
		Fn:   func(context.Context) (bool, time.Duration) { return false, 0 },
	}, 0, nil)
	require.Error(t, err)
}

func TestPool_SchedDelayExtremes(t *testing.T) {
	p := newPool(t)
	done := make(chan struct{})
	_, err := p.Schedule(executor.TaskFunc{
		Desc: "timed",
		Prio: executor.PriorityReader,
		Fn: func(context.Context) (bool, time.Duration) {
			close(done)
			return false, 0
		},
	}, 0, nil)
	require.NoError(t, err)
	<-done

	require.Eventually(t, func() bool {
		min, max := p.SchedDelayExtremes(executor.PriorityReader)
		return min <= max && max < time.Hour
	}, time.Second, time.Millisecond)
}
