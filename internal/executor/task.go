package executor

import (
	"context"
	"time"
)

// Priority types background work onto separate worker lanes so slow IO never
// starves bookkeeping.
type Priority uint8

const (
	PriorityReader Priority = iota
	PriorityWriter
	PriorityAuxIO
	PriorityNonIO
	numPriorities
)

// String returns the lane name.
func (p Priority) String() string {
	switch p {
	case PriorityReader:
		return "reader"
	case PriorityWriter:
		return "writer"
	case PriorityAuxIO:
		return "aux_io"
	case PriorityNonIO:
		return "non_io"
	}
	return "unknown"
}

// Task is one schedulable unit of background work. Run executes one slice
// and either asks to be rescheduled after a delay or declares itself done.
// Ordering between unrelated tasks is unspecified.
type Task interface {
	// Run does one slice of work. again=false retires the task; otherwise
	// it runs again after delay.
	Run(ctx context.Context) (again bool, delay time.Duration)

	// Description names the task for logs and stats.
	Description() string

	// MaxExpectedDuration bounds a single Run; overruns are logged.
	MaxExpectedDuration() time.Duration

	// Priority selects the worker lane.
	Priority() Priority
}

// TaskFunc adapts a closure into a task on the lane named by Prio.
type TaskFunc struct {
	Desc string
	Prio Priority
	Fn   func(ctx context.Context) (bool, time.Duration)
}

// Run implements Task.
func (t TaskFunc) Run(ctx context.Context) (bool, time.Duration) { return t.Fn(ctx) }

// Description implements Task.
func (t TaskFunc) Description() string { return t.Desc }

// MaxExpectedDuration implements Task.
func (t TaskFunc) MaxExpectedDuration() time.Duration { return time.Second }

// Priority implements Task.
func (t TaskFunc) Priority() Priority { return t.Prio }
