package executor

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// entry is one scheduled task instance.
type entry struct {
	task      Task
	group     *Group
	wakeAt    time.Time
	cancelled atomic.Bool
	index     int
}

// entryHeap orders entries by wake time.
type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].wakeAt.Before(h[j].wakeAt) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Group collects the tasks of one owner (typically a bucket) so shutdown can
// cancel them together. Outstanding runs complete before Cancel returns the
// group to quiescence.
type Group struct {
	name    string
	mu      sync.Mutex
	entries map[*entry]struct{}
	dead    bool
}

// NewGroup creates a named task group.
func NewGroup(name string) *Group {
	return &Group{name: name, entries: make(map[*entry]struct{})}
}

// Cancel marks every task of the group dead. Running slices finish; nothing
// is dispatched afterwards.
func (g *Group) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dead = true
	for e := range g.entries {
		e.cancelled.Store(true)
	}
}

func (g *Group) add(e *entry) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dead {
		return false
	}
	g.entries[e] = struct{}{}
	return true
}

func (g *Group) remove(e *entry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, e)
}

// lane is one priority's scheduler plus bounded worker set.
type lane struct {
	prio    Priority
	mu      sync.Mutex
	cond    *sync.Cond
	pending entryHeap
	stopped bool

	// Scheduling delay extremes observed since start, kept in separate min
	// and max values.
	minSchedDelay atomic.Int64
	maxSchedDelay atomic.Int64
}

// Pool is the process-wide cooperative scheduler. Each priority lane runs a
// fixed number of workers; tasks yield by returning from Run and are
// rescheduled by wake time.
type Pool struct {
	lanes   [numPriorities]*lane
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool

	ran       atomic.Uint64
	retired   atomic.Uint64
	cancelled atomic.Uint64
}

// Config sizes the pool's worker lanes.
type Config struct {
	ReaderWorkers int
	WriterWorkers int
	AuxIOWorkers  int
	NonIOWorkers  int
}

func (c *Config) applyDefaults() {
	if c.ReaderWorkers <= 0 {
		c.ReaderWorkers = 4
	}
	if c.WriterWorkers <= 0 {
		c.WriterWorkers = 4
	}
	if c.AuxIOWorkers <= 0 {
		c.AuxIOWorkers = 2
	}
	if c.NonIOWorkers <= 0 {
		c.NonIOWorkers = 2
	}
}

// NewPool starts the scheduler.
func NewPool(cfg Config, logger *zap.Logger) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{logger: logger, ctx: ctx, cancel: cancel}

	workers := [numPriorities]int{
		PriorityReader: cfg.ReaderWorkers,
		PriorityWriter: cfg.WriterWorkers,
		PriorityAuxIO:  cfg.AuxIOWorkers,
		PriorityNonIO:  cfg.NonIOWorkers,
	}
	for prio := Priority(0); prio < numPriorities; prio++ {
		l := &lane{prio: prio}
		l.cond = sync.NewCond(&l.mu)
		l.minSchedDelay.Store(int64(time.Hour))
		p.lanes[prio] = l
		for i := 0; i < workers[prio]; i++ {
			p.wg.Add(1)
			go p.worker(l, i)
		}
	}
	logger.Info("Task pool started",
		zap.Int("reader_workers", cfg.ReaderWorkers),
		zap.Int("writer_workers", cfg.WriterWorkers),
		zap.Int("aux_io_workers", cfg.AuxIOWorkers),
		zap.Int("non_io_workers", cfg.NonIOWorkers))
	return p
}

// Schedule queues task to first run after delay. The returned cancel
// function removes the task without waiting for in-flight runs.
func (p *Pool) Schedule(task Task, delay time.Duration, group *Group) (cancel func(), err error) {
	if p.stopped.Load() {
		return nil, fmt.Errorf("task pool is stopped")
	}
	e := &entry{task: task, group: group, wakeAt: time.Now().Add(delay)}
	if group != nil && !group.add(e) {
		return nil, fmt.Errorf("task group %q is cancelled", group.name)
	}
	p.push(e)
	return func() { e.cancelled.Store(true) }, nil
}

func (p *Pool) push(e *entry) {
	l := p.lanes[e.task.Priority()]
	l.mu.Lock()
	heap.Push(&l.pending, e)
	l.mu.Unlock()
	l.cond.Broadcast()
}

// worker pops due entries from its lane and runs them.
func (p *Pool) worker(l *lane, id int) {
	defer p.wg.Done()

	for {
		e := p.nextDue(l)
		if e == nil {
			return
		}
		if e.cancelled.Load() {
			p.cancelled.Add(1)
			if e.group != nil {
				e.group.remove(e)
			}
			continue
		}
		p.runEntry(l, e, id)
	}
}

// nextDue blocks until an entry is due or the pool stops.
func (p *Pool) nextDue(l *lane) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		if l.stopped {
			return nil
		}
		if l.pending.Len() == 0 {
			l.cond.Wait()
			continue
		}
		e := l.pending[0]
		wait := time.Until(e.wakeAt)
		if wait <= 0 {
			heap.Pop(&l.pending)
			return e
		}
		// Sleep outside the heap wait via a timed wakeup.
		l.mu.Unlock()
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-p.ctx.Done():
			timer.Stop()
		}
		l.mu.Lock()
	}
}

func (p *Pool) runEntry(l *lane, e *entry, workerID int) {
	delay := time.Since(e.wakeAt)
	l.observeSchedDelay(delay)

	start := time.Now()
	again, next := p.safeRun(e)
	took := time.Since(start)
	p.ran.Add(1)

	if maxDur := e.task.MaxExpectedDuration(); maxDur > 0 && took > maxDur {
		p.logger.Warn("Task overran its expected duration",
			zap.String("task", e.task.Description()),
			zap.String("priority", l.prio.String()),
			zap.Int("worker_id", workerID),
			zap.Duration("took", took),
			zap.Duration("expected", maxDur))
	}

	if again && !e.cancelled.Load() && !p.stopped.Load() {
		e.wakeAt = time.Now().Add(next)
		p.push(e)
		return
	}
	p.retired.Add(1)
	if e.group != nil {
		e.group.remove(e)
	}
}

func (p *Pool) safeRun(e *entry) (again bool, next time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			again = false
			p.logger.Error("Task panic recovered",
				zap.String("task", e.task.Description()),
				zap.Any("panic", r))
		}
	}()
	return e.task.Run(p.ctx)
}

// observeSchedDelay tracks min and max scheduling delay. min tracks the
// minimum and max the maximum; the two channels never mix.
func (l *lane) observeSchedDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	for {
		min := l.minSchedDelay.Load()
		if int64(d) >= min || l.minSchedDelay.CompareAndSwap(min, int64(d)) {
			break
		}
	}
	for {
		max := l.maxSchedDelay.Load()
		if int64(d) <= max || l.maxSchedDelay.CompareAndSwap(max, int64(d)) {
			break
		}
	}
}

// Stats is a pool counters snapshot.
type Stats struct {
	Ran       uint64
	Retired   uint64
	Cancelled uint64
}

// StatsSnapshot returns current counters.
func (p *Pool) StatsSnapshot() Stats {
	return Stats{
		Ran:       p.ran.Load(),
		Retired:   p.retired.Load(),
		Cancelled: p.cancelled.Load(),
	}
}

// SchedDelayExtremes returns the (min, max) scheduling delay seen on a lane.
func (p *Pool) SchedDelayExtremes(prio Priority) (time.Duration, time.Duration) {
	l := p.lanes[prio]
	return time.Duration(l.minSchedDelay.Load()), time.Duration(l.maxSchedDelay.Load())
}

// Stop cancels all lanes and waits up to timeout for workers to finish their
// current runs.
func (p *Pool) Stop(timeout time.Duration) error {
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	for _, l := range p.lanes {
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()
		l.cond.Broadcast()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("Task pool stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("task pool stop timed out after %v", timeout)
	}
}
