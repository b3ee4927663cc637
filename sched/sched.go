// Package sched implements the per-sector deadline/recurrence scheduler:
// a min-heap of pending tasks keyed by an injectable clock, with nested
// delegation to an ancestor scheduler when a sector has none of its own.
package sched

import (
	"container/heap"
	"sync"
	"time"

	"github.com/sectorkit/sectorkit/klog"
	"github.com/zoobzio/clockz"
)

// ExecContext is the slice of the Execution Context the Scheduler needs
// to deliver due tasks back onto the single-writer task queue.
type ExecContext interface {
	Enqueue(task func())
}

type entry struct {
	deadline time.Time
	task     func()
	canceled bool
	index    int
}

type taskHeap []*entry

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *taskHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler manages the set of deferred tasks and recurrences for a
// sector. Each Scheduler either owns a heap directly (a root scheduler)
// or delegates every operation to a parent Scheduler found by walking up
// the sector hierarchy, forming a tree of heap queues rooted at the
// Unit's top-level scheduler.
type Scheduler struct {
	clock clockz.Clock
	log   klog.Logger
	ctx   ExecContext

	parent *Scheduler

	mu      sync.Mutex
	items   taskHeap
	timer   func()
	stopCh  chan struct{}
	stopped bool
	genID   uint64
}

// New constructs a root Scheduler (one with no parent) backed by ctx and
// clock. If clock is nil, clockz.RealClock is used.
func New(ctx ExecContext, log klog.Logger, clock clockz.Clock) *Scheduler {
	if clock == nil {
		clock = clockz.RealClock
	}
	if log == nil {
		log = klog.Nop{}
	}
	return &Scheduler{ctx: ctx, log: log, clock: clock, stopCh: make(chan struct{})}
}

// NewNested constructs a Scheduler that delegates every scheduling
// operation to parent. Used when a Sector has no Scheduler of its own
// and must borrow the nearest ancestor's.
func NewNested(parent *Scheduler) *Scheduler {
	return &Scheduler{parent: parent}
}

// Defer schedules task to run after d elapses. It returns a Cancel
// token that Cancel accepts to prevent the task from running (if it has
// not already run).
func (s *Scheduler) Defer(d time.Duration, task func()) (cancelToken any) {
	if s.parent != nil {
		return s.parent.Defer(d, task)
	}
	return s.scheduleAt(s.clock.Now().Add(d), task)
}

// Schedule schedules task to run at the given point in time.
func (s *Scheduler) Schedule(at time.Time, task func()) (cancelToken any) {
	if s.parent != nil {
		return s.parent.Schedule(at, task)
	}
	return s.scheduleAt(at, task)
}

func (s *Scheduler) scheduleAt(at time.Time, task func()) any {
	s.mu.Lock()
	e := &entry{deadline: at, task: task}
	heap.Push(&s.items, e)
	soonest := s.items[0] == e
	s.mu.Unlock()

	if soonest {
		s.rearm()
	}
	return e
}

// ExpiryError reports a violated deadline or rate constraint: which
// constraint, and when the violation was observed.
type ExpiryError struct {
	Constraint string
	At         time.Time
}

func (e *ExpiryError) Error() string {
	return "sched: " + e.Constraint + " expired at " + e.At.Format(time.RFC3339Nano)
}

// Expire schedules a deadline of d for the named constraint: if the
// returned token has not been cancelled by then, onExpiry receives the
// ExpiryError describing the violation. Callers typically terminate or
// interrupt the overdue processor from onExpiry.
func (s *Scheduler) Expire(d time.Duration, constraint string, onExpiry func(*ExpiryError)) (cancelToken any) {
	if s.parent != nil {
		return s.parent.Expire(d, constraint, onExpiry)
	}
	return s.Defer(d, func() {
		onExpiry(&ExpiryError{Constraint: constraint, At: s.clock.Now()})
	})
}

// Period returns the duration until the earliest pending deadline. The
// second return is false when nothing is scheduled.
func (s *Scheduler) Period() (time.Duration, bool) {
	if s.parent != nil {
		return s.parent.Period()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return 0, false
	}
	d := s.items[0].deadline.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// Cancel prevents a previously scheduled task from running, if it has
// not already fired.
func (s *Scheduler) Cancel(cancelToken any) {
	if s.parent != nil {
		s.parent.Cancel(cancelToken)
		return
	}
	e, ok := cancelToken.(*entry)
	if !ok {
		return
	}
	s.mu.Lock()
	e.canceled = true
	s.mu.Unlock()
}

// Recurrence schedules callback to run repeatedly; callback receives a
// reschedule function it must call (with the delay until its next run)
// to continue recurring. The target identifies its own initial and
// subsequent delays.
type Recurrence struct {
	sched   *Scheduler
	token   any
	stopped bool
	mu      sync.Mutex
}

// NewRecurrence allocates and starts a Recurrence, invoking callback
// immediately (synchronously is avoided; it is enqueued) so it can pick
// its own first delay via the supplied reschedule function.
func NewRecurrence(s *Scheduler, callback func(reschedule func(time.Duration))) *Recurrence {
	r := &Recurrence{sched: s}
	var tick func(time.Duration)
	tick = func(d time.Duration) {
		r.mu.Lock()
		stopped := r.stopped
		r.mu.Unlock()
		if stopped {
			return
		}
		r.token = s.Defer(d, func() {
			callback(tick)
		})
	}
	tick(0)
	return r
}

// Recurrence runs fn repeatedly: each invocation reports the delay
// until its next run, or ok=false to stop recurring. The first
// invocation is deferred by zero, so fn picks every subsequent delay
// itself.
func (s *Scheduler) Recurrence(fn func() (next time.Duration, ok bool)) *Recurrence {
	return NewRecurrence(s, func(reschedule func(time.Duration)) {
		if next, ok := fn(); ok {
			reschedule(next)
		}
	})
}

// Stop cancels the recurrence's next pending tick.
func (r *Recurrence) Stop() {
	r.mu.Lock()
	r.stopped = true
	token := r.token
	r.mu.Unlock()
	if token != nil {
		r.sched.Cancel(token)
	}
}

func (s *Scheduler) rearm() {
	s.mu.Lock()
	if s.stopped || len(s.items) == 0 {
		s.mu.Unlock()
		return
	}
	next := s.items[0].deadline
	s.mu.Unlock()

	d := next.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}

	go func(myGen uint64) {
		select {
		case <-s.clock.After(d):
			s.transition(myGen)
		case <-s.stopCh:
		}
	}(s.bumpGen())
}

func (s *Scheduler) bumpGen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.genID++
	return s.genID
}

// transition pops every entry whose deadline has elapsed and enqueues
// their tasks onto the Execution Context, then re-arms for the next
// soonest deadline if any remain.
func (s *Scheduler) transition(gen uint64) {
	s.mu.Lock()
	if s.stopped || s.genID != gen {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	var due []*entry
	for len(s.items) > 0 && !s.items[0].deadline.After(now) {
		e := heap.Pop(&s.items).(*entry)
		if !e.canceled {
			due = append(due, e)
		}
	}
	remaining := len(s.items) > 0
	s.mu.Unlock()

	for _, e := range due {
		task := e.task
		s.ctx.Enqueue(task)
	}

	if remaining {
		s.rearm()
	}
}

// Interrupt stops the scheduler: no further deadlines will fire. Used
// when the owning Sector exits.
func (s *Scheduler) Interrupt() {
	if s.parent != nil {
		return
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.stopCh)
}
