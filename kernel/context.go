// Package kernel implements the Execution Context: the single task queue
// that every processor, channel, scheduler and kernel I/O channel in a
// Unit is enqueued onto.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sectorkit/sectorkit/kio"
	"github.com/sectorkit/sectorkit/klog"
	"github.com/sectorkit/sectorkit/mitre"
	"github.com/sectorkit/sectorkit/mux"
	"github.com/sectorkit/sectorkit/sched"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/metricz"
)

// Standard errors.
var (
	ErrAlreadyRunning = errors.New("kernel: context is already running")
	ErrTerminated     = errors.New("kernel: context has been terminated")
	ErrReentrantRun   = errors.New("kernel: cannot call Run from within the context itself")
)

var (
	taskCounter  = metricz.Key("kernel.task.total")
	panicCounter = metricz.Key("kernel.task.panic.total")
)

// Task is a unit of work submitted to the Execution Context.
type Task func()

// Context is the Execution Context: a single-writer task queue plus the
// Scheduler and Poller every Sector/Channel in the Unit shares.
type Context struct {
	log     klog.Logger
	clock   clockz.Clock
	metrics *metricz.Registry

	Scheduler *sched.Scheduler
	Poller    kio.Poller

	state runStateBox

	mu          sync.Mutex
	queue       []Task
	association any
	wake        chan struct{}

	runnerGoroutineID atomic.Uint64

	done chan struct{}
}

// Option configures a Context at construction.
type Option func(*Context)

// WithClock installs the Clock used by the Context's Scheduler. Defaults
// to clockz.RealClock.
func WithClock(clock clockz.Clock) Option { return func(c *Context) { c.clock = clock } }

// WithLogger installs the structured logger used throughout the Context.
func WithLogger(log klog.Logger) Option { return func(c *Context) { c.log = log } }

// WithMetrics installs the metrics registry shared by every component
// constructed against this Context.
func WithMetrics(m *metricz.Registry) Option { return func(c *Context) { c.metrics = m } }

// WithPoller installs the kernel I/O readiness poller. If omitted, no
// kernel I/O channels can be registered.
func WithPoller(p kio.Poller) Option { return func(c *Context) { c.Poller = p } }

// New constructs a Context. Run must be called to start draining tasks.
func New(opts ...Option) (*Context, error) {
	c := &Context{wake: make(chan struct{}, 1), done: make(chan struct{})}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = klog.Nop{}
	}
	if c.clock == nil {
		c.clock = clockz.RealClock
	}
	if c.metrics == nil {
		c.metrics = metricz.New()
	}
	c.metrics.Counter(taskCounter)
	c.metrics.Counter(panicCounter)
	c.Scheduler = sched.New(c, c.log, c.clock)
	return c, nil
}

// Enqueue submits task to the queue, satisfying proc.ExecContext,
// flow.ExecContext, sched.ExecContext and kio.ExecContext.
func (c *Context) Enqueue(task func()) {
	if task == nil {
		return
	}
	if c.state.load() == StateTerminated {
		return
	}
	c.mu.Lock()
	c.queue = append(c.queue, task)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// getGoroutineID returns the current goroutine's ID, parsed out of a
// runtime.Stack dump -- there is no supported stdlib accessor for this.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// onContextGoroutine reports whether the caller is running on the
// Context's own task goroutine.
func (c *Context) onContextGoroutine() bool {
	id := c.runnerGoroutineID.Load()
	return id != 0 && getGoroutineID() == id
}

// requireContextGoroutine logs a warning if a mutation is attempted off
// the Context's own task goroutine. A logged assertion rather than a
// panic: the runtime.Stack cost is only worth paying while debugging a
// genuine violation.
func (c *Context) requireContextGoroutine() {
	if c.runnerGoroutineID.Load() == 0 {
		return
	}
	if !c.onContextGoroutine() {
		c.log.Warning().Log("kernel: mutation attempted off the context goroutine")
	}
}

// Run drives the task queue until ctx is done or Shutdown is called. It
// must not be called re-entrantly from within a task it is draining.
func (c *Context) Run(ctx context.Context) error {
	if !c.state.cas(StateAwake, StateRunning) {
		if c.state.load() == StateTerminated {
			return ErrTerminated
		}
		if c.onContextGoroutine() {
			return ErrReentrantRun
		}
		return ErrAlreadyRunning
	}

	c.runnerGoroutineID.Store(getGoroutineID())
	defer c.runnerGoroutineID.Store(0)

	defer close(c.done)

	for {
		c.drain()

		if c.state.load() == StateTerminating {
			c.mu.Lock()
			empty := len(c.queue) == 0
			c.mu.Unlock()
			if empty {
				c.state.store(StateTerminated)
				return nil
			}
		}

		// CAS rather than store: a Shutdown that moved the state to
		// Terminating meanwhile must not be overwritten.
		c.state.cas(StateRunning, StateSleeping)
		select {
		case <-ctx.Done():
			c.state.store(StateTerminated)
			return ctx.Err()
		case <-c.wake:
			c.state.cas(StateSleeping, StateRunning)
		case <-time.After(100 * time.Millisecond):
			// Periodic wake lets Shutdown's empty-queue check above make
			// progress even without a fresh Enqueue.
			c.state.cas(StateSleeping, StateRunning)
		}
	}
}

func (c *Context) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()

		for _, t := range batch {
			c.safeExecute(t)
		}
	}
}

func (c *Context) safeExecute(t Task) {
	c.metrics.Counter(taskCounter).Inc()
	defer func() {
		if r := recover(); r != nil {
			c.metrics.Counter(panicCounter).Inc()
			c.log.Err().Field("recovered", r).Log("kernel: task panicked")
		}
	}()
	t()
}

// Shutdown requests the task loop wind down once its queue drains, then
// blocks until Run returns or ctx expires.
func (c *Context) Shutdown(ctx context.Context) error {
	for {
		s := c.state.load()
		if s == StateTerminated {
			return nil
		}
		if s == StateTerminating {
			break
		}
		if c.state.cas(s, StateTerminating) {
			break
		}
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	c.Scheduler.Interrupt()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Faulter is the slice of a Processor the Context needs to report a
// parallel worker's failure; proc.Processor satisfies it.
type Faulter interface {
	Fault(assoc any, exception error)
}

// Execute runs fn on its own goroutine, bound to processor: a panic or
// returned error becomes a fault on processor, delivered via the task
// queue so fault handling runs on the context goroutine like everything
// else.
func (c *Context) Execute(processor Faulter, fn func() error) {
	go func() {
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("kernel: worker panic: %v", r)
				}
			}()
			err = fn()
		}()
		if err != nil {
			c.Enqueue(func() { processor.Fault(processor, err) })
		}
	}()
}

// SetAssociation records the root object (the Unit) this Context drives.
func (c *Context) SetAssociation(root any) {
	c.mu.Lock()
	c.association = root
	c.mu.Unlock()
}

// Association returns the root object recorded by SetAssociation, or nil.
func (c *Context) Association() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.association
}

// AcceptSubflows is the Execution Context's accept_subflows operation:
// given a freshly accepted connection fd it constructs the kernel
// input/output pair and the Mitre/Catenation/Division stack that will
// carry the connection's logical sub-flows, returning the 5-tuple
// (input, division, mitre, catenation, output). handshake is wired into
// the returned Mitre and run by the caller once the pipeline is
// otherwise connected.
func (c *Context) AcceptSubflows(fd int, handshake func(context.Context) error, bufLen, queueLimit int) (*kio.KInput, *mux.Division, *mitre.Mitre, *mux.Catenation, *kio.KOutput, error) {
	c.requireContextGoroutine()
	in, err := kio.NewKInput(c, c.log, c.metrics, c.Poller, fd, bufLen)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	// The output side gets its own descriptor: the poller holds one
	// registration per fd, and input/output interest differ.
	outFd, err := kio.Dup(fd)
	if err != nil {
		_ = in.Close()
		return nil, nil, nil, nil, nil, err
	}
	out, err := kio.NewKOutput(c, c.log, c.metrics, c.Poller, outFd, queueLimit)
	if err != nil {
		_ = in.Close()
		return nil, nil, nil, nil, nil, err
	}

	division := mux.NewDivision(c, c.log, c.metrics)
	catenation := mux.NewCatenation(c, c.log, c.metrics)
	m := mitre.New(c, c.log, c.metrics, handshake)

	in.Connect(division.Channel)
	catenation.Channel.Connect(out.Channel)

	return in, division, m, catenation, out, nil
}
