package proc

import (
	"fmt"
	"sync"

	"github.com/sectorkit/sectorkit/klog"
)

// ExecContext is the slice of the Execution Context that every processor
// needs: a place to enqueue fault-trapped tasks. Defined locally (rather
// than importing package kernel) so proc has no dependency on kernel;
// kernel.Context satisfies this interface.
type ExecContext interface {
	// Enqueue schedules task to run on the context's single task
	// goroutine. Panics raised by task are recovered by the context.
	Enqueue(task func())
}

// Controller is the parent-facing half of the Sector contract: the
// callback a child processor invokes once it has fully exited. Sector
// implements this for its children.
type Controller interface {
	exited(p Processor)
}

// Processor is the common interface satisfied by every unit of
// computation dispatched into a Sector: Call, Coroutine, Thread,
// Subprocess, and Sector itself (sectors nest).
type Processor interface {
	// Actuate engages the processor's implementation-specific state.
	// Exceptions during actuation should be reported via Fault rather
	// than returned, except for requisite failures that prevent the
	// processor from being dispatched at all.
	Actuate() error

	// Terminate requests a graceful exit. Returns false if the
	// processor was not functioning or was already terminating.
	Terminate(by Processor) bool

	// Interrupt freezes the processor in a terminal state, skipping
	// graceful termination. Returns false if already interrupted.
	Interrupt(by Processor) bool

	// Fault records exception as an error associated with assoc and
	// reports it to the controlling sector.
	Fault(assoc any, exception error)

	// Functioning reports whether the processor is actuated and
	// neither terminated nor interrupted.
	Functioning() bool

	// State returns the current lifecycle state.
	State() State

	// AtExit registers callback to run once the processor has exited.
	AtExit(callback func(Processor))

	// setController installs the parent-facing back-reference; called
	// exactly once, when the processor is dispatched into a Sector.
	setController(c *Sector)

	// controller resolves the weak parent back-reference.
	controller() (*Sector, bool)

	// placement returns the grouping a Sector should file this
	// processor under for introspection. The zero value groups by the
	// dynamic Go type of the Processor.
	placement() any
}

// Base is embedded by every concrete Processor implementation; it
// supplies the shared lifecycle bookkeeping: state, controller
// back-reference, exception list, at-exit callbacks.
//
// self must be set via NewBase before any other method is used; it lets
// Base report the concrete Processor identity to the controller (map
// keys and equality must see the outer type, not *Base).
type Base struct {
	lifecycle

	self Processor
	ctx  ExecContext
	log  klog.Logger

	mu            sync.Mutex
	controllerRef weakController
	terminator    Processor
	interruptor   Processor
	exceptions    []*FaultError
	atexit        []func(Processor)

	product any
}

// FaultError couples a recorded exception with the association it was
// reported under; Exceptions returns these so recovery logic in an
// at-exit callback can tell which resource each fault belongs to.
type FaultError struct {
	Assoc any
	Err   error
}

func (e *FaultError) Error() string {
	if e.Assoc == nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %s", e.Assoc, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// NewBase constructs the shared processor state. self is the concrete
// Processor embedding this Base (e.g. &Call{...}); ctx must not be nil;
// log may be nil, in which case klog.Nop{} is used.
func NewBase(self Processor, ctx ExecContext, log klog.Logger) Base {
	if log == nil {
		log = klog.Nop{}
	}
	return Base{self: self, ctx: ctx, log: log}
}

func (b *Base) Context() ExecContext { return b.ctx }

// SetSelf rebinds the concrete Processor identity reported to the
// controller. Wrapper types embedding another Processor (a channel
// variant embedding the Channel base, a transport Side, ...) call this
// once at construction so exit and fault notifications carry the outer
// type rather than the embedded one.
func (b *Base) SetSelf(self Processor) {
	b.mu.Lock()
	b.self = self
	b.mu.Unlock()
}

func (b *Base) State() State { return b.load() }

func (b *Base) Functioning() bool { return b.functioning() }

func (b *Base) setController(c *Sector) {
	b.mu.Lock()
	b.controllerRef = newWeakController(c)
	pending := b.atexit
	b.atexit = nil
	b.mu.Unlock()

	// AtExit callbacks registered before the processor had a controller
	// (e.g. between construction and Dispatch) would otherwise sit in
	// b.atexit forever, since nothing else ever drains it; hand them to
	// the new controller's connectExit the moment one becomes available.
	for _, callback := range pending {
		c.connectExit(b.self, callback)
	}
}

func (b *Base) controller() (*Sector, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.controllerRef.isZero() {
		return nil, false
	}
	return b.controllerRef.Resolve()
}

func (b *Base) placement() any { return nil }

// Product returns the value produced by a processor that has completed,
// or nil if it has not completed or produced nothing.
func (b *Base) Product() any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.product
}

func (b *Base) setProduct(v any) {
	b.mu.Lock()
	b.product = v
	b.mu.Unlock()
}

// Exceptions returns a snapshot of the faults recorded against this
// processor.
func (b *Base) Exceptions() []*FaultError {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*FaultError, len(b.exceptions))
	copy(out, b.exceptions)
	return out
}

// Fault records exception as associated with assoc and notifies the
// controlling sector.
func (b *Base) Fault(assoc any, exception error) {
	b.mu.Lock()
	b.exceptions = append(b.exceptions, &FaultError{Assoc: assoc, Err: exception})
	b.mu.Unlock()

	b.store(StateFaulted)
	b.log.Err().Err(exception).Log("processor faulted")

	if parent, ok := b.controller(); ok {
		parent.fault(b.self, exception)
	}
}

// AtExit registers callback to run once the processor has terminated and
// been unlinked from the Sector hierarchy. If it has already terminated,
// callback runs immediately (enqueued via the Execution Context).
func (b *Base) AtExit(callback func(Processor)) {
	if b.load() == StateTerminated {
		self := b.self
		b.ctx.Enqueue(func() { callback(self) })
		return
	}
	if parent, ok := b.controller(); ok {
		parent.connectExit(b.self, callback)
		return
	}
	b.mu.Lock()
	b.atexit = append(b.atexit, callback)
	b.mu.Unlock()
}

// terminateBase performs the shared bookkeeping of Terminate: CAS from
// Actuated to Terminating, recording the requester. Returns false if the
// processor was not functioning or already terminating.
func (b *Base) terminateBase(by Processor) bool {
	if !b.functioning() {
		return false
	}
	if !b.cas(StateActuated, StateTerminating) {
		return false
	}
	b.mu.Lock()
	b.terminator = by
	b.mu.Unlock()
	b.log.Debug().Log("processor terminating")
	return true
}

// interruptBase performs the shared bookkeeping of Interrupt.
func (b *Base) interruptBase(by Processor) bool {
	if b.load() == StateInterrupted {
		return false
	}
	b.mu.Lock()
	b.interruptor = by
	b.mu.Unlock()
	b.store(StateInterrupted)
	b.log.Warning().Log("processor interrupted")
	return true
}

// ActuateBase marks the processor actuated. Call/Sector set this state
// themselves via the unexported store, since they're defined inside
// package proc; variants defined outside it (subproc.Subprocess,
// subproc.ProcessManager) whose Actuate does its own implementation
// work rather than delegating to Base need this exported equivalent, or
// Functioning (and everything gated on it -- Terminate, the reap
// completion check) stays permanently false.
func (b *Base) ActuateBase() { b.store(StateActuated) }

// TerminateBase is the exported form of terminateBase, for Processor
// variants embedding Base from outside this package (e.g.
// subproc.Subprocess), which cannot reach the unexported accessor
// controller/setController/placement seal directly.
func (b *Base) TerminateBase(by Processor) bool { return b.terminateBase(by) }

// InterruptBase is the exported form of interruptBase; see TerminateBase.
func (b *Base) InterruptBase(by Processor) bool { return b.interruptBase(by) }

// NotifyExited marks the processor terminated and tells the controlling
// sector, if any, that it has finished and should be reaped -- the same
// completion path Call.execute and Coroutine/Thread drive directly via
// the unexported store/controller pair, exposed here for variants
// defined outside package proc (e.g. subproc.Subprocess) that cannot
// reach those unexported methods.
func (b *Base) NotifyExited() {
	b.store(StateTerminated)
	if parent, ok := b.controller(); ok {
		parent.exited(b.self)
	}
}

type panicError struct{ v any }

func (p panicError) Error() string { return "panic: " + formatPanic(p.v) }

func formatPanic(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return stringify(v)
}

func stringify(v any) string {
	type stringer interface{ String() string }
	if s, ok := v.(stringer); ok {
		return s.String()
	}
	return "unrecoverable panic value"
}
