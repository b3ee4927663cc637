// Package flow implements the Channel base (an obstruction-aware,
// connectable event node) and its variants: Iteration, Collection,
// Transformation, Null, Funnel, and Traces. A Channel is itself a
// Processor: it can be dispatched into a Sector, which then drives its
// termination and observes its exit like any other child.
package flow

import (
	"context"
	"sync"
	"weak"

	"github.com/sectorkit/sectorkit/cond"
	"github.com/sectorkit/sectorkit/klog"
	"github.com/sectorkit/sectorkit/proc"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
)

// Type identifies the structural role of a Channel within a flow
// graph.
type Type int

const (
	TypeSource Type = iota
	TypeTerminal
	TypeSwitch
	TypeJoin
	TypeFork
	TypeTransformer
	TypeMitre
	TypeNil
)

// ObstructionEvent is emitted via hookz whenever a Channel's obstruction
// set transitions between empty and non-empty.
type ObstructionEvent struct {
	Channel   *Channel
	By        any
	Signal    string
	Condition cond.Condition
}

var (
	obstructCounter = metricz.Key("flow.obstruct.total")
	clearCounter    = metricz.Key("flow.clear.total")
	emitCounter     = metricz.Key("flow.emit.total")

	hookObstruct  = hookz.Key("flow.obstruct")
	hookClear     = hookz.Key("flow.clear")
	hookTerminate = hookz.Key("flow.terminate")
)

type obstruction struct {
	signal string
	cond   cond.Condition
}

// Channel is the base event-transport node: connectable, obstruction
// aware, and terminable. Concrete channels (Iteration, Collection,
// Transformation, ...) embed Channel and override Process/emit as
// needed.
//
// Channel embeds proc.Base, making every channel a proc.Processor: a
// Sector dispatches it, terminates or interrupts it alongside its other
// children, and reaps it once it exits. Wrapper types embedding a
// Channel call SetSelf at construction so those notifications carry the
// outer identity.
type Channel struct {
	proc.Base

	FType Type

	ctx ExecContext
	log klog.Logger

	metrics *metricz.Registry
	hooks   *hookz.Hooks[ObstructionEvent]

	mu           sync.Mutex
	downstream   *Channel
	upstream     weak.Pointer[Channel]
	obstructions map[any]obstruction
	terminated   bool
	interrupted  bool
	joinBarrier  bool

	// process is the function invoked when an upstream emits to this
	// channel; it is rebound to a discarder after termination/interrupt.
	process func(event any, source *Channel)

	// emit is bound to the downstream's process once connected; it is
	// rebound to a discarder after termination/interrupt.
	emit func(event any, source *Channel)

	self *Channel // identity used for upstream weak pointer and logging
}

// ExecContext is the slice of the Execution Context a Channel needs.
type ExecContext interface {
	Enqueue(task func())
}

// NewChannel constructs a base Channel of the given type. Concrete
// variants call this from their own constructors and then overwrite
// Process with their own logic via SetProcess.
func NewChannel(ctx ExecContext, log klog.Logger, metrics *metricz.Registry, ftype Type) *Channel {
	if log == nil {
		log = klog.Nop{}
	}
	if metrics == nil {
		metrics = metricz.New()
	}
	metrics.Counter(obstructCounter)
	metrics.Counter(clearCounter)
	metrics.Counter(emitCounter)

	c := &Channel{
		FType:   ftype,
		ctx:     ctx,
		log:     log,
		metrics: metrics,
		hooks:   hookz.New[ObstructionEvent](),
	}
	c.Base = proc.NewBase(c, ctx, log)
	c.self = c
	c.process = func(any, *Channel) {}
	c.emit = func(any, *Channel) {}
	return c
}

// Actuate marks the channel actuated. Most channels are driven by their
// upstream or the poller rather than by actuation; source variants
// (Iteration) override this to start producing.
func (c *Channel) Actuate() error {
	c.ActuateBase()
	return nil
}

// SetProcess installs the function invoked when an event arrives from
// upstream. Variants call this once during construction.
func (c *Channel) SetProcess(fn func(event any, source *Channel)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated || c.interrupted {
		return
	}
	c.process = fn
}

// Process delivers event, as sent by source, to this channel.
func (c *Channel) Process(event any, source *Channel) {
	c.mu.Lock()
	fn := c.process
	c.mu.Unlock()
	fn(event, source)
}

// Emit sends event downstream. source identifies the channel reporting
// the emission, normally c itself.
func (c *Channel) Emit(event any, source *Channel) {
	c.mu.Lock()
	fn := c.emit
	c.mu.Unlock()
	c.metrics.Counter(emitCounter).Inc()
	fn(event, source)
}

// Connect binds c's downstream to next: next.Process becomes c's Emit
// target, and c subscribes to next's obstruction transitions (an
// obstruction or clear of next obstructs or clears c, keyed by next). Exactly
// one downstream is held at a time; a second Connect call replaces it.
func (c *Channel) Connect(next *Channel) {
	c.mu.Lock()
	c.downstream = next
	c.emit = next.Process
	c.mu.Unlock()

	next.mu.Lock()
	next.upstream = weak.Make(c.self)
	next.mu.Unlock()

	_, _ = next.hooks.Hook(hookObstruct, func(_ context.Context, ev ObstructionEvent) error {
		c.obstruct(next.self, ev.Signal, ev.Condition)
		return nil
	})
	_, _ = next.hooks.Hook(hookClear, func(_ context.Context, ev ObstructionEvent) error {
		c.clear(next.self)
		return nil
	})
}

// Downstream returns the currently connected downstream channel, or nil.
func (c *Channel) Downstream() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downstream
}

// Upstream resolves the weak upstream back-reference, if the upstream
// channel is still alive.
func (c *Channel) Upstream() (*Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.upstream.Value()
	return u, u != nil
}

// Obstruct registers an obstruction identified by by, with a reason and
// a Condition describing when it might clear. onObstruct monitors fire
// exactly once on the transition from zero to one obstructions.
func (c *Channel) Obstruct(by any, signal string, condition cond.Condition) {
	c.obstruct(by, signal, condition)
}

func (c *Channel) obstruct(by any, signal string, condition cond.Condition) {
	c.mu.Lock()
	if c.obstructions == nil {
		c.obstructions = make(map[any]obstruction)
	}
	wasEmpty := len(c.obstructions) == 0
	c.obstructions[by] = obstruction{signal: signal, cond: condition}
	c.mu.Unlock()

	c.metrics.Counter(obstructCounter).Inc()

	if wasEmpty {
		c.log.Warning().Field("signal", signal).Log("channel obstructed")
		_ = c.hooks.Emit(context.Background(), hookObstruct, ObstructionEvent{Channel: c, By: by, Signal: signal, Condition: condition})
	}
}

// Clear removes the obstruction registered under by. It returns true iff
// this removal transitioned the channel from obstructed to clear, which
// is also when onClear monitors fire. Obstructions with the Inexorable
// sentinel Condition cannot be cleared.
func (c *Channel) Clear(by any) bool {
	return c.clear(by)
}

func (c *Channel) clear(by any) bool {
	c.mu.Lock()
	o, ok := c.obstructions[by]
	if !ok {
		c.mu.Unlock()
		return false
	}
	if cond.IsInexorable(o.cond) {
		c.mu.Unlock()
		return false
	}
	delete(c.obstructions, by)
	nowEmpty := len(c.obstructions) == 0
	c.mu.Unlock()

	c.metrics.Counter(clearCounter).Inc()

	if nowEmpty {
		c.log.Debug().Log("channel cleared")
		_ = c.hooks.Emit(context.Background(), hookClear, ObstructionEvent{Channel: c, By: by})
		return true
	}
	return false
}

// Obstructed reports whether the channel currently has any obstruction.
func (c *Channel) Obstructed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.obstructions) != 0
}

// WatchTerminate subscribes fn to this channel's Terminate completing.
// Used by fan-in joins (Catenation, Funnel) that need to know which
// specific upstream ended, since a shared downstream's own Terminate
// cascade carries no source identity.
func (c *Channel) WatchTerminate(fn func()) {
	_, _ = c.hooks.Hook(hookTerminate, func(_ context.Context, _ ObstructionEvent) error {
		fn()
		return nil
	})
}

// Watch subscribes onObstruct/onClear to this channel's obstruction
// transitions.
func (c *Channel) Watch(onObstruct, onClear func(ObstructionEvent)) {
	if onObstruct != nil {
		_, _ = c.hooks.Hook(hookObstruct, func(_ context.Context, ev ObstructionEvent) error {
			onObstruct(ev)
			return nil
		})
	}
	if onClear != nil {
		_, _ = c.hooks.Hook(hookClear, func(_ context.Context, ev ObstructionEvent) error {
			onClear(ev)
			return nil
		})
	}
}

// SetTerminateBarrier marks this channel as a fan-in join: an upstream's
// termination cascade stops here instead of terminating the join and
// everything below it. Joins with many upstreams (Catenation, Funnel)
// observe individual upstream ends via WatchTerminate and decide their
// own termination.
func (c *Channel) SetTerminateBarrier() {
	c.mu.Lock()
	c.joinBarrier = true
	c.mu.Unlock()
}

func (c *Channel) isTerminateBarrier() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinBarrier
}

// Terminate propagates termination downstream, rebinds process/emit to
// no-op discarders, and reports the exit to the controlling Sector, if
// the channel was dispatched into one. Returns false if the channel had
// already ended.
func (c *Channel) Terminate(by proc.Processor) bool {
	c.mu.Lock()
	if c.terminated || c.interrupted {
		c.mu.Unlock()
		return false
	}
	c.terminated = true
	down := c.downstream
	c.process = discard
	c.emit = discard
	c.mu.Unlock()

	c.TerminateBase(by)
	c.log.Debug().Log("channel terminated")
	_ = c.hooks.Emit(context.Background(), hookTerminate, ObstructionEvent{Channel: c})
	c.hooks.Close()

	if down != nil && !down.isTerminateBarrier() {
		down.Terminate(nil)
	}

	c.NotifyExited()
	return true
}

// Interrupt is the immediate, non-graceful counterpart to Terminate: it
// rebinds process/emit to discarders and cascades to the downstream
// without waiting for any drain. The channel freezes in place -- no
// at-exit callbacks fire and no exit is reported, matching the
// Processor-level Interrupt contract.
func (c *Channel) Interrupt(by proc.Processor) bool {
	c.mu.Lock()
	if c.interrupted {
		c.mu.Unlock()
		return false
	}
	c.interrupted = true
	down := c.downstream
	c.process = discard
	c.emit = discard
	c.mu.Unlock()

	c.InterruptBase(by)
	c.hooks.Close()

	if down != nil {
		down.Interrupt(nil)
	}
	return true
}

// Terminated reports whether Terminate has completed on this channel.
func (c *Channel) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

func discard(any, *Channel) {}

var _ proc.Processor = (*Channel)(nil)
