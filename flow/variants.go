package flow

import (
	"github.com/sectorkit/sectorkit/klog"
	"github.com/sectorkit/sectorkit/proc"
	"github.com/zoobzio/metricz"
)

// Iteration is a source Channel: it emits the contents of a Go iterator
// (a pull function, the shape of the next func iter.Pull returns) until an obstruction
// occurs or the sequence is exhausted.
type Iteration struct {
	*Channel

	next  func() (any, bool)
	onEnd func()
}

// NewIteration constructs an Iteration over next, a pull-style iterator:
// each call returns the next value and whether one was available.
func NewIteration(ctx ExecContext, log klog.Logger, metrics *metricz.Registry, next func() (any, bool)) *Iteration {
	it := &Iteration{Channel: NewChannel(ctx, log, metrics, TypeSource), next: next}
	it.SetSelf(it)
	it.SetProcess(func(any, *Channel) {
		panic("Iteration only produces")
	})
	it.resumeOnClear()
	return it
}

// Actuate starts the iterator if the channel is not already obstructed.
func (it *Iteration) Actuate() error {
	it.ActuateBase()
	if !it.Obstructed() {
		it.ctx.Enqueue(it.transition)
	}
	return nil
}

func (it *Iteration) transition() {
	for {
		v, ok := it.next()
		if !ok {
			if it.onEnd != nil {
				it.onEnd()
			}
			it.Terminate(nil)
			return
		}
		it.Emit(v, it.Channel)
		if it.Obstructed() {
			return
		}
	}
}

// OnEnd registers a callback invoked once the iterator is exhausted,
// just before Terminate is called.
func (it *Iteration) OnEnd(fn func()) { it.onEnd = fn }

// resumeOnClear re-enqueues transition once an obstruction clears,
// matching the base f_clear override: Iteration must resume pulling
// after every clear, not just the constructor-time kick.
func (it *Iteration) resumeOnClear() {
	it.Watch(nil, func(ObstructionEvent) {
		it.ctx.Enqueue(it.transition)
	})
}

// Collection is a terminal Channel accumulating every event it receives
// into storage via operation.
type Collection struct {
	*Channel

	operation func(event any)
}

// NewCollection constructs a Collection that calls operation for every
// event it receives.
func NewCollection(ctx ExecContext, log klog.Logger, metrics *metricz.Registry, operation func(event any)) *Collection {
	c := &Collection{Channel: NewChannel(ctx, log, metrics, TypeTerminal), operation: operation}
	c.SetSelf(c)
	c.SetProcess(func(event any, _ *Channel) {
		c.operation(event)
	})
	return c
}

// NewCollectionSlice constructs a Collection that appends every event to
// a caller-visible slice.
func NewCollectionSlice(ctx ExecContext, log klog.Logger, metrics *metricz.Registry) (*Collection, func() []any) {
	var items []any
	c := NewCollection(ctx, log, metrics, func(e any) { items = append(items, e) })
	return c, func() []any { return items }
}

// Transformation is a Channel composed of an ordered sequence of mapping
// functions, each applied to an event before it is emitted downstream.
type Transformation struct {
	*Channel

	stages []func(any) (any, bool)
}

// NewTransformation constructs a Transformation applying stages in
// order; a stage returning ok=false drops the event (no further stages
// run and nothing is emitted).
func NewTransformation(ctx ExecContext, log klog.Logger, metrics *metricz.Registry, stages ...func(any) (any, bool)) *Transformation {
	t := &Transformation{Channel: NewChannel(ctx, log, metrics, TypeTransformer), stages: stages}
	t.SetSelf(t)
	t.SetProcess(func(event any, _ *Channel) {
		v := event
		for _, stage := range t.stages {
			next, ok := stage(v)
			if !ok {
				return
			}
			v = next
		}
		t.Emit(v, t.Channel)
	})
	return t
}

// Null is a Channel that discards every event and is never obstructed.
type Null struct {
	*Channel
}

// NewNull constructs a Null sink.
func NewNull(ctx ExecContext, log klog.Logger, metrics *metricz.Registry) *Null {
	n := &Null{Channel: NewChannel(ctx, log, metrics, TypeTerminal)}
	n.SetSelf(n)
	n.SetProcess(func(any, *Channel) {})
	return n
}

// Funnel is a join Channel: many upstream channels connect into it and
// every event any of them emits is forwarded to Funnel's single
// downstream, tagged with the originating upstream.
type Funnel struct {
	*Channel
}

// NewFunnel constructs an empty Funnel. Call Join for each upstream that
// should feed it.
func NewFunnel(ctx ExecContext, log klog.Logger, metrics *metricz.Registry) *Funnel {
	f := &Funnel{Channel: NewChannel(ctx, log, metrics, TypeJoin)}
	f.SetSelf(f)
	f.SetProcess(func(event any, source *Channel) {
		f.Emit(event, source)
	})
	// One upstream ending must not tear down the join; the funnel ends
	// only when terminated explicitly.
	f.SetTerminateBarrier()
	return f
}

// Join connects upstream into the funnel: upstream's events are
// delivered to the funnel's Process, tagged with upstream as source.
func (f *Funnel) Join(upstream *Channel) {
	upstream.Connect(f.Channel)
}

// Traces is a debug sink recording every event it observes, used by
// tests to assert on delivery order.
type Traces struct {
	*Channel

	events []TraceEntry
}

// TraceEntry is one recorded delivery.
type TraceEntry struct {
	Event  any
	Source *Channel
}

// NewTraces constructs a Traces sink.
func NewTraces(ctx ExecContext, log klog.Logger, metrics *metricz.Registry) *Traces {
	tr := &Traces{Channel: NewChannel(ctx, log, metrics, TypeTerminal)}
	tr.SetSelf(tr)
	tr.SetProcess(func(event any, source *Channel) {
		tr.events = append(tr.events, TraceEntry{Event: event, Source: source})
	})
	return tr
}

// Events returns every event recorded so far, in delivery order.
func (tr *Traces) Events() []TraceEntry { return tr.events }

var (
	_ proc.Processor = (*Iteration)(nil)
	_ proc.Processor = (*Collection)(nil)
	_ proc.Processor = (*Funnel)(nil)
)
