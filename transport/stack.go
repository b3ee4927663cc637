// Package transport implements the bidirectional protocol-layer stack:
// an input Side and an output Side share an ordered set of Layers (TLS
// record framing, compression, ...), each contributing a transform plus
// two work predicates used to drive cross-side draining.
package transport

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"weak"

	"github.com/sectorkit/sectorkit/flow"
	"github.com/sectorkit/sectorkit/klog"
	"github.com/sectorkit/sectorkit/proc"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// ErrStackDeadlock is raised when cross-side draining has recursed
// maxDrainRecursion levels deep and a layer still reports opposite-side
// work. No separate check is made for a terminating side whose opposite
// side keeps reporting work after a drain pass.
var ErrStackDeadlock = errors.New("transport: stack deadlock")

// Observability keys for a Side's drain pass.
const (
	DrainSpan        = tracez.Key("transport.drain")
	DrainTagPolarity = tracez.Tag("transport.polarity")
	DrainTagDepth    = tracez.Tag("transport.depth")
	DrainTagOpposite = tracez.Tag("transport.opposite_work")

	drainCounter  = metricz.Key("transport.drain.total")
	deadlockFault = metricz.Key("transport.deadlock.total")
)

// Polarity distinguishes the two Sides of a Stack.
type Polarity int

const (
	PolarityInput  Polarity = 1
	PolarityOutput Polarity = -1
)

func (p Polarity) String() string {
	if p == PolarityInput {
		return "input"
	}
	return "output"
}

// Layer is one protocol stage shared by both Sides of a Stack: Xfer
// transforms a batch of events in place for this side's direction,
// HasWorkHere/OppositeHasWork report whether the layer still has
// buffered work pending on this side or needs the opposite side driven
// to make progress, and Terminated reports when the layer has fully
// torn down and can be popped.
type Layer struct {
	Name            string
	Xfer            func(events []any) []any
	HasWorkHere     func() bool
	OppositeHasWork func() bool
	Terminated      func() bool
	Terminate       func()
}

// maxDrainRecursion bounds the input/output cross-drain recursion that a
// pathological layer stack could otherwise turn into infinite mutual
// recursion.
const maxDrainRecursion = 64

// ExecContext is the slice of the Execution Context a Side needs.
type ExecContext interface {
	Enqueue(task func())
}

// Side is one polarity's view of a shared layer stack: it pipes events
// through every Layer's Xfer (in this side's order) and emits the result
// downstream, triggering the opposite Side to drain when a layer
// reports cross-side work.
type Side struct {
	*flow.Channel

	ctx       ExecContext
	log       klog.Logger
	metrics   *metricz.Registry
	tracer    *tracez.Tracer
	closeOnce *sync.Once
	polarity  Polarity
	layers    []*Layer
	opposite  weakSide

	terminating bool
}

// weakSide is the non-owning back-reference between the two Sides of a
// Stack. It is weak so the input/output pair never keeps each other
// alive, mirroring the controller back-reference in proc: a lookup may
// fail and is checked before use.
type weakSide struct {
	ptr weak.Pointer[Side]
}

func newWeakSide(s *Side) weakSide {
	return weakSide{ptr: weak.Make(s)}
}

// Resolve returns the opposite Side and true, or (nil, false) if it has
// since been collected.
func (w weakSide) Resolve() (*Side, bool) {
	s := w.ptr.Value()
	return s, s != nil
}

// NewStack constructs the input/output Side pair sharing layers, in the
// order layers should run on the input side (the output side walks them
// in reverse). Both Sides share a single Tracer so a drain pass that
// recurses into the opposite side produces one connected trace.
func NewStack(ctx ExecContext, log klog.Logger, metrics *metricz.Registry, layers []*Layer) (input, output *Side) {
	tracer := tracez.New()
	closeOnce := &sync.Once{}
	if metrics != nil {
		metrics.Counter(drainCounter)
		metrics.Counter(deadlockFault)
	}
	input = &Side{Channel: flow.NewChannel(ctx, log, metrics, flow.TypeTransformer), ctx: ctx, log: log, metrics: metrics, tracer: tracer, closeOnce: closeOnce, polarity: PolarityInput, layers: layers}
	output = &Side{Channel: flow.NewChannel(ctx, log, metrics, flow.TypeTransformer), ctx: ctx, log: log, metrics: metrics, tracer: tracer, closeOnce: closeOnce, polarity: PolarityOutput, layers: layers}
	input.opposite = newWeakSide(output)
	output.opposite = newWeakSide(input)

	input.SetSelf(input)
	output.SetSelf(output)
	input.SetProcess(func(event any, _ *flow.Channel) { input.process(toEvents(event), 0) })
	output.SetProcess(func(event any, _ *flow.Channel) { output.process(toEvents(event), 0) })
	return input, output
}

func toEvents(event any) []any {
	if events, ok := event.([]any); ok {
		return events
	}
	return []any{event}
}

// order returns this side's layers in the direction they should run:
// forward for input, reversed for output.
func (s *Side) order() []*Layer {
	if s.polarity == PolarityInput {
		return s.layers
	}
	out := make([]*Layer, len(s.layers))
	for i, l := range s.layers {
		out[len(s.layers)-1-i] = l
	}
	return out
}

// process pipes events through every layer, emits the result, and
// drains the opposite side if any layer reported cross-side work.
func (s *Side) process(events []any, depth int) {
	_, span := s.tracer.StartSpan(context.Background(), DrainSpan)
	span.SetTag(DrainTagPolarity, s.polarity.String())
	span.SetTag(DrainTagDepth, strconv.Itoa(depth))
	if s.metrics != nil {
		s.metrics.Counter(drainCounter).Inc()
	}

	oppositeWork := false
	for _, l := range s.order() {
		if l.Xfer != nil {
			events = l.Xfer(events)
		}
		if l.OppositeHasWork != nil && l.OppositeHasWork() {
			oppositeWork = true
		}
	}

	s.Emit(events, s.Channel)

	span.SetTag(DrainTagOpposite, strconv.FormatBool(oppositeWork))
	span.Finish()

	if oppositeWork {
		if depth >= maxDrainRecursion {
			if s.metrics != nil {
				s.metrics.Counter(deadlockFault).Inc()
			}
			s.log.Err().Log("transport: stack deadlock, aborting drain")
			s.Fault(s, ErrStackDeadlock)
			return
		}
		if opp, ok := s.opposite.Resolve(); ok {
			opp.process(nil, depth+1)
		}
	}

	s.popTerminated()
}

// Tracer returns the Side pair's shared Tracer, for callers that want to
// read completed spans off the drain pass (e.g. to export them).
func (s *Side) Tracer() *tracez.Tracer { return s.tracer }

// Fault records a fatal, unrecoverable stack condition against the
// owning Sector (the Channel base bubbles it up to whichever sector the
// Side was dispatched into) and tears down both sides of the stack.
func (s *Side) Fault(assoc any, err error) {
	s.log.Err().Err(err).Log("transport: fault")
	s.Channel.Fault(assoc, err)
	s.Terminate(nil)
	if opp, ok := s.opposite.Resolve(); ok {
		opp.Terminate(nil)
	}
}

// popTerminated drops fully torn-down layers from the bottom of this
// side's order / top of the opposite side's, and terminates both
// downstreams once the shared stack is empty and this side was
// terminating.
func (s *Side) popTerminated() {
	opp, okOpp := s.opposite.Resolve()
	for len(s.layers) > 0 && s.layers[0].Terminated != nil && s.layers[0].Terminated() {
		s.layers = s.layers[1:]
		if okOpp {
			opp.layers = s.layers
		}
	}
	if s.terminating && len(s.layers) == 0 {
		s.Channel.Terminate(nil)
		if okOpp {
			opp.Channel.Terminate(nil)
		}
		s.closeOnce.Do(s.tracer.Close)
	}
}

// Terminate implements the polarity-specific f_terminate contract:
// input marks terminating, signals every layer's terminate, and flushes;
// output requests terminate only at the top of the stack and lets
// progressive pops carry it through.
func (s *Side) Terminate(by proc.Processor) bool {
	if s.terminating {
		return false
	}
	s.terminating = true
	s.TerminateBase(by)
	switch s.polarity {
	case PolarityInput:
		for _, l := range s.layers {
			if l.Terminate != nil {
				l.Terminate()
			}
		}
	case PolarityOutput:
		if top := s.order(); len(top) > 0 && top[0].Terminate != nil {
			top[0].Terminate()
		}
	}
	s.process(nil, 0)
	return true
}

var _ proc.Processor = (*Side)(nil)
