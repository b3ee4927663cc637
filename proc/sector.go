package proc

import (
	"fmt"
	"sync"

	"github.com/sectorkit/sectorkit/klog"
	"github.com/zoobzio/metricz"
)

var (
	faultCounter = metricz.Key("proc.sector.fault.total")
	exitCounter  = metricz.Key("proc.sector.exit.total")
)

// FaultSink receives faults bubbling up from a Sector it does not control
// (i.e. a root Sector's fault escapes the tree). unit.Unit implements
// this.
type FaultSink interface {
	Faulted(s *Sector, exception error)
}

// Sector is a processing sector: it manages a set of Processor resources
// and exits once every managed processor has exited. Sectors nest; a
// Sector is itself a Processor.
type Sector struct {
	Base

	metrics *metricz.Registry

	mu        sync.Mutex
	children  map[any]map[Processor]struct{}
	count     int
	exits     map[Processor]struct{}
	exitHooks map[Processor][]func(Processor)
	sink      FaultSink     // set only on a root Sector with no controller
	scheduler Interruptible // optional; stopped when the sector ends
}

// Interruptible is the slice of sched.Scheduler a Sector owns: enough to
// stop pending deadlines when the sector exits or is interrupted.
type Interruptible interface {
	Interrupt()
}

// placementKey resolves the grouping a processor files under: its own
// placement() if set, otherwise its dynamic Go type.
func placementKey(p Processor) any {
	if k := p.placement(); k != nil {
		return k
	}
	return fmt.Sprintf("%T", p)
}

// NewSector constructs an empty, unactuated Sector.
func NewSector(ctx ExecContext, log klog.Logger, metrics *metricz.Registry) *Sector {
	if metrics == nil {
		metrics = metricz.New()
	}
	metrics.Counter(faultCounter)
	metrics.Counter(exitCounter)
	s := &Sector{
		metrics:  metrics,
		children: make(map[any]map[Processor]struct{}),
	}
	s.Base = NewBase(s, ctx, log)
	return s
}

// SetFaultSink installs the sink a root Sector reports uncontrolled
// faults to; irrelevant for sectors that have a controller.
func (s *Sector) SetFaultSink(sink FaultSink) { s.sink = sink }

// SetScheduler attaches the sector's own scheduler; it is interrupted
// (dropping any pending deadlines) once the sector terminates or is
// interrupted.
func (s *Sector) SetScheduler(sc Interruptible) {
	s.mu.Lock()
	s.scheduler = sc
	s.mu.Unlock()
}

// Actuate actuates every child currently dispatched into the sector, in
// unspecified order, then marks the sector itself actuated. An error
// from a child's Actuate faults the sector and stops actuation of the
// remaining children.
func (s *Sector) Actuate() error {
	children := s.Children()

	for _, c := range children {
		if err := c.Actuate(); err != nil {
			s.Fault(c, err)
			break
		}
	}

	s.store(StateActuated)
	s.log.Info().Log("sector actuated")
	return nil
}

// Dispatch assigns processor as a child of the sector, installs the
// controller back-reference, and actuates it.
func (s *Sector) Dispatch(processor Processor) Processor {
	processor.setController(s)
	s.insertChild(processor)

	if err := processor.Actuate(); err != nil {
		s.Fault(processor, err)
	}
	return processor
}

// Eject removes processor from the sector without terminating it, used
// when relocating a processor into a different sector.
func (s *Sector) Eject(processor Processor) {
	s.mu.Lock()
	s.removeChildLocked(processor)
	s.mu.Unlock()
}

// Acquire adds an already-actuated processor to the sector.
func (s *Sector) Acquire(processor Processor) {
	processor.setController(s)
	s.insertChild(processor)
}

func (s *Sector) insertChild(processor Processor) {
	key := placementKey(processor)
	s.mu.Lock()
	set, ok := s.children[key]
	if !ok {
		set = make(map[Processor]struct{})
		s.children[key] = set
	}
	if _, dup := set[processor]; !dup {
		set[processor] = struct{}{}
		s.count++
	}
	s.mu.Unlock()
}

func (s *Sector) removeChildLocked(processor Processor) {
	key := placementKey(processor)
	set, ok := s.children[key]
	if !ok {
		return
	}
	if _, present := set[processor]; !present {
		return
	}
	delete(set, processor)
	s.count--
	if len(set) == 0 {
		delete(s.children, key)
	}
}

// Terminate requests graceful termination of every child; the sector
// itself becomes terminated only once every child has exited (via
// reap). A sector with no children terminates immediately.
func (s *Sector) Terminate(by Processor) bool {
	if !s.terminateBase(by) {
		return false
	}

	children := s.Children()
	if len(children) == 0 {
		s.finishTermination()
		return true
	}

	for _, c := range children {
		c.Terminate(s)
	}
	return true
}

// Interrupt interrupts every child immediately; exits continue to be
// managed by reap as children report back.
func (s *Sector) Interrupt(by Processor) bool {
	if !s.interruptBase(by) {
		return false
	}
	s.stopScheduler()
	for _, c := range s.Children() {
		c.Interrupt(s)
	}
	return true
}

func (s *Sector) stopScheduler() {
	s.mu.Lock()
	sc := s.scheduler
	s.mu.Unlock()
	if sc != nil {
		sc.Interrupt()
	}
}

// fault records exception as associated with assoc, bumps the fault
// counter and, if this sector has no controller, reports the fault to
// the installed FaultSink instead of bubbling further. assoc carries the
// most specific sector the fault has passed through so far; a sink sees
// that sector (the one actually addressable in a Unit's namespace), not
// the root sector common to every fault.
func (s *Sector) fault(assoc any, exception error) {
	s.Base.mu.Lock()
	s.exceptions = append(s.exceptions, &FaultError{Assoc: assoc, Err: exception})
	s.Base.mu.Unlock()
	s.metrics.Counter(faultCounter).Inc()
	if parent, ok := s.controller(); ok {
		next := any(s)
		if sec, ok := assoc.(*Sector); ok {
			next = sec
		}
		parent.fault(next, exception)
		return
	}
	if s.sink != nil {
		reported := s
		if sec, ok := assoc.(*Sector); ok {
			reported = sec
		}
		s.sink.Faulted(reported, exception)
		return
	}
	s.log.Err().Err(exception).Log("fault escaped root sector with no sink installed")
}

// exited is the Controller callback invoked by a child processor once
// it has fully exited. It stages the child for reaping on the next
// Execution Context task.
func (s *Sector) exited(p Processor) {
	s.mu.Lock()
	first := s.exits == nil
	if s.exits == nil {
		s.exits = make(map[Processor]struct{})
	}
	s.exits[p] = struct{}{}
	s.mu.Unlock()

	if first {
		s.ctx.Enqueue(s.reap)
	}
}

// reap empties the staged exit set, unlinks each exited child from the
// sector, fires its at-exit hooks, and checks whether the sector itself
// has now fully exited.
func (s *Sector) reap() {
	s.mu.Lock()
	exits := s.exits
	s.exits = nil
	s.mu.Unlock()
	if exits == nil {
		return
	}

	for p := range exits {
		s.mu.Lock()
		s.removeChildLocked(p)
		hooks := s.exitHooks[p]
		delete(s.exitHooks, p)
		s.mu.Unlock()

		s.metrics.Counter(exitCounter).Inc()
		for _, h := range hooks {
			h(p)
		}
	}

	s.reaped()
}

// reaped checks for sector completion: once no children remain and the
// sector was not interrupted, the sector itself is terminated and its
// own exit is reported to its controller.
func (s *Sector) reaped() {
	s.mu.Lock()
	empty := s.count == 0
	interrupted := s.load() == StateInterrupted
	s.mu.Unlock()

	if empty && !interrupted {
		s.finishTermination()
	}
}

func (s *Sector) finishTermination() {
	s.stopScheduler()
	s.store(StateTerminated)
	s.log.Info().Log("sector terminated")
	if parent, ok := s.controller(); ok {
		parent.exited(s)
	}
}

// connectExit registers callback to run once processor (a direct child
// of this sector) exits.
func (s *Sector) connectExit(processor Processor, callback func(Processor)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitHooks == nil {
		s.exitHooks = make(map[Processor][]func(Processor))
	}
	s.exitHooks[processor] = append(s.exitHooks[processor], callback)
}

// Final marks processor as final: its exit causes this sector to begin
// terminating its remaining children.
func (s *Sector) Final(processor Processor) {
	processor.AtExit(func(Processor) {
		s.Terminate(s)
	})
}

// Children returns a snapshot of the sector's current child set, across
// every placement key.
func (s *Sector) Children() []Processor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Processor, 0, s.count)
	for _, set := range s.children {
		for c := range set {
			out = append(out, c)
		}
	}
	return out
}

// ChildrenUnder returns a snapshot of the children filed under key.
func (s *Sector) ChildrenUnder(key any) []Processor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Processor, 0, len(s.children[key]))
	for c := range s.children[key] {
		out = append(out, c)
	}
	return out
}

func (s *Sector) String() string {
	return fmt.Sprintf("Sector(%s, children=%d)", s.State(), len(s.Children()))
}
