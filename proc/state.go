// Package proc implements the processor tree: the lifecycle state machine
// shared by every unit of computation in the runtime (Call, Coroutine,
// Thread, Subprocess, Sector) and the Sector grouping that supervises them.
package proc

import "sync/atomic"

// State is the lifecycle state of a Processor, held as a single atomic
// value so reads never observe a torn combination of flags.
type State uint32

const (
	// StateCreated is the zero value: requisite but not yet actuated.
	StateCreated State = iota
	// StateActuated indicates the processor's implementation-specific
	// state has been engaged.
	StateActuated
	// StateTerminating indicates termination has been requested but the
	// processor has not yet fully exited.
	StateTerminating
	// StateTerminated is the ordinary terminal state.
	StateTerminated
	// StateInterrupted is a frozen terminal state, normally associated
	// with an exception; skips the graceful termination sequence.
	StateInterrupted
	// StateFaulted indicates the processor recorded an exception and
	// reported it to its controlling sector.
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActuated:
		return "actuated"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	case StateInterrupted:
		return "interrupted"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// lifecycle is embedded by every concrete processor; it owns the atomic
// state value and the handful of CAS transitions every processor shares.
type lifecycle struct {
	v atomic.Uint32
}

func (l *lifecycle) load() State { return State(l.v.Load()) }

func (l *lifecycle) store(s State) { l.v.Store(uint32(s)) }

func (l *lifecycle) cas(from, to State) bool {
	return l.v.CompareAndSwap(uint32(from), uint32(to))
}

// functioning reports whether the processor was actuated and is neither
// terminated nor interrupted. Processors are functioning *during*
// termination.
func (l *lifecycle) functioning() bool {
	switch l.load() {
	case StateActuated, StateTerminating:
		return true
	default:
		return false
	}
}
