package kernel

import "sync/atomic"

// RunState is a small atomic enum tracking whether the Execution
// Context's task loop has started, is running, is asleep waiting for
// work, or has wound down.
type RunState uint32

const (
	// StateAwake is the state before Run is first called.
	StateAwake RunState = iota
	// StateRunning is set while the loop goroutine is draining tasks.
	StateRunning
	// StateSleeping is set while the loop goroutine blocks for more work.
	StateSleeping
	// StateTerminating is set once Shutdown has been requested but the
	// loop has not yet finished draining.
	StateTerminating
	// StateTerminated is the terminal state; Enqueue drops new tasks.
	StateTerminated
)

func (s RunState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

type runStateBox struct {
	v atomic.Uint32
}

func (b *runStateBox) load() RunState          { return RunState(b.v.Load()) }
func (b *runStateBox) store(s RunState)        { b.v.Store(uint32(s)) }
func (b *runStateBox) cas(old, new RunState) bool {
	return b.v.CompareAndSwap(uint32(old), uint32(new))
}
