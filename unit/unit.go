// Package unit implements the Unit: the root processor of a running
// program, an addressable tree namespace (standard addresses bin/*,
// lib/*, libexec/*, etc/*, dev/ports, dev/scheduler, dev/process,
// faults/*) layered over a Sector's child set, plus the process-exit
// rule (bin/* empties -> run at-exit callbacks -> terminate the process).
package unit

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sectorkit/sectorkit/klog"
	"github.com/sectorkit/sectorkit/proc"
	"github.com/sectorkit/sectorkit/sched"
	"github.com/zoobzio/metricz"
)

// ExecContext is the slice of the Execution Context Unit needs.
type ExecContext interface {
	Enqueue(task func())
}

// Root is a program initializer run once by Bootstrap, in registration
// order, before the process is considered started. A root typically
// dispatches one or more bin/* processors.
type Root func(*Unit) error

// Address identifies a location in the Unit's namespace tree, e.g.
// Address{"bin", "server"} or Address{"dev", "ports"}.
type Address []string

func (a Address) key() string { return strings.Join(a, "/") }

// ExitCallback runs prior to the Unit exiting. It returns true if it
// should be consumed (removed); returning false leaves it registered so
// it can run again (e.g. a control interface wanting the chance to
// restart the process instead of letting it exit).
type ExitCallback func(*Unit) bool

// Unit is the root processor of a running program: a Sector with an
// addressable tree namespace layered over its child set.
type Unit struct {
	*proc.Sector

	ctx ExecContext
	log klog.Logger

	terminateProcess func(code int)

	ports *Ports
	sched *sched.Scheduler
	roots []Root

	mu            sync.Mutex
	index         map[string]any
	hierarchy     map[string]any
	reverseIndex  map[any]Address
	exitCallbacks []ExitCallback
	resultCode    int
}

// New constructs a Unit with the standard empty namespace (bin/, lib/,
// libexec/, etc/, dev/ with dev/faults, and faults/). terminateProcess is
// invoked, with the Unit's stored result code, once bin/ has emptied and
// every exit callback has been consumed. scheduler, if non-nil, is placed
// at dev/scheduler.
func New(ctx ExecContext, log klog.Logger, metrics *metricz.Registry, scheduler *sched.Scheduler, terminateProcess func(code int)) *Unit {
	if log == nil {
		log = klog.Nop{}
	}
	u := &Unit{
		ctx:              ctx,
		log:              log,
		terminateProcess: terminateProcess,
		sched:            scheduler,
		ports:            NewPorts(),
		index:            make(map[string]any),
		hierarchy:        make(map[string]any),
		reverseIndex:     make(map[any]Address),
	}
	u.Sector = proc.NewSector(ctx, log, metrics)
	u.Sector.SetFaultSink(u)

	for _, dir := range []Address{{"bin"}, {"lib"}, {"libexec"}, {"etc"}, {"dev"}, {"faults"}, {"dev", "faults"}} {
		u.mkdirLocked(dir)
	}

	u.Place(Address{"dev", "ports"}, u.ports)
	u.Place(Address{"dev", "process"}, os.Getpid())
	if scheduler != nil {
		u.Place(Address{"dev", "scheduler"}, scheduler)
	}
	return u
}

// Ports returns the Unit's dev/ports device.
func (u *Unit) Ports() *Ports { return u.ports }

// AddRoot registers an initializer to run on the next Bootstrap call.
func (u *Unit) AddRoot(root Root) {
	u.mu.Lock()
	u.roots = append(u.roots, root)
	u.mu.Unlock()
}

// Bootstrap runs every registered root initializer, in registration
// order, stopping at and returning the first error. It is typically
// called once, immediately after the Unit's own Sector has been
// actuated, to dispatch the program's initial bin/* processors.
func (u *Unit) Bootstrap() error {
	u.mu.Lock()
	roots := u.roots
	u.mu.Unlock()

	for _, root := range roots {
		if err := root(u); err != nil {
			return fmt.Errorf("unit: root initializer failed: %w", err)
		}
	}
	return nil
}

// Place indexes obj at address, building out any missing directory
// levels. A second Place at the same address replaces the prior
// occupant. Objects placed under faults/* are tracked by address only,
// never reverse-indexed.
func (u *Unit) Place(addr Address, obj any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.index[addr.key()] = obj
	u.mkdirLocked(addr)
	if len(addr) == 0 || addr[0] != "faults" {
		u.reverseIndex[obj] = append(Address{}, addr...)
	}
}

func (u *Unit) mkdirLocked(addr Address) {
	node := u.hierarchy
	for _, seg := range addr {
		child, ok := node[seg].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[seg] = child
		}
		node = child
	}
}

// Delete removes the resource placed at address from the index, the
// reverse index, and the hierarchy tree.
func (u *Unit) Delete(addr Address) {
	u.mu.Lock()
	defer u.mu.Unlock()
	key := addr.key()
	obj, ok := u.index[key]
	if !ok {
		return
	}
	delete(u.index, key)
	delete(u.reverseIndex, obj)
	u.rmdirLocked(addr)
}

func (u *Unit) rmdirLocked(addr Address) {
	if len(addr) == 0 {
		return
	}
	node := u.hierarchy
	for _, seg := range addr[:len(addr)-1] {
		child, ok := node[seg].(map[string]any)
		if !ok {
			return
		}
		node = child
	}
	delete(node, addr[len(addr)-1])
}

// Listdir lists the subdirectory names directly under address. The
// second return is false if address does not resolve to a directory.
func (u *Unit) Listdir(addr Address) ([]string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	node := u.hierarchy
	for _, seg := range addr {
		child, ok := node[seg].(map[string]any)
		if !ok {
			return nil, false
		}
		node = child
	}
	out := make([]string, 0, len(node))
	for k := range node {
		out = append(out, k)
	}
	return out, true
}

// Dispatch places p at address and dispatches it into the Unit's own
// Sector, wiring its exit to unlink it from the namespace and, for
// bin/* addresses, to run the process-exit rule once bin/ empties.
func (u *Unit) Dispatch(addr Address, p proc.Processor) proc.Processor {
	u.Place(addr, p)
	p.AtExit(func(proc.Processor) { u.onExit(addr) })
	return u.Sector.Dispatch(p)
}

func (u *Unit) onExit(addr Address) {
	u.Delete(addr)
	if len(addr) > 0 && addr[0] == "bin" {
		dirs, _ := u.Listdir(Address{"bin"})
		if len(dirs) == 0 {
			u.runExitRule()
		}
	}
}

// AtExit registers a callback to run once bin/ empties, before the
// process is terminated.
func (u *Unit) AtExit(callback ExitCallback) {
	u.mu.Lock()
	u.exitCallbacks = append(u.exitCallbacks, callback)
	u.mu.Unlock()
}

// runExitRule runs every registered exit callback, discarding those that
// report consumption, then terminates the process if none remain.
func (u *Unit) runExitRule() {
	u.mu.Lock()
	callbacks := u.exitCallbacks
	u.mu.Unlock()

	remaining := make([]ExitCallback, 0, len(callbacks))
	for _, cb := range callbacks {
		if !cb(u) {
			remaining = append(remaining, cb)
		}
	}

	u.mu.Lock()
	u.exitCallbacks = remaining
	empty := len(remaining) == 0
	code := u.resultCode
	u.mu.Unlock()

	if empty {
		u.ctx.Enqueue(func() { u.terminateProcess(code) })
	}
}

// SetResultCode records the exit status delivered to terminateProcess
// once the Unit's exit rule fires.
func (u *Unit) SetResultCode(code int) {
	u.mu.Lock()
	u.resultCode = code
	u.mu.Unlock()
}

// Faulted implements proc.FaultSink: the Unit's own root Sector, which
// has no controller, reports here instead of bubbling further. s is the
// faulting processor itself if it is a Sector, otherwise its nearest
// enclosing Sector. The faulting sector is filed under faults/<tag>,
// tagged by its former namespace address if known or its pointer
// identity otherwise, then interrupted unless it already is.
func (u *Unit) Faulted(s *proc.Sector, exception error) {
	u.mu.Lock()
	addr, known := u.reverseIndex[proc.Processor(s)]
	u.mu.Unlock()

	tag := fmt.Sprintf("%p", s)
	if known {
		tag = "/" + strings.Join(addr, "/") + "@" + tag
	}
	u.Place(Address{"faults", tag}, s)
	u.log.Err().Err(exception).Field("address", tag).Log("unit: sector faulted")

	if s.State() != proc.StateInterrupted {
		s.Interrupt(s)
	}
}
