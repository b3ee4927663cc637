package subproc

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/sectorkit/sectorkit/klog"
	"github.com/sectorkit/sectorkit/proc"
	"github.com/sectorkit/sectorkit/sched"
	"golang.org/x/sys/unix"
)

// SectorsEnv is the environment variable ProcessManager sets in each
// forked child to its fork id.
const SectorsEnv = "SECTORS"

// Launch builds the *exec.Cmd for fork id fid. The returned command must
// not yet be started; ProcessManager sets SectorsEnv and calls Start
// itself.
type Launch func(fid int) (*exec.Cmd, error)

// ProcessManager supervises a fixed pool of concurrency numbered workers,
// re-forking any worker that exits with the same fork id for as long as
// the manager itself is actuated (not once it is terminating).
type ProcessManager struct {
	proc.Base

	ctx         ExecContext
	sched       *sched.Scheduler
	log         klog.Logger
	concurrency int
	launch      Launch
	restart     *catrate.Limiter

	mu   sync.Mutex
	pids map[int]int // fid -> pid
	last map[int]*os.ProcessState
}

// NewProcessManager constructs a ProcessManager forking concurrency
// children via launch once Actuate runs. restart throttles how often a
// single fork id may be respawned; pass nil for no throttling.
func NewProcessManager(ctx ExecContext, s *sched.Scheduler, log klog.Logger, concurrency int, launch Launch, restart *catrate.Limiter) *ProcessManager {
	pm := &ProcessManager{
		ctx:         ctx,
		sched:       s,
		log:         log,
		concurrency: concurrency,
		launch:      launch,
		restart:     restart,
		pids:        make(map[int]int, concurrency),
		last:        make(map[int]*os.ProcessState),
	}
	pm.Base = proc.NewBase(pm, ctx, log)
	return pm
}

// Actuate forks every numbered child 1..concurrency.
func (pm *ProcessManager) Actuate() error {
	pm.ActuateBase()

	for fid := 1; fid <= pm.concurrency; fid++ {
		if err := pm.fork(fid); err != nil {
			return fmt.Errorf("subproc: fork fid %d: %w", fid, err)
		}
	}
	return nil
}

func (pm *ProcessManager) fork(fid int) error {
	cmd, err := pm.launch(fid)
	if err != nil {
		return err
	}
	cmd.Env = append(os.Environ(), SectorsEnv+"="+strconv.Itoa(fid))
	if err := cmd.Start(); err != nil {
		return err
	}

	pm.mu.Lock()
	pm.pids[fid] = cmd.Process.Pid
	pm.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		pm.ctx.Enqueue(func() { pm.childExited(fid, cmd.ProcessState) })
	}()
	return nil
}

// childExited records fid's exit status and, while this ProcessManager
// is still actuated (not terminating), re-forks fid -- throttled by the restart
// limiter, so a fork id that dies instantly does not spin the scheduler
// hot.
func (pm *ProcessManager) childExited(fid int, state *os.ProcessState) {
	pm.mu.Lock()
	pm.last[fid] = state
	delete(pm.pids, fid)
	empty := len(pm.pids) == 0
	pm.mu.Unlock()

	// Respawn only while the manager is actually running: a manager in
	// Terminating is reaping its pool down, not keeping it alive.
	if pm.State() != proc.StateActuated {
		if empty && pm.State() == proc.StateTerminating {
			pm.NotifyExited()
		}
		return
	}

	if pm.restart == nil {
		pm.respawn(fid)
		return
	}

	next, ok := pm.restart.Allow(fid)
	if ok {
		pm.respawn(fid)
		return
	}
	pm.sched.Defer(time.Until(next), func() {
		if pm.State() == proc.StateActuated {
			pm.respawn(fid)
		}
	})
}

func (pm *ProcessManager) respawn(fid int) {
	if err := pm.fork(fid); err != nil {
		pm.Fault(fid, fmt.Errorf("subproc: respawn fid %d: %w", fid, err))
	}
}

// Terminate sends SIGTERM to every live child; no respawn follows since
// childExited only respawns while the manager is in the actuated state.
// The manager reports its own exit once the last child is reaped; a
// manager whose pool is already empty exits immediately.
func (pm *ProcessManager) Terminate(by proc.Processor) bool {
	if !pm.TerminateBase(by) {
		return false
	}
	pm.signalAll(syscall.SIGTERM)
	pm.mu.Lock()
	empty := len(pm.pids) == 0
	pm.mu.Unlock()
	if empty {
		pm.NotifyExited()
	}
	return true
}

// Interrupt sends SIGKILL to every live child.
func (pm *ProcessManager) Interrupt(by proc.Processor) bool {
	pm.signalAll(syscall.SIGKILL)
	return pm.InterruptBase(by)
}

func (pm *ProcessManager) signalAll(signo syscall.Signal) {
	pm.mu.Lock()
	pids := make([]int, 0, len(pm.pids))
	for _, pid := range pm.pids {
		pids = append(pids, pid)
	}
	pm.mu.Unlock()
	for _, pid := range pids {
		_ = unix.Kill(pid, signo)
	}
}

// LastExitStatus reports the most recently recorded exit state for fid,
// if any child with that fork id has exited yet.
func (pm *ProcessManager) LastExitStatus(fid int) (*os.ProcessState, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	s, ok := pm.last[fid]
	return s, ok
}

// Pids returns a snapshot of fork id -> live pid.
func (pm *ProcessManager) Pids() map[int]int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make(map[int]int, len(pm.pids))
	for k, v := range pm.pids {
		out[k] = v
	}
	return out
}
