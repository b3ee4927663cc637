// Package subproc implements subprocess supervision: Subprocess tracks a
// set of spawned children through to reap, and ProcessManager supervises
// a fixed pool of numbered workers with crash-loop restart.
package subproc

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/sectorkit/sectorkit/klog"
	"github.com/sectorkit/sectorkit/proc"
	"golang.org/x/sys/unix"
)

// ExecContext is the slice of the Execution Context Subprocess needs.
type ExecContext interface {
	Enqueue(task func())
}

// Reaper waits on pid and returns its exit state. The default finds the
// process by pid with os.FindProcess and calls os.Process.Wait on it.
type Reaper func(pid int) (*os.ProcessState, error)

// Subprocess is a Processor supervising a set of already-started
// *exec.Cmd children through to full reap.
type Subprocess struct {
	proc.Base

	ctx ExecContext

	mu         sync.Mutex
	processes  map[int]*exec.Cmd
	exitStatus map[int]*os.ProcessState
	reaper     Reaper
}

// Invocation describes a command to spawn: the executable path, its
// argument vector (argv[0] included), and the environment. A nil Env
// inherits the parent's environment.
type Invocation struct {
	Path string
	Args []string
	Env  []string
}

// FromInvocation spawns inv and returns a Subprocess supervising the
// resulting child. stdin/stdout/stderr may be nil, in which case the
// child inherits /dev/null for that stream. The child is placed in its
// own process group and receives SIGKILL if this process dies.
func FromInvocation(ctx ExecContext, log klog.Logger, inv Invocation, stdin, stdout, stderr *os.File) (*Subprocess, error) {
	args := inv.Args
	if len(args) == 0 {
		args = []string{inv.Path}
	}
	cmd := exec.Command(inv.Path)
	cmd.Args = args
	cmd.Env = inv.Env
	// Assign only non-nil files: a nil *os.File stored into the Cmd's
	// io.Reader/Writer fields would defeat exec's own nil check.
	if stdin != nil {
		cmd.Stdin = stdin
	}
	if stdout != nil {
		cmd.Stdout = stdout
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("subproc: spawn %s: %w", inv.Path, err)
	}
	return NewSubprocess(ctx, log, nil, cmd), nil
}

// NewSubprocess constructs a Subprocess supervising cmds, each of which
// must already have been Start()ed by the caller.
func NewSubprocess(ctx ExecContext, log klog.Logger, reaper Reaper, cmds ...*exec.Cmd) *Subprocess {
	if reaper == nil {
		reaper = defaultReaper
	}
	sp := &Subprocess{
		ctx:        ctx,
		processes:  make(map[int]*exec.Cmd, len(cmds)),
		exitStatus: make(map[int]*os.ProcessState),
		reaper:     reaper,
	}
	for _, cmd := range cmds {
		sp.processes[cmd.Process.Pid] = cmd
	}
	sp.Base = proc.NewBase(sp, ctx, log)
	return sp
}

// Actuate subscribes to each pid's exit and validates liveness: if a
// child already exited between spawn and subscribe, its exit is
// synthesized immediately via the reaper instead of waiting forever for
// a notification that already happened.
func (sp *Subprocess) Actuate() error {
	sp.ActuateBase()

	sp.mu.Lock()
	pids := make([]int, 0, len(sp.processes))
	for pid := range sp.processes {
		pids = append(pids, pid)
	}
	sp.mu.Unlock()

	for _, pid := range pids {
		pid := pid
		go func() {
			cmd := sp.processes[pid]
			_ = cmd.Wait()
			sp.ctx.Enqueue(func() { sp.spExit(pid, cmd.ProcessState) })
		}()

		if err := unix.Kill(pid, 0); err != nil {
			sp.spExit(pid, nil)
		}
	}
	return nil
}

// spExit records pid's exit status. Once every process has exited and
// the Subprocess has not been interrupted, it signals completion to its
// controller.
func (sp *Subprocess) spExit(pid int, state *os.ProcessState) {
	sp.mu.Lock()
	if state == nil && sp.reaper != nil {
		state, _ = sp.reaper(pid)
	}
	sp.exitStatus[pid] = state
	reaped := len(sp.exitStatus) >= len(sp.processes)
	sp.mu.Unlock()

	if reaped && sp.Functioning() {
		sp.NotifyExited()
	}
}

// Signal sends signo to every pid still awaiting exit.
func (sp *Subprocess) Signal(signo syscall.Signal) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	var firstErr error
	for pid := range sp.processes {
		if _, done := sp.exitStatus[pid]; done {
			continue
		}
		if err := unix.Kill(pid, signo); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Terminate sends SIGTERM to every pid still waiting, matching the
// graceful-shutdown convention the rest of this module uses for
// Terminate.
func (sp *Subprocess) Terminate(by proc.Processor) bool {
	_ = sp.Signal(syscall.SIGTERM)
	return sp.TerminateBase(by)
}

// Interrupt sends SIGKILL to every pid still waiting.
func (sp *Subprocess) Interrupt(by proc.Processor) bool {
	_ = sp.Signal(syscall.SIGKILL)
	return sp.InterruptBase(by)
}

// Abort sends SIGQUIT, the third teardown signal alongside the
// Processor-level Terminate/Interrupt pair.
func (sp *Subprocess) Abort() error {
	return sp.Signal(syscall.SIGQUIT)
}

// ExitStatuses returns a snapshot of pid -> exit state for every child
// reaped so far.
func (sp *Subprocess) ExitStatuses() map[int]*os.ProcessState {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	out := make(map[int]*os.ProcessState, len(sp.exitStatus))
	for k, v := range sp.exitStatus {
		out[k] = v
	}
	return out
}

func defaultReaper(pid int) (*os.ProcessState, error) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, err
	}
	state, err := proc.Wait()
	if err != nil {
		return nil, fmt.Errorf("subproc: reap pid %d: %w", pid, err)
	}
	return state, nil
}
