package subproc

import (
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/sectorkit/sectorkit/proc"
	"github.com/stretchr/testify/require"
)

// syncContext drains enqueued tasks on whichever goroutine first starts
// the drain, deferring tasks enqueued from within a running task --
// Subprocess enqueues from goroutines watching cmd.Wait and its exit
// path re-enqueues the sector reap, so this double must be safe for
// both concurrent and nested Enqueue calls.
type syncContext struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

func (s *syncContext) Enqueue(task func()) {
	s.mu.Lock()
	s.pending = append(s.pending, task)
	already := s.running
	if already {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		task := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		task()
	}
}

func TestSubprocessNotifiesControllerOnceAllPidsExit(t *testing.T) {
	ctx := &syncContext{}
	sector := proc.NewSector(ctx, nil, nil)

	cmd1 := exec.Command("true")
	require.NoError(t, cmd1.Start())
	cmd2 := exec.Command("true")
	require.NoError(t, cmd2.Start())

	sp := NewSubprocess(ctx, nil, nil, cmd1, cmd2)
	sector.Dispatch(sp)

	require.Eventually(t, func() bool {
		return sp.State() == proc.StateTerminated
	}, 5*time.Second, 10*time.Millisecond)

	statuses := sp.ExitStatuses()
	require.Len(t, statuses, 2)
}

func TestFromInvocationSpawnsAndReaps(t *testing.T) {
	ctx := &syncContext{}
	sector := proc.NewSector(ctx, nil, nil)

	sp, err := FromInvocation(ctx, nil, Invocation{Path: "/bin/true"}, nil, nil, nil)
	require.NoError(t, err)
	sector.Dispatch(sp)

	require.Eventually(t, func() bool {
		return sp.State() == proc.StateTerminated
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, sp.ExitStatuses(), 1)
}

func TestTerminateSendsSIGTERM(t *testing.T) {
	ctx := &syncContext{}
	sector := proc.NewSector(ctx, nil, nil)

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())

	sp := NewSubprocess(ctx, nil, nil, cmd)
	sector.Dispatch(sp)

	require.True(t, sp.Terminate(nil))

	require.Eventually(t, func() bool {
		return sp.State() == proc.StateTerminated
	}, 5*time.Second, 10*time.Millisecond)
}
