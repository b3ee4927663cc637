package subproc

import (
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sectorkit/sectorkit/klog"
	"github.com/sectorkit/sectorkit/proc"
	"github.com/sectorkit/sectorkit/sched"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

func TestProcessManagerForksConcurrencyWorkers(t *testing.T) {
	ctx := &syncContext{}
	s := sched.New(ctx, nil, clockz.NewFakeClock())

	var launched []int
	pm := NewProcessManager(ctx, s, klog.Nop{}, 3, func(fid int) (*exec.Cmd, error) {
		launched = append(launched, fid)
		return exec.Command("sleep", "30"), nil
	}, nil)

	require.NoError(t, pm.Actuate())
	require.ElementsMatch(t, []int{1, 2, 3}, launched)
	require.Len(t, pm.Pids(), 3)

	require.True(t, pm.Terminate(nil))
}

func TestProcessManagerRespawnsExitedWorker(t *testing.T) {
	ctx := &syncContext{}
	s := sched.New(ctx, nil, clockz.NewFakeClock())

	var forks atomic.Int32
	pm := NewProcessManager(ctx, s, klog.Nop{}, 1, func(fid int) (*exec.Cmd, error) {
		forks.Add(1)
		return exec.Command("true"), nil
	}, nil)

	require.NoError(t, pm.Actuate())

	require.Eventually(t, func() bool {
		return forks.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond)

	_, ok := pm.LastExitStatus(1)
	require.True(t, ok)

	// Stop the crash-restart loop before the test returns.
	require.True(t, pm.Interrupt(nil))
}

func TestProcessManagerTerminateStopsRespawnAndReportsExit(t *testing.T) {
	ctx := &syncContext{}
	s := sched.New(ctx, nil, clockz.NewFakeClock())
	sector := proc.NewSector(ctx, nil, nil)

	pm := NewProcessManager(ctx, s, klog.Nop{}, 2, func(fid int) (*exec.Cmd, error) {
		return exec.Command("sleep", "30"), nil
	}, nil)
	sector.Dispatch(pm)
	require.Len(t, pm.Pids(), 2)

	require.True(t, pm.Terminate(nil))

	require.Eventually(t, func() bool {
		return pm.State() == proc.StateTerminated
	}, 5*time.Second, 10*time.Millisecond)
	require.Empty(t, pm.Pids())
}
