package proc

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// syncContext runs enqueued tasks synchronously on the calling goroutine,
// except it defers tasks enqueued from within a running task to a
// pending queue drained after the current task returns - enough fidelity
// for these unit tests without a full kernel.Context.
type syncContext struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

func (s *syncContext) Enqueue(task func()) {
	s.mu.Lock()
	s.pending = append(s.pending, task)
	already := s.running
	s.mu.Unlock()
	if already {
		return
	}
	s.drain()
}

func (s *syncContext) drain() {
	s.mu.Lock()
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

func TestCallSuccess(t *testing.T) {
	ctx := &syncContext{}
	sector := NewSector(ctx, nil, nil)

	var ranOn bool
	call := NewCall(ctx, nil, func() (any, error) {
		ranOn = true
		return 42, nil
	})

	sector.Dispatch(call)

	require.True(t, ranOn)
	require.Equal(t, StateTerminated, call.State())
	require.Equal(t, 42, call.Product())
}

func TestCallFaultBubblesToSector(t *testing.T) {
	ctx := &syncContext{}
	sector := NewSector(ctx, nil, nil)

	boom := errors.New("boom")
	call := NewCall(ctx, nil, func() (any, error) {
		return nil, boom
	})

	sector.Dispatch(call)

	require.Equal(t, StateFaulted, call.State())
	require.ErrorIs(t, sector.Exceptions()[0], boom)
}

func TestSectorTerminatesWhenAllChildrenExit(t *testing.T) {
	ctx := &syncContext{}
	sector := NewSector(ctx, nil, nil)

	done := make(chan struct{})
	call := NewCall(ctx, nil, func() (any, error) {
		return nil, nil
	})
	sector.Dispatch(call)
	sector.Terminate(nil)
	close(done)
	<-done

	require.Equal(t, StateTerminated, sector.State())
	require.Empty(t, sector.Children())
}

func TestAtExitFiresAfterTermination(t *testing.T) {
	ctx := &syncContext{}
	sector := NewSector(ctx, nil, nil)

	fired := false
	call := NewCall(ctx, nil, func() (any, error) { return nil, nil })
	call.AtExit(func(Processor) { fired = true })

	sector.Dispatch(call)

	require.True(t, fired)
}

func TestInterruptDoesNotFireAtExit(t *testing.T) {
	ctx := &syncContext{}
	sector := NewSector(ctx, nil, nil)

	fired := false
	blocked := NewThread(ctx, nil, func() (any, error) {
		select {} // never returns; only Interrupt ends this processor
	})
	blocked.AtExit(func(Processor) { fired = true })
	sector.Dispatch(blocked)

	require.True(t, sector.Interrupt(nil))
	require.Equal(t, StateInterrupted, blocked.State())
	require.False(t, fired)
}

func TestChildrenFiledUnderPlacementKey(t *testing.T) {
	ctx := &syncContext{}
	sector := NewSector(ctx, nil, nil)

	th := NewThread(ctx, nil, func() (any, error) {
		select {}
	})
	sector.Dispatch(th)

	under := sector.ChildrenUnder("*proc.Thread")
	require.Len(t, under, 1)
	require.Same(t, th, under[0])
}

func TestWeakControllerResolvesLiveSector(t *testing.T) {
	s := NewSector(&syncContext{}, nil, nil)
	wc := newWeakController(s)
	got, ok := wc.Resolve()
	require.True(t, ok)
	require.Same(t, s, got)
}
