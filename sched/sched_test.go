package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

// syncContext records enqueued tasks and runs them immediately on the
// calling goroutine, matching the fidelity other packages' tests use in
// place of a full kernel.Context.
type syncContext struct {
	mu  sync.Mutex
	ran []func()
}

func (s *syncContext) Enqueue(task func()) {
	s.mu.Lock()
	s.ran = append(s.ran, task)
	s.mu.Unlock()
	task()
}

func TestDeferFiresAfterClockAdvance(t *testing.T) {
	clock := clockz.NewFakeClock()
	ctx := &syncContext{}
	s := New(ctx, nil, clock)

	done := make(chan struct{})
	s.Defer(100*time.Millisecond, func() { close(done) })

	clock.Advance(100 * time.Millisecond)
	clock.BlockUntilReady()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deferred task never ran")
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	clock := clockz.NewFakeClock()
	ctx := &syncContext{}
	s := New(ctx, nil, clock)

	fired := false
	token := s.Defer(50*time.Millisecond, func() { fired = true })
	s.Cancel(token)

	clock.Advance(time.Second)
	clock.BlockUntilReady()

	require.False(t, fired)
}

func TestEarlierDeadlineFiresFirst(t *testing.T) {
	clock := clockz.NewFakeClock()
	ctx := &syncContext{}
	s := New(ctx, nil, clock)

	var order []int
	s.Defer(200*time.Millisecond, func() { order = append(order, 2) })
	s.Defer(50*time.Millisecond, func() { order = append(order, 1) })

	clock.Advance(200 * time.Millisecond)
	clock.BlockUntilReady()

	require.Equal(t, []int{1, 2}, order)
}

func TestNestedSchedulerDelegatesToParent(t *testing.T) {
	clock := clockz.NewFakeClock()
	ctx := &syncContext{}
	parent := New(ctx, nil, clock)
	nested := NewNested(parent)

	fired := false
	nested.Defer(10*time.Millisecond, func() { fired = true })

	clock.Advance(10 * time.Millisecond)
	clock.BlockUntilReady()

	require.True(t, fired)
}

func TestRecurrenceReschedulesUntilStopped(t *testing.T) {
	clock := clockz.NewFakeClock()
	ctx := &syncContext{}
	s := New(ctx, nil, clock)

	var mu sync.Mutex
	ticks := 0
	var r *Recurrence
	r = NewRecurrence(s, func(reschedule func(time.Duration)) {
		mu.Lock()
		ticks++
		n := ticks
		mu.Unlock()
		if n < 3 {
			reschedule(10 * time.Millisecond)
		} else {
			r.Stop()
		}
	})

	require.Eventually(t, func() bool {
		clock.Advance(10 * time.Millisecond)
		clock.BlockUntilReady()
		mu.Lock()
		defer mu.Unlock()
		return ticks >= 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, ticks)
}

func TestExpireDeliversExpiryErrorUnlessCancelled(t *testing.T) {
	clock := clockz.NewFakeClock()
	ctx := &syncContext{}
	s := New(ctx, nil, clock)

	expired := make(chan *ExpiryError, 1)
	s.Expire(10*time.Millisecond, "handshake", func(e *ExpiryError) { expired <- e })

	token := s.Expire(10*time.Millisecond, "idle", func(e *ExpiryError) {
		t.Error("cancelled expiry must not fire")
	})
	s.Cancel(token)

	clock.Advance(10 * time.Millisecond)
	clock.BlockUntilReady()

	select {
	case got := <-expired:
		require.Equal(t, "handshake", got.Constraint)
		require.Equal(t, clock.Now(), got.At)
	case <-time.After(time.Second):
		t.Fatal("expiry never delivered")
	}
}

func TestPeriodReportsSoonestDeadline(t *testing.T) {
	clock := clockz.NewFakeClock()
	ctx := &syncContext{}
	s := New(ctx, nil, clock)

	_, ok := s.Period()
	require.False(t, ok)

	s.Defer(50*time.Millisecond, func() {})
	s.Defer(10*time.Millisecond, func() {})

	d, ok := s.Period()
	require.True(t, ok)
	require.Equal(t, 10*time.Millisecond, d)
}

func TestRecurrenceCallbackPicksItsOwnDelays(t *testing.T) {
	clock := clockz.NewFakeClock()
	ctx := &syncContext{}
	s := New(ctx, nil, clock)

	var mu sync.Mutex
	runs := 0
	s.Recurrence(func() (time.Duration, bool) {
		mu.Lock()
		defer mu.Unlock()
		runs++
		return 10 * time.Millisecond, runs < 2
	})

	require.Eventually(t, func() bool {
		clock.Advance(10 * time.Millisecond)
		clock.BlockUntilReady()
		mu.Lock()
		defer mu.Unlock()
		return runs >= 2
	}, time.Second, time.Millisecond)

	clock.Advance(100 * time.Millisecond)
	clock.BlockUntilReady()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, runs)
}

func TestInterruptStopsFurtherDeadlines(t *testing.T) {
	clock := clockz.NewFakeClock()
	ctx := &syncContext{}
	s := New(ctx, nil, clock)

	fired := false
	s.Defer(10*time.Millisecond, func() { fired = true })
	s.Interrupt()

	clock.Advance(time.Second)
	clock.BlockUntilReady()

	require.False(t, fired)
}
