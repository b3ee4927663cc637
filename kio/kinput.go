package kio

import (
	"sync"
	"syscall"

	"github.com/sectorkit/sectorkit/cond"
	"github.com/sectorkit/sectorkit/flow"
	"github.com/sectorkit/sectorkit/klog"
	"github.com/sectorkit/sectorkit/proc"
	"github.com/zoobzio/metricz"
)

// KInput is a source Channel bridging a nonblocking, readable OS
// descriptor into the flow graph. On each readiness transition it reads
// into a buffer, emits the filled buffer downstream, and conditionally
// re-arms another read -- but only if not obstructed, which is the
// feedback edge that lets downstream backpressure stall kernel reads.
type KInput struct {
	*flow.Channel

	ctx    ExecContext
	fd     int
	poller Poller
	bufLen int

	mu     sync.Mutex
	closed bool
}

// ExecContext is the slice of the Execution Context KInput/KOutput need.
type ExecContext interface {
	Enqueue(task func())
}

// NewKInput constructs a KInput reading fd through poller, using bufLen
// byte buffers. fd must already be nonblocking (see SetNonblock).
func NewKInput(ctx ExecContext, log klog.Logger, metrics *metricz.Registry, poller Poller, fd int, bufLen int) (*KInput, error) {
	ki := &KInput{
		Channel: flow.NewChannel(ctx, log, metrics, flow.TypeSource),
		ctx:     ctx,
		fd:      fd,
		poller:  poller,
		bufLen:  bufLen,
	}
	ki.SetSelf(ki)
	ki.SetProcess(func(any, *flow.Channel) {
		panic("KInput only produces")
	})
	ki.Watch(nil, func(flow.ObstructionEvent) {
		ki.armRead()
	})

	if err := poller.Register(fd, ReadinessRead, ki.onReady); err != nil {
		return nil, err
	}
	return ki, nil
}

func (ki *KInput) onReady(r Readiness) {
	if r&(ReadinessError|ReadinessHangup) != 0 {
		ki.ctx.Enqueue(func() {
			ki.Obstruct(ki, "ki_hangup", cond.Inexorable)
			ki.Terminate(nil)
		})
		return
	}
	if r&ReadinessRead == 0 {
		return
	}
	ki.ctx.Enqueue(ki.transition)
}

// transition performs one read and emits the result downstream.
func (ki *KInput) transition() {
	ki.mu.Lock()
	if ki.closed {
		ki.mu.Unlock()
		return
	}
	ki.mu.Unlock()

	buf := make([]byte, ki.bufLen)
	n, err := syscall.Read(ki.fd, buf)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return
		}
		ki.Obstruct(ki, "ki_error", cond.Inexorable)
		ki.Terminate(nil)
		return
	}
	if n == 0 {
		ki.Terminate(nil)
		return
	}

	ki.Emit(buf[:n], ki.Channel)

	if !ki.Obstructed() {
		ki.armRead()
	}
}

func (ki *KInput) armRead() {
	ki.mu.Lock()
	if ki.closed {
		ki.mu.Unlock()
		return
	}
	ki.mu.Unlock()
	_ = ki.poller.Modify(ki.fd, ReadinessRead)
}

// Close unregisters fd from the poller and terminates the channel.
func (ki *KInput) Close() error {
	ki.mu.Lock()
	if ki.closed {
		ki.mu.Unlock()
		return nil
	}
	ki.closed = true
	ki.mu.Unlock()
	err := ki.poller.Unregister(ki.fd)
	ki.Terminate(nil)
	return err
}

// Interrupt closes the descriptor immediately, without draining.
func (ki *KInput) Interrupt(by proc.Processor) bool {
	ki.mu.Lock()
	already := ki.closed
	ki.closed = true
	ki.mu.Unlock()
	if !already {
		_ = ki.poller.Unregister(ki.fd)
	}
	return ki.Channel.Interrupt(by)
}

// KAccept is the accepting-socket variant of KInput: registered against
// a listening descriptor, it emits batches of accepted connection
// descriptors (as []int) instead of byte buffers. Downstream typically
// hands each descriptor to AcceptSubflows.
type KAccept struct {
	*flow.Channel

	ctx    ExecContext
	fd     int
	poller Poller
	accept func(fd int) (int, error)

	mu     sync.Mutex
	closed bool
}

// NewKAccept constructs a KAccept over the listening descriptor fd,
// which must already be nonblocking. accept may be nil, in which case
// accept(2) is used directly; tests substitute their own.
func NewKAccept(ctx ExecContext, log klog.Logger, metrics *metricz.Registry, poller Poller, fd int, accept func(fd int) (int, error)) (*KAccept, error) {
	if accept == nil {
		accept = sysAccept
	}
	ka := &KAccept{
		Channel: flow.NewChannel(ctx, log, metrics, flow.TypeSource),
		ctx:     ctx,
		fd:      fd,
		poller:  poller,
		accept:  accept,
	}
	ka.SetSelf(ka)
	ka.SetProcess(func(any, *flow.Channel) {
		panic("KAccept only produces")
	})
	if err := poller.Register(fd, ReadinessRead, ka.onReady); err != nil {
		return nil, err
	}
	return ka, nil
}

func (ka *KAccept) onReady(r Readiness) {
	if r&(ReadinessError|ReadinessHangup) != 0 {
		ka.ctx.Enqueue(func() {
			ka.Obstruct(ka, "ka_hangup", cond.Inexorable)
			ka.Terminate(nil)
		})
		return
	}
	if r&ReadinessRead == 0 {
		return
	}
	ka.ctx.Enqueue(ka.transition)
}

// transition drains the accept queue, emitting the accepted descriptors
// downstream as one batch -- but only while not obstructed, so a
// downstream that cannot take more connections stalls further accepts.
func (ka *KAccept) transition() {
	ka.mu.Lock()
	if ka.closed {
		ka.mu.Unlock()
		return
	}
	ka.mu.Unlock()

	var fds []int
	for {
		nfd, err := ka.accept(ka.fd)
		if err != nil {
			break
		}
		fds = append(fds, nfd)
	}
	if len(fds) == 0 {
		return
	}

	ka.Emit(fds, ka.Channel)

	if !ka.Obstructed() {
		_ = ka.poller.Modify(ka.fd, ReadinessRead)
	}
}

// Close unregisters the listening descriptor and terminates the channel.
func (ka *KAccept) Close() error {
	ka.mu.Lock()
	if ka.closed {
		ka.mu.Unlock()
		return nil
	}
	ka.closed = true
	ka.mu.Unlock()
	err := ka.poller.Unregister(ka.fd)
	ka.Terminate(nil)
	return err
}

var (
	_ proc.Processor = (*KInput)(nil)
	_ proc.Processor = (*KAccept)(nil)
)
