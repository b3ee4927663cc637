package kio

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/joeycumines/go-microbatch"
	"github.com/sectorkit/sectorkit/cond"
	"github.com/sectorkit/sectorkit/flow"
	"github.com/sectorkit/sectorkit/klog"
	"github.com/sectorkit/sectorkit/proc"
	"github.com/zoobzio/metricz"
)

// DefaultQueueLimit is the default number of pending writes before
// KOutput obstructs itself: entries, not bytes, so upstream chooses its
// own chunk size.
const DefaultQueueLimit = 16

// KOutput is a terminal Channel bridging the flow graph to a nonblocking,
// writable OS descriptor. Incoming events are grouped into small batches
// (via go-microbatch, so a burst of small writes becomes one flush pass
// instead of one readiness-poke per event) and queued as pending byte
// slices; when the queue length exceeds its limit KOutput obstructs
// itself with a "ko_overflow" signal, clearing once the queue drains
// back under the limit.
type KOutput struct {
	*flow.Channel

	ctx     ExecContext
	fd      int
	poller  Poller
	limit   int
	flusher *microbatch.Batcher[[]byte]

	mu          sync.Mutex
	queue       [][]byte
	closed      bool
	terminating bool
}

// NewKOutput constructs a KOutput writing to fd through poller. fd must
// already be nonblocking.
func NewKOutput(ctx ExecContext, log klog.Logger, metrics *metricz.Registry, poller Poller, fd int, limit int) (*KOutput, error) {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	ko := &KOutput{
		Channel: flow.NewChannel(ctx, log, metrics, flow.TypeTerminal),
		ctx:     ctx,
		fd:      fd,
		poller:  poller,
		limit:   limit,
	}
	ko.flusher = microbatch.NewBatcher[[]byte](&microbatch.BatcherConfig{
		MaxSize:       limit,
		FlushInterval: 5 * time.Millisecond,
	}, ko.absorbBatch)

	ko.SetSelf(ko)
	ko.SetProcess(func(event any, _ *flow.Channel) {
		data, ok := event.([]byte)
		if !ok {
			return
		}
		_, _ = ko.flusher.Submit(context.Background(), data)
	})
	// A Terminate cascading down from upstream lands on the embedded
	// Channel; route it through the graceful teardown so the descriptor
	// still drains first.
	ko.WatchTerminate(func() { ko.Terminate(nil) })

	if err := poller.Register(fd, 0, ko.onReady); err != nil {
		return nil, err
	}
	return ko, nil
}

// absorbBatch is the microbatch BatchProcessor: it moves a completed
// batch of outgoing buffers onto the pending queue and re-arms the
// poller for write readiness, all on the Execution Context's task
// goroutine so queue/obstruction state is only ever touched there.
func (ko *KOutput) absorbBatch(_ context.Context, jobs [][]byte) error {
	ko.ctx.Enqueue(func() {
		ko.mu.Lock()
		ko.queue = append(ko.queue, jobs...)
		over := len(ko.queue) > ko.limit
		ko.mu.Unlock()

		if over {
			ko.Obstruct(ko, "ko_overflow", cond.New(ko, "QueueDrained"))
		}
		_ = ko.poller.Modify(ko.fd, ReadinessWrite)
	})
	return nil
}

// QueueDrained is the focus of the overflow Condition: true once the
// queue has shrunk back under the limit.
func (ko *KOutput) QueueDrained() bool {
	ko.mu.Lock()
	defer ko.mu.Unlock()
	return len(ko.queue) <= ko.limit
}

func (ko *KOutput) onReady(r Readiness) {
	if r&(ReadinessError|ReadinessHangup) != 0 {
		ko.ctx.Enqueue(func() { ko.fail("ko_hangup") })
		return
	}
	if r&ReadinessWrite == 0 {
		return
	}
	ko.ctx.Enqueue(ko.flush)
}

// flush writes as much of the pending queue as the descriptor will
// currently accept without blocking.
func (ko *KOutput) flush() {
	for {
		ko.mu.Lock()
		if ko.closed || len(ko.queue) == 0 {
			ko.mu.Unlock()
			return
		}
		next := ko.queue[0]
		ko.mu.Unlock()

		n, err := syscall.Write(ko.fd, next)
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				return
			}
			ko.fail("ko_error")
			return
		}

		ko.mu.Lock()
		if n >= len(next) {
			ko.queue = ko.queue[1:]
		} else {
			ko.queue[0] = next[n:]
		}
		drained := len(ko.queue) <= ko.limit
		empty := len(ko.queue) == 0
		terminating := ko.terminating
		ko.mu.Unlock()

		if drained {
			ko.Clear(ko)
		}
		if empty && terminating {
			ko.finishTerminate()
			return
		}
	}
}

// fail handles a fatal descriptor condition: the pending queue can never
// be written, so it is dropped and teardown completes immediately.
func (ko *KOutput) fail(signal string) {
	ko.mu.Lock()
	ko.queue = nil
	ko.mu.Unlock()
	ko.Obstruct(ko, signal, cond.Inexorable)
	ko.Terminate(nil)
	// Terminate is a no-op if a graceful teardown was already pending;
	// the descriptor is dead either way.
	ko.finishTerminate()
}

// Terminate implements the graceful teardown contract: the descriptor is
// closed only once the pending queue has fully drained. Events arriving
// after Terminate are discarded.
func (ko *KOutput) Terminate(by proc.Processor) bool {
	ko.mu.Lock()
	if ko.closed || ko.terminating {
		ko.mu.Unlock()
		return false
	}
	ko.terminating = true
	empty := len(ko.queue) == 0
	ko.mu.Unlock()

	ko.TerminateBase(by)
	ko.flusher.Close()
	if empty {
		ko.finishTerminate()
	}
	return true
}

// Interrupt closes the descriptor immediately, discarding the pending
// queue.
func (ko *KOutput) Interrupt(by proc.Processor) bool {
	ko.mu.Lock()
	already := ko.closed
	ko.closed = true
	ko.queue = nil
	ko.mu.Unlock()

	if !already {
		ko.flusher.Close()
		_ = ko.poller.Unregister(ko.fd)
	}
	return ko.Channel.Interrupt(by)
}

func (ko *KOutput) finishTerminate() {
	ko.mu.Lock()
	if ko.closed {
		ko.mu.Unlock()
		return
	}
	ko.closed = true
	ko.mu.Unlock()
	_ = ko.poller.Unregister(ko.fd)
	ko.Channel.Terminate(nil)
}

// Close unregisters fd from the poller, stops the batcher, and
// terminates the channel immediately, discarding any pending queue.
func (ko *KOutput) Close() error {
	ko.mu.Lock()
	if ko.closed {
		ko.mu.Unlock()
		return nil
	}
	ko.closed = true
	ko.mu.Unlock()
	ko.flusher.Close()
	err := ko.poller.Unregister(ko.fd)
	ko.Channel.Terminate(nil)
	return err
}

var _ proc.Processor = (*KOutput)(nil)
