package proc

import (
	"github.com/sectorkit/sectorkit/klog"
)

// Thread is a Processor that runs a blocking function on its own
// goroutine. Per the single-writer discipline, it never touches another
// processor or flow directly from that goroutine; it posts its result
// back onto the Execution Context's task queue (Enqueue) and only acts
// on other processors once that task runs.
type Thread struct {
	Base

	fn func() (any, error)
}

// NewThread constructs a Thread processor around fn.
func NewThread(ctx ExecContext, log klog.Logger, fn func() (any, error)) *Thread {
	t := &Thread{fn: fn}
	t.Base = NewBase(t, ctx, log)
	return t
}

// Actuate launches fn on a dedicated goroutine.
func (t *Thread) Actuate() error {
	t.store(StateActuated)
	go t.run()
	return nil
}

func (t *Thread) run() {
	var (
		product any
		err     error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = panicError{r}
			}
		}()
		product, err = t.fn()
	}()

	t.ctx.Enqueue(func() {
		if !t.Functioning() {
			return
		}
		if err != nil {
			t.Fault(nil, err)
			return
		}
		t.setProduct(product)
		t.store(StateTerminated)
		if parent, ok := t.controller(); ok {
			parent.exited(t)
		}
	})
}

// Terminate has no effect beyond marking the Thread as terminating: the
// worker goroutine is not interruptible mid-flight; it is expected to
// observe cooperative cancellation itself if fn supports it.
func (t *Thread) Terminate(by Processor) bool {
	return t.terminateBase(by)
}

// Interrupt freezes the Thread's bookkeeping; the worker goroutine, if
// still running, is abandoned (its eventual result is discarded by run
// since Functioning() will report false).
func (t *Thread) Interrupt(by Processor) bool {
	return t.interruptBase(by)
}
