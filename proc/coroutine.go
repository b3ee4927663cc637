package proc

import (
	"context"

	"github.com/sectorkit/sectorkit/klog"
)

// Coroutine is a best-effort Processor variant for generator-shaped
// work. Go has no native generator primitive, so the function runs on
// its own goroutine; values it produces via yield are delivered to an optional
// observer, and its return value becomes the processor's product.
//
// Termination cancels the function's context; interruption does the
// same but additionally discards any in-flight yield.
type Coroutine struct {
	Base

	fn      func(context.Context, func(any)) (any, error)
	observe func(any)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoroutine constructs a Coroutine processor around fn. observe, if
// non-nil, is called (on an arbitrary goroutine) for every value fn
// yields; it must not block.
func NewCoroutine(ctx ExecContext, log klog.Logger, fn func(context.Context, func(any)) (any, error), observe func(any)) *Coroutine {
	c := &Coroutine{fn: fn, observe: observe, done: make(chan struct{})}
	c.Base = NewBase(c, ctx, log)
	return c
}

// Actuate starts the coroutine's goroutine.
func (c *Coroutine) Actuate() error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.store(StateActuated)

	go func() {
		defer close(c.done)
		defer func() {
			if r := recover(); r != nil {
				c.ctx.Enqueue(func() { c.Fault(nil, panicError{r}) })
			}
		}()

		yield := func(v any) {
			if c.observe != nil && c.State() != StateInterrupted {
				c.observe(v)
			}
		}

		product, err := c.fn(runCtx, yield)

		c.ctx.Enqueue(func() {
			if err != nil {
				c.Fault(nil, err)
				return
			}
			if !c.Functioning() {
				return
			}
			c.setProduct(product)
			c.store(StateTerminated)
			if parent, ok := c.controller(); ok {
				parent.exited(c)
			}
		})
	}()

	return nil
}

// Terminate asks the coroutine's context to be cancelled; the processor
// exits once the goroutine observes cancellation and returns.
func (c *Coroutine) Terminate(by Processor) bool {
	if !c.terminateBase(by) {
		return false
	}
	if c.cancel != nil {
		c.cancel()
	}
	return true
}

// Interrupt cancels the coroutine's context and freezes the processor
// immediately, without waiting for the goroutine to observe it.
func (c *Coroutine) Interrupt(by Processor) bool {
	if !c.interruptBase(by) {
		return false
	}
	if c.cancel != nil {
		c.cancel()
	}
	return true
}
