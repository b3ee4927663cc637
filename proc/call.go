package proc

import "github.com/sectorkit/sectorkit/klog"

// Call is a Processor wrapping a single function. It is enqueued for
// execution upon actuation and signals its own exit once the function
// returns, making it the basic building block for sequencing explicit
// work through a Sector's fault boundary.
type Call struct {
	Base

	fn func() (any, error)
}

// NewCall constructs a Call processor around fn. fn's return value
// becomes the processor's product; a non-nil error faults the Call.
func NewCall(ctx ExecContext, log klog.Logger, fn func() (any, error)) *Call {
	c := &Call{fn: fn}
	c.Base = NewBase(c, ctx, log)
	return c
}

// Actuate enqueues execution of the wrapped function.
func (c *Call) Actuate() error {
	c.store(StateActuated)
	c.ctx.Enqueue(c.execute)
	return nil
}

func (c *Call) execute() {
	if !c.Functioning() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.Fault(nil, panicError{r})
		}
	}()

	product, err := c.fn()
	if err != nil {
		c.Fault(nil, err)
		return
	}

	c.setProduct(product)
	c.store(StateTerminated)
	if parent, ok := c.controller(); ok {
		parent.exited(c)
	}
}

// Terminate requests termination; for a Call there is nothing further to
// drain, so a functioning-but-not-yet-executed Call simply marks itself
// terminating (its own execute still runs to completion).
func (c *Call) Terminate(by Processor) bool {
	return c.terminateBase(by)
}

// Interrupt freezes the Call without waiting for its function.
func (c *Call) Interrupt(by Processor) bool {
	return c.interruptBase(by)
}
