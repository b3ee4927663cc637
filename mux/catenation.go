package mux

import (
	"context"
	"strconv"
	"sync"

	"github.com/sectorkit/sectorkit/cond"
	"github.com/sectorkit/sectorkit/flow"
	"github.com/sectorkit/sectorkit/klog"
	"github.com/sectorkit/sectorkit/proc"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

const catQueueLimit = 8

// FlushSpan traces one Catenation flush pass -- the batch of reservation-
// ordered tokens handed downstream in a single task tick.
const (
	FlushSpan         = tracez.Key("catenation.flush")
	FlushTagTokens    = tracez.Tag("catenation.tokens")
	flushBatchCounter = metricz.Key("catenation.flush.total")
)

type catConnection struct {
	upstream   *flow.Channel
	layer      Layer
	queue      []any
	isHoL      bool
	terminated bool
}

// Catenation multiplexes many logical sub-flows onto one downstream
// Channel, preserving reservation order: downstream observes each
// layer's initiate/transfer.../terminate run fully before the next
// reserved layer's run begins, no matter what order the upstreams
// actually deliver their data in.
type Catenation struct {
	*flow.Channel

	ctx       ExecContext
	metrics   *metricz.Registry
	tracer    *tracez.Tracer
	closeOnce sync.Once

	mu          sync.Mutex
	order       []Layer
	connections map[*flow.Channel]*catConnection
	flows       map[any]*catConnection // keyed by Layer
	terminating bool

	pending      []Token
	flushPending bool
}

// NewCatenation constructs an empty Catenation. Call Reserve for every
// layer it will carry, in the order layers should appear downstream.
func NewCatenation(ctx ExecContext, log klog.Logger, metrics *metricz.Registry) *Catenation {
	if metrics != nil {
		metrics.Counter(flushBatchCounter)
	}
	c := &Catenation{
		Channel:     flow.NewChannel(ctx, log, metrics, flow.TypeJoin),
		ctx:         ctx,
		metrics:     metrics,
		tracer:      tracez.New(),
		connections: make(map[*flow.Channel]*catConnection),
		flows:       make(map[any]*catConnection),
	}
	c.SetSelf(c)
	c.SetProcess(func(event any, source *flow.Channel) { c.Process(event, source) })
	// A sub-flow finishing must not tear down the shared join; upstream
	// ends are observed individually via WatchTerminate instead.
	c.SetTerminateBarrier()
	return c
}

// Terminate marks the Catenation as terminating: it finishes once every
// reserved layer has completed. A Catenation with no outstanding
// reservations terminates immediately.
func (c *Catenation) Terminate(by proc.Processor) bool {
	c.mu.Lock()
	if c.terminating {
		c.mu.Unlock()
		return false
	}
	c.terminating = true
	done := len(c.order) == 0
	c.mu.Unlock()

	c.TerminateBase(by)
	if done {
		c.finishTerminate()
	}
	return true
}

func (c *Catenation) finishTerminate() {
	c.closeOnce.Do(c.tracer.Close)
	c.Channel.Terminate(nil)
}

// Tracer returns the Catenation's flush-pass Tracer, for callers wanting
// to export completed ordering spans.
func (c *Catenation) Tracer() *tracez.Tracer { return c.tracer }

// Close releases the Catenation's Tracer. Callers tearing a Catenation
// down outside the normal Terminate/Interrupt path (mirroring
// Division.Close) must call this or its span buffer outlives the flow.
func (c *Catenation) Close() { c.closeOnce.Do(c.tracer.Close) }

// Reserve appends layer to the FIFO of reservations. The head of this
// FIFO is the head-of-line (HoL) layer: the only one actively forwarded
// to downstream until it terminates.
func (c *Catenation) Reserve(layer Layer) {
	c.mu.Lock()
	c.order = append(c.order, layer)
	conn := &catConnection{layer: layer, isHoL: len(c.order) == 1}
	c.flows[layer] = conn
	c.mu.Unlock()
}

// Connect attaches upstream (which may be nil for an empty body) to
// layer. If layer is currently head-of-line, its initiate token is
// emitted immediately.
func (c *Catenation) Connect(layer Layer, upstream *flow.Channel) {
	c.mu.Lock()
	conn, ok := c.flows[layer]
	if !ok {
		c.mu.Unlock()
		return
	}
	conn.upstream = upstream
	isHoL := conn.isHoL
	c.mu.Unlock()

	if isHoL {
		c.append(Token{Kind: TokenInitiate, Layer: layer})
		if upstream == nil {
			c.advance()
			return
		}
	}
	if upstream != nil {
		c.mu.Lock()
		c.connections[upstream] = conn
		c.mu.Unlock()
		upstream.Connect(c.Channel)
		upstream.WatchTerminate(func() { c.onUpstreamTerminate(upstream) })
	}
}

// Process receives events from an upstream sub-flow, routing HoL events
// straight onto the flush buffer and queuing non-HoL events (applying
// backpressure once a non-HoL queue grows past catQueueLimit).
func (c *Catenation) Process(event any, source *flow.Channel) {
	c.mu.Lock()
	conn, ok := c.connections[source]
	if !ok {
		c.mu.Unlock()
		return
	}
	if conn.isHoL {
		c.mu.Unlock()
		c.append(Token{Kind: TokenTransfer, Layer: conn.layer, Payload: event})
		return
	}
	conn.queue = append(conn.queue, event)
	over := len(conn.queue) > catQueueLimit
	c.mu.Unlock()

	if over {
		source.Obstruct(c, "cat_overflowing", cond.NewWithParameter(c, "QueueLen", source))
	}
}

// QueueLen reports the number of buffered, not-yet-flushed events for
// the connection identified by source. It exists so an obstructed
// upstream's Condition has something concrete to evaluate.
func (c *Catenation) QueueLen(source *flow.Channel) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.connections[source]
	if !ok {
		return 0
	}
	return len(conn.queue)
}

// onUpstreamTerminate notifies the Catenation that source's upstream has
// ended. The HoL layer advances; a non-HoL layer is marked terminated so
// its queue is drained in full once it becomes HoL.
func (c *Catenation) onUpstreamTerminate(source *flow.Channel) {
	c.mu.Lock()
	conn, ok := c.connections[source]
	c.mu.Unlock()
	if !ok {
		return
	}
	if conn.isHoL {
		c.advance()
		return
	}
	c.mu.Lock()
	conn.terminated = true
	c.mu.Unlock()
}

// advance pops the current head-of-line layer, emits its terminate
// token, and if the next reserved layer already has a connected flow,
// schedules its drain.
func (c *Catenation) advance() {
	c.mu.Lock()
	if len(c.order) == 0 {
		c.mu.Unlock()
		return
	}
	done := c.order[0]
	c.order = c.order[1:]
	c.mu.Unlock()

	c.append(Token{Kind: TokenTerminate, Layer: done})

	c.mu.Lock()
	if len(c.order) == 0 {
		terminating := c.terminating
		c.mu.Unlock()
		if terminating {
			// No reservations left while terminating: the final flush has
			// been staged, so completion follows it onto the task queue.
			c.ctx.Enqueue(c.finishTerminate)
		}
		return
	}
	next := c.flows[c.order[0]]
	next.isHoL = true
	hasFlow := next.upstream != nil || next.terminated
	c.mu.Unlock()

	if hasFlow {
		c.ctx.Enqueue(func() { c.drain(next) })
	}
}

func (c *Catenation) drain(conn *catConnection) {
	c.append(Token{Kind: TokenInitiate, Layer: conn.layer})

	c.mu.Lock()
	queue := conn.queue
	conn.queue = nil
	terminatedEarly := conn.terminated
	c.mu.Unlock()

	for _, payload := range queue {
		c.append(Token{Kind: TokenTransfer, Layer: conn.layer, Payload: payload})
	}

	// The queue has been handed downstream in full, so any overflow
	// obstruction placed on this upstream no longer holds.
	if conn.upstream != nil {
		conn.upstream.Clear(c)
	}

	if terminatedEarly {
		c.advance()
	}
}

// append accumulates a token into the current batch, flushing it to
// downstream on the next task tick so a burst of events delivered in
// one upstream call emits as one ordered downstream batch.
func (c *Catenation) append(tok Token) {
	c.mu.Lock()
	c.pending = append(c.pending, tok)
	schedule := !c.flushPending
	c.flushPending = schedule
	c.mu.Unlock()

	if schedule {
		c.ctx.Enqueue(c.flush)
	}
}

func (c *Catenation) flush() {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.flushPending = false
	c.mu.Unlock()

	_, span := c.tracer.StartSpan(context.Background(), FlushSpan)
	span.SetTag(FlushTagTokens, strconv.Itoa(len(batch)))
	if c.metrics != nil {
		c.metrics.Counter(flushBatchCounter).Inc()
	}

	for _, tok := range batch {
		c.Emit(tok, c.Channel)
	}

	span.Finish()
}

var _ proc.Processor = (*Catenation)(nil)
