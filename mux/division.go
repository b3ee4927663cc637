package mux

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/joeycumines/go-microbatch"
	"github.com/sectorkit/sectorkit/cond"
	"github.com/sectorkit/sectorkit/flow"
	"github.com/sectorkit/sectorkit/klog"
	"github.com/sectorkit/sectorkit/proc"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// initiationFlushInterval bounds how long a newly opened layer can sit
// unannounced if no other layer opens soon enough to fill a batch.
const initiationFlushInterval = 5 * time.Millisecond

// InitiationSpan traces one batched announcement of newly opened layers.
const (
	InitiationSpan      = tracez.Key("division.initiation")
	InitiationTagLayers = tracez.Tag("division.layers")
	initiationCounter   = metricz.Key("division.initiation.total")
)

// terminatedSentinel marks a layer whose upstream terminated before any
// consumer connected to it; Connect finalizes such a layer immediately.
var terminatedSentinel = &flow.Channel{}

// Initiation is one entry of the batched payload Division emits
// downstream when one or more layers open in the same incoming batch.
// Connect must be called by the consumer, with the Channel that should
// receive layer's buffered and future events.
type Initiation struct {
	Layer   Layer
	Connect func(consumer *flow.Channel)
}

// Division demultiplexes a single upstream of layer-tagged Tokens back
// out to per-layer consumers, buffering each layer's events until its
// consumer connects.
type Division struct {
	*flow.Channel

	ctx       ExecContext
	metrics   *metricz.Registry
	tracer    *tracez.Tracer
	closeOnce sync.Once

	mu      sync.Mutex
	queues  map[any][]any
	flows   map[any]*flow.Channel
	batcher *microbatch.Batcher[Initiation]
}

// NewDivision constructs an empty Division.
func NewDivision(ctx ExecContext, log klog.Logger, metrics *metricz.Registry) *Division {
	if metrics != nil {
		metrics.Counter(initiationCounter)
	}
	d := &Division{
		Channel: flow.NewChannel(ctx, log, metrics, flow.TypeFork),
		ctx:     ctx,
		metrics: metrics,
		tracer:  tracez.New(),
		queues:  make(map[any][]any),
		flows:   make(map[any]*flow.Channel),
	}
	d.batcher = microbatch.NewBatcher[Initiation](&microbatch.BatcherConfig{
		FlushInterval: initiationFlushInterval,
	}, d.absorbInitiations)
	d.SetSelf(d)
	d.SetProcess(func(event any, source *flow.Channel) {
		tok, ok := event.(Token)
		if !ok {
			return
		}
		d.handle(tok)
	})
	// The carrying byte stream ending is a normal downstream termination
	// for every still-open sub-flow.
	d.WatchTerminate(func() {
		for _, f := range d.liveFlows() {
			f.Terminate(nil)
		}
		d.Close()
	})
	return d
}

func (d *Division) liveFlows() []*flow.Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	live := make([]*flow.Channel, 0, len(d.flows))
	for _, f := range d.flows {
		if f != nil && f != terminatedSentinel {
			live = append(live, f)
		}
	}
	return live
}

func (d *Division) handle(tok Token) {
	switch tok.Kind {
	case TokenInitiate:
		d.mu.Lock()
		d.flows[tok.Layer] = nil
		d.mu.Unlock()
		layer := tok.Layer
		_, _ = d.batcher.Submit(context.Background(), Initiation{Layer: layer, Connect: func(c *flow.Channel) { d.connect(layer, c) }})

	case TokenTransfer:
		d.mu.Lock()
		flow := d.flows[tok.Layer]
		d.mu.Unlock()
		if flow != nil && flow != terminatedSentinel {
			flow.Process(tok.Payload, d.Channel)
			return
		}
		d.mu.Lock()
		d.queues[tok.Layer] = append(d.queues[tok.Layer], tok.Payload)
		d.mu.Unlock()

	case TokenTerminate:
		d.mu.Lock()
		flow, connected := d.flows[tok.Layer]
		d.mu.Unlock()
		if connected && flow != nil {
			flow.Terminate(nil)
			d.mu.Lock()
			delete(d.flows, tok.Layer)
			d.mu.Unlock()
			return
		}
		d.mu.Lock()
		d.flows[tok.Layer] = terminatedSentinel
		d.mu.Unlock()

	case TokenOverflow:
		d.Obstruct(d, "division_overflow", cond.Inexorable)
		d.Terminate(nil)
	}
}

// absorbInitiations is the microbatch BatchProcessor: it delivers every
// layer that opened within one flush window downstream as a single
// batch, so a burst of concurrently initiated sub-flows produces one
// emission instead of one per layer.
func (d *Division) absorbInitiations(ctx context.Context, batch []Initiation) error {
	_, span := d.tracer.StartSpan(ctx, InitiationSpan)
	span.SetTag(InitiationTagLayers, strconv.Itoa(len(batch)))
	if d.metrics != nil {
		d.metrics.Counter(initiationCounter).Inc()
	}
	span.Finish()

	d.ctx.Enqueue(func() { d.Emit(batch, d.Channel) })
	return nil
}

// Tracer returns the Division's initiation-batch Tracer, for callers
// wanting to export completed spans.
func (d *Division) Tracer() *tracez.Tracer { return d.tracer }

// connect drains layer's buffered events into consumer, in arrival
// order, then binds layer's live flow to consumer for future transfers.
// If layer had already terminated before any consumer connected,
// consumer is terminated immediately instead.
func (d *Division) connect(layer any, consumer *flow.Channel) {
	d.mu.Lock()
	queued := d.queues[layer]
	delete(d.queues, layer)
	wasTerminated := d.flows[layer] == terminatedSentinel
	if !wasTerminated {
		d.flows[layer] = consumer
	}
	d.mu.Unlock()

	for _, payload := range queued {
		consumer.Process(payload, d.Channel)
	}
	if wasTerminated {
		consumer.Terminate(nil)
	}
}

// Close stops the initiation batcher, flushing any layers still pending
// announcement. Callers that tear a Division down outside the normal
// Terminate/Interrupt path (e.g. on Unit shutdown) must call this or the
// batcher's background flush goroutine leaks.
func (d *Division) Close() {
	d.batcher.Close()
	d.closeOnce.Do(d.tracer.Close)
}

// Interrupt cascades an immediate, non-graceful terminate to every live
// sub-flow before interrupting the Division's own Channel.
func (d *Division) Interrupt(by proc.Processor) bool {
	for _, f := range d.liveFlows() {
		f.Interrupt(nil)
	}
	d.batcher.Close()
	d.closeOnce.Do(d.tracer.Close)
	return d.Channel.Interrupt(by)
}

var _ proc.Processor = (*Division)(nil)
