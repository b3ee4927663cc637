// Package mitre implements the pivot channel between an accepted
// connection's input chain and output chain: typically where protocol
// logic lives, and where the Execution Context's accept_subflows hangs
// a one-time handshake hook before wiring the Catenation/Division pair.
package mitre

import (
	"context"
	"sync"

	"github.com/sectorkit/sectorkit/flow"
	"github.com/sectorkit/sectorkit/klog"
	"github.com/sectorkit/sectorkit/proc"
	"github.com/zoobzio/metricz"
)

// Mitre is the join between an accepted socket and its per-connection
// sub-flows: a Channel that simply forwards whatever it is handed,
// tagged with a protocol Handshake run exactly once before the rest of
// the pipeline is connected.
type Mitre struct {
	*flow.Channel

	handshake func(context.Context) error

	mu   sync.Mutex
	done bool
}

// New constructs a Mitre. handshake may be nil, in which case Handshake
// is a no-op.
func New(ctx flow.ExecContext, log klog.Logger, metrics *metricz.Registry, handshake func(context.Context) error) *Mitre {
	m := &Mitre{Channel: flow.NewChannel(ctx, log, metrics, flow.TypeMitre), handshake: handshake}
	m.SetSelf(m)
	m.SetProcess(func(event any, source *flow.Channel) {
		m.Emit(event, source)
	})
	return m
}

// Handshake runs the protocol handshake hook exactly once. Subsequent
// calls are no-ops returning nil.
func (m *Mitre) Handshake(ctx context.Context) error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return nil
	}
	m.done = true
	hook := m.handshake
	m.mu.Unlock()
	if hook == nil {
		return nil
	}
	return hook(ctx)
}

var _ proc.Processor = (*Mitre)(nil)
