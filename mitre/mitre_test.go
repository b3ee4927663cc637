package mitre

import (
	"context"
	"errors"
	"testing"

	"github.com/sectorkit/sectorkit/flow"
	"github.com/stretchr/testify/require"
)

type syncContext struct{}

func (syncContext) Enqueue(task func()) { task() }

func TestMitreForwardsEventsDownstream(t *testing.T) {
	m := New(syncContext{}, nil, nil, nil)

	var got any
	downstream := flow.NewChannel(syncContext{}, nil, nil, flow.TypeTerminal)
	downstream.SetProcess(func(event any, source *flow.Channel) { got = event })
	m.Channel.Connect(downstream)

	m.Process("payload", m.Channel)
	require.Equal(t, "payload", got)
}

func TestHandshakeRunsExactlyOnce(t *testing.T) {
	var calls int
	m := New(syncContext{}, nil, nil, func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, m.Handshake(context.Background()))
	require.NoError(t, m.Handshake(context.Background()))
	require.Equal(t, 1, calls)
}

func TestHandshakeNilHookIsNoop(t *testing.T) {
	m := New(syncContext{}, nil, nil, nil)
	require.NoError(t, m.Handshake(context.Background()))
}

func TestHandshakeErrorSurfacesFromHook(t *testing.T) {
	boom := errors.New("boom")
	m := New(syncContext{}, nil, nil, func(context.Context) error { return boom })

	require.ErrorIs(t, m.Handshake(context.Background()), boom)
}
