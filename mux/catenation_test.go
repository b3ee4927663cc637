package mux

import (
	"testing"

	"github.com/sectorkit/sectorkit/flow"
	"github.com/stretchr/testify/require"
)

type syncContext struct{}

func (syncContext) Enqueue(task func()) { task() }

func TestCatenationOrdersReservedLayersHeadOfLine(t *testing.T) {
	c := NewCatenation(syncContext{}, nil, nil)
	c.Reserve("a")
	c.Reserve("b")

	var got []Token
	downstream := flow.NewChannel(syncContext{}, nil, nil, flow.TypeTerminal)
	downstream.SetProcess(func(event any, source *flow.Channel) {
		got = append(got, event.(Token))
	})
	c.Channel.Connect(downstream)

	upA := flow.NewChannel(syncContext{}, nil, nil, flow.TypeSource)
	upB := flow.NewChannel(syncContext{}, nil, nil, flow.TypeSource)

	c.Connect("b", upB)
	c.Connect("a", upA)

	// b is reserved second, so it is not head-of-line yet: its events
	// queue internally rather than reach downstream before a finishes.
	upB.Emit("b1", upB)
	upA.Emit("a1", upA)
	upA.Terminate(nil)
	upB.Terminate(nil)

	require.GreaterOrEqual(t, len(got), 4)
	require.Equal(t, TokenInitiate, got[0].Kind)
	require.Equal(t, Layer("a"), got[0].Layer)

	var aDone, bStarted bool
	for _, tok := range got {
		if tok.Kind == TokenTerminate && tok.Layer == Layer("a") {
			aDone = true
		}
		if tok.Kind == TokenInitiate && tok.Layer == Layer("b") {
			require.True(t, aDone, "b must not initiate downstream before a terminates")
			bStarted = true
		}
	}
	require.True(t, bStarted)
}

func TestCatenationEmptyBodyAdvancesImmediately(t *testing.T) {
	c := NewCatenation(syncContext{}, nil, nil)
	c.Reserve("a")
	c.Reserve("b")

	var got []Token
	downstream := flow.NewChannel(syncContext{}, nil, nil, flow.TypeTerminal)
	downstream.SetProcess(func(event any, source *flow.Channel) {
		got = append(got, event.(Token))
	})
	c.Channel.Connect(downstream)

	// a has no upstream: Connect(nil) should initiate then immediately
	// advance to b without anything driving it further.
	c.Connect("a", nil)

	require.Len(t, got, 2)
	require.Equal(t, TokenInitiate, got[0].Kind)
	require.Equal(t, Layer("a"), got[0].Layer)
	require.Equal(t, TokenTerminate, got[1].Kind)
	require.Equal(t, Layer("a"), got[1].Layer)
}

func TestCatenationNonHoLOverflowObstructsUpstream(t *testing.T) {
	c := NewCatenation(syncContext{}, nil, nil)
	c.Reserve("a")
	c.Reserve("b")

	downstream := flow.NewChannel(syncContext{}, nil, nil, flow.TypeTerminal)
	downstream.SetProcess(func(event any, source *flow.Channel) {})
	c.Channel.Connect(downstream)

	upA := flow.NewChannel(syncContext{}, nil, nil, flow.TypeSource)
	upB := flow.NewChannel(syncContext{}, nil, nil, flow.TypeSource)
	c.Connect("a", upA)
	c.Connect("b", upB)

	for i := 0; i <= catQueueLimit+1; i++ {
		upB.Emit(i, upB)
	}

	require.True(t, upB.Obstructed())
	require.Greater(t, c.QueueLen(upB), catQueueLimit)
}

func TestCatenationUpstreamEndDoesNotTearDownJoin(t *testing.T) {
	c := NewCatenation(syncContext{}, nil, nil)
	c.Reserve("a")
	c.Reserve("b")

	var got []Token
	downstream := flow.NewChannel(syncContext{}, nil, nil, flow.TypeTerminal)
	downstream.SetProcess(func(event any, source *flow.Channel) {
		got = append(got, event.(Token))
	})
	c.Channel.Connect(downstream)

	upA := flow.NewChannel(syncContext{}, nil, nil, flow.TypeSource)
	upB := flow.NewChannel(syncContext{}, nil, nil, flow.TypeSource)
	c.Connect("a", upA)
	c.Connect("b", upB)

	upA.Terminate(nil)
	require.False(t, c.Channel.Terminated())

	upB.Emit("b1", upB)
	upB.Terminate(nil)

	var sawB bool
	for _, tok := range got {
		if tok.Kind == TokenTransfer && tok.Layer == Layer("b") {
			sawB = true
		}
	}
	require.True(t, sawB, "layer b's transfer must survive layer a ending")
	require.Equal(t, TokenTerminate, got[len(got)-1].Kind)
	require.Equal(t, Layer("b"), got[len(got)-1].Layer)
}

func TestCatenationTerminateCompletesOnceReservationsDrain(t *testing.T) {
	c := NewCatenation(syncContext{}, nil, nil)
	c.Reserve("a")

	downstream := flow.NewChannel(syncContext{}, nil, nil, flow.TypeTerminal)
	downstream.SetProcess(func(event any, source *flow.Channel) {})
	c.Channel.Connect(downstream)

	upA := flow.NewChannel(syncContext{}, nil, nil, flow.TypeSource)
	c.Connect("a", upA)

	c.Terminate(nil)
	require.False(t, c.Channel.Terminated(), "reservation a is still open")

	upA.Terminate(nil)
	require.True(t, c.Channel.Terminated())
	require.True(t, downstream.Terminated())
}

func TestCatenationClearsObstructionOnceQueueDrains(t *testing.T) {
	c := NewCatenation(syncContext{}, nil, nil)
	c.Reserve("a")
	c.Reserve("b")

	downstream := flow.NewChannel(syncContext{}, nil, nil, flow.TypeTerminal)
	downstream.SetProcess(func(event any, source *flow.Channel) {})
	c.Channel.Connect(downstream)

	upA := flow.NewChannel(syncContext{}, nil, nil, flow.TypeSource)
	upB := flow.NewChannel(syncContext{}, nil, nil, flow.TypeSource)
	c.Connect("a", upA)
	c.Connect("b", upB)

	for i := 0; i <= catQueueLimit+1; i++ {
		upB.Emit(i, upB)
	}
	require.True(t, upB.Obstructed())

	// a finishing makes b head-of-line; draining b's queue downstream
	// removes the reason for the backpressure.
	upA.Terminate(nil)

	require.False(t, upB.Obstructed())
	require.Zero(t, c.QueueLen(upB))
}
