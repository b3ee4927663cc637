package flow

import (
	"testing"

	"github.com/sectorkit/sectorkit/cond"
	"github.com/stretchr/testify/require"
)

func TestIterationEmitsUntilExhausted(t *testing.T) {
	values := []any{1, 2, 3}
	i := 0
	it := NewIteration(syncContext{}, nil, nil, func() (any, bool) {
		if i >= len(values) {
			return nil, false
		}
		v := values[i]
		i++
		return v, true
	})

	ended := false
	it.OnEnd(func() { ended = true })

	traces := NewTraces(syncContext{}, nil, nil)
	it.Connect(traces.Channel)

	it.Actuate()

	require.True(t, ended)
	require.True(t, it.Terminated())
	require.Len(t, traces.Events(), 3)
	require.Equal(t, 1, traces.Events()[0].Event)
	require.Equal(t, 3, traces.Events()[2].Event)
}

func TestIterationStopsAtObstructionAndResumesOnClear(t *testing.T) {
	values := []any{1, 2, 3}
	i := 0
	it := NewIteration(syncContext{}, nil, nil, func() (any, bool) {
		if i >= len(values) {
			return nil, false
		}
		v := values[i]
		i++
		return v, true
	})

	traces := NewTraces(syncContext{}, nil, nil)
	it.Connect(traces.Channel)

	// Obstruct before Actuate so the first transition never starts.
	it.Obstruct("backpressure", "full", cond.New(it, "Obstructed"))
	it.Actuate()
	require.Empty(t, traces.Events())

	it.Clear("backpressure")
	require.Len(t, traces.Events(), 3)
	require.True(t, it.Terminated())
}

func TestCollectionAppendsEveryEvent(t *testing.T) {
	coll, items := NewCollectionSlice(syncContext{}, nil, nil)
	coll.Process(1, nil)
	coll.Process(2, nil)

	require.Equal(t, []any{1, 2}, items())
}

func TestTransformationAppliesStagesInOrderAndDropsOnFalse(t *testing.T) {
	tr := NewTransformation(syncContext{}, nil, nil,
		func(v any) (any, bool) { return v.(int) * 2, true },
		func(v any) (any, bool) { return v.(int) + 1, v.(int) < 10 },
	)
	traces := NewTraces(syncContext{}, nil, nil)
	tr.Connect(traces.Channel)

	tr.Process(3, nil) // 3*2=6, 6<10 -> 7, emitted
	tr.Process(6, nil) // 6*2=12, not <10 -> dropped

	require.Len(t, traces.Events(), 1)
	require.Equal(t, 7, traces.Events()[0].Event)
}

func TestFunnelTagsEventsWithOriginatingUpstream(t *testing.T) {
	funnel := NewFunnel(syncContext{}, nil, nil)
	traces := NewTraces(syncContext{}, nil, nil)
	funnel.Connect(traces.Channel)

	left := NewChannel(syncContext{}, nil, nil, TypeSource)
	right := NewChannel(syncContext{}, nil, nil, TypeSource)
	funnel.Join(left)
	funnel.Join(right)

	left.Emit("from-left", left)
	right.Emit("from-right", right)

	require.Len(t, traces.Events(), 2)
	require.Same(t, left, traces.Events()[0].Source)
	require.Same(t, right, traces.Events()[1].Source)
}

func TestNullDiscardsEverything(t *testing.T) {
	n := NewNull(syncContext{}, nil, nil)
	require.NotPanics(t, func() { n.Process("anything", nil) })
}
