package transport

import (
	"strings"
	"testing"

	"github.com/sectorkit/sectorkit/flow"
	"github.com/sectorkit/sectorkit/proc"
	"github.com/stretchr/testify/require"
)

type syncContext struct{}

func (syncContext) Enqueue(task func()) { task() }

func upperLayer() *Layer {
	return &Layer{
		Name: "upper",
		Xfer: func(events []any) []any {
			out := make([]any, len(events))
			for i, e := range events {
				out[i] = strings.ToUpper(e.(string))
			}
			return out
		},
	}
}

func prefixLayer(prefix string) *Layer {
	return &Layer{
		Name: "prefix",
		Xfer: func(events []any) []any {
			out := make([]any, len(events))
			for i, e := range events {
				out[i] = prefix + e.(string)
			}
			return out
		},
	}
}

func TestInputSideAppliesLayersInOrder(t *testing.T) {
	layers := []*Layer{prefixLayer("p"), upperLayer()}
	input, _ := NewStack(syncContext{}, nil, nil, layers)

	var got []any
	downstream := flow.NewChannel(syncContext{}, nil, nil, flow.TypeTerminal)
	downstream.SetProcess(func(event any, source *flow.Channel) { got = event.([]any) })
	input.Channel.Connect(downstream)

	// prefix then upper: "hi" -> "phi" -> "PHI".
	input.Process("hi", input.Channel)

	require.Equal(t, []any{"PHI"}, got)
}

func TestOutputSideAppliesLayersInReverseOrder(t *testing.T) {
	layers := []*Layer{prefixLayer("p"), upperLayer()}
	_, output := NewStack(syncContext{}, nil, nil, layers)

	var got []any
	downstream := flow.NewChannel(syncContext{}, nil, nil, flow.TypeTerminal)
	downstream.SetProcess(func(event any, source *flow.Channel) { got = event.([]any) })
	output.Channel.Connect(downstream)

	// output runs upper first, then prefix -- "hi" -> "HI" -> "pHI", vs
	// input's "hi" -> "phi" -> "PHI". The lower-case prefix tells them apart.
	output.Process("hi", output.Channel)

	require.Equal(t, []any{"pHI"}, got)
}

func TestOppositeHasWorkDrivesCrossSideDrain(t *testing.T) {
	drained := false
	oppositeWorkOnce := true
	layers := []*Layer{{
		Name: "relay",
		OppositeHasWork: func() bool {
			if oppositeWorkOnce {
				oppositeWorkOnce = false
				return true
			}
			return false
		},
	}}
	input, output := NewStack(syncContext{}, nil, nil, layers)

	outDownstream := flow.NewChannel(syncContext{}, nil, nil, flow.TypeTerminal)
	outDownstream.SetProcess(func(event any, source *flow.Channel) { drained = true })
	output.Channel.Connect(outDownstream)

	inDownstream := flow.NewChannel(syncContext{}, nil, nil, flow.TypeTerminal)
	inDownstream.SetProcess(func(event any, source *flow.Channel) {})
	input.Channel.Connect(inDownstream)

	input.Process("x", input.Channel)

	require.True(t, drained)
}

func TestPopTerminatedDropsLayerAndCascadesTerminate(t *testing.T) {
	done := false
	terminateCalled := false
	layer := &Layer{
		Name:       "tls",
		Terminated: func() bool { return done },
		Terminate:  func() { terminateCalled = true; done = true },
	}
	input, output := NewStack(syncContext{}, nil, nil, []*Layer{layer})

	inDownstream := flow.NewChannel(syncContext{}, nil, nil, flow.TypeTerminal)
	inDownstream.SetProcess(func(event any, source *flow.Channel) {})
	input.Channel.Connect(inDownstream)

	outDownstream := flow.NewChannel(syncContext{}, nil, nil, flow.TypeTerminal)
	outDownstream.SetProcess(func(event any, source *flow.Channel) {})
	output.Channel.Connect(outDownstream)

	input.Terminate(nil)

	require.True(t, terminateCalled)
	require.True(t, input.Channel.Terminated())
	require.True(t, output.Channel.Terminated())
}

func TestFaultTerminatesBothSides(t *testing.T) {
	input, output := NewStack(syncContext{}, nil, nil, nil)

	inDownstream := flow.NewChannel(syncContext{}, nil, nil, flow.TypeTerminal)
	inDownstream.SetProcess(func(event any, source *flow.Channel) {})
	input.Channel.Connect(inDownstream)

	outDownstream := flow.NewChannel(syncContext{}, nil, nil, flow.TypeTerminal)
	outDownstream.SetProcess(func(event any, source *flow.Channel) {})
	output.Channel.Connect(outDownstream)

	input.Fault(input, ErrStackDeadlock)

	require.True(t, input.Channel.Terminated())
	require.True(t, output.Channel.Terminated())
}

// sinkRecorder captures faults escaping a root Sector.
type sinkRecorder struct {
	errs []error
}

func (r *sinkRecorder) Faulted(_ *proc.Sector, err error) {
	r.errs = append(r.errs, err)
}

func TestFaultReachesOwningSector(t *testing.T) {
	ctx := syncContext{}
	sink := &sinkRecorder{}
	sector := proc.NewSector(ctx, nil, nil)
	sector.SetFaultSink(sink)
	require.NoError(t, sector.Actuate())

	input, output := NewStack(ctx, nil, nil, nil)
	sector.Dispatch(input)
	sector.Dispatch(output)

	input.Fault(input, ErrStackDeadlock)

	require.Len(t, sink.errs, 1)
	require.ErrorIs(t, sink.errs[0], ErrStackDeadlock)
	require.ErrorIs(t, input.Exceptions()[0], ErrStackDeadlock)
	require.Equal(t, proc.StateTerminated, output.State())
}
