package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/batchflow/graph"
)

func TestFrame_DeliverReadiness(t *testing.T) {
	t.Parallel()

	g, err := graph.NewBuilder("g").
		AddInput("a").
		AddInput("b").
		AddPure("join", nil, 2).
		AddEdgeAt("a", "join", 0).
		AddEdgeAt("b", "join", 1).
		Build()
	require.NoError(t, err)

	f := newFrame(g)
	assert.Equal(t, StatusPending, f.status["join"])
	assert.Equal(t, 2, f.missing["join"])

	assert.False(t, f.deliver("join", 0, 1))
	assert.True(t, f.deliver("join", 1, 2))
	assert.Equal(t, StatusReady, f.status["join"])
	assert.Equal(t, []any{1, 2}, f.inputs["join"])

	// Delivery to a non-pending node is ignored.
	f.done("join", 3)
	assert.False(t, f.deliver("join", 0, 9))
	assert.Equal(t, 3, f.values["join"])
}

func TestFrame_PoisonCountsTowardReadiness(t *testing.T) {
	t.Parallel()

	g, err := graph.NewBuilder("g").
		AddInput("a").
		AddInput("b").
		AddPure("join", nil, 2).
		AddEdgeAt("a", "join", 0).
		AddEdgeAt("b", "join", 1).
		Build()
	require.NoError(t, err)

	f := newFrame(g)
	boom := errors.New("upstream gone")

	assert.False(t, f.poison("join", 0, boom))
	assert.True(t, f.deliver("join", 1, 2))
	assert.Equal(t, StatusReady, f.status["join"])

	assert.ErrorIs(t, f.portErr("join", 0, 1), boom)
	assert.NoError(t, f.portErr("join", 1, 1))

	// Poison of a non-pending node is ignored.
	f.done("join", 3)
	assert.False(t, f.poison("join", 1, boom))
}

func TestFrame_Settled(t *testing.T) {
	t.Parallel()

	g, err := graph.NewBuilder("g").AddInput("a").Build()
	require.NoError(t, err)

	f := newFrame(g)
	assert.False(t, f.settled("a"))

	f.failed("a", errors.New("boom"))
	assert.True(t, f.settled("a"))
	assert.Error(t, f.errs["a"])
}
