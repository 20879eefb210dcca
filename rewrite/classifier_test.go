package rewrite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/batchflow/graph"
)

func TestClassify_GroupsBySignature(t *testing.T) {
	t.Parallel()
	g, err := graph.NewBuilder("sig").
		AddInput("in").
		AddIO("x", "posts", "by_id", 1).
		AddIO("y", "posts", "by_id", 1).
		AddIO("z", "users", "by_id", 1).
		AddPure("p", passthroughFn, 0).
		AddEdge("in", "x").
		AddEdge("in", "y").
		AddEdge("in", "z").
		Build()
	require.NoError(t, err)

	c := Classify(g, zap.NewNop())
	assert.Equal(t, []string{"x", "y"}, c.Groupable[SourceSig{Key: "posts", Shape: "by_id"}])
	assert.Equal(t, []string{"z"}, c.Groupable[SourceSig{Key: "users", Shape: "by_id"}])
	assert.Empty(t, c.Singletons)
}

func TestClassify_PureNodesExcluded(t *testing.T) {
	t.Parallel()
	g, err := graph.NewBuilder("pure").
		AddInput("in").
		AddPure("p", passthroughFn, 1).
		AddEdge("in", "p").
		Build()
	require.NoError(t, err)

	c := Classify(g, nil)
	assert.Empty(t, c.Groupable)
	assert.Empty(t, c.Singletons)
}

func TestClassify_UnknownSourceSingleton(t *testing.T) {
	t.Parallel()
	g, err := graph.NewBuilder("unknown").
		AddInput("in").
		AddIO("mystery", "", "", 1).
		AddEdge("in", "mystery").
		Build()
	require.NoError(t, err)

	c := Classify(g, zap.NewNop())
	assert.Empty(t, c.Groupable)
	assert.Equal(t, []string{"mystery"}, c.Singletons)
}

func TestClassification_SignaturesDeterministic(t *testing.T) {
	t.Parallel()
	c := &Classification{Groupable: map[SourceSig][]string{
		{Key: "users", Shape: "b"}: {"u"},
		{Key: "posts", Shape: "b"}: {"p"},
		{Key: "posts", Shape: "a"}: {"q"},
	}}
	sigs := c.Signatures()
	assert.Equal(t, []SourceSig{
		{Key: "posts", Shape: "a"},
		{Key: "posts", Shape: "b"},
		{Key: "users", Shape: "b"},
	}, sigs)
}
