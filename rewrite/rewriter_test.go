package rewrite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/batchflow/graph"
)

func passthroughFn(ctx context.Context, inputs []any) (any, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	return inputs[0], nil
}

// buildFanIOGraph creates three independent "posts" calls feeding one join:
//
//	in -> {x, y, z} -> join
func buildFanIOGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.NewBuilder("fan").
		AddInput("in").
		AddIO("x", "posts", "by_id", 1).
		AddIO("y", "posts", "by_id", 1).
		AddIO("z", "posts", "by_id", 1).
		AddPure("join", passthroughFn, 3).
		AddEdge("in", "x").
		AddEdge("in", "y").
		AddEdge("in", "z").
		AddEdgeAt("x", "join", 0).
		AddEdgeAt("y", "join", 1).
		AddEdgeAt("z", "join", 2).
		Build()
	require.NoError(t, err)
	return g
}

func TestRewrite_MergesIndependentSameSourceCalls(t *testing.T) {
	t.Parallel()
	g := buildFanIOGraph(t)

	rewritten, report, err := Rewrite(g, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, report.Groups, 1)
	assert.Equal(t, []string{"x", "y", "z"}, report.Groups[0].Members)
	assert.Equal(t, "posts", report.Groups[0].SourceKey)
	assert.Empty(t, report.Singletons)

	// The three call sites are gone, replaced by one batch + one fanout.
	for _, id := range []string{"x", "y", "z"} {
		_, exists := rewritten.Node(id)
		assert.False(t, exists, "merged node %s should be removed", id)
	}
	batch, exists := rewritten.Node(report.Groups[0].BatchNode)
	require.True(t, exists)
	assert.Equal(t, graph.KindBatch, batch.Kind)
	assert.Equal(t, 3, batch.Arity)
	require.Len(t, batch.Origins, 3)

	fanout, exists := rewritten.Node(report.Groups[0].FanoutNode)
	require.True(t, exists)
	assert.Equal(t, graph.KindFanout, fanout.Kind)

	// join's inputs now come from the fanout, origin tagged per call site.
	in := rewritten.InEdges("join")
	require.Len(t, in, 3)
	for i, origin := range []string{"x", "y", "z"} {
		assert.Equal(t, fanout.ID, in[i].From)
		assert.Equal(t, origin, in[i].Select)
	}
}

func TestRewrite_NeverMergesDependentCalls(t *testing.T) {
	t.Parallel()
	// a -> b, both against "posts": a later call may observe data produced
	// by the earlier one, so they must stay sequential.
	g, err := graph.NewBuilder("chain").
		AddInput("in").
		AddIO("a", "posts", "by_id", 1).
		AddIO("b", "posts", "by_id", 1).
		AddEdge("in", "a").
		AddEdge("a", "b").
		Build()
	require.NoError(t, err)

	rewritten, report, err := Rewrite(g, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, report.Groups)
	assert.ElementsMatch(t, []string{"a", "b"}, report.Singletons)

	// No-op: both call sites survive untouched.
	_, exists := rewritten.Node("a")
	assert.True(t, exists)
	_, exists = rewritten.Node("b")
	assert.True(t, exists)
}

func TestRewrite_TransitiveDependencyExcluded(t *testing.T) {
	t.Parallel()
	// a -> pure -> b: the path crosses a pure node but still forces order.
	g, err := graph.NewBuilder("transitive").
		AddInput("in").
		AddIO("a", "posts", "by_id", 1).
		AddPure("mid", passthroughFn, 1).
		AddIO("b", "posts", "by_id", 1).
		AddIO("c", "posts", "by_id", 1).
		AddEdge("in", "a").
		AddEdge("a", "mid").
		AddEdge("mid", "b").
		AddEdge("in", "c").
		Build()
	require.NoError(t, err)

	_, report, err := Rewrite(g, zap.NewNop())
	require.NoError(t, err)

	// c is independent of a (and of b), so it joins the first group that
	// fits; a/b can never share one.
	require.Len(t, report.Groups, 1)
	assert.Equal(t, []string{"a", "c"}, report.Groups[0].Members)
	assert.Equal(t, []string{"b"}, report.Singletons)
}

func TestRewrite_Idempotent(t *testing.T) {
	t.Parallel()
	g := buildFanIOGraph(t)

	once, report1, err := Rewrite(g, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, report1.Groups, 1)

	twice, report2, err := Rewrite(once, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, report2.Groups)
	assert.Same(t, once, twice, "rewriting a rewritten graph must be a no-op")
}

func TestRewrite_IrreconcilableShapesBatchPerShape(t *testing.T) {
	t.Parallel()
	g, err := graph.NewBuilder("shapes").
		AddInput("in").
		AddIO("x", "posts", "by_id", 1).
		AddIO("y", "posts", "by_id", 1).
		AddIO("q", "posts", "by_slug", 1).
		AddIO("r", "posts", "by_slug", 1).
		AddEdge("in", "x").
		AddEdge("in", "y").
		AddEdge("in", "q").
		AddEdge("in", "r").
		Build()
	require.NoError(t, err)

	_, report, err := Rewrite(g, zap.NewNop())
	require.NoError(t, err)

	// Each shape batches among itself, never across.
	require.Len(t, report.Groups, 2)
	shapes := map[string][]string{}
	for _, grp := range report.Groups {
		assert.Equal(t, "posts", grp.SourceKey)
		shapes[grp.RequestShape] = grp.Members
	}
	assert.Equal(t, []string{"x", "y"}, shapes["by_id"])
	assert.Equal(t, []string{"q", "r"}, shapes["by_slug"])

	// The split is reported, not fatal.
	require.NotEmpty(t, report.Excluded)
	for _, ex := range report.Excluded {
		assert.Equal(t, "posts", ex.SourceKey)
		assert.Equal(t, "irreconcilable request shape", ex.Reason)
	}
}

func TestRewrite_SingletonLeftAsOrdinaryIONode(t *testing.T) {
	t.Parallel()
	g, err := graph.NewBuilder("single").
		AddInput("in").
		AddIO("only", "posts", "by_id", 1).
		AddEdge("in", "only").
		Build()
	require.NoError(t, err)

	rewritten, report, err := Rewrite(g, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, report.Groups)
	assert.Equal(t, []string{"only"}, report.Singletons)

	n, exists := rewritten.Node("only")
	require.True(t, exists)
	assert.Equal(t, graph.KindIO, n.Kind)
}

func TestRewrite_TerminalMemberKeepsIdentity(t *testing.T) {
	t.Parallel()
	// x and y are terminal call sites; after merging, the run must still
	// report values under their original IDs.
	g, err := graph.NewBuilder("terminals").
		AddInput("in").
		AddIO("x", "posts", "by_id", 1).
		AddIO("y", "posts", "by_id", 1).
		AddEdge("in", "x").
		AddEdge("in", "y").
		Build()
	require.NoError(t, err)

	rewritten, report, err := Rewrite(g, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, report.Groups, 1)

	terminals := rewritten.Terminals()
	assert.ElementsMatch(t, []string{"x", "y"}, terminals)
	x, exists := rewritten.Node("x")
	require.True(t, exists)
	assert.Equal(t, graph.KindPure, x.Kind)
	in := rewritten.InEdges("x")
	require.Len(t, in, 1)
	assert.Equal(t, report.Groups[0].FanoutNode, in[0].From)
	assert.Equal(t, "x", in[0].Select)
}

func TestRewrite_CrossGroupDependencyRemapped(t *testing.T) {
	t.Parallel()
	// x1,x2 batch against "posts"; u1 consumes x1 and batches with u2
	// against "users". The edge from the removed x1 must be remapped to
	// the posts fanout with an origin selector.
	g, err := graph.NewBuilder("cross").
		AddInput("in").
		AddIO("x1", "posts", "by_id", 1).
		AddIO("x2", "posts", "by_id", 1).
		AddIO("u1", "users", "by_id", 1).
		AddIO("u2", "users", "by_id", 1).
		AddEdge("in", "x1").
		AddEdge("in", "x2").
		AddEdge("x1", "u1").
		AddEdge("in", "u2").
		Build()
	require.NoError(t, err)

	rewritten, report, err := Rewrite(g, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, report.Groups, 2)

	var postsGroup, usersGroup Group
	for _, grp := range report.Groups {
		switch grp.SourceKey {
		case "posts":
			postsGroup = grp
		case "users":
			usersGroup = grp
		}
	}
	assert.ElementsMatch(t, []string{"x1", "x2"}, postsGroup.Members)
	assert.ElementsMatch(t, []string{"u1", "u2"}, usersGroup.Members)

	usersBatch, exists := rewritten.Node(usersGroup.BatchNode)
	require.True(t, exists)
	require.Equal(t, 2, usersBatch.Arity)

	var fromPosts bool
	for _, e := range rewritten.InEdges(usersGroup.BatchNode) {
		if e.From == postsGroup.FanoutNode {
			fromPosts = true
			assert.Equal(t, "x1", e.Select)
		}
	}
	assert.True(t, fromPosts, "users batch should take one input from the posts fanout")
}

func TestRewrite_BatchNodeOriginsPreserveCardinality(t *testing.T) {
	t.Parallel()
	g, err := graph.NewBuilder("many").
		AddInput("in").
		AddNode("bulk", graph.KindIO).WithSource("posts", "by_id").WithArity(1).
		WithCardinality(graph.CardinalityMany).Done().
		AddIO("single", "posts", "by_id", 1).
		AddEdge("in", "bulk").
		AddEdge("in", "single").
		Build()
	require.NoError(t, err)

	rewritten, report, err := Rewrite(g, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, report.Groups, 1)

	batch, exists := rewritten.Node(report.Groups[0].BatchNode)
	require.True(t, exists)
	require.Len(t, batch.Origins, 2)
	assert.Equal(t, graph.CardinalityMany, batch.Origins[0].Cardinality)
	assert.Equal(t, graph.CardinalityOne, batch.Origins[1].Cardinality)
}
