package rewrite

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"

	"github.com/BaSui01/batchflow/graph"
)

// randomIOGraph builds a DAG of n I/O nodes where edge (i -> j), i < j,
// exists iff the corresponding bit of edgeMask is set, and each node's
// source key is picked from two keys by keyMask. Roots have arity 0.
func randomIOGraph(n int, edgeMask, keyMask uint64) (*graph.Graph, error) {
	b := graph.NewBuilder("random")
	bit := 0
	arity := make([]int, n)
	type edge struct{ from, to, port int }
	var edges []edge
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if edgeMask&(1<<uint(bit)) != 0 {
				edges = append(edges, edge{from: i, to: j, port: arity[j]})
				arity[j]++
			}
			bit++
		}
	}
	for i := 0; i < n; i++ {
		key := "posts"
		if keyMask&(1<<uint(i)) != 0 {
			key = "users"
		}
		b.AddIO(fmt.Sprintf("io_%d", i), key, "shape", arity[i])
	}
	for _, e := range edges {
		b.AddEdgeAt(fmt.Sprintf("io_%d", e.from), fmt.Sprintf("io_%d", e.to), e.port)
	}
	return b.Build()
}

func TestProperty_NoFalseMerging(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("dependency-connected nodes never share a batch group", prop.ForAll(
		func(n int, edgeMask, keyMask uint64) bool {
			g, err := randomIOGraph(n, edgeMask, keyMask)
			if err != nil {
				t.Logf("build failed: %v", err)
				return false
			}
			_, report, err := Rewrite(g, zap.NewNop())
			if err != nil {
				t.Logf("rewrite failed: %v", err)
				return false
			}
			for _, grp := range report.Groups {
				for i, a := range grp.Members {
					for _, b := range grp.Members[i+1:] {
						if g.PathExists(a, b) || g.PathExists(b, a) {
							t.Logf("nodes %s and %s are connected but share group %s", a, b, grp.BatchNode)
							return false
						}
					}
				}
			}
			return true
		},
		gen.IntRange(2, 8),
		gen.UInt64(),
		gen.UInt64(),
	))

	properties.Property("every group member shares the group's source key", prop.ForAll(
		func(n int, edgeMask, keyMask uint64) bool {
			g, err := randomIOGraph(n, edgeMask, keyMask)
			if err != nil {
				return false
			}
			_, report, err := Rewrite(g, zap.NewNop())
			if err != nil {
				return false
			}
			for _, grp := range report.Groups {
				for _, m := range grp.Members {
					node, ok := g.Node(m)
					if !ok || node.IO == nil || node.IO.SourceKey != grp.SourceKey {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(2, 8),
		gen.UInt64(),
		gen.UInt64(),
	))

	properties.TestingRun(t)
}

func TestProperty_IdempotentRewrite(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("rewriting a rewritten graph is a no-op", prop.ForAll(
		func(n int, edgeMask, keyMask uint64) bool {
			g, err := randomIOGraph(n, edgeMask, keyMask)
			if err != nil {
				return false
			}
			once, _, err := Rewrite(g, zap.NewNop())
			if err != nil {
				t.Logf("first rewrite failed: %v", err)
				return false
			}
			twice, report, err := Rewrite(once, zap.NewNop())
			if err != nil {
				t.Logf("second rewrite failed: %v", err)
				return false
			}
			if len(report.Groups) != 0 {
				t.Logf("second rewrite formed %d groups", len(report.Groups))
				return false
			}
			return twice == once
		},
		gen.IntRange(2, 8),
		gen.UInt64(),
		gen.UInt64(),
	))

	properties.TestingRun(t)
}
