package rewrite

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/batchflow/graph"
)

// Group records one batch group produced by the rewriter: a maximal set of
// mutually independent, same-signature I/O nodes merged into one adapter
// call.
type Group struct {
	// SourceKey is the shared batchable destination.
	SourceKey string
	// RequestShape is the shared request shape.
	RequestShape string
	// Members lists the merged original node IDs in topological order.
	Members []string
	// BatchNode is the ID of the synthesized batch node.
	BatchNode string
	// FanoutNode is the ID of the synthesized fan-out node.
	FanoutNode string
}

// Exclusion records an I/O node left out of cross-shape grouping.
type Exclusion struct {
	NodeID    string
	SourceKey string
	Reason    string
}

// Report describes what a rewrite pass did. Tests and callers use it to
// verify batch minimality without re-deriving the grouping.
type Report struct {
	// Groups lists every batch group of size >= 2 that was materialized.
	Groups []Group
	// Singletons lists I/O nodes left as ordinary single calls, either
	// because they had no batch-compatible sibling or no usable key.
	Singletons []string
	// Excluded lists nodes that shared a source key with another shape
	// and were therefore confined to batching within their own shape.
	Excluded []Exclusion
}

// Rewrite produces a new graph in which every maximal set of mutually
// independent I/O nodes sharing a source signature is replaced by one
// synthetic batch node plus a fan-out node that demultiplexes the combined
// result back to the original consumers. The input graph is never
// mutated. Rewriting an already-rewritten graph is a no-op: batch nodes
// are not I/O nodes and carry no further-batchable source key.
func Rewrite(g *graph.Graph, logger *zap.Logger) (*graph.Graph, *Report, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "rewriter"))

	classification := Classify(g, logger)
	report := &Report{Singletons: append([]string(nil), classification.Singletons...)}

	// Nodes that share a key across diverging shapes can never merge with
	// each other; record the irreconcilable pairs and batch per shape.
	shapesPerKey := make(map[string][]SourceSig)
	for _, sig := range classification.Signatures() {
		shapesPerKey[sig.Key] = append(shapesPerKey[sig.Key], sig)
	}
	for key, sigs := range shapesPerKey {
		if len(sigs) < 2 {
			continue
		}
		logger.Warn("irreconcilable request shapes within source key, batching per shape",
			zap.String("source_key", key),
			zap.Int("shapes", len(sigs)),
		)
		for _, sig := range sigs[1:] {
			for _, id := range classification.Groupable[sig] {
				report.Excluded = append(report.Excluded, Exclusion{
					NodeID:    id,
					SourceKey: key,
					Reason:    "irreconcilable request shape",
				})
			}
		}
	}

	var groups []plannedGroup
	for _, sig := range classification.Signatures() {
		for _, members := range partition(g, classification.Groupable[sig]) {
			if len(members) < 2 {
				report.Singletons = append(report.Singletons, members...)
				continue
			}
			groups = append(groups, plannedGroup{sig: sig, members: members})
		}
	}

	if len(groups) == 0 {
		// Nothing to merge; the graph is returned unchanged.
		return g, report, nil
	}

	rewritten, err := materialize(g, groups, report)
	if err != nil {
		return nil, nil, err
	}

	logger.Info("graph rewritten",
		zap.Int("groups", len(report.Groups)),
		zap.Int("singletons", len(report.Singletons)),
		zap.Int("nodes_before", g.Len()),
		zap.Int("nodes_after", rewritten.Len()),
	)
	return rewritten, report, nil
}

type plannedGroup struct {
	sig     SourceSig
	members []string
}

// partition splits same-signature candidates into maximal batch groups of
// pairwise independent nodes. A dependency path between two same-source
// calls forces sequential execution: the later call may observe data
// produced by the earlier one, so merging them would be unsound. Greedy
// first-fit over the topological order yields maximal groups because the
// candidates arrive in dependency order.
func partition(g *graph.Graph, candidates []string) [][]string {
	var groups [][]string
next:
	for _, id := range candidates {
		for gi, members := range groups {
			if independentOfAll(g, id, members) {
				groups[gi] = append(members, id)
				continue next
			}
		}
		groups = append(groups, []string{id})
	}
	return groups
}

func independentOfAll(g *graph.Graph, id string, members []string) bool {
	for _, m := range members {
		if g.PathExists(m, id) || g.PathExists(id, m) {
			return false
		}
	}
	return true
}

// materialize builds the rewritten graph: group members are removed and
// replaced by a batch node taking the union of their inputs (origin
// tagged) and a fan-out node whose outgoing edges select the per-origin
// value for each original consumer. Everything else is carried over
// unmodified. Edges are rebuilt from the consumer side so that producers
// that were themselves merged (into a different group) are remapped onto
// their group's fan-out node.
func materialize(g *graph.Graph, groups []plannedGroup, report *Report) (*graph.Graph, error) {
	// Assign synthetic IDs first: edge remapping needs to know every
	// member's fan-out before any edge is rebuilt.
	merged := make(map[string]bool)
	fanoutOf := make(map[string]string)
	batchIDs := make([]string, len(groups))
	fanoutIDs := make([]string, len(groups))
	seq := make(map[string]int)
	for i, pg := range groups {
		n := seq[pg.sig.Key]
		seq[pg.sig.Key] = n + 1
		batchIDs[i] = fmt.Sprintf("batch:%s:%d", pg.sig.Key, n)
		fanoutIDs[i] = fmt.Sprintf("fanout:%s:%d", pg.sig.Key, n)
		for _, m := range pg.members {
			merged[m] = true
			fanoutOf[m] = fanoutIDs[i]
		}
	}

	// remap rewires an original in-edge onto a (possibly new) consumer
	// port, substituting the fan-out node when the producer was merged.
	remap := func(e graph.Edge, to string, port int) graph.Edge {
		out := graph.Edge{From: e.From, To: to, Port: port, Select: e.Select}
		if merged[e.From] {
			out.From = fanoutOf[e.From]
			out.Select = e.From
		}
		return out
	}

	var nodes []*graph.Node
	var edges []graph.Edge
	for _, id := range g.TopoOrder() {
		if merged[id] {
			continue
		}
		n, _ := g.Node(id)
		nodes = append(nodes, n)
		for _, e := range g.InEdges(id) {
			edges = append(edges, remap(e, id, e.Port))
		}
	}

	for i, pg := range groups {
		batchID, fanoutID := batchIDs[i], fanoutIDs[i]

		var origins []graph.Origin
		arity := 0
		for _, m := range pg.members {
			member, _ := g.Node(m)
			origins = append(origins, graph.Origin{
				NodeID:      m,
				PortStart:   arity,
				PortCount:   member.Arity,
				Cardinality: member.Cardinality,
				Fn:          member.Fn,
			})
			// Union of member inputs, shifted onto the batch node's ports.
			for _, e := range g.InEdges(m) {
				edges = append(edges, remap(e, batchID, arity+e.Port))
			}
			arity += member.Arity
		}

		nodes = append(nodes, &graph.Node{
			ID:      batchID,
			Kind:    graph.KindBatch,
			Arity:   arity,
			IO:      &graph.IOSpec{SourceKey: pg.sig.Key, RequestShape: pg.sig.Shape},
			Origins: origins,
		})
		nodes = append(nodes, &graph.Node{
			ID:    fanoutID,
			Kind:  graph.KindFanout,
			Arity: 1,
		})
		edges = append(edges, graph.Edge{From: batchID, To: fanoutID})

		// Terminal call sites keep their identity alive with an alias so
		// the run still reports their values. Non-terminal consumers were
		// rewired by remap above.
		for _, m := range pg.members {
			if len(g.OutEdges(m)) > 0 {
				continue
			}
			member, _ := g.Node(m)
			nodes = append(nodes, &graph.Node{
				ID:       m,
				Kind:     graph.KindPure,
				Arity:    1,
				Metadata: member.Metadata,
			})
			edges = append(edges, graph.Edge{From: fanoutID, To: m, Select: m})
		}

		report.Groups = append(report.Groups, Group{
			SourceKey:    pg.sig.Key,
			RequestShape: pg.sig.Shape,
			Members:      pg.members,
			BatchNode:    batchID,
			FanoutNode:   fanoutID,
		})
	}

	return graph.New(nodes, edges)
}
