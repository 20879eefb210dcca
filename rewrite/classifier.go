package rewrite

import (
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/batchflow/graph"
)

// SourceSig identifies a batchable destination together with its request
// shape. Two I/O nodes may only be merged when their signatures are equal:
// a shared key with diverging shapes is an irreconcilable pair and the
// nodes batch separately per shape.
type SourceSig struct {
	Key   string
	Shape string
}

// Classification is the output of the batchability analysis: which I/O
// nodes can participate in batching, grouped by source signature, and
// which are unbatchable singletons.
type Classification struct {
	// Groupable maps each signature to its candidate node IDs in
	// topological order.
	Groupable map[SourceSig][]string
	// Singletons lists I/O nodes without a usable source key, in
	// topological order. They execute as individual adapter calls.
	Singletons []string
}

// Signatures returns the groupable signatures in deterministic order.
func (c *Classification) Signatures() []SourceSig {
	sigs := make([]SourceSig, 0, len(c.Groupable))
	for sig := range c.Groupable {
		sigs = append(sigs, sig)
	}
	sort.Slice(sigs, func(i, j int) bool {
		if sigs[i].Key != sigs[j].Key {
			return sigs[i].Key < sigs[j].Key
		}
		return sigs[i].Shape < sigs[j].Shape
	})
	return sigs
}

// Classify inspects every I/O node of the graph and derives its source
// signature from the externally supplied metadata. Pure, input, and
// synthetic nodes are excluded and left untouched by downstream phases.
// A node claiming to be I/O without a usable source key is reported as an
// unbatchable singleton, never as a failure.
func Classify(g *graph.Graph, logger *zap.Logger) *Classification {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "classifier"))

	c := &Classification{Groupable: make(map[SourceSig][]string)}
	for _, id := range g.TopoOrder() {
		n, _ := g.Node(id)
		if n.Kind != graph.KindIO {
			continue
		}
		if n.IO == nil || n.IO.SourceKey == "" {
			logger.Warn("I/O node has no usable source key, treating as unbatchable singleton",
				zap.String("node_id", id),
			)
			c.Singletons = append(c.Singletons, id)
			continue
		}
		sig := SourceSig{Key: n.IO.SourceKey, Shape: n.IO.RequestShape}
		c.Groupable[sig] = append(c.Groupable[sig], id)
	}
	return c
}
