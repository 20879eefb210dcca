package graph

import (
	"context"
	"sort"

	"github.com/BaSui01/batchflow/types"
)

// Kind defines the kind of a graph node.
type Kind string

const (
	// KindInput is a node whose value is supplied by the caller's initial
	// bindings. Input nodes have no input ports.
	KindInput Kind = "input"
	// KindPure is a side-effect-free computation executed inline.
	KindPure Kind = "pure"
	// KindIO is an operator that performs a remote or disk call through a
	// source adapter.
	KindIO Kind = "io"
	// KindBatch is a synthetic node produced by the rewriter, merging
	// several same-source I/O call sites into one adapter call.
	KindBatch Kind = "batch"
	// KindFanout is a synthetic node produced by the rewriter that
	// demultiplexes a batch node's combined result back to the original
	// per-origin consumers.
	KindFanout Kind = "fanout"
)

// Cardinality defines how an operator applies to its input.
type Cardinality string

const (
	// CardinalityOne applies the operator once to its inputs.
	CardinalityOne Cardinality = "one"
	// CardinalityMany applies the operator element-wise over a sequence
	// input, producing one output per element. For I/O nodes this
	// contributes one request per element to the node's source key.
	CardinalityMany Cardinality = "many"
)

// Fn is the opaque function reference attached to a node. The engine never
// inspects it: for pure nodes it computes the output from the inputs, for
// I/O nodes it builds the request payload handed to the source adapter. A
// nil Fn on an I/O, fanout, or single-input pure node passes the first
// input through unchanged.
type Fn func(ctx context.Context, inputs []any) (any, error)

// IOSpec carries the externally supplied batching metadata of an I/O node.
type IOSpec struct {
	// SourceKey identifies the batchable backend destination. Two I/O
	// nodes are batch-compatible only if their source keys are equal. An
	// empty key marks the node as an unbatchable singleton.
	SourceKey string
	// RequestShape identifies how requests to the source can be merged.
	// Nodes sharing a source key but differing in shape are never placed
	// in the same batch group.
	RequestShape string
}

// Origin records, for a batch node, which of its input ports belong to
// which merged call site and how that call site built its request.
type Origin struct {
	// NodeID is the identity of the original I/O node.
	NodeID string
	// PortStart is the first port of the batch node owned by this origin.
	PortStart int
	// PortCount is the number of consecutive ports owned by this origin.
	PortCount int
	// Cardinality is the original node's cardinality mode.
	Cardinality Cardinality
	// Fn is the original node's request constructor, possibly nil.
	Fn Fn
}

// Node represents a single operator in the dataflow graph. Nodes are
// created during graph construction and never mutated once the graph is
// built.
type Node struct {
	// ID is the unique identifier for this node.
	ID string
	// Kind specifies the node kind.
	Kind Kind
	// Fn is the opaque function reference.
	Fn Fn
	// Arity is the number of typed input ports.
	Arity int
	// Cardinality is the application mode, defaulting to CardinalityOne.
	Cardinality Cardinality
	// IO carries batching metadata for I/O nodes, nil otherwise.
	IO *IOSpec
	// Origins is populated on batch nodes only.
	Origins []Origin
	// Metadata stores additional node information.
	Metadata map[string]any
}

// Edge is a directed dependency from a producer node's output to one input
// port of a consumer node.
type Edge struct {
	// From is the producer node ID.
	From string
	// To is the consumer node ID.
	To string
	// Port is the consumer input port the value is delivered to.
	Port int
	// Select, when non-empty, names the origin whose per-origin value is
	// extracted from a fanout node's combined output before delivery.
	Select string
}

// Graph is an immutable validated dataflow DAG. Construct one with New or
// through a Builder; the rewriter produces a new Graph rather than
// mutating in place.
type Graph struct {
	nodes map[string]*Node
	edges []Edge
	in    map[string][]Edge
	out   map[string][]Edge
	order []string
}

// New validates the given node and edge sets and constructs a Graph.
// It fails with CYCLE_DETECTED if the edge set contains a cycle, with
// DANGLING_EDGE if an edge references an unknown node or a port outside
// the consumer's arity, and with INVALID_GRAPH for duplicate node IDs,
// doubly fed ports, unbound input ports, or many-cardinality nodes
// without an input port.
func New(nodes []*Node, edges []Edge) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]*Node, len(nodes)),
		edges: append([]Edge(nil), edges...),
		in:    make(map[string][]Edge),
		out:   make(map[string][]Edge),
	}
	for _, n := range nodes {
		if n.ID == "" {
			return nil, types.NewError(types.ErrInvalidGraph, "node with empty ID")
		}
		if _, exists := g.nodes[n.ID]; exists {
			return nil, types.Errorf(types.ErrInvalidGraph, "duplicate node ID: %s", n.ID)
		}
		if n.Cardinality == "" {
			n.Cardinality = CardinalityOne
		}
		g.nodes[n.ID] = n
	}

	if err := g.validateEdges(); err != nil {
		return nil, err
	}
	if err := g.computeOrder(); err != nil {
		return nil, err
	}
	return g, nil
}

// validateEdges checks every edge against the node set and port arities.
func (g *Graph) validateEdges() error {
	fed := make(map[string]map[int]bool)
	for _, e := range g.edges {
		if _, exists := g.nodes[e.From]; !exists {
			return types.Errorf(types.ErrDanglingEdge, "edge references unknown producer node: %s", e.From)
		}
		to, exists := g.nodes[e.To]
		if !exists {
			return types.Errorf(types.ErrDanglingEdge, "edge references unknown consumer node: %s", e.To)
		}
		if e.Port < 0 || e.Port >= to.Arity {
			return types.Errorf(types.ErrDanglingEdge,
				"edge %s -> %s targets port %d outside arity %d", e.From, e.To, e.Port, to.Arity)
		}
		if fed[e.To] == nil {
			fed[e.To] = make(map[int]bool)
		}
		if fed[e.To][e.Port] {
			return types.Errorf(types.ErrInvalidGraph,
				"port %d of node %s is fed by more than one edge", e.Port, e.To)
		}
		fed[e.To][e.Port] = true
		g.in[e.To] = append(g.in[e.To], e)
		g.out[e.From] = append(g.out[e.From], e)
	}

	// Every declared input port must be bound; a node with an unfed port
	// could never become ready.
	for id, n := range g.nodes {
		if n.Kind == KindInput && n.Arity != 0 {
			return types.Errorf(types.ErrInvalidGraph, "input node %s must have arity 0", id)
		}
		// Many-cardinality applies element-wise over the first input, so
		// the node needs at least one port.
		if n.Cardinality == CardinalityMany && n.Arity == 0 {
			return types.Errorf(types.ErrInvalidGraph,
				"many-cardinality node %s must have at least one input port", id)
		}
		for p := 0; p < n.Arity; p++ {
			if !fed[id][p] {
				return types.Errorf(types.ErrInvalidGraph, "port %d of node %s is unbound", p, id)
			}
		}
	}

	// Keep in-edges in port order so executors see inputs positionally.
	for id := range g.in {
		es := g.in[id]
		sort.Slice(es, func(i, j int) bool { return es[i].Port < es[j].Port })
	}
	return nil
}

// computeOrder detects cycles and records a deterministic topological
// order (Kahn's algorithm, lexicographic among ready nodes). The order is
// used only for stable iteration; execution order is governed by
// readiness.
func (g *Graph) computeOrder() error {
	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = 0
	}
	for _, e := range g.edges {
		indegree[e.To]++
	}

	ready := make([]string, 0, len(g.nodes))
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		unlocked := false
		for _, e := range g.out[id] {
			indegree[e.To]--
			if indegree[e.To] == 0 {
				ready = append(ready, e.To)
				unlocked = true
			}
		}
		if unlocked {
			sort.Strings(ready)
		}
	}

	if len(order) != len(g.nodes) {
		// Every remaining node sits on or behind a cycle; report the
		// smallest ID for a stable message.
		remaining := make([]string, 0)
		for id, d := range indegree {
			if d > 0 {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return types.Errorf(types.ErrCycleDetected, "cycle detected in graph involving node: %s", remaining[0])
	}
	g.order = order
	return nil
}

func (g *Graph) successorIDs(id string) []string {
	out := g.out[id]
	seen := make(map[string]bool, len(out))
	succs := make([]string, 0, len(out))
	for _, e := range out {
		if !seen[e.To] {
			seen[e.To] = true
			succs = append(succs, e.To)
		}
	}
	sort.Strings(succs)
	return succs
}

// Node retrieves a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	n, exists := g.nodes[id]
	return n, exists
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// TopoOrder returns a total order of node IDs consistent with the DAG.
// The returned slice must not be modified.
func (g *Graph) TopoOrder() []string {
	return g.order
}

// Edges returns every edge in the graph. The returned slice must not be
// modified.
func (g *Graph) Edges() []Edge {
	return g.edges
}

// InEdges returns the edges feeding a node, sorted by port.
func (g *Graph) InEdges(id string) []Edge {
	return g.in[id]
}

// OutEdges returns the edges consuming a node's output.
func (g *Graph) OutEdges(id string) []Edge {
	return g.out[id]
}

// Predecessors returns the distinct producer IDs feeding a node.
func (g *Graph) Predecessors(id string) []string {
	in := g.in[id]
	seen := make(map[string]bool, len(in))
	preds := make([]string, 0, len(in))
	for _, e := range in {
		if !seen[e.From] {
			seen[e.From] = true
			preds = append(preds, e.From)
		}
	}
	sort.Strings(preds)
	return preds
}

// Successors returns the distinct consumer IDs of a node's output.
func (g *Graph) Successors(id string) []string {
	return g.successorIDs(id)
}

// Terminals returns the IDs of nodes with no consumers, in topological
// order. Terminal values are the outputs of a run.
func (g *Graph) Terminals() []string {
	terminals := make([]string, 0)
	for _, id := range g.order {
		if len(g.out[id]) == 0 {
			terminals = append(terminals, id)
		}
	}
	return terminals
}

// Inputs returns the IDs of input nodes in topological order.
func (g *Graph) Inputs() []string {
	inputs := make([]string, 0)
	for _, id := range g.order {
		if g.nodes[id].Kind == KindInput {
			inputs = append(inputs, id)
		}
	}
	return inputs
}

// PathExists reports whether a directed dependency path from one node to
// another exists. Used by the rewriter: nodes connected by a path must
// never share a batch group.
func (g *Graph) PathExists(from, to string) bool {
	stack := []string{from}
	visited := map[string]bool{from: true}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.out[id] {
			if e.To == to {
				return true
			}
			if !visited[e.To] {
				visited[e.To] = true
				stack = append(stack, e.To)
			}
		}
	}
	return false
}
