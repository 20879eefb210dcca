package graph

import (
	"go.uber.org/zap"
)

// Builder provides a fluent API for constructing dataflow graphs.
type Builder struct {
	name   string
	nodes  []*Node
	edges  []Edge
	logger *zap.Logger
}

// NewBuilder creates a new graph builder with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:   name,
		logger: zap.NewNop(),
	}
}

// WithLogger sets a custom logger.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger.With(zap.String("component", "graph_builder"))
	return b
}

// AddNode adds a node to the graph and returns a NodeBuilder for
// configuration.
func (b *Builder) AddNode(id string, kind Kind) *NodeBuilder {
	node := &Node{
		ID:          id,
		Kind:        kind,
		Cardinality: CardinalityOne,
		Metadata:    make(map[string]any),
	}
	b.nodes = append(b.nodes, node)
	return &NodeBuilder{node: node, parent: b}
}

// AddInput adds an input node whose value is supplied by the caller's
// initial bindings.
func (b *Builder) AddInput(id string) *Builder {
	b.AddNode(id, KindInput)
	return b
}

// AddPure adds a pure node with the given function and arity.
func (b *Builder) AddPure(id string, fn Fn, arity int) *Builder {
	b.AddNode(id, KindPure).WithFn(fn).WithArity(arity).Done()
	return b
}

// AddIO adds an I/O node targeting the given source key with the given
// request shape and arity. The node's request payload is its first input
// unless a request constructor is attached via AddNode/WithFn.
func (b *Builder) AddIO(id, sourceKey, requestShape string, arity int) *Builder {
	b.AddNode(id, KindIO).WithSource(sourceKey, requestShape).WithArity(arity).Done()
	return b
}

// AddEdge adds a directed edge from a producer to port 0 of a consumer.
func (b *Builder) AddEdge(from, to string) *Builder {
	return b.AddEdgeAt(from, to, 0)
}

// AddEdgeAt adds a directed edge from a producer to the given input port
// of a consumer.
func (b *Builder) AddEdgeAt(from, to string, port int) *Builder {
	b.edges = append(b.edges, Edge{From: from, To: to, Port: port})
	return b
}

// Build validates the accumulated nodes and edges and constructs an
// immutable Graph.
func (b *Builder) Build() (*Graph, error) {
	g, err := New(b.nodes, b.edges)
	if err != nil {
		b.logger.Error("graph validation failed",
			zap.String("name", b.name),
			zap.Error(err),
		)
		return nil, err
	}
	b.logger.Info("graph built",
		zap.String("name", b.name),
		zap.Int("nodes", g.Len()),
		zap.Int("edges", len(g.Edges())),
	)
	return g, nil
}

// NodeBuilder provides a fluent API for configuring individual nodes.
type NodeBuilder struct {
	node   *Node
	parent *Builder
}

// WithFn sets the node's function reference.
func (nb *NodeBuilder) WithFn(fn Fn) *NodeBuilder {
	nb.node.Fn = fn
	return nb
}

// WithArity sets the number of input ports.
func (nb *NodeBuilder) WithArity(arity int) *NodeBuilder {
	nb.node.Arity = arity
	return nb
}

// WithCardinality sets the application mode.
func (nb *NodeBuilder) WithCardinality(c Cardinality) *NodeBuilder {
	nb.node.Cardinality = c
	return nb
}

// WithSource marks the node as I/O against the given source key and
// request shape.
func (nb *NodeBuilder) WithSource(sourceKey, requestShape string) *NodeBuilder {
	nb.node.IO = &IOSpec{SourceKey: sourceKey, RequestShape: requestShape}
	return nb
}

// WithMetadata sets a metadata value.
func (nb *NodeBuilder) WithMetadata(key string, value any) *NodeBuilder {
	nb.node.Metadata[key] = value
	return nb
}

// Done completes node configuration and returns to the Builder.
func (nb *NodeBuilder) Done() *Builder {
	return nb.parent
}
