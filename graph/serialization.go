package graph

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/batchflow/types"
)

// Definition is the serializable graph IR handed to the engine by an
// external graph builder: a plain node/edge list validated on load.
type Definition struct {
	// Name is the graph name.
	Name string `json:"name" yaml:"name"`
	// Description describes the graph.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Nodes contains all node definitions.
	Nodes []NodeDefinition `json:"nodes" yaml:"nodes"`
	// Edges contains all edge definitions.
	Edges []EdgeDefinition `json:"edges" yaml:"edges"`
	// Metadata stores additional graph information.
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NodeDefinition is the serializable form of a Node. Function references
// are carried by name and resolved against a Registry on load.
type NodeDefinition struct {
	// ID is the unique node identifier.
	ID string `json:"id" yaml:"id"`
	// Kind is the node kind.
	Kind string `json:"kind" yaml:"kind"`
	// Fn is the registered function name, empty for pass-through nodes.
	Fn string `json:"fn,omitempty" yaml:"fn,omitempty"`
	// Arity is the number of input ports.
	Arity int `json:"arity,omitempty" yaml:"arity,omitempty"`
	// Cardinality is the application mode, defaulting to one.
	Cardinality string `json:"cardinality,omitempty" yaml:"cardinality,omitempty"`
	// Source is the source key for I/O nodes.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
	// Shape is the request shape for I/O nodes.
	Shape string `json:"shape,omitempty" yaml:"shape,omitempty"`
	// Metadata stores additional node information.
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// EdgeDefinition is the serializable form of an Edge.
type EdgeDefinition struct {
	// From is the producer node ID.
	From string `json:"from" yaml:"from"`
	// To is the consumer node ID.
	To string `json:"to" yaml:"to"`
	// Port is the consumer input port.
	Port int `json:"port,omitempty" yaml:"port,omitempty"`
}

// Registry resolves function names referenced by a Definition to the
// host-provided operator bodies.
type Registry map[string]Fn

// ToJSON converts a Definition to an indented JSON string.
func (d *Definition) ToJSON() (string, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal definition to JSON: %w", err)
	}
	return string(data), nil
}

// ToYAML converts a Definition to a YAML string.
func (d *Definition) ToYAML() (string, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal definition to YAML: %w", err)
	}
	return string(data), nil
}

// FromJSON parses a Definition from a JSON string.
func FromJSON(jsonStr string) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal([]byte(jsonStr), &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition from JSON: %w", err)
	}
	return &def, nil
}

// FromYAML parses a Definition from a YAML string.
func FromYAML(yamlStr string) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal([]byte(yamlStr), &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition from YAML: %w", err)
	}
	return &def, nil
}

// LoadFromJSONFile loads and compiles a Definition from a JSON file.
func LoadFromJSONFile(filename string, registry Registry) (*Graph, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read graph file: %w", err)
	}
	def, err := FromJSON(string(data))
	if err != nil {
		return nil, err
	}
	return def.Compile(registry)
}

// LoadFromYAMLFile loads and compiles a Definition from a YAML file.
func LoadFromYAMLFile(filename string, registry Registry) (*Graph, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read graph file: %w", err)
	}
	def, err := FromYAML(string(data))
	if err != nil {
		return nil, err
	}
	return def.Compile(registry)
}

// Compile resolves function names against the registry and constructs a
// validated Graph. The full validation of New applies, so a malformed
// definition is rejected before any node could be scheduled.
func (d *Definition) Compile(registry Registry) (*Graph, error) {
	nodes := make([]*Node, 0, len(d.Nodes))
	for _, nd := range d.Nodes {
		kind := Kind(nd.Kind)
		switch kind {
		case KindInput, KindPure, KindIO:
		case KindBatch, KindFanout:
			return nil, types.Errorf(types.ErrInvalidGraph,
				"node %s: kind %s is synthesized by the rewriter and cannot be declared", nd.ID, nd.Kind)
		default:
			return nil, types.Errorf(types.ErrInvalidGraph, "node %s: unknown kind: %s", nd.ID, nd.Kind)
		}

		var fn Fn
		if nd.Fn != "" {
			var ok bool
			fn, ok = registry[nd.Fn]
			if !ok {
				return nil, types.Errorf(types.ErrInvalidGraph,
					"node %s references unregistered function: %s", nd.ID, nd.Fn)
			}
		} else if kind == KindPure {
			return nil, types.Errorf(types.ErrInvalidGraph, "pure node %s has no function", nd.ID)
		}

		card := Cardinality(nd.Cardinality)
		if card == "" {
			card = CardinalityOne
		}
		if card != CardinalityOne && card != CardinalityMany {
			return nil, types.Errorf(types.ErrInvalidGraph,
				"node %s: unknown cardinality: %s", nd.ID, nd.Cardinality)
		}

		node := &Node{
			ID:          nd.ID,
			Kind:        kind,
			Fn:          fn,
			Arity:       nd.Arity,
			Cardinality: card,
			Metadata:    nd.Metadata,
		}
		if kind == KindIO {
			node.IO = &IOSpec{SourceKey: nd.Source, RequestShape: nd.Shape}
		}
		nodes = append(nodes, node)
	}

	edges := make([]Edge, 0, len(d.Edges))
	for _, ed := range d.Edges {
		edges = append(edges, Edge{From: ed.From, To: ed.To, Port: ed.Port})
	}
	return New(nodes, edges)
}

// Describe produces the serializable form of a graph. Function references
// are emitted using the fn metadata key when present; synthesized batch
// and fanout nodes are not describable and yield an error.
func Describe(g *Graph, name string) (*Definition, error) {
	def := &Definition{Name: name}
	for _, id := range g.TopoOrder() {
		n, _ := g.Node(id)
		if n.Kind == KindBatch || n.Kind == KindFanout {
			return nil, types.Errorf(types.ErrInvalidGraph,
				"node %s: rewritten graphs cannot be serialized", id)
		}
		nd := NodeDefinition{
			ID:          n.ID,
			Kind:        string(n.Kind),
			Arity:       n.Arity,
			Cardinality: string(n.Cardinality),
			Metadata:    n.Metadata,
		}
		if fnName, ok := n.Metadata["fn"].(string); ok {
			nd.Fn = fnName
		}
		if n.IO != nil {
			nd.Source = n.IO.SourceKey
			nd.Shape = n.IO.RequestShape
		}
		def.Nodes = append(def.Nodes, nd)
	}
	for _, e := range g.Edges() {
		def.Edges = append(def.Edges, EdgeDefinition{From: e.From, To: e.To, Port: e.Port})
	}
	return def, nil
}
