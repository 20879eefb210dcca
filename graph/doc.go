// Copyright (c) BatchFlow Authors.
// Licensed under the MIT License.

/*
Package graph provides the immutable dataflow graph model.

# Overview

A graph is a DAG of operator nodes connected by data dependency edges.
Nodes are pure computations, I/O call sites annotated with a source key
and request shape, caller-bound inputs, or the synthetic batch/fanout
nodes produced by the rewriter. Construction validates the node and edge
sets: cycles fail with CYCLE_DETECTED, references to unknown nodes or
out-of-arity ports fail with DANGLING_EDGE, and graphs with unbound input
ports are rejected before anything can be scheduled.

# Core types

  - Node / Edge / Graph: validated immutable DAG with topological order,
    predecessor/successor queries and reachability
  - Builder: fluent construction API with per-node NodeBuilder
  - Definition: serializable node/edge list (JSON / YAML) compiled against
    a function Registry

Once built, a Graph is never mutated; the rewriter produces a new Graph,
which keeps diffing and re-validation possible.
*/
package graph
