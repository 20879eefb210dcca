// Copyright (c) BatchFlow Authors.
// Licensed under the MIT License.

/*
Package rewrite implements the batchability analysis and the semantics
preserving batching rewrite.

# Overview

Classify is a pure analysis step: it extracts a source signature (source
key plus request shape) for every I/O node from the externally supplied
metadata. Rewrite consumes a classified graph and merges every maximal
set of mutually independent, same-signature I/O nodes into one synthetic
batch node with a fan-out node demultiplexing the combined result back to
the original consumers.

Two same-source nodes connected by a dependency path are never merged:
the later call may depend on data produced by the earlier one and must
observe its result. Shape mismatches within a key are irreconcilable;
the nodes batch per shape and the split is recorded in the Report.

The rewrite is idempotent and operates on a snapshot: it never mutates
the input graph and never re-runs the classifier mid-pass.
*/
package rewrite
