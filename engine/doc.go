// Copyright (c) BatchFlow Authors.
// Licensed under the MIT License.

/*
Package engine provides the scheduler/executor and the batch dispatcher.

# Overview

The executor runs one graph per invocation. Readiness propagation is
logically single-threaded: a dedicated scheduling loop owns the execution
frame, executes ready pure nodes inline, and buffers ready I/O nodes with
the per-source-key dispatcher. Once the loop has exhausted every
synchronously derivable readiness, the dispatcher flushes each non-empty
buffer as one adapter call; the calls run concurrently and report back
through a completion channel, unblocking downstream nodes the instant
their last input arrives. There are no rounds and no timers: a slow call
stalls exactly its dependents while independent subgraphs keep finishing.

Per-request I/O failures are scoped: the failing call site and everything
reachable only through it transition to failed, unrelated subgraphs keep
executing, and the run reports partial terminal values alongside the
failure descriptors. The engine performs no retries; retry policy belongs
to the source adapter.
*/
package engine
