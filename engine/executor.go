package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/BaSui01/batchflow/graph"
	"github.com/BaSui01/batchflow/internal/metrics"
	"github.com/BaSui01/batchflow/types"
)

// originError marks one origin's slot of a combined batch result as
// failed. The fan-out delivery turns it into a failure of the consumers
// attached to that origin, leaving sibling origins untouched.
type originError struct {
	origin string
	err    error
}

// NodeFailure describes a terminal node whose value could not be
// produced, with the originating error.
type NodeFailure struct {
	NodeID string `json:"node_id"`
	Err    error  `json:"-"`
}

// RunResult is the outcome of one graph execution: the value of every
// terminal node that completed, alongside the failures of those that did
// not. A run with failures still carries the partial terminal values of
// unrelated subgraphs.
type RunResult struct {
	RunID     string         `json:"run_id"`
	Terminals map[string]any `json:"terminals"`
	Failures  []NodeFailure  `json:"failures,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

// Failed reports whether any terminal node failed.
func (r *RunResult) Failed() bool {
	return len(r.Failures) > 0
}

// Executor runs a rewritten or unrewritten graph: it tracks readiness of
// every node, executes ready pure nodes inline, and routes ready I/O
// nodes to the per-source-key batch dispatcher. Readiness propagation is
// single-threaded; only the dispatched adapter calls run concurrently, so
// a slow I/O call stalls its dependents and nothing else.
type Executor struct {
	adapter        SourceAdapter
	logger         *zap.Logger
	collector      *metrics.Collector
	tracer         trace.Tracer
	maxOutstanding int64
	callsPerSecond float64
}

// Option configures an Executor.
type Option func(*Executor)

// WithMetrics registers engine metrics against the given prometheus
// registerer under the namespace.
func WithMetrics(namespace string, reg prometheus.Registerer) Option {
	return func(e *Executor) { e.collector = metrics.NewCollector(namespace, e.logger, reg) }
}

// WithTracerProvider attaches an OpenTelemetry tracer provider; the
// executor opens a span per run and per adapter call.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Executor) { e.tracer = tp.Tracer("batchflow") }
}

// WithMaxOutstandingCalls bounds the number of concurrently outstanding
// adapter calls. Zero means unbounded.
func WithMaxOutstandingCalls(n int) Option {
	return func(e *Executor) { e.maxOutstanding = int64(n) }
}

// WithCallRateLimit limits adapter calls per second across all source
// keys. Zero means unlimited.
func WithCallRateLimit(perSecond float64) Option {
	return func(e *Executor) { e.callsPerSecond = perSecond }
}

// NewExecutor creates an executor backed by the given source adapter.
func NewExecutor(adapter SourceAdapter, logger *zap.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		adapter: adapter,
		logger:  logger.With(zap.String("component", "executor")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the graph with the given initial input bindings and
// returns the value of every terminal node, or a partial result alongside
// the failures. The returned error is non-nil only for fatal conditions:
// a malformed invocation or a canceled run.
func (e *Executor) Execute(ctx context.Context, g *graph.Graph, bindings map[string]any) (*RunResult, error) {
	if g == nil {
		return nil, types.NewError(types.ErrInvalidGraph, "graph cannot be nil")
	}

	runID := uuid.NewString()
	logger := e.logger.With(zap.String("run_id", runID))
	start := time.Now()

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "batchflow.run",
			trace.WithAttributes(attribute.Int("nodes", g.Len())),
		)
		defer span.End()
	}

	r := &run{
		executor: e,
		graph:    g,
		frame:    newFrame(g),
		logger:   logger,
	}
	if err := r.bind(bindings); err != nil {
		return nil, err
	}
	if err := r.checkAdapter(); err != nil {
		return nil, err
	}

	logger.Info("starting run",
		zap.Int("nodes", g.Len()),
		zap.Int("terminals", len(g.Terminals())),
	)

	result, err := r.loop(ctx)
	result.RunID = runID
	result.Duration = time.Since(start)

	status := "done"
	switch {
	case err != nil:
		status = "canceled"
	case result.Failed():
		status = "partial"
	}
	if e.collector != nil {
		e.collector.RecordRun(status, result.Duration)
	}
	logger.Info("run finished",
		zap.String("status", status),
		zap.Int("terminal_values", len(result.Terminals)),
		zap.Int("failures", len(result.Failures)),
		zap.Duration("duration", result.Duration),
	)
	return result, err
}

// run is the per-invocation scheduling state. All fields are owned by the
// single goroutine driving loop; the dispatcher's flights communicate
// back only through the completions channel.
type run struct {
	executor    *Executor
	graph       *graph.Graph
	frame       *frame
	logger      *zap.Logger
	queue       []string
	boundInputs map[string]any
}

// bind seeds input nodes from the caller's bindings. Every input node
// must be bound; unknown binding names are rejected to surface typos.
func (r *run) bind(bindings map[string]any) error {
	inputs := r.graph.Inputs()
	known := make(map[string]bool, len(inputs))
	for _, id := range inputs {
		known[id] = true
		if _, ok := bindings[id]; !ok {
			return types.Errorf(types.ErrMissingBinding, "no binding for input node: %s", id)
		}
	}
	for name := range bindings {
		if !known[name] {
			return types.Errorf(types.ErrMissingBinding, "binding does not match any input node: %s", name)
		}
	}
	r.boundInputs = bindings
	return nil
}

// checkAdapter rejects runs of I/O-bearing graphs without an adapter.
func (r *run) checkAdapter() error {
	if r.executor.adapter != nil {
		return nil
	}
	for _, id := range r.graph.TopoOrder() {
		n, _ := r.graph.Node(id)
		if n.Kind == graph.KindIO || n.Kind == graph.KindBatch {
			return types.Errorf(types.ErrAdapterNotSet, "graph contains I/O node %s but no source adapter is configured", id)
		}
	}
	return nil
}

// loop drives readiness propagation. Ready nodes are dispatched the
// instant they become ready; pending I/O accumulates in the dispatcher
// and is flushed only once no further readiness can be derived without
// waiting on I/O already in flight.
func (r *run) loop(ctx context.Context) (*RunResult, error) {
	e := r.executor
	var sem *semaphore.Weighted
	if e.maxOutstanding > 0 {
		sem = semaphore.NewWeighted(e.maxOutstanding)
	}
	var limiter *rate.Limiter
	if e.callsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.callsPerSecond), 1)
	}
	d := newDispatcher(e.adapter, r.logger, e.collector, e.tracer, sem, limiter)

	// Seed: every node with no unmet inputs is ready; input nodes
	// complete immediately from their bindings.
	for _, id := range r.graph.TopoOrder() {
		if r.frame.missing[id] == 0 {
			r.frame.status[id] = StatusReady
			r.queue = append(r.queue, id)
		}
	}

	outstanding := 0
	var canceled error
	for {
		for len(r.queue) > 0 {
			id := r.queue[0]
			r.queue = r.queue[1:]
			if r.frame.settled(id) {
				continue
			}
			r.dispatch(ctx, d, id)
		}
		// Completions already waiting derive more readiness now, so
		// their dependents join the buffers before the flush.
		if outstanding > 0 {
			select {
			case fr := <-d.completions:
				outstanding--
				r.applyFlight(fr)
				continue
			default:
			}
		}
		outstanding += d.flush(ctx)
		if outstanding == 0 {
			break
		}
		select {
		case fr := <-d.completions:
			outstanding--
			r.applyFlight(fr)
		case <-ctx.Done():
			canceled = types.NewError(types.ErrRunCanceled, "run canceled").WithCause(ctx.Err())
			outstanding = 0
		}
		if canceled != nil {
			break
		}
	}

	return r.collect(canceled), canceled
}

// dispatch routes one ready node: pure computation runs inline, I/O is
// buffered with the dispatcher for its source key.
func (r *run) dispatch(ctx context.Context, d *dispatcher, id string) {
	n, _ := r.graph.Node(id)
	switch n.Kind {
	case graph.KindInput:
		r.complete(id, r.boundValue(id))
	case graph.KindPure, graph.KindFanout:
		r.frame.status[id] = StatusDispatched
		v, err := r.evalPure(ctx, n)
		if err != nil {
			r.fail(id, types.Errorf(types.ErrNodeFailed, "node %s failed", id).WithNode(id).WithCause(err))
			return
		}
		r.complete(id, v)
	case graph.KindIO, graph.KindBatch:
		call, err := r.buildCall(ctx, n)
		if err != nil {
			r.fail(id, err)
			return
		}
		r.frame.status[id] = StatusDispatched
		if len(call.requests) == 0 {
			// Every origin failed upstream, or the sequence input was
			// empty. Nothing to send; resolve the node inline.
			r.applyCall(sourceKeyOf(n), call, nil)
			return
		}
		d.add(sourceKeyOf(n), call)
	default:
		r.fail(id, types.Errorf(types.ErrInvalidNode, "unknown node kind: %s", n.Kind).WithNode(id))
	}
}

// evalPure executes a pure or fan-out node inline. A nil function passes
// the first input through. Many-cardinality nodes apply the function
// element-wise over their first input; remaining inputs are constant.
func (r *run) evalPure(ctx context.Context, n *graph.Node) (any, error) {
	inputs := r.frame.inputs[n.ID]
	if n.Fn == nil {
		if len(inputs) == 0 {
			return nil, nil
		}
		return inputs[0], nil
	}
	if n.Cardinality != graph.CardinalityMany {
		return n.Fn(ctx, inputs)
	}
	elems, ok := inputs[0].([]any)
	if !ok {
		return nil, types.Errorf(types.ErrBadInputShape,
			"many-cardinality node %s expects a sequence input, got %T", n.ID, inputs[0]).WithNode(n.ID)
	}
	out := make([]any, len(elems))
	scratch := append([]any(nil), inputs...)
	for i, el := range elems {
		scratch[0] = el
		v, err := n.Fn(ctx, scratch)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// buildCall turns a ready I/O or batch node into dispatcher requests.
func (r *run) buildCall(ctx context.Context, n *graph.Node) (*pendingCall, error) {
	call := &pendingCall{nodeID: n.ID, kind: n.Kind}
	inputs := r.frame.inputs[n.ID]

	if n.Kind == graph.KindIO {
		entry, reqs, err := r.buildRequests(ctx, n.ID, "", n.Fn, n.Cardinality, inputs)
		if err != nil {
			return nil, err
		}
		call.entries = append(call.entries, entry)
		call.requests = append(call.requests, reqs...)
		return call, nil
	}

	// Per-origin failures stay confined to the origin: its requests are
	// dropped from the flight and its consumers fail through the fan-out,
	// while sibling origins dispatch normally.
	for _, origin := range n.Origins {
		if err := r.frame.portErr(n.ID, origin.PortStart, origin.PortCount); err != nil {
			call.failed = append(call.failed, failedOrigin{origin: origin.NodeID, err: err})
			continue
		}
		sub := inputs[origin.PortStart : origin.PortStart+origin.PortCount]
		entry, reqs, err := r.buildRequests(ctx, n.ID, origin.NodeID, origin.Fn, origin.Cardinality, sub)
		if err != nil {
			call.failed = append(call.failed, failedOrigin{origin: origin.NodeID, err: err})
			continue
		}
		call.entries = append(call.entries, entry)
		call.requests = append(call.requests, reqs...)
	}
	return call, nil
}

// sourceKeyOf returns the node's batching key. Nodes without I/O
// metadata have no usable key and dispatch as keyless singletons.
func sourceKeyOf(n *graph.Node) string {
	if n.IO == nil {
		return ""
	}
	return n.IO.SourceKey
}

// buildRequests constructs the request sequence contributed by one call
// site. The node's function reference acts as the request constructor; a
// nil function uses the first input (or nil for arity-0 nodes).
func (r *run) buildRequests(ctx context.Context, nodeID, origin string, fn graph.Fn,
	card graph.Cardinality, inputs []any) (demuxEntry, []Request, error) {

	id := nodeID
	if origin != "" {
		id = origin
	}
	entry := demuxEntry{origin: origin, cardinality: card}

	payload := func(in []any) (any, error) {
		if fn != nil {
			return fn(ctx, in)
		}
		if len(in) == 0 {
			return nil, nil
		}
		return in[0], nil
	}

	if card != graph.CardinalityMany {
		p, err := payload(inputs)
		if err != nil {
			return entry, nil, types.Errorf(types.ErrNodeFailed, "request construction failed for %s", id).
				WithNode(nodeID).WithCause(err)
		}
		entry.ids = []string{id}
		return entry, []Request{{ID: id, Origin: id, Payload: p}}, nil
	}

	elems, ok := inputs[0].([]any)
	if !ok {
		return entry, nil, types.Errorf(types.ErrBadInputShape,
			"many-cardinality call site %s expects a sequence input, got %T", id, inputs[0]).WithNode(nodeID)
	}
	reqs := make([]Request, 0, len(elems))
	scratch := append([]any(nil), inputs...)
	for i, el := range elems {
		scratch[0] = el
		p, err := payload(scratch)
		if err != nil {
			return entry, nil, types.Errorf(types.ErrNodeFailed, "request construction failed for %s", id).
				WithNode(nodeID).WithCause(err)
		}
		reqID := fmt.Sprintf("%s#%d", id, i)
		entry.ids = append(entry.ids, reqID)
		reqs = append(reqs, Request{ID: reqID, Origin: id, Payload: p})
	}
	return entry, reqs, nil
}

// applyFlight feeds one adapter call's outcome back into the frame.
func (r *run) applyFlight(fr flightResult) {
	if fr.err != nil {
		// Adapter-level batch failure without per-request attribution
		// fails every request in the batch.
		err := types.Errorf(types.ErrAdapterFailure, "adapter call failed for source %s", fr.sourceKey).
			WithSourceKey(fr.sourceKey).WithCause(fr.err)
		for _, call := range fr.calls {
			r.fail(call.nodeID, err)
		}
		return
	}
	for _, call := range fr.calls {
		r.applyCall(fr.sourceKey, call, fr.results)
	}
}

// applyCall demultiplexes the combined response for one dispatched node,
// matching results by request identity.
func (r *run) applyCall(sourceKey string, call *pendingCall, results map[string]Result) {
	resolve := func(entry demuxEntry) (any, error) {
		if entry.cardinality != graph.CardinalityMany {
			return r.resolveResult(sourceKey, results, entry.ids[0])
		}
		out := make([]any, len(entry.ids))
		for i, id := range entry.ids {
			v, err := r.resolveResult(sourceKey, results, id)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	if call.kind == graph.KindIO {
		v, err := resolve(call.entries[0])
		if err != nil {
			r.fail(call.nodeID, err)
			return
		}
		r.complete(call.nodeID, v)
		return
	}

	// Batch node: assemble the combined per-origin value. A failing
	// origin poisons only the consumers attached to it.
	combined := make(map[string]any, len(call.entries)+len(call.failed))
	for _, fo := range call.failed {
		combined[fo.origin] = originError{origin: fo.origin, err: fo.err}
	}
	for _, entry := range call.entries {
		v, err := resolve(entry)
		if err != nil {
			combined[entry.origin] = originError{origin: entry.origin, err: err}
			continue
		}
		combined[entry.origin] = v
	}
	r.complete(call.nodeID, combined)
}

func (r *run) resolveResult(sourceKey string, results map[string]Result, id string) (any, error) {
	res, ok := results[id]
	if !ok {
		return nil, types.Errorf(types.ErrResultMissing,
			"adapter response for source %s is missing request %s", sourceKey, id).WithSourceKey(sourceKey)
	}
	if res.Err != nil {
		return nil, types.Errorf(types.ErrNodeFailed, "request %s failed", id).
			WithSourceKey(sourceKey).WithCause(res.Err)
	}
	return res.Value, nil
}

// complete records a node's value and delivers it to every consumer edge,
// enqueueing consumers whose last pending input just arrived.
func (r *run) complete(id string, v any) {
	r.frame.done(id, v)
	if r.executor.collector != nil {
		n, _ := r.graph.Node(id)
		r.executor.collector.RecordNode(string(n.Kind), string(StatusDone))
	}
	for _, e := range r.graph.OutEdges(id) {
		dv := v
		if e.Select != "" {
			m, ok := v.(map[string]any)
			if !ok {
				r.fail(e.To, types.Errorf(types.ErrBadInputShape,
					"edge from %s selects origin %s from a non-combined value %T", id, e.Select, v).WithNode(e.To))
				continue
			}
			dv = m[e.Select]
		}
		if oe, ok := dv.(originError); ok {
			r.failEdge(e, types.Errorf(types.ErrUpstreamFailed, "origin %s failed", oe.origin).
				WithNode(e.To).WithCause(oe.err))
			continue
		}
		if r.frame.deliver(e.To, e.Port, dv) {
			r.queue = append(r.queue, e.To)
		}
	}
}

// fail marks a node failed and poisons its transitive dependents: every
// node reachable only through it can never become ready and is failed by
// propagation, while unrelated subgraphs keep executing. A batch
// consumer absorbs the failure into the affected port instead of failing
// outright, so its sibling origins still dispatch.
func (r *run) fail(id string, err error) {
	if r.frame.settled(id) {
		return
	}
	r.frame.failed(id, err)
	if r.executor.collector != nil {
		n, _ := r.graph.Node(id)
		r.executor.collector.RecordNode(string(n.Kind), string(StatusFailed))
	}
	r.logger.Debug("node failed",
		zap.String("node_id", id),
		zap.Error(err),
	)
	for _, e := range r.graph.OutEdges(id) {
		r.failEdge(e, types.Errorf(types.ErrUpstreamFailed, "upstream node %s failed", id).
			WithNode(e.To).WithCause(err))
	}
}

// failEdge propagates a failure across one edge. Batch consumers absorb
// it into the affected port so sibling origins still dispatch; every
// other consumer fails outright.
func (r *run) failEdge(e graph.Edge, err error) {
	if c, _ := r.graph.Node(e.To); c != nil && c.Kind == graph.KindBatch {
		if r.frame.poison(e.To, e.Port, err) {
			r.queue = append(r.queue, e.To)
		}
		return
	}
	r.fail(e.To, err)
}

func (r *run) boundValue(id string) any {
	return r.boundInputs[id]
}

// collect assembles the run result from the frame's terminal states.
func (r *run) collect(canceled error) *RunResult {
	result := &RunResult{Terminals: make(map[string]any)}
	for _, id := range r.graph.Terminals() {
		switch r.frame.status[id] {
		case StatusDone:
			result.Terminals[id] = r.frame.values[id]
		case StatusFailed:
			result.Failures = append(result.Failures, NodeFailure{NodeID: id, Err: r.frame.errs[id]})
		default:
			err := canceled
			if err == nil {
				err = types.Errorf(types.ErrNodeFailed, "node %s never became ready", id).WithNode(id)
			}
			result.Failures = append(result.Failures, NodeFailure{NodeID: id, Err: err})
		}
	}
	return result
}
