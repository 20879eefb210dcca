package engine

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/BaSui01/batchflow/graph"
	"github.com/BaSui01/batchflow/internal/metrics"
)

// demuxEntry describes how one origin's slice of a combined response is
// reassembled. An empty origin denotes the dispatched node itself.
type demuxEntry struct {
	origin      string
	cardinality graph.Cardinality
	ids         []string
}

// failedOrigin marks one merged call site whose requests never made it
// into the flight, usually because its inputs failed upstream.
type failedOrigin struct {
	origin string
	err    error
}

// pendingCall is one ready I/O or batch node buffered for dispatch.
type pendingCall struct {
	nodeID   string
	kind     graph.Kind
	entries  []demuxEntry
	requests []Request
	failed   []failedOrigin
}

// flightResult is the outcome of one adapter call, demultiplexed back
// into the scheduling loop.
type flightResult struct {
	sourceKey string
	calls     []*pendingCall
	results   map[string]Result
	err       error
}

// dispatcher is the per-source-key accumulator. Ready I/O requests are
// buffered per key; the executor flushes every buffer once it has
// exhausted all synchronously derivable readiness, so each flush carries
// the largest batch possible at that instant without artificial delay.
// The buffers are touched only by the scheduling goroutine; the adapter
// calls themselves run concurrently.
type dispatcher struct {
	adapter     SourceAdapter
	logger      *zap.Logger
	collector   *metrics.Collector
	tracer      trace.Tracer
	sem         *semaphore.Weighted
	limiter     *rate.Limiter
	buffers     map[string][]*pendingCall
	keyless     []*pendingCall
	completions chan flightResult
}

func newDispatcher(adapter SourceAdapter, logger *zap.Logger, collector *metrics.Collector,
	tracer trace.Tracer, sem *semaphore.Weighted, limiter *rate.Limiter) *dispatcher {
	return &dispatcher{
		adapter:     adapter,
		logger:      logger.With(zap.String("component", "dispatcher")),
		collector:   collector,
		tracer:      tracer,
		sem:         sem,
		limiter:     limiter,
		buffers:     make(map[string][]*pendingCall),
		completions: make(chan flightResult),
	}
}

// add buffers a ready call for its source key. Calls without a usable
// key may target different backends, so each one keeps its own flight
// and is never coalesced with others.
func (d *dispatcher) add(sourceKey string, call *pendingCall) {
	if sourceKey == "" {
		d.keyless = append(d.keyless, call)
		return
	}
	d.buffers[sourceKey] = append(d.buffers[sourceKey], call)
}

// flush issues one adapter call per non-empty buffer, plus one per
// keyless call, and opens fresh buffers for requests that become ready
// later. It returns the number of flights launched; their results arrive
// on the completions channel.
func (d *dispatcher) flush(ctx context.Context) int {
	flights := 0
	for _, call := range d.keyless {
		flights++
		go d.fly(ctx, "", []*pendingCall{call})
	}
	d.keyless = nil

	if len(d.buffers) == 0 {
		return flights
	}
	keys := make([]string, 0, len(d.buffers))
	for key := range d.buffers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		calls := d.buffers[key]
		if len(calls) == 0 {
			continue
		}
		delete(d.buffers, key)
		flights++
		go d.fly(ctx, key, calls)
	}
	return flights
}

// fly performs one adapter call for everything buffered against a key at
// flush time and reports the combined outcome.
func (d *dispatcher) fly(ctx context.Context, sourceKey string, calls []*pendingCall) {
	fr := flightResult{sourceKey: sourceKey, calls: calls}
	defer func() {
		select {
		case d.completions <- fr:
		case <-ctx.Done():
		}
	}()

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			fr.err = err
			return
		}
	}
	if d.sem != nil {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			fr.err = err
			return
		}
		defer d.sem.Release(1)
	}

	var reqs []Request
	for _, c := range calls {
		reqs = append(reqs, c.requests...)
	}

	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "batchflow.adapter_call",
			trace.WithAttributes(
				attribute.String("source_key", sourceKey),
				attribute.Int("batch_size", len(reqs)),
			),
		)
		defer span.End()
	}

	start := time.Now()
	if len(reqs) == 1 {
		v, err := d.adapter.SingleCall(ctx, sourceKey, reqs[0])
		fr.results = map[string]Result{reqs[0].ID: {Value: v, Err: err}}
	} else {
		fr.results, fr.err = d.adapter.BatchCall(ctx, sourceKey, reqs)
	}
	elapsed := time.Since(start)

	mode := "batch"
	if len(reqs) == 1 {
		mode = "single"
	}
	if d.collector != nil {
		d.collector.RecordAdapterCall(sourceKey, mode, len(reqs), elapsed)
	}
	d.logger.Debug("adapter call completed",
		zap.String("source_key", sourceKey),
		zap.String("mode", mode),
		zap.Int("requests", len(reqs)),
		zap.Duration("duration", elapsed),
		zap.Bool("failed", fr.err != nil),
	)
}
