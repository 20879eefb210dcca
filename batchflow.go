// Package batchflow provides a top-level convenience entry point for
// running dataflow graphs with automatic I/O batching.
//
// Usage:
//
//	import "github.com/BaSui01/batchflow"
//
//	g, _ := graph.NewBuilder("feed").
//	    AddInput("user_id").
//	    AddIO("profile", "users", "by_id", 1).
//	    AddIO("posts", "posts", "by_author", 1).
//	    AddEdge("user_id", "profile").
//	    AddEdge("user_id", "posts").
//	    Build()
//
//	result, err := batchflow.Run(ctx, g,
//	    map[string]any{"user_id": 42},
//	    myAdapter,
//	)
//
// Run rewrites the graph so that independent calls against the same
// source key share one batched adapter call, then executes it. Use the
// engine and rewrite packages directly when the two phases need to be
// separated, for example to rewrite once and execute many times.
package batchflow

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/batchflow/config"
	"github.com/BaSui01/batchflow/engine"
	"github.com/BaSui01/batchflow/graph"
	"github.com/BaSui01/batchflow/rewrite"
)

// Options configures a Run invocation.
type Options struct {
	logger         *zap.Logger
	skipRewrite    bool
	runTimeout     time.Duration
	executorOpts   []engine.Option
	reportCallback func(*rewrite.Report)
}

// Option configures Run.
type Option func(*Options)

// WithLogger sets a custom zap logger for the rewrite and execution
// phases. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) { o.logger = logger }
}

// WithoutRewrite executes the graph exactly as written, skipping the
// batching rewrite. Same-instant calls on one source key still share an
// adapter call.
func WithoutRewrite() Option {
	return func(o *Options) { o.skipRewrite = true }
}

// WithMetrics registers engine metrics against the given prometheus
// registerer under the namespace.
func WithMetrics(namespace string, reg prometheus.Registerer) Option {
	return func(o *Options) {
		o.executorOpts = append(o.executorOpts, engine.WithMetrics(namespace, reg))
	}
}

// WithMaxOutstandingCalls bounds concurrently outstanding adapter calls.
func WithMaxOutstandingCalls(n int) Option {
	return func(o *Options) {
		o.executorOpts = append(o.executorOpts, engine.WithMaxOutstandingCalls(n))
	}
}

// WithCallRateLimit limits adapter calls per second.
func WithCallRateLimit(perSecond float64) Option {
	return func(o *Options) {
		o.executorOpts = append(o.executorOpts, engine.WithCallRateLimit(perSecond))
	}
}

// WithRunTimeout caps the run with a deadline. Zero means no timeout.
func WithRunTimeout(d time.Duration) Option {
	return func(o *Options) { o.runTimeout = d }
}

// WithEngineConfig applies the engine section of a loaded configuration.
func WithEngineConfig(cfg config.EngineConfig) Option {
	return func(o *Options) {
		o.skipRewrite = cfg.DisableRewrite
		o.runTimeout = cfg.RunTimeout
		if cfg.MaxOutstandingCalls > 0 {
			o.executorOpts = append(o.executorOpts, engine.WithMaxOutstandingCalls(cfg.MaxOutstandingCalls))
		}
		if cfg.CallRateLimit > 0 {
			o.executorOpts = append(o.executorOpts, engine.WithCallRateLimit(cfg.CallRateLimit))
		}
	}
}

// WithExecutorOptions appends raw engine options for knobs without a
// shortcut here, such as tracing.
func WithExecutorOptions(opts ...engine.Option) Option {
	return func(o *Options) { o.executorOpts = append(o.executorOpts, opts...) }
}

// WithRewriteReport delivers the rewrite report before execution starts.
func WithRewriteReport(fn func(*rewrite.Report)) Option {
	return func(o *Options) { o.reportCallback = fn }
}

// Run rewrites and executes a graph in one step: independent I/O call
// sites sharing a source key are merged into batched adapter calls, then
// the graph runs against the given adapter with the caller's input
// bindings. The result carries every terminal value, or partial values
// alongside per-terminal failures.
func Run(ctx context.Context, g *graph.Graph, bindings map[string]any,
	adapter engine.SourceAdapter, opts ...Option) (*engine.RunResult, error) {

	o := &Options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}

	if o.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.runTimeout)
		defer cancel()
	}

	if !o.skipRewrite {
		rewritten, report, err := rewrite.Rewrite(g, o.logger)
		if err != nil {
			return nil, err
		}
		if o.reportCallback != nil {
			o.reportCallback(report)
		}
		g = rewritten
	}

	exec := engine.NewExecutor(adapter, o.logger, o.executorOpts...)
	return exec.Execute(ctx, g, bindings)
}
