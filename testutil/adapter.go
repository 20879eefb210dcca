package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/batchflow/engine"
)

// AdapterCall is one recorded adapter interaction.
type AdapterCall struct {
	SourceKey string
	Mode      string // "single" or "batch"
	Requests  []engine.Request
}

// RecordingAdapter is an in-memory engine.SourceAdapter for tests. Every
// call is recorded; responses echo the request payload unless a handler,
// a per-request error, or a per-key call error is scripted. A zero
// adapter is not usable, construct it with NewRecordingAdapter.
type RecordingAdapter struct {
	mu sync.Mutex

	calls         []AdapterCall
	handlers      map[string]func(engine.Request) (any, error)
	requestErrors map[string]error
	callErrors    map[string]error
	gates         map[string]<-chan struct{}
	latency       time.Duration
}

// NewRecordingAdapter creates an adapter that echoes request payloads.
func NewRecordingAdapter() *RecordingAdapter {
	return &RecordingAdapter{
		handlers:      make(map[string]func(engine.Request) (any, error)),
		requestErrors: make(map[string]error),
		callErrors:    make(map[string]error),
		gates:         make(map[string]<-chan struct{}),
	}
}

// WithHandler scripts the per-request response for a source key.
func (a *RecordingAdapter) WithHandler(sourceKey string, fn func(engine.Request) (any, error)) *RecordingAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[sourceKey] = fn
	return a
}

// WithRequestError fails the request with the given ID while letting the
// rest of its batch succeed.
func (a *RecordingAdapter) WithRequestError(id string, err error) *RecordingAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requestErrors[id] = err
	return a
}

// WithCallError fails every call against the source key outright, the
// way a connection-level failure would.
func (a *RecordingAdapter) WithCallError(sourceKey string, err error) *RecordingAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callErrors[sourceKey] = err
	return a
}

// WithGate blocks calls against the source key until the channel is
// closed or the call context is canceled.
func (a *RecordingAdapter) WithGate(sourceKey string, gate <-chan struct{}) *RecordingAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gates[sourceKey] = gate
	return a
}

// WithLatency makes every call sleep before responding.
func (a *RecordingAdapter) WithLatency(d time.Duration) *RecordingAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.latency = d
	return a
}

// SingleCall implements engine.SourceAdapter.
func (a *RecordingAdapter) SingleCall(ctx context.Context, sourceKey string, req engine.Request) (any, error) {
	if err := a.record(ctx, sourceKey, "single", []engine.Request{req}); err != nil {
		return nil, err
	}
	res := a.respond(sourceKey, req)
	return res.Value, res.Err
}

// BatchCall implements engine.SourceAdapter.
func (a *RecordingAdapter) BatchCall(ctx context.Context, sourceKey string, reqs []engine.Request) (map[string]engine.Result, error) {
	if err := a.record(ctx, sourceKey, "batch", reqs); err != nil {
		return nil, err
	}
	out := make(map[string]engine.Result, len(reqs))
	for _, req := range reqs {
		out[req.ID] = a.respond(sourceKey, req)
	}
	return out, nil
}

func (a *RecordingAdapter) record(ctx context.Context, sourceKey, mode string, reqs []engine.Request) error {
	a.mu.Lock()
	recorded := make([]engine.Request, len(reqs))
	copy(recorded, reqs)
	a.calls = append(a.calls, AdapterCall{SourceKey: sourceKey, Mode: mode, Requests: recorded})
	gate := a.gates[sourceKey]
	callErr := a.callErrors[sourceKey]
	latency := a.latency
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return callErr
}

func (a *RecordingAdapter) respond(sourceKey string, req engine.Request) engine.Result {
	a.mu.Lock()
	handler := a.handlers[sourceKey]
	reqErr := a.requestErrors[req.ID]
	a.mu.Unlock()

	if reqErr != nil {
		return engine.Result{Err: reqErr}
	}
	if handler != nil {
		v, err := handler(req)
		return engine.Result{Value: v, Err: err}
	}
	return engine.Result{Value: req.Payload}
}

// Calls returns a copy of the recorded call log in order.
func (a *RecordingAdapter) Calls() []AdapterCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AdapterCall, len(a.calls))
	copy(out, a.calls)
	return out
}

// CallCount returns the total number of adapter calls.
func (a *RecordingAdapter) CallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// BatchCalls counts batch calls against a source key.
func (a *RecordingAdapter) BatchCalls(sourceKey string) int {
	return a.count(sourceKey, "batch")
}

// SingleCalls counts single calls against a source key.
func (a *RecordingAdapter) SingleCalls(sourceKey string) int {
	return a.count(sourceKey, "single")
}

func (a *RecordingAdapter) count(sourceKey, mode string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c.SourceKey == sourceKey && c.Mode == mode {
			n++
		}
	}
	return n
}

// Requests returns every request seen for a source key, across calls, in
// call order.
func (a *RecordingAdapter) Requests(sourceKey string) []engine.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []engine.Request
	for _, c := range a.calls {
		if c.SourceKey == sourceKey {
			out = append(out, c.Requests...)
		}
	}
	return out
}
