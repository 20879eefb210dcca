package engine

import "context"

// Request is a single I/O request presented to a source adapter.
type Request struct {
	// ID uniquely identifies the request within its batch. The adapter's
	// combined response is matched back to waiting call sites by this
	// identity.
	ID string
	// Origin is the original call-site node the request belongs to. For
	// many-cardinality nodes several requests share one origin.
	Origin string
	// Payload is the opaque request payload built from the node's inputs
	// by its function reference.
	Payload any
}

// Result is the per-request outcome within a combined response.
type Result struct {
	Value any
	Err   error
}

// SourceAdapter performs the actual network or disk calls against a
// concrete backend. Implementations must uphold the batch equivalence
// contract: BatchCall(requests) must be observably equivalent to the
// pointwise union of SingleCall(request) for every request. The engine
// assumes this contract and never verifies it.
//
// The engine always prefers BatchCall when two or more requests are ready
// for the same source key. BatchCall reports per-request outcomes in the
// returned map; an adapter that cannot attribute a failure to individual
// requests returns a non-nil error instead, which fails every request in
// the batch. Retry policy, if any, belongs to the adapter: the engine
// performs no retries.
type SourceAdapter interface {
	SingleCall(ctx context.Context, sourceKey string, req Request) (any, error)
	BatchCall(ctx context.Context, sourceKey string, reqs []Request) (map[string]Result, error)
}
