package engine

import (
	"github.com/BaSui01/batchflow/graph"
)

// Status is the lifecycle state of a node within one execution frame.
type Status string

const (
	// StatusPending means the node is waiting on at least one input.
	StatusPending Status = "pending"
	// StatusReady means every input has been delivered.
	StatusReady Status = "ready"
	// StatusDispatched means the node has been handed to the dispatcher.
	StatusDispatched Status = "dispatched"
	// StatusDone means the node produced its value.
	StatusDone Status = "done"
	// StatusFailed means the node failed or an upstream dependency did.
	StatusFailed Status = "failed"
)

// frame is the runtime state of one graph execution: per-node status,
// delivered inputs, and produced values. It is owned exclusively by the
// run's single scheduling goroutine and never shared across concurrent
// runs, so no locking is needed.
type frame struct {
	g        *graph.Graph
	status   map[string]Status
	values   map[string]any
	errs     map[string]error
	inputs   map[string][]any
	missing  map[string]int
	portErrs map[string]map[int]error
}

func newFrame(g *graph.Graph) *frame {
	f := &frame{
		g:        g,
		status:   make(map[string]Status, g.Len()),
		values:   make(map[string]any, g.Len()),
		errs:     make(map[string]error),
		inputs:   make(map[string][]any),
		missing:  make(map[string]int, g.Len()),
		portErrs: make(map[string]map[int]error),
	}
	for _, id := range g.TopoOrder() {
		n, _ := g.Node(id)
		f.status[id] = StatusPending
		f.missing[id] = n.Arity
		if n.Arity > 0 {
			f.inputs[id] = make([]any, n.Arity)
		}
	}
	return f
}

// deliver stores a value on one input port of a consumer and reports
// whether the consumer just became ready. Delivery is atomic with respect
// to the readiness check: both happen in the scheduling goroutine.
func (f *frame) deliver(to string, port int, v any) bool {
	if f.status[to] != StatusPending {
		return false
	}
	f.inputs[to][port] = v
	f.missing[to]--
	if f.missing[to] == 0 {
		f.status[to] = StatusReady
		return true
	}
	return false
}

// poison records an upstream failure on one input port, counting the
// port as delivered so the consumer can still become ready. Batch nodes
// use it to keep sibling origins dispatchable when one merged call
// site's inputs fail.
func (f *frame) poison(to string, port int, err error) bool {
	if f.status[to] != StatusPending {
		return false
	}
	if f.portErrs[to] == nil {
		f.portErrs[to] = make(map[int]error)
	}
	f.portErrs[to][port] = err
	f.missing[to]--
	if f.missing[to] == 0 {
		f.status[to] = StatusReady
		return true
	}
	return false
}

// portErr returns the first recorded failure among the ports in
// [start, start+count), or nil if all of them were delivered cleanly.
func (f *frame) portErr(id string, start, count int) error {
	errs := f.portErrs[id]
	if errs == nil {
		return nil
	}
	for p := start; p < start+count; p++ {
		if err, ok := errs[p]; ok {
			return err
		}
	}
	return nil
}

func (f *frame) done(id string, v any) {
	f.status[id] = StatusDone
	f.values[id] = v
}

func (f *frame) failed(id string, err error) {
	f.status[id] = StatusFailed
	f.errs[id] = err
}

// settled reports whether the node has reached a final state.
func (f *frame) settled(id string) bool {
	s := f.status[id]
	return s == StatusDone || s == StatusFailed
}
