// Package modules implements the module actors of a neural network graph.
//
// Every module embeds a node, which owns the neighbor edges, the
// backpressure gates, the attached listeners and the dispatch of results to
// neighbors. The variants differ only in what they compute:
//
//   - Module runs a Layer (Linear, Convolution, activations, Composite) and
//     is the base of Input and Output.
//   - Fork partitions one input into tagged branches.
//   - Join combines the inputs of several upstream modules.
//
// Concurrency model:
//   - Forward and backward each have a gate. A module holds its forward gate
//     from admission until every downstream Forward it dispatched returned.
//     A BLOCKING module makes further senders wait, a SKIP module drops them.
//   - Dispatch to neighbors happens on fresh goroutines, one per neighbor.
//   - Listeners of one event run on a bounded pool and the module waits for
//     them, so a listener sees the events of a module in production order.
//     Listeners must not synchronously call Forward on the module notifying
//     them.
package modules

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/scottdavis/nnflow/pkg/core"
	"github.com/scottdavis/nnflow/pkg/tensor"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
)

// gate serializes the admission of messages in one direction.
type gate struct {
	mu   sync.Mutex
	cond *sync.Cond
	busy bool
}

func newGate() *gate {
	g := &gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// acquire marks the gate busy. It returns false when the gate is busy and
// skip is set, in which case the message must be dropped.
func (g *gate) acquire(skip func() bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for g.busy {
		if skip() {
			return false
		}
		g.cond.Wait()
	}
	g.busy = true
	return true
}

func (g *gate) release() {
	g.mu.Lock()
	g.busy = false
	g.mu.Unlock()
	g.cond.Broadcast()
}

type listeners struct {
	mu       sync.RWMutex
	forward  []core.ForwardListener
	backward []core.BackwardListener
	errors   []core.ErrorListener
}

type node struct {
	id     uuid.UUID
	kind   string
	config *core.Config
	logger *slog.Logger

	next atomic.Pointer[[]core.Module]
	prev atomic.Pointer[[]core.Module]
	mode atomic.Uint32

	fwd *gate
	bwd *gate

	listeners listeners
}

func newNode(id uuid.UUID, kind string, config *core.Config) *node {
	if config == nil {
		config = core.NewConfig()
	}
	if id == uuid.Nil {
		id = uuid.New()
	}
	n := &node{
		id:     id,
		kind:   kind,
		config: config,
		logger: config.Logger.With("module_id", id.String(), "module_type", kind),
		fwd:    newGate(),
		bwd:    newGate(),
	}
	n.mode.Store(uint32(core.DefaultMode))
	return n
}

// ID returns the module id.
func (n *node) ID() uuid.UUID {
	return n.id
}

// Mode returns the backpressure policy.
func (n *node) Mode() core.Mode {
	return core.Mode(n.mode.Load())
}

// SetMode changes the backpressure policy.
func (n *node) SetMode(mode core.Mode) {
	if mode == 0 {
		mode = core.DefaultMode
	}
	n.mode.Store(uint32(mode))
	// wake waiters so they re-evaluate SKIP
	n.fwd.cond.Broadcast()
	n.bwd.cond.Broadcast()
}

// SetNext replaces the downstream neighbors.
func (n *node) SetNext(next ...core.Module) {
	edges := append([]core.Module(nil), next...)
	n.next.Store(&edges)
}

// SetPrevious replaces the upstream neighbors.
func (n *node) SetPrevious(prev ...core.Module) {
	edges := append([]core.Module(nil), prev...)
	n.prev.Store(&edges)
}

// Next returns the downstream neighbors.
func (n *node) Next() []core.Module {
	if p := n.next.Load(); p != nil {
		return *p
	}
	return nil
}

// Previous returns the upstream neighbors.
func (n *node) Previous() []core.Module {
	if p := n.prev.Load(); p != nil {
		return *p
	}
	return nil
}

func (n *node) skipping() bool {
	return n.Mode().Has(core.Skip)
}

func (n *node) admitForward(tags []string) bool {
	if n.fwd.acquire(n.skipping) {
		return true
	}
	n.logger.Debug(fmt.Sprintf("%s skipped input.", n.kind), "tags", tags)
	return false
}

func (n *node) admitBackward(tags []string) bool {
	if n.bwd.acquire(n.skipping) {
		return true
	}
	n.logger.Debug(fmt.Sprintf("%s skipped gradient.", n.kind), "tags", tags)
	return false
}

// dispatch runs every call on its own goroutine and releases g once all of
// them returned.
func (n *node) dispatch(g *gate, calls []func()) {
	var wg conc.WaitGroup
	for _, call := range calls {
		wg.Go(call)
	}

	go func() {
		defer g.release()
		if r := wg.WaitAndRecover(); r != nil {
			n.logger.Error("Neighbor panicked during dispatch", "panic", r.Value, "stack", string(r.Stack))
		}
	}()
}

// emitForward hands output to every next module, or to the forward
// listeners when the module is terminal. It releases the forward gate.
func (n *node) emitForward(output *tensor.Tensor, tags []string) {
	next := n.Next()
	if len(next) == 0 {
		n.notifyForward(output, tags)
		n.fwd.release()
		return
	}

	// listeners attached mid-graph see the output before it moves on
	n.notifyForward(output, tags)

	calls := make([]func(), len(next))
	for i, m := range next {
		m := m
		calls[i] = func() { m.Forward(n.id, output, tags...) }
	}
	n.dispatch(n.fwd, calls)
}

// emitBackward mirrors emitForward upstream.
func (n *node) emitBackward(gradInput *tensor.Tensor, tags []string) {
	prev := n.Previous()
	if len(prev) == 0 {
		n.notifyBackward(gradInput, tags)
		n.bwd.release()
		return
	}

	n.notifyBackward(gradInput, tags)

	calls := make([]func(), len(prev))
	for i, m := range prev {
		m := m
		calls[i] = func() { m.Backward(n.id, gradInput, tags...) }
	}
	n.dispatch(n.bwd, calls)
}

// fail reports a computation failure. Propagation stops at this module.
func (n *node) fail(op string, err error, tags []string) {
	merr := core.NewModuleError(n.id, op, err, tags...)

	n.listeners.mu.RLock()
	ls := append([]core.ErrorListener(nil), n.listeners.errors...)
	n.listeners.mu.RUnlock()

	if len(ls) == 0 {
		n.logger.Error("Computation failed", "op", op, "tags", tags, "error", merr.Err)
		return
	}
	n.logger.Debug("Computation failed", "op", op, "tags", tags, "error", merr.Err)

	calls := make([]func(), len(ls))
	for i, l := range ls {
		l := l
		calls[i] = func() { l.OnError(n.id, merr, core.CopyTags(tags)...) }
	}
	n.notify(calls)
}

// run executes fn, turning a panic into an error.
func (n *node) run(fn func() (*tensor.Tensor, error)) (out *tensor.Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func (n *node) notifyForward(output *tensor.Tensor, tags []string) {
	n.listeners.mu.RLock()
	ls := append([]core.ForwardListener(nil), n.listeners.forward...)
	n.listeners.mu.RUnlock()
	if len(ls) == 0 {
		return
	}

	calls := make([]func(), len(ls))
	for i, l := range ls {
		l := l
		calls[i] = func() { l.OnForward(n.id, output.Copy(), core.CopyTags(tags)...) }
	}
	n.notify(calls)
}

func (n *node) notifyBackward(gradInput *tensor.Tensor, tags []string) {
	n.listeners.mu.RLock()
	ls := append([]core.BackwardListener(nil), n.listeners.backward...)
	n.listeners.mu.RUnlock()
	if len(ls) == 0 {
		return
	}

	calls := make([]func(), len(ls))
	for i, l := range ls {
		l := l
		calls[i] = func() { l.OnBackward(n.id, gradInput.Copy(), core.CopyTags(tags)...) }
	}
	n.notify(calls)
}

// notify runs listener callbacks on a bounded pool and waits for them.
func (n *node) notify(calls []func()) {
	p := pool.New().WithMaxGoroutines(n.config.ListenerConcurrency)
	for _, call := range calls {
		call := call
		p.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					n.logger.Error("Listener panicked", "panic", r)
				}
			}()
			call()
		})
	}
	p.Wait()
}

// AddForwardListener attaches a forward listener.
func (n *node) AddForwardListener(l core.ForwardListener) {
	n.listeners.mu.Lock()
	defer n.listeners.mu.Unlock()
	n.listeners.forward = append(n.listeners.forward, l)
}

// RemoveForwardListener detaches a forward listener.
func (n *node) RemoveForwardListener(l core.ForwardListener) {
	n.listeners.mu.Lock()
	defer n.listeners.mu.Unlock()
	n.listeners.forward = remove(n.listeners.forward, l)
}

// AddBackwardListener attaches a backward listener.
func (n *node) AddBackwardListener(l core.BackwardListener) {
	n.listeners.mu.Lock()
	defer n.listeners.mu.Unlock()
	n.listeners.backward = append(n.listeners.backward, l)
}

// RemoveBackwardListener detaches a backward listener.
func (n *node) RemoveBackwardListener(l core.BackwardListener) {
	n.listeners.mu.Lock()
	defer n.listeners.mu.Unlock()
	n.listeners.backward = remove(n.listeners.backward, l)
}

// AddErrorListener attaches an error listener.
func (n *node) AddErrorListener(l core.ErrorListener) {
	n.listeners.mu.Lock()
	defer n.listeners.mu.Unlock()
	n.listeners.errors = append(n.listeners.errors, l)
}

// RemoveErrorListener detaches an error listener.
func (n *node) RemoveErrorListener(l core.ErrorListener) {
	n.listeners.mu.Lock()
	defer n.listeners.mu.Unlock()
	n.listeners.errors = remove(n.listeners.errors, l)
}

// remove drops every occurrence of l. Listeners of non-comparable dynamic
// type (plain funcs) can never be removed.
func remove[T any](ls []T, l T) []T {
	out := make([]T, 0, len(ls))
	for _, x := range ls {
		if !sameListener(x, l) {
			out = append(out, x)
		}
	}
	return out
}

func sameListener(a, b any) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || ta == nil || !ta.Comparable() {
		return false
	}
	return a == b
}
