package modules

import (
	"sync"

	"github.com/google/uuid"
	"github.com/scottdavis/nnflow/pkg/core"
	"github.com/scottdavis/nnflow/pkg/errors"
	"github.com/scottdavis/nnflow/pkg/tensor"
)

// ErrUnknownSender is reported when a join receives from a module that is
// not one of its prev neighbors.
var ErrUnknownSender = errors.New(errors.InvalidInput, "sender is not a prev neighbor")

// Combiner merges the inputs of a join, ordered like its prev neighbors, and
// splits a gradient back into one part per input.
type Combiner interface {
	Combine(inputs []*tensor.Tensor) (*tensor.Tensor, error)
	Split(gradOutput *tensor.Tensor, inputs []*tensor.Tensor) ([]*tensor.Tensor, error)
}

// Join combines the latest input of every prev neighbor.
//
// By default every arrival recomputes with whatever each prev delivered last.
// With core.WaitForAll the join fires once every prev delivered since the
// previous firing, and the arrival flags are cleared in the same critical
// section that decides to fire.
type Join struct {
	*node
	combiner Combiner

	mu      sync.Mutex
	prevIDs []uuid.UUID
	inputs  map[uuid.UUID]*tensor.Tensor
	arrived map[uuid.UUID]bool

	// inputs of the last computation, used to split gradients
	lastIDs    []uuid.UUID
	lastInputs []*tensor.Tensor
}

// NewJoin creates a join with the given combine policy.
func NewJoin(id uuid.UUID, kind string, combiner Combiner, config *core.Config) *Join {
	return &Join{
		node:     newNode(id, kind, config),
		combiner: combiner,
		inputs:   make(map[uuid.UUID]*tensor.Tensor),
		arrived:  make(map[uuid.UUID]bool),
	}
}

// MultiplePrev implements core.HasMultiplePrev.
func (j *Join) MultiplePrev() {}

// SetPrevious replaces the upstream neighbors. Cached inputs of neighbors
// that are still present survive, arrival flags are reset.
func (j *Join) SetPrevious(prev ...core.Module) {
	j.node.SetPrevious(prev...)

	j.mu.Lock()
	defer j.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(prev))
	inputs := make(map[uuid.UUID]*tensor.Tensor, len(prev))
	for _, p := range prev {
		ids = append(ids, p.ID())
		if in, ok := j.inputs[p.ID()]; ok {
			inputs[p.ID()] = in
		}
	}
	j.prevIDs = ids
	j.inputs = inputs
	j.arrived = make(map[uuid.UUID]bool, len(prev))
}

// Forward records input as the latest from the sender and fires when the
// admission policy allows it.
func (j *Join) Forward(from uuid.UUID, input *tensor.Tensor, tags ...string) {
	if input == nil {
		j.fail("forward", errors.New(errors.InvalidInput, "nil input"), tags)
		return
	}

	ids, inputs, ready, err := j.arrive(from, input)
	if err != nil {
		j.fail("forward", err, tags)
		return
	}
	if !ready {
		j.logger.Debug("Join waiting for inputs", "from", from.String(), "tags", tags)
		return
	}

	if !j.admitForward(tags) {
		return
	}

	output, err := j.run(func() (*tensor.Tensor, error) {
		return j.combiner.Combine(inputs)
	})
	if err != nil {
		j.fail("forward", err, tags)
		j.fwd.release()
		return
	}

	j.mu.Lock()
	j.lastIDs, j.lastInputs = ids, inputs
	j.mu.Unlock()

	j.emitForward(output, tags)
}

// arrive stores input and reports whether a computation should run, along
// with the inputs to run it on in prev order.
func (j *Join) arrive(from uuid.UUID, input *tensor.Tensor) ([]uuid.UUID, []*tensor.Tensor, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	known := false
	for _, id := range j.prevIDs {
		if id == from {
			known = true
			break
		}
	}
	if !known {
		return nil, nil, false, errors.WithFields(ErrUnknownSender, errors.Fields{"from": from.String()})
	}

	j.inputs[from] = input
	j.arrived[from] = true

	waitForAll := j.Mode().Has(core.WaitForAll)
	inputs := make([]*tensor.Tensor, len(j.prevIDs))
	for i, id := range j.prevIDs {
		if waitForAll && !j.arrived[id] {
			return nil, nil, false, nil
		}
		in, ok := j.inputs[id]
		if !ok {
			// best effort still needs one value from every prev
			return nil, nil, false, nil
		}
		inputs[i] = in
	}

	if waitForAll {
		for id := range j.arrived {
			delete(j.arrived, id)
		}
	}
	ids := append([]uuid.UUID(nil), j.prevIDs...)
	return ids, inputs, true, nil
}

// Backward splits gradOutput with the inputs of the last computation and
// hands every part to the prev that produced the matching input.
func (j *Join) Backward(from uuid.UUID, gradOutput *tensor.Tensor, tags ...string) {
	if !j.admitBackward(tags) {
		return
	}

	j.mu.Lock()
	ids, inputs := j.lastIDs, j.lastInputs
	j.mu.Unlock()

	var parts []*tensor.Tensor
	_, err := j.run(func() (*tensor.Tensor, error) {
		if inputs == nil {
			return nil, ErrNoForwardPass
		}
		if gradOutput == nil {
			return nil, errors.New(errors.InvalidInput, "nil gradient")
		}
		var err error
		parts, err = j.combiner.Split(gradOutput, inputs)
		return nil, err
	})
	if err != nil {
		j.fail("backward", err, tags)
		j.bwd.release()
		return
	}

	prev := make(map[uuid.UUID]core.Module)
	for _, p := range j.Previous() {
		prev[p.ID()] = p
	}

	var calls []func()
	for i, id := range ids {
		j.notifyBackward(parts[i], tags)
		p, ok := prev[id]
		if !ok {
			continue
		}
		p, part := p, parts[i]
		calls = append(calls, func() { p.Backward(j.id, part, tags...) })
	}
	if len(calls) == 0 {
		j.bwd.release()
		return
	}
	j.dispatch(j.bwd, calls)
}

// Concat joins the flattened inputs end to end.
type Concat struct{}

func (Concat) Combine(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Concat(inputs...), nil
}

func (Concat) Split(gradOutput *tensor.Tensor, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	sizes := make([]int, len(inputs))
	for i, in := range inputs {
		sizes[i] = in.Size()
	}
	parts, err := tensor.Split(gradOutput, sizes...)
	if err != nil {
		return nil, err
	}
	for i, p := range parts {
		if parts[i], err = p.Reshape(inputs[i].Dims()...); err != nil {
			return nil, err
		}
	}
	return parts, nil
}

// Add sums inputs of identical shape.
type Add struct{}

func (Add) Combine(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Add(inputs...)
}

func (Add) Split(gradOutput *tensor.Tensor, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	parts := make([]*tensor.Tensor, len(inputs))
	for i := range inputs {
		parts[i] = gradOutput.Copy()
	}
	return parts, nil
}
