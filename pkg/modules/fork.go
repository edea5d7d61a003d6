package modules

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/scottdavis/nnflow/pkg/core"
	"github.com/scottdavis/nnflow/pkg/errors"
	"github.com/scottdavis/nnflow/pkg/tensor"
)

// Partitioner splits one input into named branches.
type Partitioner interface {
	Partition(input *tensor.Tensor) (map[string]*tensor.Tensor, error)
}

// Fork dispatches every branch of its input as an independent lineage. The
// branch id is appended to the tags of that lineage.
type Fork struct {
	*node
	partitioner Partitioner
}

// NewFork creates a fork with the given partition policy.
func NewFork(id uuid.UUID, kind string, partitioner Partitioner, config *core.Config) *Fork {
	return &Fork{
		node:        newNode(id, kind, config),
		partitioner: partitioner,
	}
}

// MultipleNext implements core.HasMultipleNext.
func (f *Fork) MultipleNext() {}

// Forward partitions input and sends each branch, in branch id order, to
// every next module.
func (f *Fork) Forward(from uuid.UUID, input *tensor.Tensor, tags ...string) {
	if !f.admitForward(tags) {
		return
	}

	var branches map[string]*tensor.Tensor
	_, err := f.run(func() (*tensor.Tensor, error) {
		if input == nil {
			return nil, errors.New(errors.InvalidInput, "nil input")
		}
		var err error
		branches, err = f.partitioner.Partition(input)
		return nil, err
	})
	if err != nil {
		f.fail("forward", err, tags)
		f.fwd.release()
		return
	}

	ids := make([]string, 0, len(branches))
	for id := range branches {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		f.notifyForward(branches[id], core.AppendTag(tags, id))
	}

	next := f.Next()
	if len(next) == 0 {
		f.fwd.release()
		return
	}

	calls := make([]func(), 0, len(ids)*len(next))
	for _, id := range ids {
		branch, branchTags := branches[id], core.AppendTag(tags, id)
		for _, m := range next {
			m := m
			calls = append(calls, func() { m.Forward(f.id, branch, branchTags...) })
		}
	}
	f.dispatch(f.fwd, calls)
}

// Backward is not supported: there is no rule to reduce branch gradients.
// The failure is reported to error listeners.
func (f *Fork) Backward(from uuid.UUID, gradOutput *tensor.Tensor, tags ...string) {
	f.fail("backward", core.ErrUnsupportedOperation, tags)
}

// Grid tiles the last two dimensions of the input into Y×X crops.
type Grid struct {
	X, Y             int
	StrideX, StrideY int
}

func (g Grid) Partition(input *tensor.Tensor) (map[string]*tensor.Tensor, error) {
	if input.Dim() < 2 {
		return nil, errors.WithFields(
			errors.New(errors.InvalidInput, "grid needs at least two dimensions"),
			errors.Fields{"dims": input.Dims()},
		)
	}
	xDim := input.Dim() - 1
	yDim := xDim - 1
	sizeX, sizeY := input.Dims()[xDim], input.Dims()[yDim]
	if sizeX < g.X || sizeY < g.Y {
		return nil, errors.WithFields(
			errors.New(errors.InvalidInput, "input smaller than grid crop"),
			errors.Fields{"dims": input.Dims(), "x": g.X, "y": g.Y},
		)
	}

	cropsX := (sizeX-g.X)/g.StrideX + 1
	cropsY := (sizeY-g.Y)/g.StrideY + 1

	crops := make(map[string]*tensor.Tensor, cropsX*cropsY)
	for i := 0; i < cropsX; i++ {
		for j := 0; j < cropsY; j++ {
			crop, err := input.Narrow(yDim, j*g.StrideY, g.Y)
			if err != nil {
				return nil, err
			}
			crop, err = crop.Narrow(xDim, i*g.StrideX, g.X)
			if err != nil {
				return nil, err
			}
			crops[fmt.Sprintf("Grid_%d_%d", i, j)] = crop
		}
	}
	return crops, nil
}

// Split cuts the flattened input into Parts contiguous vectors of equal size.
type Split struct {
	Parts int
}

func (s Split) Partition(input *tensor.Tensor) (map[string]*tensor.Tensor, error) {
	if s.Parts <= 0 || input.Size()%s.Parts != 0 {
		return nil, errors.WithFields(
			errors.New(errors.InvalidInput, "input not divisible into parts"),
			errors.Fields{"size": input.Size(), "parts": s.Parts},
		)
	}
	sizes := make([]int, s.Parts)
	for i := range sizes {
		sizes[i] = input.Size() / s.Parts
	}
	parts, err := tensor.Split(input, sizes...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*tensor.Tensor, s.Parts)
	for i, p := range parts {
		out[fmt.Sprintf("Split_%d", i)] = p
	}
	return out, nil
}
