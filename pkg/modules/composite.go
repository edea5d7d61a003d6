package modules

import (
	"sync"

	"github.com/scottdavis/nnflow/pkg/core"
	"github.com/scottdavis/nnflow/pkg/errors"
	"github.com/scottdavis/nnflow/pkg/tensor"
)

// Composite runs a sequence of layers as one module. It is trainable when at
// least one inner layer is.
type Composite struct {
	layers []Layer

	mu          sync.Mutex
	activations []*tensor.Tensor
}

// NewComposite chains layers in order.
func NewComposite(layers ...Layer) *Composite {
	return &Composite{layers: layers}
}

// Layers returns the inner layers.
func (c *Composite) Layers() []Layer {
	return c.layers
}

func (c *Composite) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	acts := make([]*tensor.Tensor, 0, len(c.layers)+1)
	acts = append(acts, input)
	for i, l := range c.layers {
		out, err := l.Forward(acts[len(acts)-1])
		if err != nil {
			return nil, errors.WithFields(err, errors.Fields{"layer": i})
		}
		acts = append(acts, out)
	}
	c.activations = acts
	return acts[len(acts)-1], nil
}

func (c *Composite) Backward(_, _, gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.activations) != len(c.layers)+1 {
		return nil, ErrNoForwardPass
	}
	g := gradOutput
	for i := len(c.layers) - 1; i >= 0; i-- {
		var err error
		g, err = c.layers[i].Backward(c.activations[i], c.activations[i+1], g)
		if err != nil {
			return nil, errors.WithFields(err, errors.Fields{"layer": i})
		}
	}
	return g, nil
}

func (c *Composite) trainables() []core.Trainable {
	var ts []core.Trainable
	for _, l := range c.layers {
		if t, ok := l.(core.Trainable); ok {
			ts = append(ts, t)
		}
	}
	return ts
}

// Parameters returns a snapshot of the concatenated inner parameters. Writes
// to it do not reach the inner layers.
func (c *Composite) Parameters() *tensor.Tensor {
	var ps []*tensor.Tensor
	for _, t := range c.trainables() {
		ps = append(ps, t.Parameters())
	}
	return tensor.Concat(ps...)
}

// GradParameters returns a snapshot of the concatenated inner gradients.
// Writes to it do not reach the inner layers.
func (c *Composite) GradParameters() *tensor.Tensor {
	var gs []*tensor.Tensor
	for _, t := range c.trainables() {
		gs = append(gs, t.GradParameters())
	}
	return tensor.Concat(gs...)
}

func (c *Composite) AccGradParameters() {
	for _, t := range c.trainables() {
		t.AccGradParameters()
	}
}

func (c *Composite) ZeroGradParameters() {
	for _, t := range c.trainables() {
		t.ZeroGradParameters()
	}
}

func (c *Composite) UpdateParameters(rate float32) {
	for _, t := range c.trainables() {
		t.UpdateParameters(rate)
	}
}

// trainable reports whether any inner layer owns parameters.
func (c *Composite) trainable() bool {
	return len(c.trainables()) > 0
}
