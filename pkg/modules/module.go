package modules

import (
	"sync"

	"github.com/google/uuid"
	"github.com/scottdavis/nnflow/pkg/core"
	"github.com/scottdavis/nnflow/pkg/errors"
	"github.com/scottdavis/nnflow/pkg/tensor"
)

// ErrNoForwardPass is reported when a gradient arrives before any input.
var ErrNoForwardPass = errors.New(errors.InvalidInput, "backward called before forward")

// Module runs a Layer inside the graph.
type Module struct {
	*node
	layer Layer

	mu         sync.Mutex
	lastInput  *tensor.Tensor
	lastOutput *tensor.Tensor
	lastTags   []string
}

// NewModule wraps layer in a module. kind is used in logs only.
func NewModule(id uuid.UUID, kind string, layer Layer, config *core.Config) *Module {
	return &Module{
		node:  newNode(id, kind, config),
		layer: layer,
	}
}

// Layer returns the wrapped layer.
func (m *Module) Layer() Layer {
	return m.layer
}

// Forward implements core.Forwarder.
func (m *Module) Forward(from uuid.UUID, input *tensor.Tensor, tags ...string) {
	if !m.admitForward(tags) {
		return
	}

	output, err := m.run(func() (*tensor.Tensor, error) {
		if input == nil {
			return nil, errors.New(errors.InvalidInput, "nil input")
		}
		return m.layer.Forward(input)
	})
	if err != nil {
		m.fail("forward", err, tags)
		m.fwd.release()
		return
	}

	m.mu.Lock()
	m.lastInput, m.lastOutput = input, output
	m.lastTags = core.CopyTags(tags)
	m.mu.Unlock()

	m.emitForward(output, tags)
}

// Backward implements core.Backwarder. Trainable layers accumulate their
// gradient before it is relayed upstream.
func (m *Module) Backward(from uuid.UUID, gradOutput *tensor.Tensor, tags ...string) {
	if !m.admitBackward(tags) {
		return
	}

	m.mu.Lock()
	input, output := m.lastInput, m.lastOutput
	m.mu.Unlock()

	gradInput, err := m.run(func() (*tensor.Tensor, error) {
		if input == nil {
			return nil, ErrNoForwardPass
		}
		if gradOutput == nil {
			return nil, errors.New(errors.InvalidInput, "nil gradient")
		}
		g, err := m.layer.Backward(input, output, gradOutput)
		if err != nil {
			return nil, err
		}
		if t, ok := m.layer.(core.Trainable); ok {
			t.AccGradParameters()
		}
		return g, nil
	})
	if err != nil {
		m.fail("backward", err, tags)
		m.bwd.release()
		return
	}

	m.emitBackward(gradInput, tags)
}

// TrainableModule is a Module whose layer owns parameters.
type TrainableModule struct {
	*Module
	core.Trainable
}

// NewTrainableModule wraps a trainable layer.
func NewTrainableModule(id uuid.UUID, kind string, layer interface {
	Layer
	core.Trainable
}, config *core.Config) *TrainableModule {
	return &TrainableModule{
		Module:    NewModule(id, kind, layer, config),
		Trainable: layer,
	}
}

// newLayerModule returns a TrainableModule when layer is trainable.
func newLayerModule(id uuid.UUID, kind string, layer Layer, config *core.Config) core.Module {
	if c, ok := layer.(*Composite); ok && !c.trainable() {
		return NewModule(id, kind, layer, config)
	}
	if t, ok := layer.(interface {
		Layer
		core.Trainable
	}); ok {
		return NewTrainableModule(id, kind, t, config)
	}
	return NewModule(id, kind, layer, config)
}
