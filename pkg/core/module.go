// Package core defines the contracts shared by every part of nnflow: the
// module capability interfaces, backpressure modes, tags, listeners, the
// declarative descriptors consumed by the wiring manager and the runtime
// configuration.
package core

import (
	"github.com/google/uuid"
	"github.com/scottdavis/nnflow/pkg/tensor"
)

// Forwarder admits activations travelling down the graph.
type Forwarder interface {
	// Forward delivers input from the module identified by from. It never
	// returns an error: failures are reported to error listeners.
	Forward(from uuid.UUID, input *tensor.Tensor, tags ...string)
}

// Backwarder admits gradients travelling up the graph.
type Backwarder interface {
	Backward(from uuid.UUID, gradOutput *tensor.Tensor, tags ...string)
}

// Module is the unit of execution in a neural network instance. Local and
// remote (proxied) modules satisfy the same contract.
type Module interface {
	Forwarder
	Backwarder

	// ID returns the module id.
	ID() uuid.UUID

	// SetNext replaces the downstream neighbors. Calling it without modules
	// unwires the module.
	SetNext(next ...Module)

	// SetPrevious replaces the upstream neighbors.
	SetPrevious(prev ...Module)

	// SetMode changes the backpressure policy at runtime. A module hosted on
	// another runtime is reached through a proxy, and setting the mode on the
	// proxy does not change the remote module.
	SetMode(mode Mode)

	// Mode returns the current backpressure policy.
	Mode() Mode

	AddForwardListener(l ForwardListener)
	RemoveForwardListener(l ForwardListener)
	AddBackwardListener(l BackwardListener)
	RemoveBackwardListener(l BackwardListener)
	AddErrorListener(l ErrorListener)
	RemoveErrorListener(l ErrorListener)
}

// Trainable is implemented by modules that own parameters.
type Trainable interface {
	// Parameters returns the flattened parameter tensor. Single layers return
	// their live tensor. Composites return a concatenated copy, so writes to
	// it are lost and must go through UpdateParameters or the inner layers.
	Parameters() *tensor.Tensor

	// GradParameters returns the accumulated gradient for Parameters, with
	// the same ownership as Parameters.
	GradParameters() *tensor.Tensor

	// AccGradParameters accumulates the gradient of the last backward pass.
	AccGradParameters()

	// ZeroGradParameters resets the accumulated gradient.
	ZeroGradParameters()

	// UpdateParameters adds rate * GradParameters to Parameters.
	UpdateParameters(rate float32)
}

// HasMultipleNext marks modules that emit several outputs per input.
type HasMultipleNext interface {
	Module
	MultipleNext()
}

// HasMultiplePrev marks modules that combine inputs from several upstream
// modules. Only such modules may declare more than one prev.
type HasMultiplePrev interface {
	Module
	MultiplePrev()
}

// TrainableModule is a module exposing its parameters.
type TrainableModule interface {
	Module
	Trainable
}

// Input is the entry point of a network instance.
type Input interface {
	Module
	// Input sends a sample downstream. The module keeps its own copy of
	// input, the caller keeps ownership of the tensor it passed.
	Input(input *tensor.Tensor, tags ...string)
}

// Output is a terminal module. Subscriptions that name only an instance
// attach to every Output of it.
type Output interface {
	Module
	Backpropagate(gradOutput *tensor.Tensor, tags ...string)
	OutputLabels() []string
}
