package core

import (
	"github.com/google/uuid"
	"github.com/scottdavis/nnflow/pkg/tensor"
)

// ForwardListener observes outputs of a module. The tensor is a copy owned by
// the listener.
type ForwardListener interface {
	OnForward(moduleID uuid.UUID, output *tensor.Tensor, tags ...string)
}

// BackwardListener observes gradients leaving a module upstream.
type BackwardListener interface {
	OnBackward(moduleID uuid.UUID, gradInput *tensor.Tensor, tags ...string)
}

// ErrorListener observes computation failures of a module.
type ErrorListener interface {
	OnError(moduleID uuid.UUID, err error, tags ...string)
}

// ForwardListenerFunc adapts a function to ForwardListener.
type ForwardListenerFunc func(moduleID uuid.UUID, output *tensor.Tensor, tags ...string)

func (f ForwardListenerFunc) OnForward(moduleID uuid.UUID, output *tensor.Tensor, tags ...string) {
	f(moduleID, output, tags...)
}

// BackwardListenerFunc adapts a function to BackwardListener.
type BackwardListenerFunc func(moduleID uuid.UUID, gradInput *tensor.Tensor, tags ...string)

func (f BackwardListenerFunc) OnBackward(moduleID uuid.UUID, gradInput *tensor.Tensor, tags ...string) {
	f(moduleID, gradInput, tags...)
}

// ErrorListenerFunc adapts a function to ErrorListener.
type ErrorListenerFunc func(moduleID uuid.UUID, err error, tags ...string)

func (f ErrorListenerFunc) OnError(moduleID uuid.UUID, err error, tags ...string) {
	f(moduleID, err, tags...)
}

// ListenerFilter selects the modules a subscription applies to. A zero
// ModuleID selects every Output module of the instance.
type ListenerFilter struct {
	NNInstanceID uuid.UUID
	ModuleID     uuid.UUID
}

// AllOutputs reports whether the filter targets every output of the instance.
func (f ListenerFilter) AllOutputs() bool {
	return f.ModuleID == uuid.Nil
}
