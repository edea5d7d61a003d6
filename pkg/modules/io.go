package modules

import (
	"sync"

	"github.com/google/uuid"
	"github.com/scottdavis/nnflow/pkg/core"
	"github.com/scottdavis/nnflow/pkg/tensor"
)

// Input is the entry point of a network instance.
type Input struct {
	*Module
}

// NewInput creates an input module.
func NewInput(id uuid.UUID, config *core.Config) *Input {
	return &Input{Module: NewModule(id, "Input", Identity{}, config)}
}

// Input injects a sample into the graph as if it was sent by the module itself.
// The sample is copied, so the caller may reuse its buffer right away.
func (i *Input) Input(input *tensor.Tensor, tags ...string) {
	if input != nil {
		input = input.Copy()
	}
	i.Forward(i.id, input, tags...)
}

// SetPrevious is ignored: an input has no upstream neighbors.
func (i *Input) SetPrevious(prev ...core.Module) {
	if len(prev) > 0 {
		i.logger.Warn("Input cannot have previous modules")
	}
}

// Output is a terminal module of a network instance.
type Output struct {
	*Module

	labelsMu sync.RWMutex
	labels   []string
}

// NewOutput creates an output module.
func NewOutput(id uuid.UUID, config *core.Config) *Output {
	return &Output{Module: NewModule(id, "Output", Identity{}, config)}
}

// SetNext is ignored: an output has no downstream neighbors.
func (o *Output) SetNext(next ...core.Module) {
	if len(next) > 0 {
		o.logger.Warn("Output cannot have next modules")
	}
}

// Backpropagate starts a backward pass from this output.
func (o *Output) Backpropagate(gradOutput *tensor.Tensor, tags ...string) {
	o.Backward(o.id, gradOutput, tags...)
}

// Output returns a copy of the last output, or nil.
func (o *Output) Output() *tensor.Tensor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastOutput.Copy()
}

// Tags returns the tags of the last output.
func (o *Output) Tags() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return core.CopyTags(o.lastTags)
}

// OutputLabels returns the labels describing the output dimensions.
func (o *Output) OutputLabels() []string {
	o.labelsMu.RLock()
	defer o.labelsMu.RUnlock()
	return append([]string(nil), o.labels...)
}

// SetOutputLabels sets the labels describing the output dimensions.
func (o *Output) SetOutputLabels(labels ...string) {
	o.labelsMu.Lock()
	defer o.labelsMu.Unlock()
	o.labels = append([]string(nil), labels...)
}

var (
	_ core.Input  = (*Input)(nil)
	_ core.Output = (*Output)(nil)
)
