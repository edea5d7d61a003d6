package modules

import (
	"math"
	"math/rand"
	"sync"

	"github.com/scottdavis/nnflow/pkg/tensor"
)

// Linear computes y = Wx + b.
//
// Parameters are stored as one flat tensor: the out×in weights row-major,
// followed by the out biases.
type Linear struct {
	in, out int

	mu             sync.Mutex
	parameters     *tensor.Tensor
	gradParameters *tensor.Tensor
	input          *tensor.Tensor
	gradOutput     *tensor.Tensor
}

// NewLinear creates a linear layer initialized uniformly in
// [-1/sqrt(in), 1/sqrt(in)].
func NewLinear(in, out int) *Linear {
	l := &Linear{
		in:             in,
		out:            out,
		parameters:     tensor.New(out*in + out),
		gradParameters: tensor.New(out*in + out),
	}
	std := float32(1 / math.Sqrt(float64(in)))
	for i := range l.parameters.Data() {
		l.parameters.Data()[i] = (rand.Float32()*2 - 1) * std
	}
	return l
}

func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.Size() != l.in {
		return nil, sizeMismatch("input", l.in, input.Size())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.parameters.Data()
	x := input.Data()
	out := tensor.New(l.out)
	y := out.Data()
	for o := 0; o < l.out; o++ {
		sum := w[l.out*l.in+o]
		row := w[o*l.in : (o+1)*l.in]
		for i, v := range x {
			sum += row[i] * v
		}
		y[o] = sum
	}
	return out, nil
}

func (l *Linear) Backward(input, _, gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if gradOutput.Size() != l.out {
		return nil, sizeMismatch("gradOutput", l.out, gradOutput.Size())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.parameters.Data()
	g := gradOutput.Data()
	gradInput := tensor.New(input.Dims()...)
	gi := gradInput.Data()
	for o := 0; o < l.out; o++ {
		row := w[o*l.in : (o+1)*l.in]
		for i := range gi {
			gi[i] += row[i] * g[o]
		}
	}

	l.input, l.gradOutput = input, gradOutput
	return gradInput, nil
}

// Parameters returns the live parameter tensor.
func (l *Linear) Parameters() *tensor.Tensor {
	return l.parameters
}

// GradParameters returns the live gradient tensor.
func (l *Linear) GradParameters() *tensor.Tensor {
	return l.gradParameters
}

// AccGradParameters adds g⊗x to the weight gradient and g to the bias gradient
// for the last backward pass.
func (l *Linear) AccGradParameters() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.gradOutput == nil {
		return
	}
	dw := l.gradParameters.Data()
	x := l.input.Data()
	g := l.gradOutput.Data()
	for o := 0; o < l.out; o++ {
		row := dw[o*l.in : (o+1)*l.in]
		for i, v := range x {
			row[i] += g[o] * v
		}
		dw[l.out*l.in+o] += g[o]
	}
}

func (l *Linear) ZeroGradParameters() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gradParameters.Fill(0)
}

func (l *Linear) UpdateParameters(rate float32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	updateParameters(l.parameters, l.gradParameters, rate)
}

func updateParameters(params, grads *tensor.Tensor, rate float32) {
	p := params.Data()
	for i, g := range grads.Data() {
		p[i] += rate * g
	}
}
