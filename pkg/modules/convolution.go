package modules

import (
	"math"
	"math/rand"
	"sync"

	"github.com/scottdavis/nnflow/pkg/errors"
	"github.com/scottdavis/nnflow/pkg/tensor"
)

// Convolution is a single-filter 1-D valid convolution over the flattened
// input. Parameters are the kernel weights followed by one bias.
type Convolution struct {
	kernel, stride int

	mu             sync.Mutex
	parameters     *tensor.Tensor
	gradParameters *tensor.Tensor
	input          *tensor.Tensor
	gradOutput     *tensor.Tensor
}

// NewConvolution creates a convolution with the given kernel size and stride.
func NewConvolution(kernel, stride int) *Convolution {
	c := &Convolution{
		kernel:         kernel,
		stride:         stride,
		parameters:     tensor.New(kernel + 1),
		gradParameters: tensor.New(kernel + 1),
	}
	std := float32(1 / math.Sqrt(float64(kernel)))
	for i := range c.parameters.Data() {
		c.parameters.Data()[i] = (rand.Float32()*2 - 1) * std
	}
	return c
}

func (c *Convolution) outputSize(n int) int {
	return (n-c.kernel)/c.stride + 1
}

func (c *Convolution) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.Size() < c.kernel {
		return nil, errors.WithFields(tensor.ErrShapeMismatch, errors.Fields{"kernel": c.kernel, "size": input.Size()})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.parameters.Data()
	x := input.Data()
	out := tensor.New(c.outputSize(len(x)))
	y := out.Data()
	for j := range y {
		sum := w[c.kernel]
		for t := 0; t < c.kernel; t++ {
			sum += w[t] * x[j*c.stride+t]
		}
		y[j] = sum
	}
	return out, nil
}

func (c *Convolution) Backward(input, _, gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if n := c.outputSize(input.Size()); gradOutput.Size() != n {
		return nil, sizeMismatch("gradOutput", n, gradOutput.Size())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.parameters.Data()
	g := gradOutput.Data()
	gradInput := tensor.New(input.Dims()...)
	gi := gradInput.Data()
	for j, v := range g {
		for t := 0; t < c.kernel; t++ {
			gi[j*c.stride+t] += w[t] * v
		}
	}

	c.input, c.gradOutput = input, gradOutput
	return gradInput, nil
}

func (c *Convolution) Parameters() *tensor.Tensor {
	return c.parameters
}

func (c *Convolution) GradParameters() *tensor.Tensor {
	return c.gradParameters
}

func (c *Convolution) AccGradParameters() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gradOutput == nil {
		return
	}
	dw := c.gradParameters.Data()
	x := c.input.Data()
	for j, v := range c.gradOutput.Data() {
		for t := 0; t < c.kernel; t++ {
			dw[t] += v * x[j*c.stride+t]
		}
		dw[c.kernel] += v
	}
}

func (c *Convolution) ZeroGradParameters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gradParameters.Fill(0)
}

func (c *Convolution) UpdateParameters(rate float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	updateParameters(c.parameters, c.gradParameters, rate)
}
