package modules

import (
	"math"

	"github.com/scottdavis/nnflow/pkg/tensor"
)

// Sigmoid applies 1/(1+e^-x) elementwise.
type Sigmoid struct{}

func (Sigmoid) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return mapTensor(input, func(x float32) float32 {
		return float32(1 / (1 + math.Exp(-float64(x))))
	}), nil
}

func (Sigmoid) Backward(_, output, gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	return zipTensor(output, gradOutput, func(y, g float32) float32 { return g * y * (1 - y) })
}

// Tanh applies the hyperbolic tangent elementwise.
type Tanh struct{}

func (Tanh) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return mapTensor(input, func(x float32) float32 {
		return float32(math.Tanh(float64(x)))
	}), nil
}

func (Tanh) Backward(_, output, gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	return zipTensor(output, gradOutput, func(y, g float32) float32 { return g * (1 - y*y) })
}

// ReLU applies max(0, x) elementwise.
type ReLU struct{}

func (ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return mapTensor(input, func(x float32) float32 {
		if x > 0 {
			return x
		}
		return 0
	}), nil
}

func (ReLU) Backward(input, _, gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	return zipTensor(input, gradOutput, func(x, g float32) float32 {
		if x > 0 {
			return g
		}
		return 0
	})
}

func mapTensor(t *tensor.Tensor, fn func(float32) float32) *tensor.Tensor {
	out := tensor.New(t.Dims()...)
	o := out.Data()
	for i, v := range t.Data() {
		o[i] = fn(v)
	}
	return out
}

func zipTensor(a, b *tensor.Tensor, fn func(float32, float32) float32) (*tensor.Tensor, error) {
	if a.Size() != b.Size() {
		return nil, sizeMismatch("gradOutput", a.Size(), b.Size())
	}
	out := tensor.New(a.Dims()...)
	o := out.Data()
	bd := b.Data()
	for i, v := range a.Data() {
		o[i] = fn(v, bd[i])
	}
	return out, nil
}
