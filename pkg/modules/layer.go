package modules

import (
	"github.com/scottdavis/nnflow/pkg/errors"
	"github.com/scottdavis/nnflow/pkg/tensor"
)

// Layer is the local transform of a Module. Implementations stand in for the
// external numeric kernels.
type Layer interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	// Backward computes the gradient w.r.t. input given the input and output
	// of the matching forward pass.
	Backward(input, output, gradOutput *tensor.Tensor) (*tensor.Tensor, error)
}

// Identity passes tensors through unchanged.
type Identity struct{}

func (Identity) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return input, nil
}

func (Identity) Backward(_, _, gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	return gradOutput, nil
}

func sizeMismatch(what string, want, got int) error {
	return errors.WithFields(tensor.ErrShapeMismatch, errors.Fields{"operand": what, "want": want, "got": got})
}
