package tensor

import "github.com/scottdavis/nnflow/pkg/errors"

// ErrShapeMismatch is returned when operands have incompatible dimensions.
var ErrShapeMismatch = errors.New(errors.InvalidInput, "tensor shape mismatch")

// Add returns the elementwise sum of tensors with identical dimensions.
func Add(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New(errors.InvalidInput, "nothing to add")
	}
	out := ts[0].Copy()
	for _, t := range ts[1:] {
		if !out.SameDims(t) {
			return nil, errors.WithFields(ErrShapeMismatch, errors.Fields{"left": out.dims, "right": t.dims})
		}
		for i, v := range t.data {
			out.data[i] += v
		}
	}
	return out, nil
}

// Concat flattens the tensors and joins them into one vector.
func Concat(ts ...*Tensor) *Tensor {
	n := 0
	for _, t := range ts {
		n += t.Size()
	}
	out := New(n)
	off := 0
	for _, t := range ts {
		off += copy(out.data[off:], t.data)
	}
	return out
}

// Split cuts the flattened tensor into consecutive vectors of the given sizes.
func Split(t *Tensor, sizes ...int) ([]*Tensor, error) {
	total := 0
	for _, s := range sizes {
		total += s
	}
	if total != t.Size() {
		return nil, errors.WithFields(ErrShapeMismatch, errors.Fields{"size": t.Size(), "parts": sizes})
	}
	out := make([]*Tensor, len(sizes))
	off := 0
	for i, s := range sizes {
		out[i] = New(s)
		copy(out[i].data, t.data[off:off+s])
		off += s
	}
	return out, nil
}
