// Package tensor provides the dense float32 tensor exchanged between modules.
//
// The numeric kernels of real layers live outside nnflow; this type only
// offers the storage, shape bookkeeping and the handful of operations the
// reference layers and the fork/join policies need.
package tensor

import (
	"fmt"
	"math"
	"strings"

	"github.com/scottdavis/nnflow/pkg/errors"
)

// Tensor is a row-major dense float32 array.
type Tensor struct {
	dims []int
	data []float32
}

// New allocates a zero-filled tensor with the given dimensions. It panics on
// negative dimensions, like make does.
func New(dims ...int) *Tensor {
	n, ok := checkedVolume(dims)
	if !ok {
		panic(fmt.Sprintf("tensor: invalid dimensions %v", dims))
	}
	return &Tensor{
		dims: append([]int(nil), dims...),
		data: make([]float32, n),
	}
}

// FromData wraps data with the given dimensions. If no dimensions are given
// the tensor is one-dimensional. The slice is not copied.
func FromData(data []float32, dims ...int) (*Tensor, error) {
	if len(dims) == 0 {
		dims = []int{len(data)}
	}
	if n, ok := checkedVolume(dims); !ok || n != len(data) {
		return nil, errors.WithFields(
			errors.New(errors.InvalidInput, "data length does not match dimensions"),
			errors.Fields{"dims": dims, "length": len(data)},
		)
	}
	return &Tensor{dims: append([]int(nil), dims...), data: data}, nil
}

// MustFromData is FromData that panics on a shape mismatch. Meant for tests and
// constant construction.
func MustFromData(data []float32, dims ...int) *Tensor {
	t, err := FromData(data, dims...)
	if err != nil {
		panic(err)
	}
	return t
}

// checkedVolume returns the element count of dims. It fails on negative
// dimensions and on products that overflow int.
func checkedVolume(dims []int) (int, bool) {
	n := 1
	for _, d := range dims {
		if d < 0 {
			return 0, false
		}
		if d != 0 && n > math.MaxInt/d {
			return 0, false
		}
		n *= d
	}
	return n, true
}

func volume(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// Dims returns a copy of the dimensions.
func (t *Tensor) Dims() []int {
	return append([]int(nil), t.dims...)
}

// Dim returns the number of dimensions.
func (t *Tensor) Dim() int {
	return len(t.dims)
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	return len(t.data)
}

// Data returns the backing slice.
func (t *Tensor) Data() []float32 {
	return t.data
}

// Get returns the element at the given index.
func (t *Tensor) Get(index ...int) float32 {
	return t.data[t.offset(index)]
}

// Set stores v at the given index.
func (t *Tensor) Set(v float32, index ...int) {
	t.data[t.offset(index)] = v
}

func (t *Tensor) offset(index []int) int {
	if len(index) != len(t.dims) {
		panic(fmt.Sprintf("tensor: index %v does not match dims %v", index, t.dims))
	}
	off := 0
	for i, idx := range index {
		off = off*t.dims[i] + idx
	}
	return off
}

// Copy returns a deep copy.
func (t *Tensor) Copy() *Tensor {
	if t == nil {
		return nil
	}
	return &Tensor{
		dims: append([]int(nil), t.dims...),
		data: append([]float32(nil), t.data...),
	}
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.data {
		t.data[i] = v
	}
}

// SameDims reports whether both tensors have identical dimensions.
func (t *Tensor) SameDims(o *Tensor) bool {
	if len(t.dims) != len(o.dims) {
		return false
	}
	for i := range t.dims {
		if t.dims[i] != o.dims[i] {
			return false
		}
	}
	return true
}

// Equal reports whether both tensors have the same dims and all elements
// differ by at most tolerance.
func (t *Tensor) Equal(o *Tensor, tolerance float32) bool {
	if t == nil || o == nil {
		return t == o
	}
	if !t.SameDims(o) {
		return false
	}
	for i := range t.data {
		if float32(math.Abs(float64(t.data[i]-o.data[i]))) > tolerance {
			return false
		}
	}
	return true
}

// Reshape returns a view with new dimensions sharing the same data.
func (t *Tensor) Reshape(dims ...int) (*Tensor, error) {
	if n, ok := checkedVolume(dims); !ok || n != len(t.data) {
		return nil, errors.WithFields(
			errors.New(errors.InvalidInput, "cannot reshape tensor"),
			errors.Fields{"from": t.dims, "to": dims},
		)
	}
	return &Tensor{dims: append([]int(nil), dims...), data: t.data}, nil
}

// Narrow returns a copy of the slice [start, start+size) along dimension dim.
func (t *Tensor) Narrow(dim, start, size int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.dims) || start < 0 || size < 0 || start+size > t.dims[dim] {
		return nil, errors.WithFields(
			errors.New(errors.InvalidInput, "narrow out of range"),
			errors.Fields{"dims": t.dims, "dim": dim, "start": start, "size": size},
		)
	}

	outer := volume(t.dims[:dim])
	inner := volume(t.dims[dim+1:])

	dims := t.Dims()
	dims[dim] = size
	out := New(dims...)

	for o := 0; o < outer; o++ {
		src := (o*t.dims[dim] + start) * inner
		dst := o * size * inner
		copy(out.data[dst:dst+size*inner], t.data[src:src+size*inner])
	}
	return out, nil
}

// String renders the tensor for logs.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Tensor%v[", t.dims)
	for i, v := range t.data {
		if i == 8 {
			b.WriteString(" ...")
			break
		}
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%g", v)
	}
	b.WriteString("]")
	return b.String()
}
