package tensor

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/ipc"
	"github.com/apache/arrow/go/v13/arrow/memory"
	"github.com/scottdavis/nnflow/pkg/errors"
)

const dimsKey = "nnflow.dims"

// Marshal encodes the tensor as a single-column Arrow IPC stream. The
// dimensions travel in the schema metadata.
func Marshal(t *Tensor) ([]byte, error) {
	dims := make([]string, len(t.dims))
	for i, d := range t.dims {
		dims[i] = strconv.Itoa(d)
	}
	return encode(strings.Join(dims, ","), t.data)
}

func encode(dims string, data []float32) ([]byte, error) {
	md := arrow.NewMetadata([]string{dimsKey}, []string{dims})
	schema := arrow.NewSchema([]arrow.Field{{Name: "data", Type: arrow.PrimitiveTypes.Float32}}, &md)

	builder := array.NewFloat32Builder(memory.DefaultAllocator)
	defer builder.Release()
	builder.AppendValues(data, nil)

	col := builder.NewArray()
	defer col.Release()

	record := array.NewRecord(schema, []arrow.Array{col}, int64(len(data)))
	defer record.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(memory.DefaultAllocator))
	if err := w.Write(record); err != nil {
		return nil, errors.Wrap(err, errors.InvalidInput, "failed to write tensor record")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, errors.InvalidInput, "failed to close tensor stream")
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a tensor produced by Marshal.
func Unmarshal(b []byte) (*Tensor, error) {
	r, err := ipc.NewReader(bytes.NewReader(b), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, errors.Wrap(err, errors.InvalidResponse, "failed to open tensor stream")
	}
	defer r.Release()

	md := r.Schema().Metadata()
	idx := md.FindKey(dimsKey)
	if idx < 0 {
		return nil, errors.New(errors.InvalidResponse, "tensor stream has no dims metadata")
	}

	var dims []int
	if v := md.Values()[idx]; v != "" {
		for _, s := range strings.Split(v, ",") {
			d, err := strconv.Atoi(s)
			if err != nil {
				return nil, errors.WithFields(
					errors.Wrap(err, errors.InvalidResponse, "invalid tensor dims"),
					errors.Fields{"dims": v},
				)
			}
			if d < 0 {
				return nil, errors.WithFields(
					errors.New(errors.InvalidResponse, "negative tensor dim"),
					errors.Fields{"dims": v},
				)
			}
			dims = append(dims, d)
		}
	}

	// sized by the stream, FromData checks it against dims
	var data []float32
	for r.Next() {
		col, ok := r.Record().Column(0).(*array.Float32)
		if !ok {
			return nil, errors.New(errors.InvalidResponse, "tensor column is not float32")
		}
		data = append(data, col.Float32Values()...)
	}
	if err := r.Err(); err != nil {
		return nil, errors.Wrap(err, errors.InvalidResponse, "failed to read tensor stream")
	}

	t, err := FromData(data, dims...)
	if err != nil {
		return nil, errors.WrapWith(err, errors.New(errors.InvalidResponse, "tensor data does not match dims"))
	}
	return t, nil
}
