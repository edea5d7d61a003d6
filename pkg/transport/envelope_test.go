package transport

import (
	"testing"

	"github.com/google/uuid"
	"github.com/scottdavis/nnflow/pkg/errors"
	"github.com/scottdavis/nnflow/pkg/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope(t *testing.T) {
	nnID, from, to := uuid.New(), uuid.New(), uuid.New()

	t.Run("Round trip", func(t *testing.T) {
		input := tensor.MustFromData([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
		e, err := NewEnvelope(KindBackward, nnID, from, to, input, []string{"7", "Grid_0_1"})
		require.NoError(t, err)

		data, err := e.Marshal()
		require.NoError(t, err)

		got, err := UnmarshalEnvelope(data)
		require.NoError(t, err)
		assert.Equal(t, e.ID, got.ID)
		assert.Equal(t, KindBackward, got.Kind)
		assert.Equal(t, nnID, got.NNInstanceID)
		assert.Equal(t, from, got.From)
		assert.Equal(t, to, got.To)
		assert.Equal(t, []string{"7", "Grid_0_1"}, got.Tags)

		decoded, err := got.Decode()
		require.NoError(t, err)
		assert.Equal(t, []int{2, 3}, decoded.Dims())
		assert.True(t, input.Equal(decoded, 0))
	})

	t.Run("Tags are copied", func(t *testing.T) {
		tags := []string{"a"}
		e, err := NewEnvelope(KindForward, nnID, from, to, tensor.New(1), tags)
		require.NoError(t, err)
		tags[0] = "b"
		assert.Equal(t, []string{"a"}, e.Tags)
	})

	t.Run("Nil tensor", func(t *testing.T) {
		_, err := NewEnvelope(KindForward, nnID, from, to, nil, nil)
		require.Error(t, err)
		assert.Equal(t, errors.InvalidInput, errors.CodeOf(err))
	})

	t.Run("Unknown kind", func(t *testing.T) {
		_, err := UnmarshalEnvelope([]byte(`{"kind":"sideways"}`))
		require.Error(t, err)
		assert.Equal(t, errors.InvalidResponse, errors.CodeOf(err))
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := UnmarshalEnvelope([]byte(`{`))
		require.Error(t, err)
		assert.Equal(t, errors.InvalidResponse, errors.CodeOf(err))
	})

	t.Run("Host queue", func(t *testing.T) {
		id := uuid.MustParse("6f1c1a4e-0d3b-4d8a-9a57-3f0b0f6f2a10")
		assert.Equal(t, "nnflow:host:6f1c1a4e-0d3b-4d8a-9a57-3f0b0f6f2a10", HostQueue(id))
	})
}
