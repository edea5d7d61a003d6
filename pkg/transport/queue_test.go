package transport

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/scottdavis/nnflow/pkg/core"
	"github.com/scottdavis/nnflow/pkg/errors"
	"github.com/scottdavis/nnflow/pkg/memory"
	"github.com/scottdavis/nnflow/pkg/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQueueTransport(t *testing.T) {
	_, err := NewQueueTransport(&QueueTransportConfig{})
	assert.Error(t, err)

	q, err := NewQueueTransport(&QueueTransportConfig{QueueStore: memory.NewInMemoryStore()})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, q.config.SendTimeout)
	assert.NotNil(t, q.config.Logger)
}

func TestProxy(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryStore()
	q, err := NewQueueTransport(&QueueTransportConfig{QueueStore: store, Logger: discard})
	require.NoError(t, err)

	instance := core.ModuleInstance{ModuleID: uuid.New(), NNInstanceID: uuid.New(), RuntimeID: uuid.New()}
	module, err := q.Proxy(instance)
	require.NoError(t, err)
	proxy := module.(*Proxy)
	assert.Equal(t, instance.ModuleID, proxy.ID())
	assert.Equal(t, instance, proxy.Instance())

	t.Run("Forward pushes to the host queue", func(t *testing.T) {
		from := uuid.New()
		seen := make(chan []string, 1)
		proxy.AddForwardListener(core.ForwardListenerFunc(func(id uuid.UUID, _ *tensor.Tensor, tags ...string) {
			assert.Equal(t, instance.ModuleID, id)
			seen <- tags
		}))

		proxy.Forward(from, tensor.MustFromData([]float32{1, 2}, 2), "3")

		n, err := store.ListLength(ctx, HostQueue(instance.RuntimeID))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		data, err := store.PopList(ctx, HostQueue(instance.RuntimeID), 0)
		require.NoError(t, err)
		e, err := UnmarshalEnvelope(data)
		require.NoError(t, err)
		assert.Equal(t, KindForward, e.Kind)
		assert.Equal(t, from, e.From)
		assert.Equal(t, instance.ModuleID, e.To)
		assert.Equal(t, instance.NNInstanceID, e.NNInstanceID)
		assert.Equal(t, []string{"3"}, e.Tags)

		assert.Equal(t, []string{"3"}, <-seen)
	})

	t.Run("Backward pushes to the host queue", func(t *testing.T) {
		proxy.Backward(uuid.New(), tensor.New(3))

		data, err := store.PopList(ctx, HostQueue(instance.RuntimeID), 0)
		require.NoError(t, err)
		e, err := UnmarshalEnvelope(data)
		require.NoError(t, err)
		assert.Equal(t, KindBackward, e.Kind)
	})

	t.Run("Edges are ignored and mode is local", func(t *testing.T) {
		proxy.SetNext(newSink())
		proxy.SetPrevious(newSink())
		assert.Equal(t, core.DefaultMode, proxy.Mode())
		proxy.SetMode(core.Skip)
		assert.Equal(t, core.Skip, proxy.Mode())

		// nothing reaches the remote runtime
		n, err := store.ListLength(ctx, HostQueue(instance.RuntimeID))
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Runtime is required", func(t *testing.T) {
		_, err := q.Proxy(core.ModuleInstance{ModuleID: uuid.New()})
		require.Error(t, err)
		assert.Equal(t, errors.InvalidInput, errors.CodeOf(err))
	})
}

func TestProxySendFailure(t *testing.T) {
	q, err := NewQueueTransport(&QueueTransportConfig{
		QueueStore: brokenQueue{memory.NewInMemoryStore()},
		Logger:     discard,
	})
	require.NoError(t, err)

	module, err := q.Proxy(core.ModuleInstance{ModuleID: uuid.New(), NNInstanceID: uuid.New(), RuntimeID: uuid.New()})
	require.NoError(t, err)

	t.Run("Without listeners the failure is only logged", func(t *testing.T) {
		assert.NotPanics(t, func() { module.Forward(uuid.New(), tensor.New(1)) })
	})

	t.Run("Error listeners receive the failure", func(t *testing.T) {
		seen := &errorsSeen{}
		forwarded := false
		module.AddErrorListener(seen)
		module.AddForwardListener(core.ForwardListenerFunc(func(uuid.UUID, *tensor.Tensor, ...string) {
			forwarded = true
		}))

		module.Forward(uuid.New(), tensor.New(1), "1")

		errs := seen.all()
		require.Len(t, errs, 1)
		var merr *core.ModuleError
		require.True(t, errors.As(errs[0], &merr))
		assert.Equal(t, module.ID(), merr.ModuleID)
		assert.Equal(t, "forward", merr.Op)
		assert.Equal(t, []string{"1"}, merr.Tags)
		assert.Equal(t, errors.TransportFailed, errors.CodeOf(merr.Err))
		assert.False(t, forwarded)

		module.RemoveErrorListener(seen)
		module.Forward(uuid.New(), tensor.New(1))
		assert.Len(t, seen.all(), 1)
	})
}
