package transport

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/scottdavis/nnflow/pkg/memory"
	"github.com/scottdavis/nnflow/pkg/runtime"
	"github.com/scottdavis/nnflow/pkg/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func push(t *testing.T, store memory.ListMemory, runtimeID uuid.UUID, e *Envelope) {
	t.Helper()
	data, err := e.Marshal()
	require.NoError(t, err)
	require.NoError(t, store.PushList(context.Background(), HostQueue(runtimeID), data))
}

func TestNewReceiver(t *testing.T) {
	store := memory.NewInMemoryStore()

	t.Run("Required fields", func(t *testing.T) {
		_, err := NewReceiver(&ReceiverConfig{Resolver: &mockResolver{}, RuntimeID: uuid.New()})
		assert.Error(t, err)
		_, err = NewReceiver(&ReceiverConfig{QueueStore: store, RuntimeID: uuid.New()})
		assert.Error(t, err)
		_, err = NewReceiver(&ReceiverConfig{QueueStore: store, Resolver: &mockResolver{}})
		assert.Error(t, err)
	})

	t.Run("Defaults", func(t *testing.T) {
		r, err := NewReceiver(&ReceiverConfig{QueueStore: store, Resolver: &mockResolver{}, RuntimeID: uuid.New()})
		require.NoError(t, err)
		assert.Equal(t, 500*time.Millisecond, r.config.PollInterval)
		assert.Equal(t, 4, r.config.Concurrency)
	})
}

func TestReceiver(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryStore()
	runtimeID, nnID := uuid.New(), uuid.New()
	target := newSink()
	unknown := uuid.New()

	resolver := &mockResolver{}
	resolver.On("Module", nnID, target.ID()).Return(target, nil)
	resolver.On("Module", nnID, unknown).Return(nil, runtime.ErrModuleNotFound)
	exploding := &panicking{sink: newSink()}
	resolver.On("Module", nnID, exploding.ID()).Return(exploding, nil)

	r, err := NewReceiver(&ReceiverConfig{
		QueueStore:   store,
		RuntimeID:    runtimeID,
		Resolver:     resolver,
		PollInterval: 20 * time.Millisecond,
		Concurrency:  3,
		Logger:       discard,
	})
	require.NoError(t, err)

	var (
		mu        sync.Mutex
		delivered int
	)
	r.Use(func(next DeliveryHandler) DeliveryHandler {
		return func(ctx context.Context, e *Envelope) error {
			err := next(ctx, e)
			if err == nil {
				mu.Lock()
				delivered++
				mu.Unlock()
			}
			return err
		}
	}, WithDeliveryLogging(discard))

	require.NoError(t, r.Start(ctx))
	defer r.Stop()
	assert.Error(t, r.Start(ctx))

	t.Run("Forward and backward delivery", func(t *testing.T) {
		from := uuid.New()
		e, err := NewEnvelope(KindForward, nnID, from, target.ID(), tensor.MustFromData([]float32{4}, 1), []string{"1"})
		require.NoError(t, err)
		push(t, store, runtimeID, e)

		c := target.next(t)
		assert.Equal(t, KindForward, c.kind)
		assert.Equal(t, from, c.from)
		assert.Equal(t, []float32{4}, c.tensor.Data())
		assert.Equal(t, []string{"1"}, c.tags)

		e, err = NewEnvelope(KindBackward, nnID, from, target.ID(), tensor.New(2), nil)
		require.NoError(t, err)
		push(t, store, runtimeID, e)
		assert.Equal(t, KindBackward, target.next(t).kind)
	})

	t.Run("Unknown module is dropped", func(t *testing.T) {
		bad, err := NewEnvelope(KindForward, nnID, uuid.New(), unknown, tensor.New(1), nil)
		require.NoError(t, err)
		push(t, store, runtimeID, bad)
		require.NoError(t, store.PushList(ctx, HostQueue(runtimeID), []byte("not an envelope")))

		good, err := NewEnvelope(KindForward, nnID, bad.From, target.ID(), tensor.New(1), []string{"after"})
		require.NoError(t, err)
		push(t, store, runtimeID, good)

		assert.Equal(t, []string{"after"}, target.next(t).tags)
	})

	t.Run("Messages from one sender keep their order", func(t *testing.T) {
		from := uuid.New()
		for i := 0; i < 20; i++ {
			e, err := NewEnvelope(KindForward, nnID, from, target.ID(), tensor.New(1), []string{fmt.Sprint(i)})
			require.NoError(t, err)
			push(t, store, runtimeID, e)
		}
		for i := 0; i < 20; i++ {
			assert.Equal(t, []string{fmt.Sprint(i)}, target.next(t).tags)
		}
	})

	t.Run("Panicking module does not stop the worker", func(t *testing.T) {
		from := uuid.New()
		bad, err := NewEnvelope(KindForward, nnID, from, exploding.ID(), tensor.New(1), nil)
		require.NoError(t, err)
		push(t, store, runtimeID, bad)

		good, err := NewEnvelope(KindForward, nnID, from, target.ID(), tensor.New(1), []string{"survived"})
		require.NoError(t, err)
		push(t, store, runtimeID, good)

		assert.Equal(t, []string{"survived"}, target.next(t).tags)
	})

	r.Stop()
	r.Stop()
	assert.Equal(t, 24, delivered)
	resolver.AssertCalled(t, "Module", nnID, unknown)
}
