package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/scottdavis/nnflow/pkg/core"
	"github.com/scottdavis/nnflow/pkg/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListeners(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Manager, uuid.UUID, core.ModuleDescriptor, core.ModuleDescriptor, core.ModuleDescriptor) {
		m := newTestManager(ManagerConfig{})
		nnID := uuid.New()
		in, lin, out := topology()
		return m, nnID, in, lin, out
	}

	inject := func(t *testing.T, m *Manager, nnID, inID uuid.UUID, tags ...string) {
		t.Helper()
		in, err := m.Module(nnID, inID)
		require.NoError(t, err)
		in.(core.Input).Input(tensor.MustFromData([]float32{1, 2}, 2), tags...)
	}

	t.Run("subscription made before deployment attaches later", func(t *testing.T) {
		m, nnID, in, lin, out := setup(t)

		var got []string
		done := make(chan struct{}, 1)
		m.Listeners().AddForwardListener(core.ListenerFilter{NNInstanceID: nnID},
			core.ForwardListenerFunc(func(_ uuid.UUID, _ *tensor.Tensor, tags ...string) {
				got = tags
				done <- struct{}{}
			}))

		_, err := m.DeployModules(ctx, nnID, "", []core.ModuleDescriptor{in, lin, out})
		require.NoError(t, err)

		inject(t, m, nnID, in.ID, "sample-1")
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			require.FailNow(t, "listener not called")
		}
		assert.Equal(t, []string{"sample-1"}, got)
	})

	t.Run("removed subscription stops delivery", func(t *testing.T) {
		m, nnID, in, lin, out := setup(t)
		_, err := m.DeployModules(ctx, nnID, "", []core.ModuleDescriptor{in, lin, out})
		require.NoError(t, err)

		rec := &outputs{ch: make(chan []float32, 4)}
		id := m.Listeners().AddForwardListener(core.ListenerFilter{NNInstanceID: nnID, ModuleID: out.ID}, rec)

		inject(t, m, nnID, in.ID)
		rec.wait(t)

		assert.True(t, m.Listeners().Remove(id))
		assert.False(t, m.Listeners().Remove(id))

		inject(t, m, nnID, in.ID)
		select {
		case <-rec.ch:
			require.FailNow(t, "listener called after removal")
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("instance filter selects outputs only", func(t *testing.T) {
		m, nnID, in, lin, out := setup(t)
		_, err := m.DeployModules(ctx, nnID, "", []core.ModuleDescriptor{in, lin, out})
		require.NoError(t, err)

		seen := make(chan uuid.UUID, 4)
		m.Listeners().AddForwardListener(core.ListenerFilter{NNInstanceID: nnID},
			core.ForwardListenerFunc(func(id uuid.UUID, _ *tensor.Tensor, _ ...string) { seen <- id }))

		inject(t, m, nnID, in.ID)
		select {
		case id := <-seen:
			assert.Equal(t, out.ID, id)
		case <-time.After(2 * time.Second):
			require.FailNow(t, "listener not called")
		}
		select {
		case id := <-seen:
			require.FailNow(t, "unexpected notification", id.String())
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("error and backward subscriptions", func(t *testing.T) {
		m, nnID, in, lin, out := setup(t)
		_, err := m.DeployModules(ctx, nnID, "", []core.ModuleDescriptor{in, lin, out})
		require.NoError(t, err)

		errs := make(chan error, 1)
		m.Listeners().AddErrorListener(core.ListenerFilter{NNInstanceID: nnID, ModuleID: lin.ID},
			core.ErrorListenerFunc(func(_ uuid.UUID, err error, _ ...string) { errs <- err }))
		grads := make(chan *tensor.Tensor, 1)
		m.Listeners().AddBackwardListener(core.ListenerFilter{NNInstanceID: nnID, ModuleID: in.ID},
			core.BackwardListenerFunc(func(_ uuid.UUID, g *tensor.Tensor, _ ...string) { grads <- g }))
		outs := &outputs{ch: make(chan []float32, 1)}
		m.Listeners().AddForwardListener(core.ListenerFilter{NNInstanceID: nnID}, outs)

		module, err := m.Module(nnID, in.ID)
		require.NoError(t, err)
		module.(core.Input).Input(tensor.MustFromData([]float32{1, 2, 3}, 3))
		select {
		case err := <-errs:
			var merr *core.ModuleError
			require.ErrorAs(t, err, &merr)
			assert.Equal(t, lin.ID, merr.ModuleID)
		case <-time.After(2 * time.Second):
			require.FailNow(t, "error listener not called")
		}

		inject(t, m, nnID, in.ID)
		outs.wait(t)
		output, err := m.Module(nnID, out.ID)
		require.NoError(t, err)
		output.(core.Output).Backpropagate(tensor.MustFromData([]float32{1}, 1))
		select {
		case g := <-grads:
			assert.Equal(t, 2, g.Size())
		case <-time.After(2 * time.Second):
			require.FailNow(t, "backward listener not called")
		}
	})

	t.Run("undeploy detaches", func(t *testing.T) {
		m, nnID, in, lin, out := setup(t)
		_, err := m.DeployModules(ctx, nnID, "", []core.ModuleDescriptor{in, lin, out})
		require.NoError(t, err)

		rec := &outputs{ch: make(chan []float32, 4)}
		m.Listeners().AddForwardListener(core.ListenerFilter{NNInstanceID: nnID}, rec)

		output, err := m.Module(nnID, out.ID)
		require.NoError(t, err)
		require.NoError(t, m.UndeployModule(ctx, core.ModuleInstance{NNInstanceID: nnID, ModuleID: out.ID}))

		// the detached module no longer reaches the subscriber
		output.Forward(lin.ID, tensor.MustFromData([]float32{5}, 1))
		select {
		case <-rec.ch:
			require.FailNow(t, "detached module notified subscriber")
		case <-time.After(100 * time.Millisecond):
		}
	})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	var added, removed []Key
	r.Subscribe(registryFuncs{
		added:   func(e Entry) { added = append(added, e.Key()) },
		removed: func(e Entry) { removed = append(removed, e.Key()) },
	})

	nnID := uuid.New()
	entry := Entry{Instance: core.ModuleInstance{NNInstanceID: nnID, ModuleID: uuid.New()}}

	require.NoError(t, r.Add(entry))
	assert.ErrorIs(t, r.Add(entry), ErrModuleExists)
	assert.Equal(t, []Key{entry.Key()}, added)

	got, err := r.Get(entry.Key())
	require.NoError(t, err)
	assert.Equal(t, entry.Instance, got.Instance)
	assert.Equal(t, []uuid.UUID{nnID}, r.Instances())
	assert.Len(t, r.Entries(nnID), 1)
	assert.Empty(t, r.Entries(uuid.New()))

	_, ok := r.Remove(entry.Key())
	assert.True(t, ok)
	_, ok = r.Remove(entry.Key())
	assert.False(t, ok)
	assert.Equal(t, []Key{entry.Key()}, removed)

	_, err = r.Get(entry.Key())
	assert.ErrorIs(t, err, ErrModuleNotFound)
	assert.Equal(t, 0, r.Count())
}

type registryFuncs struct {
	added, removed func(Entry)
}

func (f registryFuncs) ModuleAdded(e Entry)   { f.added(e) }
func (f registryFuncs) ModuleRemoved(e Entry) { f.removed(e) }
