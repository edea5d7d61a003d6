package runtime

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/scottdavis/nnflow/pkg/core"
	"github.com/scottdavis/nnflow/pkg/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectory(t *testing.T) {
	ctx := context.Background()

	stores := map[string]func(t *testing.T) memory.Memory{
		"InMemory": func(t *testing.T) memory.Memory { return memory.NewInMemoryStore() },
		"SQLite": func(t *testing.T) memory.Memory {
			store, err := memory.NewSQLiteStore(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })
			return store
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			d := NewDirectory(newStore(t))
			nnID, other := uuid.New(), uuid.New()

			instance := core.ModuleInstance{
				ModuleID:     uuid.New(),
				NNInstanceID: nnID,
				RuntimeID:    uuid.New(),
				Descriptor: core.ModuleDescriptor{
					Type:       "Linear",
					Properties: map[string]string{"input": "2", "output": "1"},
					Next:       []uuid.UUID{uuid.New()},
				},
			}
			instance.Descriptor.ID = instance.ModuleID

			require.NoError(t, d.Publish(ctx, instance))
			require.NoError(t, d.Publish(ctx, core.ModuleInstance{ModuleID: uuid.New(), NNInstanceID: other}))

			got, err := d.Lookup(ctx, nnID, instance.ModuleID)
			require.NoError(t, err)
			assert.Equal(t, instance, got)

			all, err := d.Instances(ctx, nnID)
			require.NoError(t, err)
			assert.Len(t, all, 1)

			all, err = d.Instances(ctx, uuid.Nil)
			require.NoError(t, err)
			assert.Len(t, all, 2)

			require.NoError(t, d.Unpublish(ctx, nnID, instance.ModuleID))
			_, err = d.Lookup(ctx, nnID, instance.ModuleID)
			assert.ErrorIs(t, err, ErrModuleNotFound)
		})
	}
}

func TestManagerPublishesToDirectory(t *testing.T) {
	ctx := context.Background()
	d := NewDirectory(memory.NewInMemoryStore())
	m := newTestManager(ManagerConfig{Directory: d})

	nnID := uuid.New()
	in, lin, out := topology()
	_, err := m.DeployModules(ctx, nnID, "published", []core.ModuleDescriptor{in, lin, out})
	require.NoError(t, err)

	record, err := d.Lookup(ctx, nnID, lin.ID)
	require.NoError(t, err)
	assert.Equal(t, m.RuntimeID(), record.RuntimeID)
	assert.Equal(t, m.RuntimeID(), record.Descriptor.TargetHost)

	require.NoError(t, m.UndeployModule(ctx, record))
	_, err = d.Lookup(ctx, nnID, lin.ID)
	assert.ErrorIs(t, err, ErrModuleNotFound)
}
