package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/scottdavis/nnflow/pkg/core"
	"github.com/scottdavis/nnflow/pkg/errors"
	"github.com/scottdavis/nnflow/pkg/memory"
)

const directoryPrefix = "nnflow:directory:"

// Directory records which runtime hosts each module so that runtimes can
// wire edges to modules they do not host.
type Directory struct {
	store memory.Memory
}

// NewDirectory creates a directory over store. Runtimes that share store see
// each other's modules.
func NewDirectory(store memory.Memory) *Directory {
	return &Directory{store: store}
}

func directoryKey(nnID, moduleID uuid.UUID) string {
	return fmt.Sprintf("%s%s:%s", directoryPrefix, nnID, moduleID)
}

// Publish records instance.
func (d *Directory) Publish(ctx context.Context, instance core.ModuleInstance) error {
	data, err := json.Marshal(instance)
	if err != nil {
		return errors.Wrap(err, errors.InvalidInput, "failed to marshal module instance")
	}
	if err := d.store.Store(ctx, directoryKey(instance.NNInstanceID, instance.ModuleID), data); err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.TransportFailed, "failed to publish module instance"),
			errors.Fields{"nn_id": instance.NNInstanceID, "module_id": instance.ModuleID},
		)
	}
	return nil
}

// Unpublish removes the record of a module.
func (d *Directory) Unpublish(ctx context.Context, nnID, moduleID uuid.UUID) error {
	if err := d.store.Delete(ctx, directoryKey(nnID, moduleID)); err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.TransportFailed, "failed to unpublish module instance"),
			errors.Fields{"nn_id": nnID, "module_id": moduleID},
		)
	}
	return nil
}

// Lookup returns the record of a module. Unknown modules yield an error
// matching ErrModuleNotFound.
func (d *Directory) Lookup(ctx context.Context, nnID, moduleID uuid.UUID) (core.ModuleInstance, error) {
	data, err := d.store.Retrieve(ctx, directoryKey(nnID, moduleID))
	if errors.Is(err, memory.ErrNotFound) {
		return core.ModuleInstance{}, errors.WithFields(ErrModuleNotFound, errors.Fields{
			"nn_id":     nnID,
			"module_id": moduleID,
		})
	}
	if err != nil {
		return core.ModuleInstance{}, err
	}

	var instance core.ModuleInstance
	if err := json.Unmarshal(data, &instance); err != nil {
		return core.ModuleInstance{}, errors.WithFields(
			errors.Wrap(err, errors.InvalidResponse, "failed to unmarshal module instance"),
			errors.Fields{"nn_id": nnID, "module_id": moduleID},
		)
	}
	return instance, nil
}

// Instances returns the records of one network instance, or of all of them
// when nnID is uuid.Nil.
func (d *Directory) Instances(ctx context.Context, nnID uuid.UUID) ([]core.ModuleInstance, error) {
	prefix := directoryPrefix
	if nnID != uuid.Nil {
		prefix += nnID.String() + ":"
	}
	keys, err := d.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	instances := make([]core.ModuleInstance, 0, len(keys))
	for _, key := range keys {
		parts := strings.Split(strings.TrimPrefix(key, directoryPrefix), ":")
		if len(parts) != 2 {
			continue
		}
		nn, err1 := uuid.Parse(parts[0])
		module, err2 := uuid.Parse(parts[1])
		if err1 != nil || err2 != nil {
			continue
		}
		instance, err := d.Lookup(ctx, nn, module)
		if errors.Is(err, ErrModuleNotFound) {
			// removed since List
			continue
		}
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	return instances, nil
}
