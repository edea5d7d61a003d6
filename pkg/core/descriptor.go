package core

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/scottdavis/nnflow/pkg/errors"
)

// ModuleDescriptor declares one module of a topology.
type ModuleDescriptor struct {
	ID         uuid.UUID         `json:"id"`
	Type       string            `json:"type"`
	Properties map[string]string `json:"properties,omitempty"`
	Next       []uuid.UUID       `json:"next,omitempty"`
	Prev       []uuid.UUID       `json:"prev,omitempty"`
	// TargetHost is the runtime the module should live on. uuid.Nil means
	// the runtime it is deployed to.
	TargetHost uuid.UUID `json:"target_host"`
}

// Validate checks the structural invariants of the descriptor.
func (d ModuleDescriptor) Validate() error {
	if d.ID == uuid.Nil {
		return errors.New(errors.ValidationFailed, "module descriptor has no id")
	}
	if strings.TrimSpace(d.Type) == "" {
		return errors.WithFields(
			errors.New(errors.ValidationFailed, "module descriptor has no type"),
			errors.Fields{"module_id": d.ID},
		)
	}
	for _, ids := range [][]uuid.UUID{d.Next, d.Prev} {
		seen := make(map[uuid.UUID]bool, len(ids))
		for _, id := range ids {
			if id == d.ID {
				return errors.WithFields(
					errors.New(errors.ValidationFailed, "module cannot be its own neighbor"),
					errors.Fields{"module_id": d.ID},
				)
			}
			if seen[id] {
				return errors.WithFields(
					errors.New(errors.ValidationFailed, "duplicate neighbor id"),
					errors.Fields{"module_id": d.ID, "neighbor_id": id},
				)
			}
			seen[id] = true
		}
	}
	return nil
}

// Property returns a property or def when absent.
func (d ModuleDescriptor) Property(key, def string) string {
	if v, ok := d.Properties[key]; ok {
		return v
	}
	return def
}

// IntProperty parses an integer property. A missing property yields def.
func (d ModuleDescriptor) IntProperty(key string, def int) (int, error) {
	v, ok := d.Properties[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, errors.WithFields(
			errors.Wrap(err, errors.WiringFailed, "invalid integer property"),
			errors.Fields{"module_id": d.ID, "property": key, "value": v},
		)
	}
	return n, nil
}

// RequiredIntProperty parses a mandatory positive integer property.
func (d ModuleDescriptor) RequiredIntProperty(key string) (int, error) {
	if _, ok := d.Properties[key]; !ok {
		return 0, errors.WithFields(
			errors.New(errors.WiringFailed, "missing module property"),
			errors.Fields{"module_id": d.ID, "type": d.Type, "property": key},
		)
	}
	n, err := d.IntProperty(key, 0)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.WithFields(
			errors.New(errors.WiringFailed, "module property must be positive"),
			errors.Fields{"module_id": d.ID, "property": key, "value": n},
		)
	}
	return n, nil
}

// ModuleInstance describes a deployed module.
type ModuleInstance struct {
	ModuleID     uuid.UUID        `json:"module_id"`
	NNInstanceID uuid.UUID        `json:"nn_instance_id"`
	RuntimeID    uuid.UUID        `json:"runtime_id"`
	Descriptor   ModuleDescriptor `json:"descriptor"`
}

// NeuralNetworkInstance is one deployed instantiation of a topology.
type NeuralNetworkInstance struct {
	ID          uuid.UUID                    `json:"id"`
	Name        string                       `json:"name"`
	Description string                       `json:"description,omitempty"`
	Modules     map[uuid.UUID]ModuleInstance `json:"modules"`
}

// ModuleProperty documents one configuration key of a module type.
type ModuleProperty struct {
	// Name is human readable.
	Name string `json:"name"`
	// ID is the key used in ModuleDescriptor.Properties.
	ID string `json:"id"`
	// Class is the expected value type ("int", "string", ...).
	Class string `json:"class"`
}

// ModuleType advertises a module kind a factory can build.
type ModuleType struct {
	Type         string           `json:"type"`
	Category     string           `json:"category"`
	Properties   []ModuleProperty `json:"properties,omitempty"`
	Trainable    bool             `json:"trainable"`
	MultipleNext bool             `json:"multiple_next,omitempty"`
	MultiplePrev bool             `json:"multiple_prev,omitempty"`
}

// ModuleFactory builds modules from descriptors. Factories are tried in
// registration order; a factory that does not know a type returns an error
// with code ResourceNotFound so the next one can be tried.
type ModuleFactory interface {
	CreateModule(desc ModuleDescriptor) (Module, error)
	SupportedModuleTypes() []ModuleType
}
