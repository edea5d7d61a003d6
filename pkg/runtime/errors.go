package runtime

import "github.com/scottdavis/nnflow/pkg/errors"

var (
	// ErrModuleNotFound indicates a module is not deployed on this runtime.
	ErrModuleNotFound = errors.New(errors.ResourceNotFound, "module not found")

	// ErrInstanceNotFound indicates no module of a network instance is deployed.
	ErrInstanceNotFound = errors.New(errors.ResourceNotFound, "neural network instance not found")

	// ErrModuleExists indicates a module id is already deployed in the instance.
	ErrModuleExists = errors.New(errors.WiringFailed, "module already deployed")

	// ErrNoFactory indicates no registered factory supports the module type.
	ErrNoFactory = errors.New(errors.WiringFailed, "no factory supports module type")

	// ErrMultiplePrev indicates a module that cannot join inputs was given
	// several previous modules.
	ErrMultiplePrev = errors.New(errors.WiringFailed, "module does not support multiple previous modules")

	// ErrWrongRuntime indicates a descriptor targets another runtime.
	ErrWrongRuntime = errors.New(errors.WiringFailed, "module targets another runtime")

	// ErrInvalidDescriptor indicates a descriptor failed validation.
	ErrInvalidDescriptor = errors.New(errors.WiringFailed, "invalid module descriptor")
)
