package core

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/scottdavis/nnflow/pkg/errors"
)

var (
	// ErrUnknownModuleType is returned by factories for types they cannot build.
	ErrUnknownModuleType = errors.New(errors.ResourceNotFound, "unknown module type")

	// ErrUnsupportedOperation is reported when a module does not implement an operation.
	ErrUnsupportedOperation = errors.New(errors.Unsupported, "operation not supported by module")
)

// ModuleError is a computation failure caught at a module boundary.
type ModuleError struct {
	ModuleID uuid.UUID
	// Op is "forward" or "backward".
	Op   string
	Tags []string
	Err  error
}

// NewModuleError wraps err as a computation failure of the given module.
func NewModuleError(moduleID uuid.UUID, op string, err error, tags ...string) *ModuleError {
	if errors.CodeOf(err) != errors.Unsupported {
		err = errors.Wrap(err, errors.ComputationFailed, op+" failed")
	}
	return &ModuleError{
		ModuleID: moduleID,
		Op:       op,
		Tags:     CopyTags(tags),
		Err:      err,
	}
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("module %s %s [%s]: %v", e.ModuleID, e.Op, strings.Join(e.Tags, ","), e.Err)
}

func (e *ModuleError) Unwrap() error {
	return e.Err
}
