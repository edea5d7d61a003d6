package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/scottdavis/nnflow/pkg/core"
	"github.com/scottdavis/nnflow/pkg/errors"
	"github.com/scottdavis/nnflow/pkg/memory"
	"github.com/scottdavis/nnflow/pkg/tensor"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type call struct {
	from   uuid.UUID
	kind   Kind
	tensor *tensor.Tensor
	tags   []string
}

// sink is a module that records every call it receives.
type sink struct {
	id    uuid.UUID
	calls chan call
}

func newSink() *sink {
	return &sink{id: uuid.New(), calls: make(chan call, 64)}
}

func (s *sink) Forward(from uuid.UUID, input *tensor.Tensor, tags ...string) {
	s.calls <- call{from: from, kind: KindForward, tensor: input, tags: tags}
}

func (s *sink) Backward(from uuid.UUID, gradOutput *tensor.Tensor, tags ...string) {
	s.calls <- call{from: from, kind: KindBackward, tensor: gradOutput, tags: tags}
}

func (s *sink) next(t *testing.T) call {
	t.Helper()
	select {
	case c := <-s.calls:
		return c
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for delivery")
		return call{}
	}
}

func (s *sink) ID() uuid.UUID { return s.id }
func (s *sink) SetNext(...core.Module) {}
func (s *sink) SetPrevious(...core.Module) {}
func (s *sink) SetMode(core.Mode) {}
func (s *sink) Mode() core.Mode { return core.DefaultMode }
func (s *sink) AddForwardListener(core.ForwardListener) {}
func (s *sink) RemoveForwardListener(core.ForwardListener) {}
func (s *sink) AddBackwardListener(core.BackwardListener) {}
func (s *sink) RemoveBackwardListener(core.BackwardListener) {}
func (s *sink) AddErrorListener(core.ErrorListener) {}
func (s *sink) RemoveErrorListener(core.ErrorListener) {}

// panicking is a sink whose Forward panics.
type panicking struct {
	*sink
}

func (p *panicking) Forward(uuid.UUID, *tensor.Tensor, ...string) {
	panic("forward exploded")
}

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) Module(nnID, moduleID uuid.UUID) (core.Module, error) {
	args := m.Called(nnID, moduleID)
	module, _ := args.Get(0).(core.Module)
	return module, args.Error(1)
}

// brokenQueue fails every push.
type brokenQueue struct {
	*memory.InMemoryStore
}

func (brokenQueue) PushList(context.Context, string, []byte, ...memory.StoreOption) error {
	return errors.New(errors.TransportFailed, "queue unavailable")
}

type errorsSeen struct {
	mu   sync.Mutex
	errs []error
}

func (e *errorsSeen) OnError(_ uuid.UUID, err error, _ ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, err)
}

func (e *errorsSeen) all() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}
