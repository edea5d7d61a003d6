package modules

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/scottdavis/nnflow/pkg/core"
	"github.com/scottdavis/nnflow/pkg/tensor"
	"github.com/stretchr/testify/require"
)

type event struct {
	moduleID uuid.UUID
	tensor   *tensor.Tensor
	tags     []string
	err      error
}

// recorder is a forward, backward and error listener that pushes every
// callback onto a channel.
type recorder struct {
	events chan event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan event, 64)}
}

func (r *recorder) OnForward(moduleID uuid.UUID, output *tensor.Tensor, tags ...string) {
	r.events <- event{moduleID: moduleID, tensor: output, tags: tags}
}

func (r *recorder) OnBackward(moduleID uuid.UUID, gradInput *tensor.Tensor, tags ...string) {
	r.events <- event{moduleID: moduleID, tensor: gradInput, tags: tags}
}

func (r *recorder) OnError(moduleID uuid.UUID, err error, tags ...string) {
	r.events <- event{moduleID: moduleID, err: err, tags: tags}
}

func (r *recorder) next(t *testing.T) event {
	t.Helper()
	select {
	case e := <-r.events:
		return e
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for listener")
		return event{}
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case e := <-r.events:
		require.FailNow(t, "unexpected listener callback", "%+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

// gated passes its input through once released.
type gated struct {
	entered chan struct{}
	release chan struct{}
}

func newGated() *gated {
	return &gated{entered: make(chan struct{}, 8), release: make(chan struct{}, 8)}
}

func (g *gated) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	g.entered <- struct{}{}
	<-g.release
	return input.Copy(), nil
}

func (g *gated) Backward(_, _, gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	return gradOutput.Copy(), nil
}

func testConfig() *core.Config {
	return core.NewConfig().WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// chain wires modules in order.
func chain(ms ...core.Module) {
	for i := range ms {
		if i > 0 {
			ms[i].SetPrevious(ms[i-1])
		}
		if i < len(ms)-1 {
			ms[i].SetNext(ms[i+1])
		}
	}
}

func vec(v ...float32) *tensor.Tensor {
	return tensor.MustFromData(v, len(v))
}
