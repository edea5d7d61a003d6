package transport

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/scottdavis/nnflow/pkg/core"
	"github.com/scottdavis/nnflow/pkg/errors"
	"github.com/scottdavis/nnflow/pkg/memory"
	"github.com/scottdavis/nnflow/pkg/tensor"
)

// QueueTransportConfig configures a QueueTransport.
type QueueTransportConfig struct {
	// QueueStore holds the host queues (Redis recommended)
	QueueStore memory.ListMemory

	// MessageTTL expires undelivered envelopes. Zero keeps them forever.
	MessageTTL time.Duration

	// SendTimeout bounds a single push. Defaults to 5s.
	SendTimeout time.Duration

	// Logger is used for logging
	Logger *slog.Logger
}

// QueueTransport proxies remote modules over host queues.
type QueueTransport struct {
	config *QueueTransportConfig
}

// NewQueueTransport creates a transport over config.QueueStore.
func NewQueueTransport(config *QueueTransportConfig) (*QueueTransport, error) {
	if config.QueueStore == nil {
		return nil, errors.New(errors.InvalidInput, "QueueStore is required")
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &QueueTransport{config: config}, nil
}

// Proxy returns a module that forwards every call to the runtime hosting
// instance.
func (q *QueueTransport) Proxy(instance core.ModuleInstance) (core.Module, error) {
	if instance.RuntimeID == uuid.Nil {
		return nil, errors.WithFields(
			errors.New(errors.InvalidInput, "module instance has no runtime"),
			errors.Fields{"module_id": instance.ModuleID},
		)
	}
	p := &Proxy{
		transport: q,
		instance:  instance,
		queue:     HostQueue(instance.RuntimeID),
		logger: q.config.Logger.With(
			"module_id", instance.ModuleID.String(),
			"remote_runtime_id", instance.RuntimeID.String()),
	}
	p.mode.Store(uint32(core.DefaultMode))
	return p, nil
}

func (q *QueueTransport) send(e *Envelope, queue string) error {
	data, err := e.Marshal()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.config.SendTimeout)
	defer cancel()

	var opts []memory.StoreOption
	if q.config.MessageTTL > 0 {
		opts = append(opts, memory.WithTTL(q.config.MessageTTL))
	}
	if err := q.config.QueueStore.PushList(ctx, queue, data, opts...); err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.TransportFailed, "failed to push envelope"),
			errors.Fields{"queue": queue, "envelope_id": e.ID},
		)
	}
	return nil
}

// Proxy stands in for a module hosted by another runtime. Edges and mode
// belong to the remote module; the proxy only relays calls. Send failures
// are reported to the proxy's error listeners.
type Proxy struct {
	transport *QueueTransport
	instance  core.ModuleInstance
	queue     string
	logger    *slog.Logger
	mode      atomic.Uint32

	mu       sync.RWMutex
	forward  []core.ForwardListener
	backward []core.BackwardListener
	errs     []core.ErrorListener
}

// Instance returns the proxied module instance.
func (p *Proxy) Instance() core.ModuleInstance {
	return p.instance
}

func (p *Proxy) ID() uuid.UUID {
	return p.instance.ModuleID
}

func (p *Proxy) Forward(from uuid.UUID, input *tensor.Tensor, tags ...string) {
	p.relay(KindForward, from, input, tags)
}

func (p *Proxy) Backward(from uuid.UUID, gradOutput *tensor.Tensor, tags ...string) {
	p.relay(KindBackward, from, gradOutput, tags)
}

func (p *Proxy) relay(kind Kind, from uuid.UUID, t *tensor.Tensor, tags []string) {
	e, err := NewEnvelope(kind, p.instance.NNInstanceID, from, p.instance.ModuleID, t, tags)
	if err == nil {
		err = p.transport.send(e, p.queue)
	}
	if err != nil {
		p.fail(string(kind), err, tags)
		return
	}
	p.logger.Debug("Relayed envelope", "envelope_id", e.ID.String(), "kind", kind, "from", from.String())

	p.mu.RLock()
	defer p.mu.RUnlock()
	switch kind {
	case KindForward:
		for _, l := range p.forward {
			l.OnForward(p.ID(), t.Copy(), core.CopyTags(tags)...)
		}
	case KindBackward:
		for _, l := range p.backward {
			l.OnBackward(p.ID(), t.Copy(), core.CopyTags(tags)...)
		}
	}
}

func (p *Proxy) fail(op string, err error, tags []string) {
	merr := &core.ModuleError{ModuleID: p.ID(), Op: op, Tags: core.CopyTags(tags), Err: err}

	p.mu.RLock()
	ls := append([]core.ErrorListener(nil), p.errs...)
	p.mu.RUnlock()

	if len(ls) == 0 {
		p.logger.Error("Failed to relay message", "op", op, "tags", tags, "error", err)
		return
	}
	for _, l := range ls {
		l.OnError(p.ID(), merr, core.CopyTags(tags)...)
	}
}

// SetNext is a no-op: the remote module owns its edges.
func (p *Proxy) SetNext(...core.Module) {}

// SetPrevious is a no-op: the remote module owns its edges.
func (p *Proxy) SetPrevious(...core.Module) {}

// SetMode records mode on the proxy only. Mode returns it, but the remote
// module keeps its own policy and nothing is sent to its runtime.
func (p *Proxy) SetMode(mode core.Mode) {
	p.mode.Store(uint32(mode))
}

func (p *Proxy) Mode() core.Mode {
	return core.Mode(p.mode.Load())
}

func (p *Proxy) AddForwardListener(l core.ForwardListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forward = append(p.forward, l)
}

func (p *Proxy) RemoveForwardListener(l core.ForwardListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forward = without(p.forward, l)
}

func (p *Proxy) AddBackwardListener(l core.BackwardListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backward = append(p.backward, l)
}

func (p *Proxy) RemoveBackwardListener(l core.BackwardListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backward = without(p.backward, l)
}

func (p *Proxy) AddErrorListener(l core.ErrorListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, l)
}

func (p *Proxy) RemoveErrorListener(l core.ErrorListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = without(p.errs, l)
}

func without[T any](ls []T, l T) []T {
	out := make([]T, 0, len(ls))
	for _, x := range ls {
		if t := reflect.TypeOf(x); t == reflect.TypeOf(l) && t != nil && t.Comparable() && any(x) == any(l) {
			continue
		}
		out = append(out, x)
	}
	return out
}

var _ core.Module = (*Proxy)(nil)
