package transport

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/scottdavis/nnflow/pkg/core"
	"github.com/scottdavis/nnflow/pkg/errors"
	"github.com/scottdavis/nnflow/pkg/memory"
	"github.com/sourcegraph/conc"
)

// Resolver finds the local module an envelope is addressed to.
// runtime.Manager satisfies it.
type Resolver interface {
	Module(nnID, moduleID uuid.UUID) (core.Module, error)
}

// ReceiverConfig holds configuration for a Receiver.
type ReceiverConfig struct {
	// QueueStore is the queue backend shared with the senders
	QueueStore memory.ListMemory

	// RuntimeID names the host queue to drain
	RuntimeID uuid.UUID

	// Resolver maps envelopes to local modules
	Resolver Resolver

	// PollInterval is how long a pop waits for an envelope
	PollInterval time.Duration

	// Concurrency is the number of delivery workers. Envelopes from one
	// sender always go to the same worker, so they are delivered in order.
	Concurrency int

	// Logger is used for logging
	Logger *slog.Logger
}

// DeliveryHandler delivers one envelope.
type DeliveryHandler func(ctx context.Context, e *Envelope) error

// DeliveryMiddleware wraps a DeliveryHandler.
type DeliveryMiddleware func(next DeliveryHandler) DeliveryHandler

// Receiver drains the host queue of a runtime and delivers envelopes to
// local modules.
type Receiver struct {
	config      *ReceiverConfig
	middlewares []DeliveryMiddleware
	logger      *slog.Logger

	stopCh    chan struct{}
	workers   []chan *Envelope
	wg        conc.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewReceiver creates a new receiver.
func NewReceiver(config *ReceiverConfig) (*Receiver, error) {
	if config.QueueStore == nil {
		return nil, errors.New(errors.InvalidInput, "QueueStore is required")
	}
	if config.Resolver == nil {
		return nil, errors.New(errors.InvalidInput, "Resolver is required")
	}
	if config.RuntimeID == uuid.Nil {
		return nil, errors.New(errors.InvalidInput, "RuntimeID is required")
	}

	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Receiver{
		config: config,
		logger: config.Logger.With("runtime_id", config.RuntimeID.String()),
	}, nil
}

// Use adds middleware to the delivery chain. Middleware added first runs
// outermost.
func (r *Receiver) Use(middleware ...DeliveryMiddleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, middleware...)
}

// Start begins draining the host queue.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isRunning {
		return errors.New(errors.InvalidInput, "receiver is already running")
	}

	handler := r.deliver
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		handler = r.middlewares[i](handler)
	}

	r.stopCh = make(chan struct{})
	r.workers = make([]chan *Envelope, r.config.Concurrency)
	for i := range r.workers {
		ch := make(chan *Envelope, 16)
		r.workers[i] = ch
		r.wg.Go(func() { r.processEnvelopes(ctx, ch, handler) })
	}
	stopCh, workers := r.stopCh, r.workers
	r.wg.Go(func() { r.pollQueue(ctx, stopCh, workers) })

	r.isRunning = true
	r.logger.Info("Receiver started", "queue", HostQueue(r.config.RuntimeID), "concurrency", r.config.Concurrency)
	return nil
}

// Stop stops the receiver and waits for in-flight deliveries.
func (r *Receiver) Stop() {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return
	}
	close(r.stopCh)
	r.isRunning = false
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("Receiver stopped")
}

// pollQueue pops envelopes and routes them to the worker owning the sender.
func (r *Receiver) pollQueue(ctx context.Context, stopCh chan struct{}, workers []chan *Envelope) {
	defer func() {
		for _, ch := range workers {
			close(ch)
		}
	}()

	queue := HostQueue(r.config.RuntimeID)
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		data, err := r.config.QueueStore.PopList(ctx, queue, r.config.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("Failed to pop envelope", "queue", queue, "error", err)
			select {
			case <-stopCh:
				return
			case <-time.After(r.config.PollInterval):
			}
			continue
		}
		if data == nil {
			continue
		}

		e, err := UnmarshalEnvelope(data)
		if err != nil {
			r.logger.Error("Dropping malformed envelope", "queue", queue, "error", err)
			continue
		}

		select {
		case workers[r.shard(e.From)] <- e:
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Receiver) shard(from uuid.UUID) int {
	h := fnv.New32a()
	_, _ = h.Write(from[:])
	return int(h.Sum32() % uint32(r.config.Concurrency))
}

func (r *Receiver) processEnvelopes(ctx context.Context, ch <-chan *Envelope, handler DeliveryHandler) {
	for e := range ch {
		if err := r.handle(ctx, handler, e); err != nil {
			r.logger.Error("Failed to deliver envelope",
				"envelope_id", e.ID.String(),
				"module_id", e.To.String(),
				"error", err)
		}
	}
}

// handle runs handler on one envelope. A panic fails that envelope only, the
// worker keeps serving its senders.
func (r *Receiver) handle(ctx context.Context, handler DeliveryHandler, e *Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.WithFields(
				errors.New(errors.TransportFailed, "delivery panicked"),
				errors.Fields{"panic": p},
			)
		}
	}()
	return handler(ctx, e)
}

// deliver hands the envelope to its module. It returns once the module
// admitted the message, which for blocking modules includes waiting for
// the previous message to be dispatched.
func (r *Receiver) deliver(_ context.Context, e *Envelope) error {
	module, err := r.config.Resolver.Module(e.NNInstanceID, e.To)
	if err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.ResourceNotFound, "no module for envelope"),
			errors.Fields{"nn_instance_id": e.NNInstanceID, "module_id": e.To},
		)
	}

	t, err := e.Decode()
	if err != nil {
		return err
	}

	switch e.Kind {
	case KindForward:
		module.Forward(e.From, t, e.Tags...)
	case KindBackward:
		module.Backward(e.From, t, e.Tags...)
	}
	return nil
}

// WithDeliveryLogging logs every delivery with its latency since send.
func WithDeliveryLogging(logger *slog.Logger) DeliveryMiddleware {
	return func(next DeliveryHandler) DeliveryHandler {
		return func(ctx context.Context, e *Envelope) error {
			start := time.Now()
			logger.Debug("Delivering envelope",
				"envelope_id", e.ID.String(),
				"kind", e.Kind,
				"module_id", e.To.String(),
				"queued_ms", start.Sub(e.SentAt).Milliseconds())

			err := next(ctx, e)

			duration := time.Since(start)
			if err != nil {
				logger.Error("Delivery failed",
					"envelope_id", e.ID.String(),
					"duration_ms", duration.Milliseconds(),
					"error", err)
			} else {
				logger.Debug("Delivery completed",
					"envelope_id", e.ID.String(),
					"duration_ms", duration.Milliseconds())
			}
			return err
		}
	}
}
