package runtime

import (
	"sync"

	"github.com/google/uuid"
	"github.com/scottdavis/nnflow/pkg/core"
	"github.com/scottdavis/nnflow/pkg/tensor"
)

// Listeners attaches external listeners to the modules matching a filter.
// A subscription follows deployments: it attaches to matching modules
// deployed later and lets go of modules when they are undeployed.
type Listeners struct {
	mu       sync.Mutex
	registry *Registry
	subs     map[uuid.UUID]*subscription
}

type subscription struct {
	filter   core.ListenerFilter
	forward  *forwardAdapter
	backward *backwardAdapter
	errors   *errorAdapter
	attached map[Key]core.Module
}

// The adapters give every subscription a distinct comparable identity, so
// it can be detached even when the caller passed a func listener.
type forwardAdapter struct{ l core.ForwardListener }

func (a *forwardAdapter) OnForward(id uuid.UUID, output *tensor.Tensor, tags ...string) {
	a.l.OnForward(id, output, tags...)
}

type backwardAdapter struct{ l core.BackwardListener }

func (a *backwardAdapter) OnBackward(id uuid.UUID, gradInput *tensor.Tensor, tags ...string) {
	a.l.OnBackward(id, gradInput, tags...)
}

type errorAdapter struct{ l core.ErrorListener }

func (a *errorAdapter) OnError(id uuid.UUID, err error, tags ...string) {
	a.l.OnError(id, err, tags...)
}

// NewListeners creates a hub tracking the modules of registry.
func NewListeners(registry *Registry) *Listeners {
	ls := &Listeners{
		registry: registry,
		subs:     make(map[uuid.UUID]*subscription),
	}
	registry.Subscribe(ls)
	return ls
}

// AddForwardListener subscribes l to the forward outputs of the modules
// matching filter. A filter without module id targets every Output module
// of the instance.
func (ls *Listeners) AddForwardListener(filter core.ListenerFilter, l core.ForwardListener) uuid.UUID {
	return ls.add(&subscription{filter: filter, forward: &forwardAdapter{l}})
}

// AddBackwardListener subscribes l to the gradients of the matching modules.
func (ls *Listeners) AddBackwardListener(filter core.ListenerFilter, l core.BackwardListener) uuid.UUID {
	return ls.add(&subscription{filter: filter, backward: &backwardAdapter{l}})
}

// AddErrorListener subscribes l to the computation errors of the matching
// modules.
func (ls *Listeners) AddErrorListener(filter core.ListenerFilter, l core.ErrorListener) uuid.UUID {
	return ls.add(&subscription{filter: filter, errors: &errorAdapter{l}})
}

func (ls *Listeners) add(sub *subscription) uuid.UUID {
	sub.attached = make(map[Key]core.Module)
	id := uuid.New()

	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.subs[id] = sub
	for _, entry := range ls.registry.Entries(sub.filter.NNInstanceID) {
		sub.attach(entry)
	}
	return id
}

// Remove cancels a subscription. It reports whether the id was known.
func (ls *Listeners) Remove(id uuid.UUID) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	sub, ok := ls.subs[id]
	if !ok {
		return false
	}
	delete(ls.subs, id)
	for key := range sub.attached {
		sub.detach(key)
	}
	return true
}

// ModuleAdded implements RegistryListener.
func (ls *Listeners) ModuleAdded(entry Entry) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for _, sub := range ls.subs {
		sub.attach(entry)
	}
}

// ModuleRemoved implements RegistryListener.
func (ls *Listeners) ModuleRemoved(entry Entry) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for _, sub := range ls.subs {
		sub.detach(entry.Key())
	}
}

func (s *subscription) matches(entry Entry) bool {
	if s.filter.NNInstanceID != entry.Instance.NNInstanceID {
		return false
	}
	if s.filter.AllOutputs() {
		_, ok := entry.Module.(core.Output)
		return ok
	}
	return s.filter.ModuleID == entry.Instance.ModuleID
}

func (s *subscription) attach(entry Entry) {
	key := entry.Key()
	if _, done := s.attached[key]; done || !s.matches(entry) {
		return
	}
	m := entry.Module
	switch {
	case s.forward != nil:
		m.AddForwardListener(s.forward)
	case s.backward != nil:
		m.AddBackwardListener(s.backward)
	case s.errors != nil:
		m.AddErrorListener(s.errors)
	}
	s.attached[key] = m
}

func (s *subscription) detach(key Key) {
	m, ok := s.attached[key]
	if !ok {
		return
	}
	switch {
	case s.forward != nil:
		m.RemoveForwardListener(s.forward)
	case s.backward != nil:
		m.RemoveBackwardListener(s.backward)
	case s.errors != nil:
		m.RemoveErrorListener(s.errors)
	}
	delete(s.attached, key)
}
