// Package runtime turns module descriptors into a live, wired module graph.
//
// The Manager owns the wiring lock: deployments, undeployments and rewiring
// are serialized, while messages on an already wired graph never touch it.
// Edges are resolved all or nothing. A module whose neighbors are not all
// known keeps no edges in that direction until the missing neighbor appears,
// either locally or, with a Directory and a Transport, on another runtime.
// Rewire also checks edges to remote modules against the Directory, so an
// edge to a module that left is cleared and one to a module that moved is
// pointed at its new runtime.
package runtime

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/scottdavis/nnflow/pkg/core"
	"github.com/scottdavis/nnflow/pkg/errors"
	"github.com/scottdavis/nnflow/pkg/modules"
	"github.com/sourcegraph/conc"
)

// Transport builds proxies for modules hosted by other runtimes.
type Transport interface {
	Proxy(instance core.ModuleInstance) (core.Module, error)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// RuntimeID identifies this runtime. Defaults to a random id.
	RuntimeID uuid.UUID

	// Registry holds the deployed modules. Defaults to a new registry.
	Registry *Registry

	// Factories build modules, tried in order. Defaults to modules.Factory.
	Factories []core.ModuleFactory

	// ModuleConfig is handed to the default factory.
	ModuleConfig *core.Config

	// Directory publishes local modules and locates remote ones. Optional.
	Directory *Directory

	// Transport proxies remote modules. Required for cross-runtime edges.
	Transport Transport

	// DirectoryPollInterval is how often Start rewires against the
	// directory.
	DirectoryPollInterval time.Duration

	// Logger is used for logging
	Logger *slog.Logger
}

// remote is the cached proxy of a module hosted by another runtime.
type remote struct {
	module    core.Module
	runtimeID uuid.UUID
}

// Manager deploys modules on this runtime and keeps their edges wired.
type Manager struct {
	config    ManagerConfig
	registry  *Registry
	listeners *Listeners
	logger    *slog.Logger

	// wiring lock
	mu          sync.Mutex
	factories   []core.ModuleFactory
	descriptors map[Key]core.ModuleDescriptor
	dangling    map[Key]bool
	proxies     map[Key]remote
	networks    map[uuid.UUID]core.NeuralNetworkInstance

	runMu   sync.Mutex
	cancel  context.CancelFunc
	running conc.WaitGroup
}

// NewManager creates a manager, filling config defaults.
func NewManager(config ManagerConfig) *Manager {
	if config.RuntimeID == uuid.Nil {
		config.RuntimeID = uuid.New()
	}
	if config.Registry == nil {
		config.Registry = NewRegistry()
	}
	if config.ModuleConfig == nil {
		config.ModuleConfig = core.NewConfig()
	}
	if len(config.Factories) == 0 {
		config.Factories = []core.ModuleFactory{modules.NewFactory(config.ModuleConfig)}
	}
	if config.DirectoryPollInterval <= 0 {
		config.DirectoryPollInterval = time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Manager{
		config:      config,
		registry:    config.Registry,
		listeners:   NewListeners(config.Registry),
		logger:      config.Logger.With("runtime_id", config.RuntimeID.String()),
		factories:   append([]core.ModuleFactory(nil), config.Factories...),
		descriptors: make(map[Key]core.ModuleDescriptor),
		dangling:    make(map[Key]bool),
		proxies:     make(map[Key]remote),
		networks:    make(map[uuid.UUID]core.NeuralNetworkInstance),
	}
}

// RuntimeID returns the id of this runtime.
func (m *Manager) RuntimeID() uuid.UUID {
	return m.config.RuntimeID
}

// Registry returns the registry of deployed modules.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Listeners returns the listener hub of this runtime.
func (m *Manager) Listeners() *Listeners {
	return m.listeners
}

// AddFactory registers an additional module factory. It is tried after the
// factories already registered.
func (m *Manager) AddFactory(f core.ModuleFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories = append(m.factories, f)
}

// GetSupportedModuleTypes aggregates the module types of every factory. A
// type offered by several factories is reported once, as the first one
// describes it.
func (m *Manager) GetSupportedModuleTypes() []core.ModuleType {
	m.mu.Lock()
	factories := append([]core.ModuleFactory(nil), m.factories...)
	m.mu.Unlock()

	seen := make(map[string]bool)
	var types []core.ModuleType
	for _, f := range factories {
		for _, t := range f.SupportedModuleTypes() {
			if !seen[t.Type] {
				seen[t.Type] = true
				types = append(types, t)
			}
		}
	}
	return types
}

// GetModules returns a snapshot of the modules deployed on this runtime.
func (m *Manager) GetModules() []core.ModuleInstance {
	entries := m.registry.Entries(uuid.Nil)
	instances := make([]core.ModuleInstance, len(entries))
	for i, e := range entries {
		instances[i] = e.Instance
	}
	return instances
}

// GetNeuralNetworkInstance describes the local part of a network instance.
func (m *Manager) GetNeuralNetworkInstance(nnID uuid.UUID) (core.NeuralNetworkInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nn, ok := m.networks[nnID]
	if !ok {
		return core.NeuralNetworkInstance{}, errors.WithFields(ErrInstanceNotFound, errors.Fields{"nn_id": nnID})
	}
	instances := make(map[uuid.UUID]core.ModuleInstance)
	for _, e := range m.registry.Entries(nnID) {
		instances[e.Instance.ModuleID] = e.Instance
	}
	nn.Modules = instances
	return nn, nil
}

// Module returns a module deployed on this runtime.
func (m *Manager) Module(nnID, moduleID uuid.UUID) (core.Module, error) {
	entry, err := m.registry.Get(Key{NNInstanceID: nnID, ModuleID: moduleID})
	if err != nil {
		return nil, err
	}
	return entry.Module, nil
}

// DeployModule builds the module desc describes, registers it under
// (nnID, desc.ID) and wires it. Modules that declared the new module as a
// neighbor are rewired too. On error nothing is changed.
func (m *Manager) DeployModule(ctx context.Context, desc core.ModuleDescriptor, nnID uuid.UUID) (core.ModuleInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deployLocked(ctx, desc, nnID)
}

func (m *Manager) deployLocked(ctx context.Context, desc core.ModuleDescriptor, nnID uuid.UUID) (core.ModuleInstance, error) {
	if err := desc.Validate(); err != nil {
		return core.ModuleInstance{}, errors.WithFields(
			errors.WrapWith(err, ErrInvalidDescriptor),
			errors.Fields{"nn_id": nnID},
		)
	}
	if desc.TargetHost != uuid.Nil && desc.TargetHost != m.config.RuntimeID {
		return core.ModuleInstance{}, errors.WithFields(ErrWrongRuntime, errors.Fields{
			"module_id":   desc.ID,
			"target_host": desc.TargetHost,
		})
	}
	if nnID == uuid.Nil {
		return core.ModuleInstance{}, errors.WithFields(
			errors.New(errors.WiringFailed, "missing neural network instance id"),
			errors.Fields{"module_id": desc.ID},
		)
	}

	key := Key{NNInstanceID: nnID, ModuleID: desc.ID}
	if _, exists := m.descriptors[key]; exists {
		return core.ModuleInstance{}, errors.WithFields(ErrModuleExists, errors.Fields{
			"nn_id":     nnID,
			"module_id": desc.ID,
		})
	}

	module, err := m.create(desc)
	if err != nil {
		return core.ModuleInstance{}, err
	}
	if _, ok := module.(core.HasMultiplePrev); len(desc.Prev) > 1 && !ok {
		return core.ModuleInstance{}, errors.WithFields(ErrMultiplePrev, errors.Fields{
			"module_id": desc.ID,
			"type":      desc.Type,
			"prev":      len(desc.Prev),
		})
	}

	desc.TargetHost = m.config.RuntimeID
	instance := core.ModuleInstance{
		ModuleID:     desc.ID,
		NNInstanceID: nnID,
		RuntimeID:    m.config.RuntimeID,
		Descriptor:   desc,
	}

	if m.config.Directory != nil {
		if err := m.config.Directory.Publish(ctx, instance); err != nil {
			return core.ModuleInstance{}, err
		}
	}
	if err := m.registry.Add(Entry{Instance: instance, Module: module}); err != nil {
		m.unpublish(ctx, key)
		return core.ModuleInstance{}, err
	}
	m.descriptors[key] = desc
	delete(m.proxies, key)
	if _, ok := m.networks[nnID]; !ok {
		m.networks[nnID] = core.NeuralNetworkInstance{ID: nnID}
	}

	m.configure(ctx, key)
	for _, dep := range m.dependents(key) {
		m.configure(ctx, dep)
	}

	m.logger.Info("Deployed module",
		"nn_id", nnID.String(),
		"module_id", desc.ID.String(),
		"type", desc.Type)
	return instance, nil
}

// create asks the factories in order. A factory that does not know the type
// answers with a ResourceNotFound error and the next one is asked.
func (m *Manager) create(desc core.ModuleDescriptor) (core.Module, error) {
	for _, f := range m.factories {
		module, err := f.CreateModule(desc)
		if err == nil {
			return module, nil
		}
		if errors.CodeOf(err) == errors.ResourceNotFound {
			continue
		}
		return nil, errors.WithFields(
			errors.Wrap(err, errors.WiringFailed, "failed to create module"),
			errors.Fields{"module_id": desc.ID, "type": desc.Type},
		)
	}
	return nil, errors.WithFields(ErrNoFactory, errors.Fields{"module_id": desc.ID, "type": desc.Type})
}

// dependents returns the local modules of the same instance that declare
// key as a neighbor.
func (m *Manager) dependents(key Key) []Key {
	var keys []Key
	for k, desc := range m.descriptors {
		if k == key || k.NNInstanceID != key.NNInstanceID {
			continue
		}
		if containsID(desc.Next, key.ModuleID) || containsID(desc.Prev, key.ModuleID) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ModuleID.String() < keys[j].ModuleID.String() })
	return keys
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// configure sets the edges of a local module from its descriptor. A
// direction with an unresolved neighbor is left empty and the module is
// marked dangling.
func (m *Manager) configure(ctx context.Context, key Key) {
	entry, err := m.registry.Get(key)
	if err != nil {
		return
	}
	desc := m.descriptors[key]

	next, nextOK := m.resolveAll(ctx, key.NNInstanceID, desc.Next)
	prev, prevOK := m.resolveAll(ctx, key.NNInstanceID, desc.Prev)

	if nextOK {
		entry.Module.SetNext(next...)
	} else {
		entry.Module.SetNext()
	}
	if prevOK {
		entry.Module.SetPrevious(prev...)
	} else {
		entry.Module.SetPrevious()
	}

	if nextOK && prevOK {
		delete(m.dangling, key)
		return
	}
	if !m.dangling[key] {
		m.logger.Debug("Module has dangling edges",
			"nn_id", key.NNInstanceID.String(),
			"module_id", key.ModuleID.String())
	}
	m.dangling[key] = true
}

func (m *Manager) resolveAll(ctx context.Context, nnID uuid.UUID, ids []uuid.UUID) ([]core.Module, bool) {
	neighbors := make([]core.Module, 0, len(ids))
	for _, id := range ids {
		module, ok := m.resolve(ctx, Key{NNInstanceID: nnID, ModuleID: id})
		if !ok {
			return nil, false
		}
		neighbors = append(neighbors, module)
	}
	return neighbors, true
}

// resolve finds a neighbor locally or, failing that, through the directory.
func (m *Manager) resolve(ctx context.Context, key Key) (core.Module, bool) {
	if entry, err := m.registry.Get(key); err == nil {
		return entry.Module, true
	}
	if r, ok := m.proxies[key]; ok {
		return r.module, true
	}
	if m.config.Directory == nil || m.config.Transport == nil {
		return nil, false
	}

	instance, err := m.config.Directory.Lookup(ctx, key.NNInstanceID, key.ModuleID)
	if err != nil {
		if !errors.Is(err, ErrModuleNotFound) {
			m.logger.Warn("Directory lookup failed", "module_id", key.ModuleID.String(), "error", err)
		}
		return nil, false
	}
	if instance.RuntimeID == m.config.RuntimeID {
		// stale record of a module this runtime no longer hosts
		return nil, false
	}

	proxy, err := m.config.Transport.Proxy(instance)
	if err != nil {
		m.logger.Error("Failed to create proxy", "module_id", key.ModuleID.String(), "error", err)
		return nil, false
	}
	m.proxies[key] = remote{module: proxy, runtimeID: instance.RuntimeID}
	m.logger.Debug("Proxying remote module",
		"module_id", key.ModuleID.String(),
		"remote_runtime_id", instance.RuntimeID.String())
	return proxy, true
}

// DeployModules deploys a batch of modules as one network instance. If any
// deployment fails, the modules of the batch deployed so far are undeployed
// again. A nil nnID deploys a new instance.
func (m *Manager) DeployModules(ctx context.Context, nnID uuid.UUID, name string, descs []core.ModuleDescriptor) (core.NeuralNetworkInstance, error) {
	if nnID == uuid.Nil {
		nnID = uuid.New()
	}

	m.mu.Lock()
	var deployed []Key
	for _, desc := range descs {
		if _, err := m.deployLocked(ctx, desc, nnID); err != nil {
			for i := len(deployed) - 1; i >= 0; i-- {
				m.undeployLocked(ctx, deployed[i])
			}
			if len(m.registry.Entries(nnID)) == 0 {
				delete(m.networks, nnID)
			}
			m.mu.Unlock()
			m.logger.Warn("Rolled back network deployment", "nn_id", nnID.String(), "error", err)
			return core.NeuralNetworkInstance{}, err
		}
		deployed = append(deployed, Key{NNInstanceID: nnID, ModuleID: desc.ID})
	}
	nn := m.networks[nnID]
	nn.Name = name
	m.networks[nnID] = nn
	m.mu.Unlock()

	return m.GetNeuralNetworkInstance(nnID)
}

// UndeployModule removes a module. Modules that had it as a neighbor lose
// the edges in that direction until it is deployed again.
func (m *Manager) UndeployModule(ctx context.Context, instance core.ModuleInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := Key{NNInstanceID: instance.NNInstanceID, ModuleID: instance.ModuleID}
	if !m.undeployLocked(ctx, key) {
		return errors.WithFields(ErrModuleNotFound, errors.Fields{
			"nn_id":     key.NNInstanceID,
			"module_id": key.ModuleID,
		})
	}
	if len(m.registry.Entries(key.NNInstanceID)) == 0 {
		delete(m.networks, key.NNInstanceID)
	}
	return nil
}

// UndeployModules removes every local module of a network instance.
func (m *Manager) UndeployModules(ctx context.Context, nnID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.registry.Entries(nnID)
	if len(entries) == 0 {
		return errors.WithFields(ErrInstanceNotFound, errors.Fields{"nn_id": nnID})
	}
	for _, e := range entries {
		m.undeployLocked(ctx, e.Key())
	}
	for key := range m.proxies {
		if key.NNInstanceID == nnID {
			delete(m.proxies, key)
		}
	}
	delete(m.networks, nnID)
	return nil
}

func (m *Manager) undeployLocked(ctx context.Context, key Key) bool {
	entry, ok := m.registry.Remove(key)
	if !ok {
		return false
	}
	delete(m.descriptors, key)
	delete(m.dangling, key)
	m.unpublish(ctx, key)

	entry.Module.SetNext()
	entry.Module.SetPrevious()
	for _, dep := range m.dependents(key) {
		m.configure(ctx, dep)
	}

	m.logger.Info("Undeployed module",
		"nn_id", key.NNInstanceID.String(),
		"module_id", key.ModuleID.String())
	return true
}

func (m *Manager) unpublish(ctx context.Context, key Key) {
	if m.config.Directory == nil {
		return
	}
	if err := m.config.Directory.Unpublish(ctx, key.NNInstanceID, key.ModuleID); err != nil {
		m.logger.Warn("Failed to unpublish module", "module_id", key.ModuleID.String(), "error", err)
	}
}

// Rewire drops proxies of remote modules that left or moved, reconfigures
// the modules wired to them, retries every dangling edge and returns how
// many modules are still dangling afterwards.
func (m *Manager) Rewire(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range m.staleProxies(ctx) {
		delete(m.proxies, key)
		for _, dep := range m.dependents(key) {
			m.configure(ctx, dep)
		}
	}

	keys := make([]Key, 0, len(m.dangling))
	for key := range m.dangling {
		keys = append(keys, key)
	}
	for _, key := range keys {
		m.configure(ctx, key)
	}
	return len(m.dangling)
}

// staleProxies returns the cached proxies whose directory record is gone or
// now names another runtime.
func (m *Manager) staleProxies(ctx context.Context) []Key {
	if m.config.Directory == nil {
		return nil
	}

	var stale []Key
	for key, r := range m.proxies {
		instance, err := m.config.Directory.Lookup(ctx, key.NNInstanceID, key.ModuleID)
		switch {
		case errors.Is(err, ErrModuleNotFound):
			m.logger.Info("Remote module left",
				"module_id", key.ModuleID.String(),
				"remote_runtime_id", r.runtimeID.String())
		case err != nil:
			m.logger.Warn("Directory lookup failed", "module_id", key.ModuleID.String(), "error", err)
			continue
		case instance.RuntimeID != r.runtimeID:
			m.logger.Info("Remote module moved",
				"module_id", key.ModuleID.String(),
				"from_runtime_id", r.runtimeID.String(),
				"to_runtime_id", instance.RuntimeID.String())
		default:
			continue
		}
		stale = append(stale, key)
	}
	return stale
}

// Start runs Rewire every DirectoryPollInterval until Stop is called or ctx
// is done.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel != nil {
		return errors.New(errors.ValidationFailed, "manager is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.running.Go(func() {
		ticker := time.NewTicker(m.config.DirectoryPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Rewire(ctx); n > 0 {
					m.logger.Debug("Modules still dangling", "count", n)
				}
			}
		}
	})
	return nil
}

// Stop ends the loop started by Start.
func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel == nil {
		return
	}
	m.cancel()
	m.running.Wait()
	m.cancel = nil
}
