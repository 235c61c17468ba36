// Package integrations implements IntegrationManager: the outbound
// fan-out layer that reconciles a StateStore-backed table of
// per-user integration configs against a set of running Integration
// instances, and relays DeviceStateService change events to whichever
// integrations are currently loaded.
package integrations

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thermobridge/thermobridge/internal/model"
	"github.com/thermobridge/thermobridge/internal/state"
	"github.com/thermobridge/thermobridge/internal/statevalue"
	"github.com/thermobridge/thermobridge/internal/store"
)

// Integration is an outbound adapter translating change events into an
// external protocol. Manager invokes Initialize, OnStateChange and
// Shutdown with a bounded context; a callback that blocks past its
// deadline is abandoned, not killed. Manager itself never calls
// OnDeviceConnected or OnDeviceDisconnected.
type Integration interface {
	Initialize(ctx context.Context) error
	OnStateChange(ctx context.Context, serial, key string, revision, timestamp int64, value statevalue.Value) error
	OnDeviceConnected(ctx context.Context, serial string)
	OnDeviceDisconnected(ctx context.Context, serial string)
	Shutdown(ctx context.Context) error
}

// Deps are the dependencies handed to every Factory so integrations can
// read/write through the same cache and store the rest of the core uses.
type Deps struct {
	Store store.Store
	State *state.Service
}

// Factory constructs an Integration from a stored config. Registered once
// per supported type at wiring time.
type Factory func(cfg model.IntegrationConfig, deps Deps) (Integration, error)

type loaded struct {
	cfg         model.IntegrationConfig
	integration Integration
	cancel      context.CancelFunc
}

// Manager holds the (type, user_id) -> Integration table described in
// §4.I: polls StateStore on an interval, reconciles the desired set
// against what is currently loaded, and fans out state.ChangeEvents to
// every loaded integration in parallel with per-integration isolation.
type Manager struct {
	deps     Deps
	interval time.Duration

	mu        sync.RWMutex
	factories map[string]Factory
	active    map[string]*loaded // cfg.Key() -> loaded
}

func New(st store.Store, svc *state.Service, interval time.Duration) *Manager {
	return &Manager{
		deps:      Deps{Store: st, State: svc},
		interval:  interval,
		factories: make(map[string]Factory),
		active:    make(map[string]*loaded),
	}
}

// Register adds a Factory for an integration type, e.g. "mqtt_broker".
// Not safe to call concurrently with Run.
func (m *Manager) Register(integrationType string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[integrationType] = f
}

// Run blocks, reconciling every interval until ctx is cancelled. Callers
// typically invoke this in its own goroutine.
func (m *Manager) Run(ctx context.Context) {
	m.reconcileAll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.ShutdownAll(context.Background())
			return
		case <-ticker.C:
			m.reconcileAll(ctx)
		}
	}
}

func (m *Manager) reconcileAll(ctx context.Context) {
	m.mu.RLock()
	types := make([]string, 0, len(m.factories))
	for t := range m.factories {
		types = append(types, t)
	}
	m.mu.RUnlock()

	for _, integrationType := range types {
		m.reconcileType(ctx, integrationType)
	}
}

func (m *Manager) reconcileType(ctx context.Context, integrationType string) {
	cfgs, err := m.deps.Store.ListEnabledIntegrations(ctx, integrationType)
	if err != nil {
		log.Warn().Err(err).Str("type", integrationType).Msg("failed to list enabled integrations")
		return
	}

	desired := make(map[string]model.IntegrationConfig, len(cfgs))
	for _, cfg := range cfgs {
		desired[cfg.Key()] = cfg
	}

	m.mu.Lock()
	factory := m.factories[integrationType]
	var toShutdown []*loaded
	for key, lo := range m.active {
		if lo.cfg.Type != integrationType {
			continue
		}
		next, stillEnabled := desired[key]
		if !stillEnabled {
			toShutdown = append(toShutdown, lo)
			delete(m.active, key)
			continue
		}
		if !configEqual(lo.cfg, next) {
			toShutdown = append(toShutdown, lo)
			delete(m.active, key)
		}
	}
	var toConstruct []model.IntegrationConfig
	for key, cfg := range desired {
		if _, ok := m.active[key]; !ok {
			toConstruct = append(toConstruct, cfg)
		}
	}
	m.mu.Unlock()

	for _, lo := range toShutdown {
		m.shutdownOne(lo)
	}
	for _, cfg := range toConstruct {
		m.constructOne(ctx, factory, cfg)
	}
}

func configEqual(a, b model.IntegrationConfig) bool {
	return a.Enabled == b.Enabled && statevalue.Canonical(a.Config) == statevalue.Canonical(b.Config)
}

func (m *Manager) constructOne(ctx context.Context, factory Factory, cfg model.IntegrationConfig) {
	if factory == nil {
		return
	}
	integ, err := factory(cfg, m.deps)
	if err != nil {
		log.Warn().Err(err).Str("integration", cfg.Key()).Msg("failed to construct integration")
		return
	}

	integCtx, cancel := context.WithCancel(ctx)
	initCtx, initCancel := context.WithTimeout(integCtx, 15*time.Second)
	defer initCancel()
	if err := integ.Initialize(initCtx); err != nil {
		log.Warn().Err(err).Str("integration", cfg.Key()).Msg("failed to initialize integration")
		cancel()
		return
	}

	m.mu.Lock()
	m.active[cfg.Key()] = &loaded{cfg: cfg, integration: integ, cancel: cancel}
	m.mu.Unlock()
	log.Info().Str("integration", cfg.Key()).Str("type", cfg.Type).Msg("integration loaded")
}

func (m *Manager) shutdownOne(lo *loaded) {
	lo.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := lo.integration.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Str("integration", lo.cfg.Key()).Msg("integration shutdown returned error")
	}
	log.Info().Str("integration", lo.cfg.Key()).Msg("integration unloaded")
}

// ShutdownAll tears down every loaded integration. Called on manager
// context cancellation so a process shutdown drains cleanly.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*loaded, 0, len(m.active))
	for key, lo := range m.active {
		all = append(all, lo)
		delete(m.active, key)
	}
	m.mu.Unlock()

	for _, lo := range all {
		m.shutdownOne(lo)
	}
}

// Count reports how many integrations are currently loaded, for tests.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// OnStateChange implements state.ChangeListener. Every loaded integration
// receives the event concurrently; a slow or panicking integration never
// blocks the others or the calling Upsert.
func (m *Manager) OnStateChange(ctx context.Context, ev state.ChangeEvent) {
	m.mu.RLock()
	integrations := make([]Integration, 0, len(m.active))
	keys := make([]string, 0, len(m.active))
	for key, lo := range m.active {
		integrations = append(integrations, lo.integration)
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	for i, integ := range integrations {
		go m.dispatchOne(integ, keys[i], ev)
	}
}

func (m *Manager) dispatchOne(integ Integration, key string, ev state.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("integration", key).Msg("integration callback panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := integ.OnStateChange(ctx, ev.Serial, ev.Key, ev.Revision, ev.Timestamp, ev.Value); err != nil {
		log.Warn().Err(err).Str("integration", key).Str("serial", ev.Serial).Str("key", ev.Key).Msg("integration callback failed")
	}
}
