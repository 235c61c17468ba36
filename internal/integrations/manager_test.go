package integrations

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thermobridge/thermobridge/internal/model"
	"github.com/thermobridge/thermobridge/internal/state"
	"github.com/thermobridge/thermobridge/internal/statevalue"
	"github.com/thermobridge/thermobridge/internal/store"
)

type fakeIntegration struct {
	mu          sync.Mutex
	initialized bool
	shutdown    bool
	events      int
	failInit    bool
}

func (f *fakeIntegration) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInit {
		return assertErr
	}
	f.initialized = true
	return nil
}

func (f *fakeIntegration) OnStateChange(ctx context.Context, serial, key string, revision, timestamp int64, value statevalue.Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events++
	return nil
}

func (f *fakeIntegration) OnDeviceConnected(ctx context.Context, serial string)    {}
func (f *fakeIntegration) OnDeviceDisconnected(ctx context.Context, serial string) {}

func (f *fakeIntegration) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	return nil
}

var assertErr = &simpleError{"init failed"}

type simpleError struct{ msg string }

func (e *simpleError) Error() string { return e.msg }

func TestReconcileConstructsLoadsAndShutsDownOnRemoval(t *testing.T) {
	st := store.NewMemoryStore()
	svc := state.New(st)
	m := New(st, svc, time.Hour)

	var built []*fakeIntegration
	m.Register("broker", func(cfg model.IntegrationConfig, deps Deps) (Integration, error) {
		fi := &fakeIntegration{}
		built = append(built, fi)
		return fi, nil
	})

	ctx := context.Background()
	require.NoError(t, st.UpsertIntegrationConfig(ctx, model.IntegrationConfig{
		UserID: "alice", Type: "broker", Enabled: true, Config: statevalue.Map(nil),
	}))

	m.reconcileAll(ctx)
	require.Equal(t, 1, m.Count())
	require.Len(t, built, 1)
	require.True(t, built[0].initialized)

	require.NoError(t, st.UpsertIntegrationConfig(ctx, model.IntegrationConfig{
		UserID: "alice", Type: "broker", Enabled: false, Config: statevalue.Map(nil),
	}))
	m.reconcileAll(ctx)
	require.Equal(t, 0, m.Count())
	require.True(t, built[0].shutdown)
}

func TestReconcileRestartsOnConfigChange(t *testing.T) {
	st := store.NewMemoryStore()
	svc := state.New(st)
	m := New(st, svc, time.Hour)

	var built []*fakeIntegration
	m.Register("broker", func(cfg model.IntegrationConfig, deps Deps) (Integration, error) {
		fi := &fakeIntegration{}
		built = append(built, fi)
		return fi, nil
	})

	ctx := context.Background()
	require.NoError(t, st.UpsertIntegrationConfig(ctx, model.IntegrationConfig{
		UserID: "alice", Type: "broker", Enabled: true,
		Config: statevalue.Map(map[string]statevalue.Value{"topic": statevalue.String("a")}),
	}))
	m.reconcileAll(ctx)
	require.Len(t, built, 1)

	require.NoError(t, st.UpsertIntegrationConfig(ctx, model.IntegrationConfig{
		UserID: "alice", Type: "broker", Enabled: true,
		Config: statevalue.Map(map[string]statevalue.Value{"topic": statevalue.String("b")}),
	}))
	m.reconcileAll(ctx)

	require.Len(t, built, 2, "changed config should construct a fresh integration")
	require.True(t, built[0].shutdown, "old integration instance should be shut down")
	require.Equal(t, 1, m.Count())
}

func TestOnStateChangeFansOutConcurrentlyAndIsolatesFailures(t *testing.T) {
	st := store.NewMemoryStore()
	svc := state.New(st)
	m := New(st, svc, time.Hour)

	m.Register("broker", func(cfg model.IntegrationConfig, deps Deps) (Integration, error) {
		return &fakeIntegration{}, nil
	})
	m.Register("webhook", func(cfg model.IntegrationConfig, deps Deps) (Integration, error) {
		return &panickingIntegration{}, nil
	})

	ctx := context.Background()
	require.NoError(t, st.UpsertIntegrationConfig(ctx, model.IntegrationConfig{UserID: "alice", Type: "broker", Enabled: true, Config: statevalue.Map(nil)}))
	require.NoError(t, st.UpsertIntegrationConfig(ctx, model.IntegrationConfig{UserID: "alice", Type: "webhook", Enabled: true, Config: statevalue.Map(nil)}))
	m.reconcileAll(ctx)
	require.Equal(t, 2, m.Count())

	m.OnStateChange(ctx, state.ChangeEvent{Serial: "DEV1", Key: "device.DEV1", Revision: 1, Timestamp: 1, Value: statevalue.Map(nil)})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&panicCount) >= 1
	}, time.Second, 10*time.Millisecond, "panicking integration should still be invoked, isolated from the other")
}

var panicCount int32

type panickingIntegration struct{}

func (p *panickingIntegration) Initialize(ctx context.Context) error { return nil }
func (p *panickingIntegration) OnStateChange(ctx context.Context, serial, key string, revision, timestamp int64, value statevalue.Value) error {
	atomic.AddInt32(&panicCount, 1)
	panic("integration blew up")
}
func (p *panickingIntegration) OnDeviceConnected(ctx context.Context, serial string)    {}
func (p *panickingIntegration) OnDeviceDisconnected(ctx context.Context, serial string) {}
func (p *panickingIntegration) Shutdown(ctx context.Context) error                     { return nil }
