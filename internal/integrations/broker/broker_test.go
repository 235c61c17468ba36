package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thermobridge/thermobridge/internal/integrations"
	"github.com/thermobridge/thermobridge/internal/model"
	"github.com/thermobridge/thermobridge/internal/state"
	"github.com/thermobridge/thermobridge/internal/store"
)

func newTestIntegration(t *testing.T) (*Integration, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	svc := state.New(st)
	cfg := model.IntegrationConfig{UserID: "alice", Type: "mqtt_broker"}
	b := &Integration{cfg: cfg, deps: integrations.Deps{Store: st, State: svc}, prefix: "thermobridge"}
	return b, st
}

func TestAuthorizedSerialAllowsOwnedDevice(t *testing.T) {
	b, st := newTestIntegration(t)
	require.NoError(t, st.SetDeviceOwner(context.Background(), "DEV1", "alice"))

	ok, err := b.authorizedSerial(context.Background(), "DEV1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAuthorizedSerialRejectsUnrelatedDevice(t *testing.T) {
	b, _ := newTestIntegration(t)
	ok, err := b.authorizedSerial(context.Background(), "DEV_OTHER")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNewFactoryRejectsEmptyBrokerURL(t *testing.T) {
	f := NewFactory("", "thermobridge")
	_, err := f(model.IntegrationConfig{UserID: "alice", Type: "mqtt_broker"}, integrations.Deps{})
	require.Error(t, err)
}

func TestDiscoveryCapabilitiesCoversCoreFields(t *testing.T) {
	for _, field := range []string{"target_temperature", "current_temperature", "humidity", "target_temperature_type", "auto_away"} {
		_, ok := discoveryCapabilities[field]
		require.True(t, ok, "expected a discovery capability mapping for %s", field)
	}
}
