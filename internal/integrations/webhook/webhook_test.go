package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thermobridge/thermobridge/internal/integrations"
	"github.com/thermobridge/thermobridge/internal/model"
	"github.com/thermobridge/thermobridge/internal/state"
	"github.com/thermobridge/thermobridge/internal/statevalue"
	"github.com/thermobridge/thermobridge/internal/store"
)

func TestOnStateChangeDeliversOwnedSerialEvent(t *testing.T) {
	var received eventPayload
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		require.NotEmpty(t, r.Header.Get("X-Thermobridge-Signature"))
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	st := store.NewMemoryStore()
	svc := state.New(st)
	require.NoError(t, st.SetDeviceOwner(context.Background(), "DEV1", "alice"))

	f := NewFactory()
	cfg := model.IntegrationConfig{
		UserID: "alice",
		Type:   "webhook",
		Config: statevalue.Map(map[string]statevalue.Value{
			"url":    statevalue.String(ts.URL),
			"secret": statevalue.String("shh"),
		}),
	}
	integ, err := f(cfg, integrations.Deps{Store: st, State: svc})
	require.NoError(t, err)

	err = integ.OnStateChange(context.Background(), "DEV1", "device.DEV1", 3, 1000, statevalue.Map(map[string]statevalue.Value{
		"name": statevalue.String("kitchen"),
	}))
	require.NoError(t, err)
	require.Equal(t, "DEV1", received.Serial)
	require.Equal(t, "device.DEV1", received.ObjectKey)
	require.Equal(t, int64(3), received.Revision)
}

func TestOnStateChangeSkipsUnownedSerial(t *testing.T) {
	called := false
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	st := store.NewMemoryStore()
	svc := state.New(st)

	f := NewFactory()
	cfg := model.IntegrationConfig{
		UserID: "alice",
		Type:   "webhook",
		Config: statevalue.Map(map[string]statevalue.Value{"url": statevalue.String(ts.URL)}),
	}
	integ, err := f(cfg, integrations.Deps{Store: st, State: svc})
	require.NoError(t, err)

	err = integ.OnStateChange(context.Background(), "DEV_NOT_OWNED", "device.DEV_NOT_OWNED", 1, 1000, statevalue.Map(nil))
	require.NoError(t, err)
	require.False(t, called)
}

func TestNewFactoryRequiresURL(t *testing.T) {
	f := NewFactory()
	_, err := f(model.IntegrationConfig{UserID: "alice", Config: statevalue.Map(nil)}, integrations.Deps{})
	require.Error(t, err)
}
