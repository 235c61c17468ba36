package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thermobridge/thermobridge/internal/derive"
	"github.com/thermobridge/thermobridge/internal/pairing"
	"github.com/thermobridge/thermobridge/internal/state"
	"github.com/thermobridge/thermobridge/internal/statevalue"
	"github.com/thermobridge/thermobridge/internal/store"
	"github.com/thermobridge/thermobridge/internal/subscription"
	"github.com/thermobridge/thermobridge/internal/weather"
)

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	svc := state.New(st)
	dv := derive.New(svc, st)
	ps := pairing.New(st, svc)
	wc := weather.New(st, weather.NewHTTPFetcher("http://unused.invalid"), time.Minute)
	subs := subscription.New(4, time.Second)

	s := &Server{
		cfg:                 discoveryConfig{Version: "1.0.0", TierName: "production"},
		state:               svc,
		subs:                subs,
		weather:             wc,
		pairing:             ps,
		derive:              dv,
		uploadDir:           t.TempDir(),
		entryKeyTTLSeconds:  3600,
		subscriptionTimeout: 200,
	}
	return s, st
}

func withSerial(r *http.Request, serial string) *http.Request {
	r.Header.Set(deviceIdentityHeader, "swn:"+serial)
	return r
}

func valuePtr(v statevalue.Value) *statevalue.Value { return &v }

func TestHandleEntryReturnsDiscoveryDocument(t *testing.T) {
	s, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "/nest/entry", nil)
	rec := httptest.NewRecorder()

	s.handleEntry(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	var doc discoveryDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Equal(t, "1.0.0", doc.ServerVersion)
	require.Contains(t, doc.TransportURL, "/nest/transport")
}

func TestHandleSubscribeUpdateThenImmediateProbe(t *testing.T) {
	s, _ := newTestServer(t)
	serial := "DEV001"

	body, err := json.Marshal(subscribeRequest{
		Objects: []wireObject{
			{ObjectKey: "device." + serial, Value: valuePtr(statevalue.Map(map[string]statevalue.Value{
				"target_temperature": statevalue.Number(21),
			}))},
		},
	})
	require.NoError(t, err)
	r := withSerial(httptest.NewRequest(http.MethodPost, "/nest/transport", bytes.NewReader(body)), serial)
	rec := httptest.NewRecorder()
	s.handleSubscribe(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)

	probeBody, err := json.Marshal(subscribeRequest{
		Objects: []wireObject{{ObjectKey: "device." + serial}},
	})
	require.NoError(t, err)
	r2 := withSerial(httptest.NewRequest(http.MethodPost, "/nest/transport", bytes.NewReader(probeBody)), serial)
	rec2 := httptest.NewRecorder()
	s.handleSubscribe(rec2, r2)

	require.Equal(t, http.StatusOK, rec2.Code)
	var resp objectsResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &resp))
	require.Len(t, resp.Objects, 1)
	require.NotNil(t, resp.Objects[0].Value)
}

func TestHandleSubscribeServerNewerObjectReturnedImmediately(t *testing.T) {
	s, _ := newTestServer(t)
	serial := "DEV002"

	seed := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := s.state.Upsert(seed.Context(), serial, "device."+serial, 5, 5000,
		statevalue.Map(map[string]statevalue.Value{"away": statevalue.Bool(true)}))
	require.NoError(t, err)

	probeBody, err := json.Marshal(subscribeRequest{
		Objects: []wireObject{{ObjectKey: "device." + serial, ObjectRevision: 1, ObjectTimestamp: 1000}},
	})
	require.NoError(t, err)
	r := withSerial(httptest.NewRequest(http.MethodPost, "/nest/transport", bytes.NewReader(probeBody)), serial)
	rec := httptest.NewRecorder()
	s.handleSubscribe(rec, r)

	var resp objectsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Objects, 1)
	require.EqualValues(t, 5, resp.Objects[0].ObjectRevision)
}

func TestHandlePutMergesAndNotifiesSubscribers(t *testing.T) {
	s, _ := newTestServer(t)
	serial := "DEV003"

	sub := subscription.NewSubscription(serial, []subscription.Interest{{ObjectKey: "device." + serial}}, time.Second)
	require.True(t, s.subs.Add(sub))

	body, err := json.Marshal(map[string]any{
		"objects": []map[string]any{
			{"object_key": "device." + serial, "value": map[string]any{"target_temperature": 19}},
		},
	})
	require.NoError(t, err)
	r := withSerial(httptest.NewRequest(http.MethodPost, "/nest/transport/put", bytes.NewReader(body)), serial)
	rec := httptest.NewRecorder()
	s.handlePut(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp objectsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Objects, 1)
	require.EqualValues(t, 1, resp.Objects[0].ObjectRevision)

	woken := sub.Wait()
	require.False(t, woken.TimedOut)
	require.Len(t, woken.Objects, 1)
	require.EqualValues(t, 1, woken.Objects[0].ObjectRevision)
}

func TestHandlePassphraseGeneratesCode(t *testing.T) {
	s, _ := newTestServer(t)
	r := withSerial(httptest.NewRequest(http.MethodGet, "/nest/passphrase", nil), "DEV004")
	rec := httptest.NewRecorder()
	s.handlePassphrase(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.NotEmpty(t, payload["passphrase"])
}

func TestHandleUploadWritesFile(t *testing.T) {
	s, _ := newTestServer(t)
	r := withSerial(httptest.NewRequest(http.MethodPost, "/nest/upload", bytes.NewReader([]byte("log line"))), "DEV005")
	rec := httptest.NewRecorder()
	s.handleUpload(rec, r)

	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleWeatherRejectsMissingQuery(t *testing.T) {
	s, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "/nest/weather/v1", nil)
	rec := httptest.NewRecorder()
	s.handleWeather(rec, r)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSubscribeRejectsUnresolvableSerial(t *testing.T) {
	s, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodPost, "/nest/transport", bytes.NewReader([]byte(`{"objects":[]}`)))
	rec := httptest.NewRecorder()
	s.handleSubscribe(rec, r)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
