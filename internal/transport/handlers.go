package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/thermobridge/thermobridge/internal/derive"
	"github.com/thermobridge/thermobridge/internal/httpmw"
	"github.com/thermobridge/thermobridge/internal/model"
	"github.com/thermobridge/thermobridge/internal/state"
	"github.com/thermobridge/thermobridge/internal/statevalue"
	"github.com/thermobridge/thermobridge/internal/store"
	"github.com/thermobridge/thermobridge/internal/subscription"
)

// serverTimestampHeader carries the server's wall clock at response time,
// letting the device reconcile its own clock drift.
const serverTimestampHeader = "X-nl-server-timestamp"

type wireObject struct {
	ObjectKey       string           `json:"object_key"`
	ObjectRevision  int64            `json:"object_revision"`
	ObjectTimestamp int64            `json:"object_timestamp"`
	Value           *statevalue.Value `json:"value,omitempty"`
}

type subscribeRequest struct {
	Session string       `json:"session,omitempty"`
	Chunked bool         `json:"chunked,omitempty"`
	Objects []wireObject `json:"objects"`
}

type objectsResponse struct {
	Objects []wireObject `json:"objects"`
}

// handleList answers GET /nest/transport/device/{serial} with the
// revision/timestamp ledger for every cached object of that serial,
// never including value — it exists so a reconnecting device can see
// what the server already knows.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	if serial == "" {
		httpmw.BadRequest(w, "missing serial in path")
		return
	}
	ctx := r.Context()

	s.ensureDeviceAlertDialog(ctx, serial)

	all, err := s.state.GetAllForDevice(ctx, serial)
	if err != nil {
		httpmw.StoreUnavailable(w, err.Error())
		return
	}

	out := make([]wireObject, 0, len(all))
	for key, obj := range all {
		out = append(out, wireObject{ObjectKey: key, ObjectRevision: obj.ObjectRevision, ObjectTimestamp: obj.ObjectTimestamp})
	}
	writeJSON(w, http.StatusOK, objectsResponse{Objects: out})
}

func (s *Server) ensureDeviceAlertDialog(ctx context.Context, serial string) {
	key := "device_alert_dialog." + serial
	if _, err := s.state.Get(ctx, serial, key); err == nil {
		return
	}
	val := statevalue.Map(map[string]statevalue.Value{
		"dialog_type": statevalue.String("pairing_confirm"),
		"serial":      statevalue.String(serial),
	})
	if _, err := s.state.Upsert(ctx, serial, key, 1, nowMillis(), val); err != nil {
		log.Error().Err(err).Str("serial", serial).Msg("failed to materialize device_alert_dialog")
	}
}

// handleSubscribe implements POST /nest/transport: a combined
// update-or-probe batch.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	serial, ok := resolveSerial(r)
	if !ok {
		httpmw.Unauthorized(w, "no resolvable device serial")
		return
	}
	ctx := r.Context()

	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpmw.BadRequest(w, "malformed request body")
		return
	}

	var probes []wireObject
	awayTouched := false
	weatherTouched := false

	for _, obj := range req.Objects {
		if obj.Value != nil && obj.ObjectRevision == 0 && obj.ObjectTimestamp == 0 {
			changedAway, changedWeather := s.applyUpdate(ctx, serial, obj)
			awayTouched = awayTouched || changedAway
			weatherTouched = weatherTouched || changedWeather
			continue
		}
		probes = append(probes, obj)
	}

	if awayTouched {
		s.derive.RecomputeAwayAggregate(ctx, serial)
	}
	if weatherTouched {
		s.propagateDeviceWeather(ctx, serial)
	}

	outdated := s.classifyProbes(ctx, serial, probes)

	w.Header().Set(serverTimestampHeader, strconv.FormatInt(nowMillis(), 10))

	if len(outdated) > 0 {
		writeJSON(w, http.StatusOK, objectsResponse{Objects: outdated})
		return
	}

	if req.Chunked {
		s.parkSubscription(w, r, serial, req.Objects)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// applyUpdate merges an incoming device-originated value into server
// state and returns whether the write touched away-aggregate or weather
// fields, so the caller can trigger the appropriate derivation.
func (s *Server) applyUpdate(ctx context.Context, serial string, obj wireObject) (awayTouched, weatherTouched bool) {
	existing, err := s.state.Get(ctx, serial, obj.ObjectKey)
	prior := statevalue.Map(nil)
	priorRevision := int64(0)
	if err == nil {
		prior = existing.Value
		priorRevision = existing.ObjectRevision
	}

	merged := statevalue.Merge(prior, *obj.Value)
	if obj.ObjectKey == "device."+serial {
		merged = derive.PreserveFanTimer(prior, merged)
		merged = s.derive.BackfillStructureID(ctx, serial, merged)
	}

	changed := err != nil || !statevalue.Equal(prior, merged)
	newRevision := priorRevision
	if changed {
		newRevision++
	}

	if _, err := s.state.Upsert(ctx, serial, obj.ObjectKey, newRevision, nowMillis(), merged); err != nil {
		log.Error().Err(err).Str("serial", serial).Str("key", obj.ObjectKey).Msg("failed to upsert device update")
	}

	if obj.ObjectKey == "device."+serial {
		for _, f := range []string{"away", "away_timestamp", "vacation_mode", "manual_away_timestamp"} {
			if _, present := merged.Field(f); present {
				if priorVal, ok := prior.Field(f); !ok || !statevalue.Equal(priorVal, mustField(merged, f)) {
					awayTouched = true
				}
			}
		}
		if _, present := merged.Field("postal_code"); present {
			priorPostal, _ := prior.Field("postal_code")
			if newPostal, _ := merged.Field("postal_code"); !statevalue.Equal(priorPostal, newPostal) {
				weatherTouched = true
			}
		}
	}
	return awayTouched, weatherTouched
}

func mustField(v statevalue.Value, key string) statevalue.Value {
	f, _ := v.Field(key)
	return f
}

// classifyProbes implements subscribe step 2: for every probed object,
// decide whether the response should include the server's current value
// immediately, or the client turns out to be ahead (its fields are
// accepted into server state).
func (s *Server) classifyProbes(ctx context.Context, serial string, probes []wireObject) []wireObject {
	var outdated []wireObject
	for _, p := range probes {
		current, err := s.state.Get(ctx, serial, p.ObjectKey)
		if err != nil {
			continue
		}

		if p.ObjectRevision == 0 && p.ObjectTimestamp == 0 {
			outdated = append(outdated, toWire(p.ObjectKey, *current))
			continue
		}

		if state.IsServerNewer(current.ObjectRevision, current.ObjectTimestamp, p.ObjectRevision, p.ObjectTimestamp) {
			outdated = append(outdated, toWire(p.ObjectKey, *current))
			continue
		}

		// Client reports a revision/timestamp at least as advanced as the
		// server's — accept its fields into server state.
		merged := current.Value
		if p.Value != nil {
			merged = statevalue.Merge(*p.Value, current.Value)
		}
		if _, err := s.state.Upsert(ctx, serial, p.ObjectKey, p.ObjectRevision, p.ObjectTimestamp, merged); err != nil {
			log.Error().Err(err).Str("serial", serial).Str("key", p.ObjectKey).Msg("failed to accept client-newer object")
		}
	}
	return outdated
}

func toWire(key string, obj model.Object) wireObject {
	v := obj.Value
	return wireObject{ObjectKey: key, ObjectRevision: obj.ObjectRevision, ObjectTimestamp: obj.ObjectTimestamp, Value: &v}
}

// parkSubscription registers a Subscription for the probe set and blocks
// until notified, timed out, or the client disconnects — whichever comes
// first. No worker goroutine is blocked on a mutex; this goroutine only
// selects on channels.
func (s *Server) parkSubscription(w http.ResponseWriter, r *http.Request, serial string, objects []wireObject) {
	interests := make([]subscription.Interest, 0, len(objects))
	for _, o := range objects {
		interests = append(interests, subscription.Interest{ObjectKey: o.ObjectKey, ClientRevision: o.ObjectRevision, ClientTimestamp: o.ObjectTimestamp})
	}

	sub := subscription.NewSubscription(serial, interests, s.subscriptionTimeoutOrDefault())
	if !s.subs.Add(sub) {
		httpmw.RateLimited(w, "subscription cap exceeded for this device")
		return
	}

	flusher, _ := w.(http.Flusher)
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush() // keep-alive: empty first chunk
	}

	resultCh := make(chan subscription.Result, 1)
	go func() { resultCh <- sub.Wait() }()

	select {
	case res := <-resultCh:
		if res.TimedOut {
			w.Write([]byte(`{"objects":[]}`))
			return
		}
		out := make([]wireObject, 0, len(res.Objects))
		for _, o := range res.Objects {
			out = append(out, toWire(o.ObjectKey, o))
		}
		json.NewEncoder(w).Encode(objectsResponse{Objects: out})
	case <-r.Context().Done():
	}
}

func (s *Server) subscriptionTimeoutOrDefault() time.Duration {
	if s.subscriptionTimeout > 0 {
		return time.Duration(s.subscriptionTimeout) * time.Millisecond
	}
	return 5 * time.Minute
}

type putRequest struct {
	Objects []struct {
		ObjectKey string           `json:"object_key"`
		Value     statevalue.Value `json:"value"`
	} `json:"objects"`
}

// handlePut implements POST /nest/transport/put: each object is
// deep-merged into server state; the response mirrors each with its new
// revision/timestamp and omits value for no-op writes.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	serial, ok := resolveSerial(r)
	if !ok {
		httpmw.Unauthorized(w, "no resolvable device serial")
		return
	}
	ctx := r.Context()

	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpmw.BadRequest(w, "malformed request body")
		return
	}

	var responses []wireObject
	var deltas []model.Object
	awayTouched := false
	weatherTouched := false

	for _, o := range req.Objects {
		existing, err := s.state.Get(ctx, serial, o.ObjectKey)
		prior := statevalue.Map(nil)
		priorRevision := int64(0)
		if err == nil {
			prior = existing.Value
			priorRevision = existing.ObjectRevision
		}

		merged := statevalue.Merge(prior, o.Value)
		if o.ObjectKey == "device."+serial {
			merged = derive.PreserveFanTimer(prior, merged)
		}

		changed := err != nil || !statevalue.Equal(prior, merged)
		newRevision := priorRevision
		timestamp := nowMillis()
		if changed {
			newRevision++
		}

		updated, err := s.state.Upsert(ctx, serial, o.ObjectKey, newRevision, timestamp, merged)
		if err != nil {
			log.Error().Err(err).Str("serial", serial).Str("key", o.ObjectKey).Msg("failed to upsert put object")
			continue
		}

		wo := wireObject{ObjectKey: o.ObjectKey, ObjectRevision: updated.ObjectRevision, ObjectTimestamp: updated.ObjectTimestamp}
		if changed {
			v := updated.Value
			wo.Value = &v
		}
		responses = append(responses, wo)
		deltas = append(deltas, *updated)

		if o.ObjectKey == "device."+serial {
			if _, ok := o.Value.Field("away"); ok {
				awayTouched = true
			}
			if _, ok := o.Value.Field("postal_code"); ok {
				weatherTouched = true
			}
		}
	}

	if len(deltas) > 0 {
		s.subs.NotifyAll(serial, deltas)
	}
	if awayTouched {
		s.derive.RecomputeAwayAggregate(ctx, serial)
	}
	if weatherTouched {
		s.propagateDeviceWeather(ctx, serial)
	}

	writeJSON(w, http.StatusOK, objectsResponse{Objects: responses})
}

func (s *Server) propagateDeviceWeather(ctx context.Context, serial string) {
	obj, err := s.state.Get(ctx, serial, "device."+serial)
	if err != nil {
		return
	}
	postal, ok := obj.Value.Field("postal_code")
	if !ok {
		return
	}
	postalStr, _ := postal.String()
	if postalStr == "" {
		return
	}
	payload, found, _, err := s.weather.Get(ctx, postalStr)
	if err != nil || !found {
		return
	}
	s.derive.PropagateWeatherByPostalCode(ctx, postalStr, payload)
}

// handlePassphrase implements GET /nest/passphrase: generates a fresh
// pairing code for the requesting device.
func (s *Server) handlePassphrase(w http.ResponseWriter, r *http.Request) {
	serial, ok := resolveSerial(r)
	if !ok {
		httpmw.Unauthorized(w, "no resolvable device serial")
		return
	}

	entry, err := s.pairing.GenerateEntryKey(r.Context(), serial, s.entryKeyTTLOrDefault())
	if err != nil {
		if _, ok := err.(*store.ErrExhaustedCodes); ok {
			httpmw.Internal(w, "entry key space exhausted")
			return
		}
		httpmw.StoreUnavailable(w, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"passphrase":    entry.Code,
		"expires_at_ms": entry.ExpiresAt.UnixMilli(),
	})
}

func (s *Server) entryKeyTTLOrDefault() time.Duration {
	if s.entryKeyTTLSeconds > 0 {
		return time.Duration(s.entryKeyTTLSeconds) * time.Second
	}
	return time.Hour
}

// handleWeather implements GET /nest/weather/v1?query=…, the cached
// upstream weather proxy.
func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		httpmw.BadRequest(w, "missing query parameter")
		return
	}

	ctx := r.Context()
	payload, ok, refreshed, err := s.weather.Get(ctx, query)
	if err != nil {
		httpmw.UpstreamUnavailable(w, err.Error())
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	if refreshed {
		postal, _ := splitWeatherQuery(query)
		if postal != "" {
			s.derive.PropagateWeatherByPostalCode(ctx, postal, payload)
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

// splitWeatherQuery extracts the postal-code portion of a "postal,country"
// weather query, matching weather.Cache's own parsing. IP-form queries
// (containing a ".") never repeat, so they have no postal code to fan
// weather out by.
func splitWeatherQuery(query string) (postal, country string) {
	if strings.Contains(query, ".") {
		return "", ""
	}
	parts := strings.SplitN(query, ",", 2)
	postal = parts[0]
	if len(parts) > 1 {
		country = parts[1]
	}
	return postal, country
}

// handleUpload implements POST /nest/upload: an opaque log blob persisted
// with a filename derived from the requesting device's serial.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	serial, ok := resolveSerial(r)
	if !ok {
		httpmw.Unauthorized(w, "no resolvable device serial")
		return
	}

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		httpmw.Internal(w, "could not prepare upload directory")
		return
	}

	filename := fmt.Sprintf("%s-%d.log", serial, time.Now().UnixNano())
	f, err := os.Create(filepath.Join(s.uploadDir, filename))
	if err != nil {
		httpmw.Internal(w, "could not create upload file")
		return
	}
	defer f.Close()

	if _, err := io.Copy(f, r.Body); err != nil {
		httpmw.Internal(w, "failed writing upload body")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func nowMillis() int64 { return time.Now().UnixMilli() }
