package control

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thermobridge/thermobridge/internal/httpmw"
	"github.com/thermobridge/thermobridge/internal/model"
	"github.com/thermobridge/thermobridge/internal/state"
	"github.com/thermobridge/thermobridge/internal/statevalue"
	"github.com/thermobridge/thermobridge/internal/store"
	"github.com/thermobridge/thermobridge/internal/subscription"
)

// Safe operating range for target_temperature, in the device's native
// Celsius units — the commonly documented smart-thermostat safe range
// (9-32C).
const (
	minSafeTemperature = 9.0
	maxSafeTemperature = 32.0
)

// Server holds the control API's dependencies.
type Server struct {
	st    store.Store
	state *state.Service
	subs  *subscription.Manager
}

func New(st store.Store, svc *state.Service, subs *subscription.Manager) *Server {
	return &Server{st: st, state: svc, subs: subs}
}

type commandRequest struct {
	Serial string           `json:"serial"`
	Action string           `json:"action"`
	Mode   string           `json:"mode,omitempty"`
	Value  *float64         `json:"value,omitempty"`
	Low    *float64         `json:"low,omitempty"`
	High   *float64         `json:"high,omitempty"`
	Object string           `json:"object,omitempty"`
	Field  string           `json:"field,omitempty"`
	Set    statevalue.Value `json:"set_value,omitempty"`
}

type commandResponse struct {
	ObjectKey      string `json:"object_key"`
	ObjectRevision int64  `json:"object_revision"`
}

// handleCommand implements POST /command: the three action shapes
// (temp/temperature, away, set) all resolve to a DeviceStateService.Upsert
// call, so dashboard-issued writes notify subscribers exactly like
// device-originated ones.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(r)
	if !ok {
		httpmw.Unauthorized(w, "missing authentication context")
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpmw.BadRequest(w, "malformed request body")
		return
	}
	if req.Serial == "" || req.Action == "" {
		httpmw.BadRequest(w, "serial and action are required")
		return
	}
	if !ac.Key.AllowsSerial(req.Serial) {
		httpmw.Unauthorized(w, "bearer token not scoped to this serial")
		return
	}
	if !ac.Key.AllowsAction(req.Action) {
		httpmw.Unauthorized(w, "bearer token not scoped to this action")
		return
	}

	ctx := r.Context()

	switch req.Action {
	case "temp", "temperature":
		s.handleTempCommand(ctx, w, req, ac)
	case "away":
		s.handleAwayCommand(ctx, w, req, ac)
	case "set":
		s.handleSetCommand(ctx, w, req, ac)
	default:
		httpmw.BadRequest(w, "unknown action")
	}
}

func (s *Server) handleTempCommand(ctx context.Context, w http.ResponseWriter, req commandRequest, ac *model.AuthContext) {
	if req.Value == nil {
		httpmw.BadRequest(w, "temp command requires value")
		return
	}
	clamped := clampTemperature(*req.Value)

	key := "shared." + req.Serial
	existing, err := s.state.Get(ctx, req.Serial, key)
	prior := statevalue.Map(nil)
	rev := int64(0)
	if err == nil {
		prior = existing.Value
		rev = existing.ObjectRevision
	}

	fields := map[string]statevalue.Value{
		"target_temperature":      statevalue.Number(clamped),
		"target_temperature_type": statevalue.String(req.Mode),
		"touched_by":              statevalue.String(ac.UserID),
		"touched_at":              statevalue.Number(float64(nowMillis())),
	}
	if req.Low != nil {
		fields["target_temperature_low"] = statevalue.Number(clampTemperature(*req.Low))
	}
	if req.High != nil {
		fields["target_temperature_high"] = statevalue.Number(clampTemperature(*req.High))
	}

	merged := prior
	if !merged.IsMap() {
		merged = statevalue.Map(nil)
	}
	for k, v := range fields {
		merged = merged.WithField(k, v)
	}

	updated, err := s.state.Upsert(ctx, req.Serial, key, rev+1, nowMillis(), merged)
	if err != nil {
		httpmw.StoreUnavailable(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{ObjectKey: key, ObjectRevision: updated.ObjectRevision})
}

func (s *Server) handleAwayCommand(ctx context.Context, w http.ResponseWriter, req commandRequest, ac *model.AuthContext) {
	if req.Value == nil {
		httpmw.BadRequest(w, "away command requires value (0 or 1)")
		return
	}
	away := *req.Value != 0

	deviceKey := "device." + req.Serial
	existing, err := s.state.Get(ctx, req.Serial, deviceKey)
	prior := statevalue.Map(nil)
	rev := int64(0)
	if err == nil {
		prior = existing.Value
		rev = existing.ObjectRevision
	}
	merged := prior
	if !merged.IsMap() {
		merged = statevalue.Map(nil)
	}
	merged = merged.WithField("auto_away", statevalue.Bool(away))

	updated, err := s.state.Upsert(ctx, req.Serial, deviceKey, rev+1, nowMillis(), merged)
	if err != nil {
		httpmw.StoreUnavailable(w, err.Error())
		return
	}

	owner, err := s.st.GetDeviceOwner(ctx, req.Serial)
	if err == nil && owner != nil {
		userKey := "user." + owner.UserID
		userExisting, uerr := s.state.Get(ctx, req.Serial, userKey)
		userBase := statevalue.Map(nil)
		userRev := int64(0)
		if uerr == nil {
			userBase = userExisting.Value
			userRev = userExisting.ObjectRevision
		}
		userUpdated := userBase.
			WithField("away", statevalue.Bool(away)).
			WithField("away_timestamp", statevalue.Number(float64(nowMillis())))
		if _, err := s.state.Upsert(ctx, req.Serial, userKey, userRev+1, nowMillis(), userUpdated); err != nil {
			log.Error().Err(err).Str("user_id", owner.UserID).Msg("failed to write user away fields from command")
		}
	}

	writeJSON(w, http.StatusOK, commandResponse{ObjectKey: deviceKey, ObjectRevision: updated.ObjectRevision})
}

func (s *Server) handleSetCommand(ctx context.Context, w http.ResponseWriter, req commandRequest, _ *model.AuthContext) {
	if req.Object == "" || req.Field == "" {
		httpmw.BadRequest(w, "set command requires object and field")
		return
	}

	existing, err := s.state.Get(ctx, req.Serial, req.Object)
	prior := statevalue.Map(nil)
	rev := int64(0)
	if err == nil {
		prior = existing.Value
		rev = existing.ObjectRevision
	}
	merged := prior
	if !merged.IsMap() {
		merged = statevalue.Map(nil)
	}
	merged = merged.WithField(req.Field, req.Set)

	updated, err := s.state.Upsert(ctx, req.Serial, req.Object, rev+1, nowMillis(), merged)
	if err != nil {
		httpmw.StoreUnavailable(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{ObjectKey: req.Object, ObjectRevision: updated.ObjectRevision})
}

func clampTemperature(v float64) float64 {
	if v < minSafeTemperature {
		return minSafeTemperature
	}
	if v > maxSafeTemperature {
		return maxSafeTemperature
	}
	return v
}

// handleStatus implements GET /status: a read-only projection of every
// cached object for the requested serial.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(r)
	if !ok {
		httpmw.Unauthorized(w, "missing authentication context")
		return
	}
	serial := r.URL.Query().Get("serial")
	if serial == "" {
		httpmw.BadRequest(w, "missing serial query parameter")
		return
	}
	if !ac.Key.AllowsSerial(serial) {
		httpmw.Unauthorized(w, "bearer token not scoped to this serial")
		return
	}

	all, err := s.state.GetAllForDevice(r.Context(), serial)
	if err != nil {
		httpmw.StoreUnavailable(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"serial": serial, "objects": all})
}

// handleDevices implements GET /api/devices: every serial owned by the
// authenticated user.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(r)
	if !ok {
		httpmw.Unauthorized(w, "missing authentication context")
		return
	}

	serials, err := s.st.ListUserDevices(r.Context(), ac.UserID)
	if err != nil {
		httpmw.StoreUnavailable(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": serials})
}

type notifyRequest struct {
	Serial string `json:"serial"`
}

// handleNotifyDevice implements POST /notify-device: forces a fan-out of
// the device's current state to every parked subscriber scoped to the
// caller's bearer key. This is a real, production-reachable endpoint
// (wired unconditionally in router.go, not behind a debug flag) — it
// exists for control-plane callers that changed device state through a
// path other than the device's own PUT and need subscribers woken
// explicitly. NotifyAll still filters each subscriber down to the objects
// its own Interests actually cover, so this forced fan-out can't leak
// unrelated objects to a narrowly-scoped subscriber.
func (s *Server) handleNotifyDevice(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(r)
	if !ok {
		httpmw.Unauthorized(w, "missing authentication context")
		return
	}

	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpmw.BadRequest(w, "malformed request body")
		return
	}
	if req.Serial == "" {
		httpmw.BadRequest(w, "missing serial")
		return
	}
	if !ac.Key.AllowsSerial(req.Serial) {
		httpmw.Unauthorized(w, "bearer token not scoped to this serial")
		return
	}

	all, err := s.state.GetAllForDevice(r.Context(), req.Serial)
	if err != nil {
		httpmw.StoreUnavailable(w, err.Error())
		return
	}

	deltas := make([]model.Object, 0, len(all))
	for _, obj := range all {
		deltas = append(deltas, obj)
	}
	notified, _ := s.subs.NotifyAll(req.Serial, deltas)
	writeJSON(w, http.StatusOK, map[string]any{"notified": notified})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func nowMillis() int64 { return time.Now().UnixMilli() }
