// Package derive implements the cross-object derivation rules applied
// after a merge but before revision comparison: fan-timer preservation,
// structure-id backfill, away aggregation, and weather propagation.
package derive

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thermobridge/thermobridge/internal/state"
	"github.com/thermobridge/thermobridge/internal/statevalue"
	"github.com/thermobridge/thermobridge/internal/store"
)

// fanTimerFields survive a partial device update even when the device
// omits them, since firmware only reports the fan fields it changed.
var fanTimerFields = []string{
	"fan_timer_timeout",
	"fan_control_state",
	"fan_timer_duration",
	"fan_current_speed",
	"fan_mode",
}

// awayFields trigger an away-aggregate recompute on the owning user when
// any of them changes on a device object.
var awayFields = []string{"away", "away_timestamp", "vacation_mode", "manual_away_timestamp"}

const userObjectPrefix = "user."

// Deriver applies derivation rules against the authoritative state cache
// and the durable owner index.
type Deriver struct {
	state *state.Service
	st    store.Store
}

func New(svc *state.Service, st store.Store) *Deriver {
	return &Deriver{state: svc, st: st}
}

// PreserveFanTimer restores any fan-timer field present in prior but
// missing from merged. Called post-merge, before the caller decides
// whether the revision advances.
func PreserveFanTimer(prior, merged statevalue.Value) statevalue.Value {
	if !prior.IsMap() || !merged.IsMap() {
		return merged
	}
	out := merged
	for _, f := range fanTimerFields {
		if _, present := merged.Field(f); present {
			continue
		}
		if priorVal, ok := prior.Field(f); ok {
			out = out.WithField(f, priorVal)
		}
	}
	return out
}

// BackfillStructureID sets structure_id on a device.{serial} value from
// the device's owner record, if the merged value does not already carry
// one.
func (d *Deriver) BackfillStructureID(ctx context.Context, serial string, merged statevalue.Value) statevalue.Value {
	if !merged.IsMap() {
		return merged
	}
	if _, ok := merged.Field("structure_id"); ok {
		return merged
	}
	owner, err := d.st.GetDeviceOwner(ctx, serial)
	if err != nil || owner == nil {
		return merged
	}
	return merged.WithField("structure_id", statevalue.String(stripUserPrefix(owner.UserID)))
}

func stripUserPrefix(userID string) string {
	if len(userID) > len(userObjectPrefix) && userID[:len(userObjectPrefix)] == userObjectPrefix {
		return userID[len(userObjectPrefix):]
	}
	return userID
}

// IsAwayField reports whether key is one of the fields that should trigger
// an away-aggregate recompute when changed.
func IsAwayField(key string) bool {
	for _, f := range awayFields {
		if f == key {
			return true
		}
	}
	return false
}

// RecomputeAwayAggregate rebuilds the owning user's away aggregate from
// every device they own: away is true iff all owned devices report away;
// vacation_mode is true iff any device is in vacation mode; the most
// recent away_timestamp/manual_away_timestamp/away_setter win.
func (d *Deriver) RecomputeAwayAggregate(ctx context.Context, serial string) {
	owner, err := d.st.GetDeviceOwner(ctx, serial)
	if err != nil || owner == nil {
		return
	}

	serials, err := d.st.ListUserDevices(ctx, owner.UserID)
	if err != nil {
		log.Error().Err(err).Str("user_id", owner.UserID).Msg("failed to list devices for away aggregate")
		return
	}

	allAway := true
	anyVacation := false
	var latestTS float64
	var latestAwayTS, latestManualAwayTS statevalue.Value
	var latestSetter statevalue.Value
	haveDevices := false

	for _, devSerial := range serials {
		obj, err := d.state.Get(ctx, devSerial, "device."+devSerial)
		if err != nil {
			continue
		}
		haveDevices = true

		away, _ := obj.Value.Field("away")
		awayB, _ := away.Bool()
		if !awayB {
			allAway = false
		}

		vac, _ := obj.Value.Field("vacation_mode")
		if vacB, _ := vac.Bool(); vacB {
			anyVacation = true
		}

		ts, ok := obj.Value.Field("away_timestamp")
		if ok {
			if n, _ := ts.Number(); n >= latestTS {
				latestTS = n
				latestAwayTS = ts
				if v, ok := obj.Value.Field("manual_away_timestamp"); ok {
					latestManualAwayTS = v
				}
				if v, ok := obj.Value.Field("away_setter"); ok {
					latestSetter = v
				}
			}
		}
	}
	if !haveDevices {
		return
	}

	userKey := userObjectPrefix + stripUserPrefix(owner.UserID)
	existing, err := d.state.Get(ctx, serial, userKey)
	base := statevalue.Map(nil)
	rev := int64(1)
	if err == nil {
		base = existing.Value
		rev = existing.ObjectRevision + 1
	}

	updated := base.WithField("away", statevalue.Bool(allAway)).
		WithField("vacation_mode", statevalue.Bool(anyVacation))
	if !latestAwayTS.IsNull() {
		updated = updated.WithField("away_timestamp", latestAwayTS)
	}
	if !latestManualAwayTS.IsNull() {
		updated = updated.WithField("manual_away_timestamp", latestManualAwayTS)
	}
	if !latestSetter.IsNull() {
		updated = updated.WithField("away_setter", latestSetter)
	}

	if _, err := d.state.Upsert(ctx, serial, userKey, rev, nowMillis(), updated); err != nil {
		log.Error().Err(err).Str("user_id", owner.UserID).Msg("failed to write away aggregate")
	}
}

// PropagateWeather pushes payload into the user.{id} object of serial's
// owner. Used both for the single-device trigger ("this device reported a
// new postal code") and as the per-serial unit of work behind
// PropagateWeatherByPostalCode's fan-out.
func (d *Deriver) PropagateWeather(ctx context.Context, serial string, payload statevalue.Value) {
	owner, err := d.st.GetDeviceOwner(ctx, serial)
	if err != nil || owner == nil {
		return
	}

	userKey := userObjectPrefix + stripUserPrefix(owner.UserID)
	existing, err := d.state.Get(ctx, serial, userKey)
	base := statevalue.Map(nil)
	rev := int64(1)
	if err == nil {
		base = existing.Value
		rev = existing.ObjectRevision + 1
	}

	updated := base.WithField("weather", payload)
	if _, err := d.state.Upsert(ctx, serial, userKey, rev, nowMillis(), updated); err != nil {
		log.Error().Err(err).Str("user_id", owner.UserID).Msg("failed to propagate weather to user object")
	}
}

// PropagateWeatherByPostalCode pushes payload into the user.{id} object of
// every device whose cached postal code matches postal — the fan-out an
// upstream refresh success triggers, as opposed to the single-device fan-in
// PropagateWeather performs for a device-reported postal code change.
func (d *Deriver) PropagateWeatherByPostalCode(ctx context.Context, postal string, payload statevalue.Value) {
	serials, err := d.st.ListDevicesByPostalCode(ctx, postal)
	if err != nil {
		log.Error().Err(err).Str("postal", postal).Msg("failed to list devices for weather fan-out")
		return
	}
	for _, serial := range serials {
		d.PropagateWeather(ctx, serial, payload)
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }
