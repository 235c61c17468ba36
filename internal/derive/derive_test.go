package derive_test

import (
	"context"
	"testing"

	"github.com/thermobridge/thermobridge/internal/derive"
	"github.com/thermobridge/thermobridge/internal/state"
	"github.com/thermobridge/thermobridge/internal/statevalue"
	"github.com/thermobridge/thermobridge/internal/store"
)

func mustVal(t *testing.T, raw string) statevalue.Value {
	t.Helper()
	var v statevalue.Value
	if err := v.UnmarshalJSON([]byte(raw)); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestPreserveFanTimerRestoresOmittedFields(t *testing.T) {
	prior := mustVal(t, `{"fan_timer_timeout":100,"fan_mode":"auto","away":false}`)
	merged := mustVal(t, `{"away":true}`)

	out := derive.PreserveFanTimer(prior, merged)

	fanTimeout, ok := out.Field("fan_timer_timeout")
	if !ok {
		t.Fatal("expected fan_timer_timeout to be preserved")
	}
	n, _ := fanTimeout.Number()
	if n != 100 {
		t.Errorf("got %v, want 100", n)
	}
	awayVal, _ := out.Field("away")
	b, _ := awayVal.Bool()
	if !b {
		t.Errorf("expected away to remain true from merged, not be overwritten by prior")
	}
}

func TestPreserveFanTimerDoesNotOverrideExplicitUpdate(t *testing.T) {
	prior := mustVal(t, `{"fan_mode":"auto"}`)
	merged := mustVal(t, `{"fan_mode":"manual"}`)

	out := derive.PreserveFanTimer(prior, merged)

	v, _ := out.Field("fan_mode")
	s, _ := v.String()
	if s != "manual" {
		t.Errorf("got %q, want manual (explicit update must win over preservation)", s)
	}
}

func newTestDeriver(t *testing.T) (*derive.Deriver, *state.Service, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	svc := state.New(st)
	return derive.New(svc, st), svc, st
}

func TestBackfillStructureIDUsesOwner(t *testing.T) {
	ctx := context.Background()
	d, _, st := newTestDeriver(t)

	if err := st.SetDeviceOwner(ctx, "ABC", "user.42"); err != nil {
		t.Fatal(err)
	}

	merged := mustVal(t, `{"away":false}`)
	out := d.BackfillStructureID(ctx, "ABC", merged)

	v, ok := out.Field("structure_id")
	if !ok {
		t.Fatal("expected structure_id to be backfilled")
	}
	s, _ := v.String()
	if s != "42" {
		t.Errorf("got %q, want 42 (stripped user. prefix)", s)
	}
}

func TestBackfillStructureIDLeavesExistingValueAlone(t *testing.T) {
	ctx := context.Background()
	d, _, st := newTestDeriver(t)
	st.SetDeviceOwner(ctx, "ABC", "user.42")

	merged := mustVal(t, `{"structure_id":"99"}`)
	out := d.BackfillStructureID(ctx, "ABC", merged)

	v, _ := out.Field("structure_id")
	s, _ := v.String()
	if s != "99" {
		t.Errorf("got %q, want 99 (pre-existing value must not be overwritten)", s)
	}
}

func TestRecomputeAwayAggregateAllDevicesAway(t *testing.T) {
	ctx := context.Background()
	d, svc, st := newTestDeriver(t)

	st.SetDeviceOwner(ctx, "DEV1", "user.1")
	st.SetDeviceOwner(ctx, "DEV2", "user.1")

	svc.Upsert(ctx, "DEV1", "device.DEV1", 1, 1000, mustVal(t, `{"away":true,"away_timestamp":1000,"away_setter":"DEV1"}`))
	svc.Upsert(ctx, "DEV2", "device.DEV2", 1, 2000, mustVal(t, `{"away":true,"away_timestamp":2000,"away_setter":"DEV2"}`))

	d.RecomputeAwayAggregate(ctx, "DEV1")

	obj, err := svc.Get(ctx, "DEV1", "user.1")
	if err != nil {
		t.Fatal(err)
	}
	away, _ := obj.Value.Field("away")
	b, _ := away.Bool()
	if !b {
		t.Error("expected away=true since all owned devices report away")
	}
}

func TestRecomputeAwayAggregateOneDeviceHome(t *testing.T) {
	ctx := context.Background()
	d, svc, st := newTestDeriver(t)

	st.SetDeviceOwner(ctx, "DEV1", "user.1")
	st.SetDeviceOwner(ctx, "DEV2", "user.1")

	svc.Upsert(ctx, "DEV1", "device.DEV1", 1, 1000, mustVal(t, `{"away":true}`))
	svc.Upsert(ctx, "DEV2", "device.DEV2", 1, 1000, mustVal(t, `{"away":false}`))

	d.RecomputeAwayAggregate(ctx, "DEV1")

	obj, err := svc.Get(ctx, "DEV1", "user.1")
	if err != nil {
		t.Fatal(err)
	}
	away, _ := obj.Value.Field("away")
	b, _ := away.Bool()
	if b {
		t.Error("expected away=false since one owned device reports home")
	}
}

func TestPropagateWeatherWritesUserObject(t *testing.T) {
	ctx := context.Background()
	d, svc, st := newTestDeriver(t)
	st.SetDeviceOwner(ctx, "ABC", "user.7")

	d.PropagateWeather(ctx, "ABC", mustVal(t, `{"temp_c":21}`))

	obj, err := svc.Get(ctx, "ABC", "user.7")
	if err != nil {
		t.Fatal(err)
	}
	weather, ok := obj.Value.Field("weather")
	if !ok {
		t.Fatal("expected weather field on user object")
	}
	tc, _ := weather.Field("temp_c")
	n, _ := tc.Number()
	if n != 21 {
		t.Errorf("got %v, want 21", n)
	}
}

func TestPropagateWeatherByPostalCodeFansOutToEveryMatchingDevice(t *testing.T) {
	ctx := context.Background()
	d, svc, st := newTestDeriver(t)

	st.SetDeviceOwner(ctx, "DEV1", "user.1")
	st.SetDeviceOwner(ctx, "DEV2", "user.2")
	st.SetDeviceOwner(ctx, "DEV3", "user.3")

	svc.Upsert(ctx, "DEV1", "device.DEV1", 1, 1000, mustVal(t, `{"postal_code":"94103"}`))
	svc.Upsert(ctx, "DEV2", "device.DEV2", 1, 1000, mustVal(t, `{"postal_code":"94103"}`))
	svc.Upsert(ctx, "DEV3", "device.DEV3", 1, 1000, mustVal(t, `{"postal_code":"10001"}`))

	d.PropagateWeatherByPostalCode(ctx, "94103", mustVal(t, `{"temp_c":21}`))

	for _, tc := range []struct {
		serial, userKey string
		wantWeather     bool
	}{
		{"DEV1", "user.1", true},
		{"DEV2", "user.2", true},
		{"DEV3", "user.3", false},
	} {
		obj, err := svc.Get(ctx, tc.serial, tc.userKey)
		if tc.wantWeather {
			if err != nil {
				t.Fatalf("%s: expected user object to exist, got err %v", tc.serial, err)
			}
			if _, ok := obj.Value.Field("weather"); !ok {
				t.Errorf("%s: expected weather field on %s", tc.serial, tc.userKey)
			}
		} else if err == nil {
			if _, ok := obj.Value.Field("weather"); ok {
				t.Errorf("%s: device outside the postal code should not receive weather", tc.serial)
			}
		}
	}
}
