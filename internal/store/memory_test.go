package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/thermobridge/thermobridge/internal/model"
	"github.com/thermobridge/thermobridge/internal/statevalue"
	"github.com/thermobridge/thermobridge/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAndGetState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	val := statevalue.Map(map[string]statevalue.Value{"away": statevalue.Bool(true)})
	if _, err := s.UpsertState(ctx, "ABC", "shared.ABC", 1, 1000, model.Object{Value: val}); err != nil {
		t.Fatalf("UpsertState: %v", err)
	}

	got, err := s.GetState(ctx, "ABC", "shared.ABC")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if got.ObjectRevision != 1 {
		t.Errorf("got revision %d, want 1", got.ObjectRevision)
	}
	if !statevalue.Equal(got.Value, val) {
		t.Errorf("got value %v, want %v", got.Value, val)
	}
}

func TestGetStateNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetState(context.Background(), "ABC", "shared.ABC")
	if _, ok := err.(*store.ErrNotFound); !ok {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestGetDeviceStateReturnsAllKeysForSerial(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.UpsertState(ctx, "ABC", "shared.ABC", 1, 1000, model.Object{})
	s.UpsertState(ctx, "ABC", "device.ABC", 1, 1000, model.Object{})
	s.UpsertState(ctx, "XYZ", "device.XYZ", 1, 1000, model.Object{})

	all, err := s.GetDeviceState(ctx, "ABC")
	if err != nil {
		t.Fatalf("GetDeviceState: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d objects, want 2", len(all))
	}
	if _, ok := all["shared.ABC"]; !ok {
		t.Error("missing shared.ABC")
	}
	if _, ok := all["device.ABC"]; !ok {
		t.Error("missing device.ABC")
	}
}

func TestListDevicesByPostalCodeMatchesOnlyDeviceObjects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	postal := statevalue.Map(map[string]statevalue.Value{"postal_code": statevalue.String("94103")})
	other := statevalue.Map(map[string]statevalue.Value{"postal_code": statevalue.String("10001")})

	s.UpsertState(ctx, "DEV1", "device.DEV1", 1, 1000, model.Object{Value: postal})
	s.UpsertState(ctx, "DEV2", "device.DEV2", 1, 1000, model.Object{Value: postal})
	s.UpsertState(ctx, "DEV3", "device.DEV3", 1, 1000, model.Object{Value: other})
	// A non-device object happening to carry the same field must not match.
	s.UpsertState(ctx, "DEV1", "shared.DEV1", 1, 1000, model.Object{Value: postal})

	serials, err := s.ListDevicesByPostalCode(ctx, "94103")
	if err != nil {
		t.Fatal(err)
	}
	if len(serials) != 2 {
		t.Fatalf("got %d serials, want 2: %v", len(serials), serials)
	}
	seen := map[string]bool{}
	for _, s := range serials {
		seen[s] = true
	}
	if !seen["DEV1"] || !seen["DEV2"] {
		t.Errorf("expected DEV1 and DEV2, got %v", serials)
	}
}

func TestGenerateEntryKeyReplacesPriorCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.GenerateEntryKey(ctx, "ABC", time.Hour)
	if err != nil {
		t.Fatalf("GenerateEntryKey: %v", err)
	}
	second, err := s.GenerateEntryKey(ctx, "ABC", time.Hour)
	if err != nil {
		t.Fatalf("GenerateEntryKey: %v", err)
	}

	if _, err := s.GetEntryKey(ctx, first.Code); err == nil {
		t.Error("expected prior entry key to have been removed")
	}
	if _, err := s.GetEntryKey(ctx, second.Code); err != nil {
		t.Errorf("expected current entry key to exist: %v", err)
	}
}

func TestEntryKeyCodeFormat(t *testing.T) {
	s := newTestStore(t)
	ek, err := s.GenerateEntryKey(context.Background(), "ABC", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(ek.Code) != 7 {
		t.Fatalf("got code %q with length %d, want 7", ek.Code, len(ek.Code))
	}
	for i, r := range ek.Code {
		if i < 3 && (r < '0' || r > '9') {
			t.Fatalf("code %q: position %d expected digit", ek.Code, i)
		}
		if i >= 3 && (r < 'A' || r > 'Z') {
			t.Fatalf("code %q: position %d expected uppercase letter", ek.Code, i)
		}
	}
}

func TestClaimEntryKeyRejectsDifferentUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ek, _ := s.GenerateEntryKey(ctx, "ABC", time.Hour)

	if _, err := s.ClaimEntryKey(ctx, ek.Code, "user_xyz", time.Now()); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := s.ClaimEntryKey(ctx, ek.Code, "user_other", time.Now()); err == nil {
		t.Fatal("expected conflict claiming code already claimed by a different user")
	}
}

func TestClaimEntryKeyIdempotentForSameUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ek, _ := s.GenerateEntryKey(ctx, "ABC", time.Hour)

	if _, err := s.ClaimEntryKey(ctx, ek.Code, "user_xyz", time.Now()); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := s.ClaimEntryKey(ctx, ek.Code, "user_xyz", time.Now()); err != nil {
		t.Fatalf("second claim by same user should be idempotent: %v", err)
	}
}

func TestClaimEntryKeyRejectsExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ek, _ := s.GenerateEntryKey(ctx, "ABC", time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	if _, err := s.ClaimEntryKey(ctx, ek.Code, "user_xyz", time.Now()); err == nil {
		t.Fatal("expected expired code to be rejected")
	}
}

func TestDeleteExpiredEntryKeysSkipsClaimed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	claimed, _ := s.GenerateEntryKey(ctx, "ABC", time.Millisecond)
	s.ClaimEntryKey(ctx, claimed.Code, "user_xyz", time.Now())
	unclaimed, _ := s.GenerateEntryKey(ctx, "XYZ", time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	removed, err := s.DeleteExpiredEntryKeys(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("got %d removed, want 1", removed)
	}
	if _, err := s.GetEntryKey(ctx, claimed.Code); err != nil {
		t.Error("claimed code must survive GC even though expired")
	}
	if _, err := s.GetEntryKey(ctx, unclaimed.Code); err == nil {
		t.Error("expired unclaimed code should have been collected")
	}
}

func TestApiKeyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	k := model.ApiKey{KeyPreview: "sk_live_...abcd", UserID: "user_xyz", Name: "dashboard"}
	if err := s.CreateApiKey(ctx, "raw-secret-token", k); err != nil {
		t.Fatal(err)
	}

	ac, err := s.ValidateApiKey(ctx, "raw-secret-token")
	if err != nil {
		t.Fatalf("ValidateApiKey: %v", err)
	}
	if ac.UserID != "user_xyz" {
		t.Errorf("got user %q, want user_xyz", ac.UserID)
	}

	if _, err := s.ValidateApiKey(ctx, "wrong-token"); err == nil {
		t.Error("expected wrong token to be rejected")
	}
}

func TestSnapshotPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("THERMO_DATA_DIR", dir)

	s1 := store.NewMemoryStore()
	s1.UpsertState(context.Background(), "ABC", "shared.ABC", 3, 5000, model.Object{})
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	s2 := store.NewMemoryStore()
	t.Cleanup(func() { s2.Close() })
	got, err := s2.GetState(context.Background(), "ABC", "shared.ABC")
	if err != nil {
		t.Fatalf("expected snapshot to be reloaded: %v", err)
	}
	if got.ObjectRevision != 3 {
		t.Errorf("got revision %d, want 3", got.ObjectRevision)
	}
}
