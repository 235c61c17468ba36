package pairing_test

import (
	"context"
	"testing"
	"time"

	"github.com/thermobridge/thermobridge/internal/pairing"
	"github.com/thermobridge/thermobridge/internal/state"
	"github.com/thermobridge/thermobridge/internal/store"
)

func newTestService(t *testing.T) (*pairing.Service, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	return pairing.New(st, state.New(st)), st
}

func TestClaimEntryKeyMaterializesFullObjectGraph(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	entry, err := svc.GenerateEntryKey(ctx, "ABC123", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.ClaimEntryKey(ctx, entry.Code, "user-1"); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"device_alert_dialog.ABC123", "device.ABC123", "structure.user-1", "link.ABC123", "user.user-1"} {
		if _, err := st.GetState(ctx, "ABC123", key); err != nil {
			t.Errorf("expected %s to exist after claim: %v", key, err)
		}
	}

	owner, err := st.GetDeviceOwner(ctx, "ABC123")
	if err != nil || owner.UserID != "user-1" {
		t.Fatalf("expected owner user-1, got %+v err=%v", owner, err)
	}
}

func TestClaimEntryKeySameUserIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	entry1, _ := svc.GenerateEntryKey(ctx, "ABC123", time.Hour)
	if _, err := svc.ClaimEntryKey(ctx, entry1.Code, "user-1"); err != nil {
		t.Fatal(err)
	}

	entry2, err := svc.GenerateEntryKey(ctx, "ABC123", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ClaimEntryKey(ctx, entry2.Code, "user-1"); err != nil {
		t.Fatalf("expected same-user reclaim on a fresh code to succeed idempotently: %v", err)
	}
}

func TestClaimEntryKeyRejectsDifferentUserAlreadyLinked(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	entry1, _ := svc.GenerateEntryKey(ctx, "ABC123", time.Hour)
	if _, err := svc.ClaimEntryKey(ctx, entry1.Code, "user-1"); err != nil {
		t.Fatal(err)
	}

	entry2, _ := svc.GenerateEntryKey(ctx, "ABC123", time.Hour)
	_, err := svc.ClaimEntryKey(ctx, entry2.Code, "user-2")
	if _, ok := err.(*pairing.AlreadyLinkedError); !ok {
		t.Fatalf("expected AlreadyLinkedError, got %v", err)
	}
}

func TestClaimEntryKeyRejectsUnknownCode(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	if _, err := svc.ClaimEntryKey(ctx, "000AAAA", "user-1"); err == nil {
		t.Fatal("expected error claiming an unknown code")
	}
}

func TestClaimEntryKeyMaterializesUserObjectPerDeviceCache(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	e1, _ := svc.GenerateEntryKey(ctx, "DEV1", time.Hour)
	svc.ClaimEntryKey(ctx, e1.Code, "user-1")

	e2, _ := svc.GenerateEntryKey(ctx, "DEV2", time.Hour)
	if _, err := svc.ClaimEntryKey(ctx, e2.Code, "user-1"); err != nil {
		t.Fatal(err)
	}

	obj, err := st.GetState(ctx, "DEV2", "user.user-1")
	if err != nil {
		t.Fatal(err)
	}
	structures, ok := obj.Value.Field("structures")
	if !ok {
		t.Fatal("expected structures field on user object")
	}
	items, _ := structures.List()
	if len(items) != 1 {
		t.Fatalf("got %d structures, want 1", len(items))
	}
}
