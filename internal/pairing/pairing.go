// Package pairing implements entry-key redemption: binding an unowned
// device to a user account and materializing the object graph a freshly
// paired device and its owning account are expected to have.
package pairing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thermobridge/thermobridge/internal/model"
	"github.com/thermobridge/thermobridge/internal/state"
	"github.com/thermobridge/thermobridge/internal/statevalue"
	"github.com/thermobridge/thermobridge/internal/store"
)

// userObjectPrefix is the well-known object-key prefix stripped from a
// user id to derive a structure identifier.
const userObjectPrefix = "user."

// Service redeems entry keys and materializes ownership state.
type Service struct {
	st    store.Store
	state *state.Service
}

func New(st store.Store, svc *state.Service) *Service {
	return &Service{st: st, state: svc}
}

// GenerateEntryKey mints a fresh pairing code for serial, replacing any
// prior unclaimed code.
func (s *Service) GenerateEntryKey(ctx context.Context, serial string, ttl time.Duration) (*model.EntryKey, error) {
	return s.st.GenerateEntryKey(ctx, serial, ttl)
}

// AlreadyLinkedError is returned when a device already has a different
// owner than the claiming user.
type AlreadyLinkedError struct {
	Serial string
	Owner  string
}

func (e *AlreadyLinkedError) Error() string {
	return "device " + e.Serial + " already linked to a different owner"
}

// ClaimEntryKey redeems code for userID: validates the code, records
// ownership, and materializes the pairing side-effects. Each
// materialization step is individually idempotent, so a retried claim
// (same user, same or different code for the same serial) converges
// without duplicating state.
func (s *Service) ClaimEntryKey(ctx context.Context, code, userID string) (*model.EntryKey, error) {
	now := time.Now()
	entry, err := s.st.ClaimEntryKey(ctx, code, userID, now)
	if err != nil {
		return nil, err
	}

	owner, err := s.st.GetDeviceOwner(ctx, entry.Serial)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); !ok {
			return nil, err
		}
	}
	if owner != nil && owner.UserID != userID {
		return nil, &AlreadyLinkedError{Serial: entry.Serial, Owner: owner.UserID}
	}
	if owner == nil {
		if err := s.st.SetDeviceOwner(ctx, entry.Serial, userID); err != nil {
			return nil, err
		}
	}

	if err := s.materialize(ctx, entry.Serial, userID); err != nil {
		return nil, err
	}
	return entry, nil
}

func structureIDFor(userID string) string {
	if len(userID) > len(userObjectPrefix) && userID[:len(userObjectPrefix)] == userObjectPrefix {
		return userID[len(userObjectPrefix):]
	}
	return userID
}

// materialize ensures the full pairing object graph exists. Every step is
// read-then-conditionally-write, so a crash between steps just means the
// next retry picks up from whichever objects already exist.
func (s *Service) materialize(ctx context.Context, serial, userID string) error {
	structureID := structureIDFor(userID)

	if err := s.ensureAlertDialog(ctx, serial); err != nil {
		return err
	}
	if err := s.ensureDevice(ctx, serial, structureID); err != nil {
		return err
	}
	if err := s.ensureStructure(ctx, userID, serial); err != nil {
		return err
	}
	if err := s.ensureLink(ctx, serial, userID); err != nil {
		return err
	}
	if err := s.ensureUser(ctx, serial, userID); err != nil {
		return err
	}
	return nil
}

func (s *Service) exists(ctx context.Context, serial, key string) bool {
	_, err := s.state.Get(ctx, serial, key)
	return err == nil
}

func (s *Service) ensureAlertDialog(ctx context.Context, serial string) error {
	key := "device_alert_dialog." + serial
	if s.exists(ctx, serial, key) {
		return nil
	}
	val := statevalue.Map(map[string]statevalue.Value{
		"dialog_type": statevalue.String("pairing_confirm"),
		"serial":      statevalue.String(serial),
	})
	_, err := s.state.Upsert(ctx, serial, key, 1, nowMillis(), val)
	return err
}

func (s *Service) ensureDevice(ctx context.Context, serial, structureID string) error {
	key := "device." + serial
	if s.exists(ctx, serial, key) {
		return nil
	}
	val := statevalue.Map(map[string]statevalue.Value{
		"structure_id": statevalue.String(structureID),
	})
	_, err := s.state.Upsert(ctx, serial, key, 1, nowMillis(), val)
	return err
}

func (s *Service) ensureStructure(ctx context.Context, userID, serial string) error {
	key := "structure." + userID
	if s.exists(ctx, serial, key) {
		return nil
	}
	val := statevalue.Map(map[string]statevalue.Value{
		"devices":      statevalue.List([]statevalue.Value{statevalue.String("device." + serial)}),
		"time_zone":    statevalue.String("UTC"),
		"country_code": statevalue.String("US"),
	})
	_, err := s.state.Upsert(ctx, serial, key, 1, nowMillis(), val)
	return err
}

func (s *Service) ensureLink(ctx context.Context, serial, userID string) error {
	key := "link." + serial
	if s.exists(ctx, serial, key) {
		return nil
	}
	val := statevalue.Map(map[string]statevalue.Value{
		"structure": statevalue.String("structure." + userID),
	})
	_, err := s.state.Upsert(ctx, serial, key, 1, nowMillis(), val)
	return err
}

func (s *Service) ensureUser(ctx context.Context, serial, userID string) error {
	key := "user." + userID
	existing, err := s.state.Get(ctx, serial, key)
	structureKey := statevalue.String("structure." + userID)

	if err != nil {
		val := statevalue.Map(map[string]statevalue.Value{
			"structures":  statevalue.List([]statevalue.Value{structureKey}),
			"memberships": statevalue.List([]statevalue.Value{structureKey}),
			"onboarded":   statevalue.Bool(true),
		})
		_, err := s.state.Upsert(ctx, serial, key, 1, nowMillis(), val)
		return err
	}

	structures, _ := existing.Value.Field("structures")
	if containsString(structures, structureKey) {
		return nil
	}
	updated := existing.Value.WithField("structures", appendUnique(structures, structureKey))
	memberships, _ := existing.Value.Field("memberships")
	updated = updated.WithField("memberships", appendUnique(memberships, structureKey))

	_, err = s.state.Upsert(ctx, serial, key, existing.ObjectRevision+1, nowMillis(), updated)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to update user structures on claim")
	}
	return err
}

func containsString(list, item statevalue.Value) bool {
	items, _ := list.List()
	for _, v := range items {
		if statevalue.Equal(v, item) {
			return true
		}
	}
	return false
}

func appendUnique(list, item statevalue.Value) statevalue.Value {
	if containsString(list, item) {
		return list
	}
	items, _ := list.List()
	return statevalue.List(append(append([]statevalue.Value{}, items...), item))
}

func nowMillis() int64 { return time.Now().UnixMilli() }
