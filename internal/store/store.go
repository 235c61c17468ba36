// Package store provides the durable persistence interface consumed by the
// device state service, and the concrete backends that satisfy it: an
// in-memory store (tests, local dev), a SQLite-backed embedded relational
// store, and a MongoDB-backed remote document store.
package store

import (
	"context"
	"time"

	"github.com/thermobridge/thermobridge/internal/model"
)

// Store is the full persistence surface the core requires. Every method is
// idempotent under retry. All three implementations (memory, sqlite, mongo)
// satisfy the same interface and are interchangeable via config.
type Store interface {
	ObjectStore
	OwnerStore
	EntryKeyStore
	WeatherStore
	IntegrationConfigStore
	ApiKeyStore

	// Ping checks whether the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ObjectStore persists the revisioned (serial, object_key) records.
type ObjectStore interface {
	UpsertState(ctx context.Context, serial, key string, revision, timestamp int64, value model.Object) (*model.Object, error)
	GetState(ctx context.Context, serial, key string) (*model.Object, error)
	GetDeviceState(ctx context.Context, serial string) (map[string]model.Object, error)
	// ListDevicesByPostalCode returns every serial whose device.{serial}
	// object carries the given postal_code field, for the weather-refresh
	// fan-out rule (every device sharing a postal code gets the same
	// refreshed forecast, not only the device that triggered the fetch).
	ListDevicesByPostalCode(ctx context.Context, postal string) ([]string, error)
}

// OwnerStore persists device ownership and structure membership lookups.
type OwnerStore interface {
	GetDeviceOwner(ctx context.Context, serial string) (*model.DeviceOwner, error)
	SetDeviceOwner(ctx context.Context, serial, userID string) error
	ListUserDevices(ctx context.Context, userID string) ([]string, error)
	GetSharedWithMe(ctx context.Context, userID string) ([]string, error)
}

// EntryKeyStore persists pairing codes.
type EntryKeyStore interface {
	// GenerateEntryKey atomically removes any prior unclaimed code for serial and
	// allocates a fresh one, retrying on code collision up to a small
	// bound. Returns ErrExhaustedCodes if no free code could be minted.
	GenerateEntryKey(ctx context.Context, serial string, ttl time.Duration) (*model.EntryKey, error)
	GetEntryKey(ctx context.Context, code string) (*model.EntryKey, error)
	ClaimEntryKey(ctx context.Context, code, userID string, now time.Time) (*model.EntryKey, error)
	// DeleteExpiredEntryKeys garbage-collects unclaimed, expired codes and
	// returns the number removed.
	DeleteExpiredEntryKeys(ctx context.Context, now time.Time) (int, error)
}

// WeatherStore persists the upstream weather proxy's cache.
type WeatherStore interface {
	GetWeather(ctx context.Context, postal, country string) (*model.WeatherCacheEntry, error)
	UpsertWeather(ctx context.Context, entry model.WeatherCacheEntry) error
}

// IntegrationConfigStore persists per-user outbound integration
// configuration.
type IntegrationConfigStore interface {
	ListEnabledIntegrations(ctx context.Context, integrationType string) ([]model.IntegrationConfig, error)
	UpsertIntegrationConfig(ctx context.Context, cfg model.IntegrationConfig) error
}

// ApiKeyStore validates and tracks control-plane bearer credentials.
type ApiKeyStore interface {
	// ValidateApiKey resolves a raw bearer token to an AuthContext, or
	// ErrNotFound if the key is unknown. Updates LastUsedAt as a side
	// effect.
	ValidateApiKey(ctx context.Context, rawKey string) (*model.AuthContext, error)
	CreateApiKey(ctx context.Context, rawKey string, key model.ApiKey) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned when a mutation cannot proceed because of an
// existing, conflicting record (a pairing code already claimed by another
// user, a device already linked to a different owner).
type ErrConflict struct {
	Reason string
}

func (e *ErrConflict) Error() string { return e.Reason }

// ErrStoreUnavailable wraps a failure to reach the backing store.
type ErrStoreUnavailable struct {
	Cause error
}

func (e *ErrStoreUnavailable) Error() string { return "store unavailable: " + e.Cause.Error() }
func (e *ErrStoreUnavailable) Unwrap() error { return e.Cause }

// ErrExhaustedCodes is returned by GenerateEntryKey when no free code could
// be allocated within the retry bound.
type ErrExhaustedCodes struct{}

func (e *ErrExhaustedCodes) Error() string { return "entry key space exhausted" }
