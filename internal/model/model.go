// Package model defines the data types persisted by the StateStore and
// cached by the device state service: Object, DeviceOwner, EntryKey,
// WeatherCacheEntry, IntegrationConfig, and ApiKey.
package model

import (
	"time"

	"github.com/thermobridge/thermobridge/internal/statevalue"
)

// Object is the atomic unit of device state: a versioned value keyed by
// (serial, object_key). Revision never decreases for a given key.
// Timestamp is whatever the writer stamps: update, put and control writes
// use the server clock, while a client probe that is at least as advanced
// as the server keeps the client's own timestamp.
type Object struct {
	Serial          string          `json:"-" db:"serial"`
	ObjectKey       string          `json:"object_key" db:"object_key"`
	ObjectRevision  int64           `json:"object_revision" db:"object_revision"`
	ObjectTimestamp int64           `json:"object_timestamp" db:"object_timestamp"`
	Value           statevalue.Value `json:"value,omitempty" db:"value"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// DeviceOwner binds a device serial to an owning user. At most one per
// serial.
type DeviceOwner struct {
	Serial    string    `json:"serial" db:"serial"`
	UserID    string    `json:"user_id" db:"user_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// EntryKey is a short-lived pairing code binding an unowned device to a
// user account. Seven characters: three digits then four uppercase
// letters.
type EntryKey struct {
	Code      string     `json:"code" db:"code"`
	Serial    string     `json:"serial" db:"serial"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt time.Time  `json:"expires_at" db:"expires_at"`
	ClaimedBy *string    `json:"claimed_by,omitempty" db:"claimed_by"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty" db:"claimed_at"`
}

// Expired reports whether the code is past its expiry at the given wall
// clock time. It compares time.Time values, so no epoch unit
// (milliseconds or seconds) is involved; a code expiring exactly at now
// counts as expired.
func (e EntryKey) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// Claimed reports whether the code has already been redeemed. Claimed
// codes are terminal; they cannot be reused even after expiry.
func (e EntryKey) Claimed() bool {
	return e.ClaimedBy != nil
}

// WeatherCacheEntry caches a single upstream weather fetch keyed by postal
// code and country.
type WeatherCacheEntry struct {
	PostalCode string          `json:"postal_code" db:"postal_code"`
	Country    string          `json:"country" db:"country"`
	FetchedAt  time.Time       `json:"fetched_at" db:"fetched_at"`
	Payload    statevalue.Value `json:"payload" db:"payload"`
}

// IntegrationConfig describes one enabled outbound integration for a user.
// Secrets embedded in Config are expected to already be encrypted by the
// time they reach the StateStore; this package does not perform the
// encryption itself.
type IntegrationConfig struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Type      string          `json:"type" db:"type"`
	Enabled   bool            `json:"enabled" db:"enabled"`
	Config    statevalue.Value `json:"config" db:"config"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Key uniquely identifies an integration instance for reconciliation
// purposes.
func (c IntegrationConfig) Key() string { return c.Type + ":" + c.UserID }

// ApiKeyScope restricts a bearer token to a set of serials and a set of
// permitted control-plane actions.
type ApiKeyScope struct {
	Serials []string `json:"serials"`
	Scopes  []string `json:"scopes"`
}

// ApiKey is a control-plane bearer credential. The raw key is never
// persisted — only an unsalted SHA-256 hash and a short preview for display.
type ApiKey struct {
	KeyHash    string      `json:"-" db:"key_hash"`
	KeyPreview string      `json:"key_preview" db:"key_preview"`
	UserID     string      `json:"user_id" db:"user_id"`
	Name       string      `json:"name" db:"name"`
	Scope      ApiKeyScope `json:"scope" db:"scope"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
	LastUsedAt *time.Time  `json:"last_used_at,omitempty" db:"last_used_at"`
}

// AllowsSerial reports whether the key's scope permits acting on serial.
// An empty Serials list is interpreted as "all serials owned by UserID" —
// the caller is responsible for the ownership check; AllowsSerial only
// evaluates the explicit allow-list when one is present.
func (k ApiKey) AllowsSerial(serial string) bool {
	if len(k.Scope.Serials) == 0 {
		return true
	}
	for _, s := range k.Scope.Serials {
		if s == serial {
			return true
		}
	}
	return false
}

// AllowsAction reports whether the key's scope permits the named action.
// An empty Scopes list permits everything.
func (k ApiKey) AllowsAction(action string) bool {
	if len(k.Scope.Scopes) == 0 {
		return true
	}
	for _, s := range k.Scope.Scopes {
		if s == action {
			return true
		}
	}
	return false
}

// AuthContext is what validate_api_key resolves a raw bearer token to.
type AuthContext struct {
	UserID string
	Key    ApiKey
}
