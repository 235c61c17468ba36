// Local embedded relational store backend, backed by modernc.org/sqlite
// (pure Go, no cgo). This is the "local embedded relational store"
// implementation required by the StateStore contract — suited to a
// single-node deployment that wants durability without an external
// database process.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/thermobridge/thermobridge/internal/model"
	"github.com/thermobridge/thermobridge/internal/statevalue"
)

var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS objects (
	serial TEXT NOT NULL,
	object_key TEXT NOT NULL,
	object_revision INTEGER NOT NULL,
	object_timestamp INTEGER NOT NULL,
	value TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (serial, object_key)
);
CREATE INDEX IF NOT EXISTS idx_objects_serial ON objects(serial);

CREATE TABLE IF NOT EXISTS device_owners (
	serial TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_owners_user ON device_owners(user_id);

CREATE TABLE IF NOT EXISTS entry_keys (
	code TEXT PRIMARY KEY,
	serial TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	claimed_by TEXT,
	claimed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_entry_keys_serial ON entry_keys(serial);

CREATE TABLE IF NOT EXISTS weather_cache (
	postal_code TEXT NOT NULL,
	country TEXT NOT NULL,
	fetched_at INTEGER NOT NULL,
	payload TEXT NOT NULL,
	PRIMARY KEY (postal_code, country)
);

CREATE TABLE IF NOT EXISTS integration_configs (
	user_id TEXT NOT NULL,
	type TEXT NOT NULL,
	enabled INTEGER NOT NULL,
	config TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, type)
);

CREATE TABLE IF NOT EXISTS api_keys (
	key_hash TEXT PRIMARY KEY,
	key_preview TEXT NOT NULL,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	serials TEXT NOT NULL,
	scopes TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	last_used_at INTEGER
);
`

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the database at path and
// applies the schema. path may be ":memory:" for ephemeral use in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers regardless; avoid SQLITE_BUSY churn
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &ErrStoreUnavailable{Cause: err}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) UpsertState(ctx context.Context, serial, objKey string, revision, timestamp int64, obj model.Object) (*model.Object, error) {
	raw, err := json.Marshal(obj.Value.ToAny())
	if err != nil {
		return nil, err
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO objects (serial, object_key, object_revision, object_timestamp, value, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(serial, object_key) DO UPDATE SET
			object_revision=excluded.object_revision,
			object_timestamp=excluded.object_timestamp,
			value=excluded.value,
			updated_at=excluded.updated_at
	`, serial, objKey, revision, timestamp, string(raw), now.UnixMilli())
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	out := obj
	out.Serial, out.ObjectKey, out.ObjectRevision, out.ObjectTimestamp, out.UpdatedAt = serial, objKey, revision, timestamp, now
	return &out, nil
}

func scanObjectRow(row interface{ Scan(...any) error }, serial, objKey string) (*model.Object, error) {
	var revision, timestamp, updatedAtMs int64
	var raw string
	if err := row.Scan(&revision, &timestamp, &raw, &updatedAtMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "object", Key: key(serial, objKey)}
		}
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	return &model.Object{
		Serial: serial, ObjectKey: objKey, ObjectRevision: revision, ObjectTimestamp: timestamp,
		Value: statevalue.FromAny(decoded), UpdatedAt: time.UnixMilli(updatedAtMs),
	}, nil
}

func (s *SQLiteStore) GetState(ctx context.Context, serial, objKey string) (*model.Object, error) {
	row := s.db.QueryRowContext(ctx, `SELECT object_revision, object_timestamp, value, updated_at FROM objects WHERE serial=? AND object_key=?`, serial, objKey)
	return scanObjectRow(row, serial, objKey)
}

func (s *SQLiteStore) GetDeviceState(ctx context.Context, serial string) (map[string]model.Object, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT object_key, object_revision, object_timestamp, value, updated_at FROM objects WHERE serial=?`, serial)
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	defer rows.Close()

	out := make(map[string]model.Object)
	for rows.Next() {
		var objKey, raw string
		var revision, timestamp, updatedAtMs int64
		if err := rows.Scan(&objKey, &revision, &timestamp, &raw, &updatedAtMs); err != nil {
			return nil, &ErrStoreUnavailable{Cause: err}
		}
		var decoded any
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			return nil, &ErrStoreUnavailable{Cause: err}
		}
		out[objKey] = model.Object{
			Serial: serial, ObjectKey: objKey, ObjectRevision: revision, ObjectTimestamp: timestamp,
			Value: statevalue.FromAny(decoded), UpdatedAt: time.UnixMilli(updatedAtMs),
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListDevicesByPostalCode(ctx context.Context, postal string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT serial, value FROM objects WHERE object_key LIKE 'device.%'`)
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var serial, raw string
		if err := rows.Scan(&serial, &raw); err != nil {
			return nil, &ErrStoreUnavailable{Cause: err}
		}
		var decoded any
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			return nil, &ErrStoreUnavailable{Cause: err}
		}
		v := statevalue.FromAny(decoded)
		if pc, ok := v.Field("postal_code"); ok {
			if s, ok := pc.String(); ok && s == postal {
				out = append(out, serial)
			}
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetDeviceOwner(ctx context.Context, serial string) (*model.DeviceOwner, error) {
	var userID string
	var createdAtMs int64
	err := s.db.QueryRowContext(ctx, `SELECT user_id, created_at FROM device_owners WHERE serial=?`, serial).Scan(&userID, &createdAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "device_owner", Key: serial}
	}
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	return &model.DeviceOwner{Serial: serial, UserID: userID, CreatedAt: time.UnixMilli(createdAtMs)}, nil
}

func (s *SQLiteStore) SetDeviceOwner(ctx context.Context, serial, userID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO device_owners (serial, user_id, created_at) VALUES (?, ?, ?) ON CONFLICT(serial) DO NOTHING`,
		serial, userID, time.Now().UnixMilli())
	if err != nil {
		return &ErrStoreUnavailable{Cause: err}
	}
	return nil
}

func (s *SQLiteStore) ListUserDevices(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT serial FROM device_owners WHERE user_id=?`, userID)
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var serial string
		if err := rows.Scan(&serial); err != nil {
			return nil, &ErrStoreUnavailable{Cause: err}
		}
		out = append(out, serial)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetSharedWithMe(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

func (s *SQLiteStore) GenerateEntryKey(ctx context.Context, serial string, ttl time.Duration) (*model.EntryKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entry_keys WHERE serial=? AND claimed_by IS NULL`, serial); err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}

	now := time.Now()
	for i := 0; i < entryKeyAllocAttempts; i++ {
		code := randomEntryCode()
		_, err := tx.ExecContext(ctx, `INSERT INTO entry_keys (code, serial, created_at, expires_at) VALUES (?, ?, ?, ?)`,
			code, serial, now.UnixMilli(), now.Add(ttl).UnixMilli())
		if err == nil {
			if err := tx.Commit(); err != nil {
				return nil, &ErrStoreUnavailable{Cause: err}
			}
			return &model.EntryKey{Code: code, Serial: serial, CreatedAt: now, ExpiresAt: now.Add(ttl)}, nil
		}
		// Primary key collision: try another code.
	}
	return nil, &ErrExhaustedCodes{}
}

func scanEntryKey(row interface{ Scan(...any) error }, code string) (*model.EntryKey, error) {
	var serial string
	var createdAtMs, expiresAtMs int64
	var claimedBy sql.NullString
	var claimedAtMs sql.NullInt64
	if err := row.Scan(&serial, &createdAtMs, &expiresAtMs, &claimedBy, &claimedAtMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "entry_key", Key: code}
		}
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	ek := &model.EntryKey{
		Code: code, Serial: serial,
		CreatedAt: time.UnixMilli(createdAtMs), ExpiresAt: time.UnixMilli(expiresAtMs),
	}
	if claimedBy.Valid {
		ek.ClaimedBy = &claimedBy.String
	}
	if claimedAtMs.Valid {
		t := time.UnixMilli(claimedAtMs.Int64)
		ek.ClaimedAt = &t
	}
	return ek, nil
}

func (s *SQLiteStore) GetEntryKey(ctx context.Context, code string) (*model.EntryKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT serial, created_at, expires_at, claimed_by, claimed_at FROM entry_keys WHERE code=?`, code)
	return scanEntryKey(row, code)
}

func (s *SQLiteStore) ClaimEntryKey(ctx context.Context, code, userID string, now time.Time) (*model.EntryKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	defer tx.Rollback()

	ek, err := scanEntryKey(tx.QueryRowContext(ctx, `SELECT serial, created_at, expires_at, claimed_by, claimed_at FROM entry_keys WHERE code=?`, code), code)
	if err != nil {
		return nil, err
	}
	if ek.Claimed() {
		if *ek.ClaimedBy != userID {
			return nil, &ErrConflict{Reason: "entry key already claimed"}
		}
		return ek, nil
	}
	if ek.Expired(now) {
		return nil, &ErrNotFound{Entity: "entry_key", Key: code}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE entry_keys SET claimed_by=?, claimed_at=? WHERE code=?`, userID, now.UnixMilli(), code); err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}

	ek.ClaimedBy = &userID
	ek.ClaimedAt = &now
	return ek, nil
}

func (s *SQLiteStore) DeleteExpiredEntryKeys(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entry_keys WHERE claimed_by IS NULL AND expires_at < ?`, now.UnixMilli())
	if err != nil {
		return 0, &ErrStoreUnavailable{Cause: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) GetWeather(ctx context.Context, postal, country string) (*model.WeatherCacheEntry, error) {
	var fetchedAtMs int64
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT fetched_at, payload FROM weather_cache WHERE postal_code=? AND country=?`, postal, country).Scan(&fetchedAtMs, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "weather", Key: key(postal, country)}
	}
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	var decoded any
	json.Unmarshal([]byte(raw), &decoded)
	return &model.WeatherCacheEntry{PostalCode: postal, Country: country, FetchedAt: time.UnixMilli(fetchedAtMs), Payload: statevalue.FromAny(decoded)}, nil
}

func (s *SQLiteStore) UpsertWeather(ctx context.Context, entry model.WeatherCacheEntry) error {
	raw, err := json.Marshal(entry.Payload.ToAny())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO weather_cache (postal_code, country, fetched_at, payload) VALUES (?, ?, ?, ?)
		ON CONFLICT(postal_code, country) DO UPDATE SET fetched_at=excluded.fetched_at, payload=excluded.payload
	`, entry.PostalCode, entry.Country, entry.FetchedAt.UnixMilli(), string(raw))
	if err != nil {
		return &ErrStoreUnavailable{Cause: err}
	}
	return nil
}

func (s *SQLiteStore) ListEnabledIntegrations(ctx context.Context, integrationType string) ([]model.IntegrationConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, config, updated_at FROM integration_configs WHERE type=? AND enabled=1`, integrationType)
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	defer rows.Close()

	var out []model.IntegrationConfig
	for rows.Next() {
		var userID, raw string
		var updatedAtMs int64
		if err := rows.Scan(&userID, &raw, &updatedAtMs); err != nil {
			return nil, &ErrStoreUnavailable{Cause: err}
		}
		var decoded any
		json.Unmarshal([]byte(raw), &decoded)
		out = append(out, model.IntegrationConfig{
			UserID: userID, Type: integrationType, Enabled: true,
			Config: statevalue.FromAny(decoded), UpdatedAt: time.UnixMilli(updatedAtMs),
		})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertIntegrationConfig(ctx context.Context, cfg model.IntegrationConfig) error {
	raw, err := json.Marshal(cfg.Config.ToAny())
	if err != nil {
		return err
	}
	enabled := 0
	if cfg.Enabled {
		enabled = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO integration_configs (user_id, type, enabled, config, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, type) DO UPDATE SET enabled=excluded.enabled, config=excluded.config, updated_at=excluded.updated_at
	`, cfg.UserID, cfg.Type, enabled, string(raw), time.Now().UnixMilli())
	if err != nil {
		return &ErrStoreUnavailable{Cause: err}
	}
	return nil
}

func (s *SQLiteStore) ValidateApiKey(ctx context.Context, rawKey string) (*model.AuthContext, error) {
	hash := hashApiKey(rawKey)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	defer tx.Rollback()

	var userID, name, preview, serialsRaw, scopesRaw string
	var createdAtMs int64
	err = tx.QueryRowContext(ctx, `SELECT user_id, name, key_preview, serials, scopes, created_at FROM api_keys WHERE key_hash=?`, hash).
		Scan(&userID, &name, &preview, &serialsRaw, &scopesRaw, &createdAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "api_key", Key: hash[:8]}
	}
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE api_keys SET last_used_at=? WHERE key_hash=?`, time.Now().UnixMilli(), hash); err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}

	var serials, scopes []string
	json.Unmarshal([]byte(serialsRaw), &serials)
	json.Unmarshal([]byte(scopesRaw), &scopes)

	return &model.AuthContext{
		UserID: userID,
		Key: model.ApiKey{
			KeyHash: hash, KeyPreview: preview, UserID: userID, Name: name,
			Scope: model.ApiKeyScope{Serials: serials, Scopes: scopes}, CreatedAt: time.UnixMilli(createdAtMs),
		},
	}, nil
}

func (s *SQLiteStore) CreateApiKey(ctx context.Context, rawKey string, k model.ApiKey) error {
	serialsRaw, _ := json.Marshal(k.Scope.Serials)
	scopesRaw, _ := json.Marshal(k.Scope.Scopes)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (key_hash, key_preview, user_id, name, serials, scopes, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key_hash) DO UPDATE SET key_preview=excluded.key_preview, user_id=excluded.user_id, name=excluded.name, serials=excluded.serials, scopes=excluded.scopes
	`, hashApiKey(rawKey), k.KeyPreview, k.UserID, k.Name, string(serialsRaw), string(scopesRaw), time.Now().UnixMilli())
	if err != nil {
		return &ErrStoreUnavailable{Cause: err}
	}
	return nil
}
