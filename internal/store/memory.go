// Package store — in-memory Store implementation.
// Used for local/dev runs and by every unit test. Supports optional
// file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thermobridge/thermobridge/internal/model"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Objects      map[string]model.Object             `json:"objects"` // key: serial|object_key
	Owners       map[string]model.DeviceOwner         `json:"owners"`  // key: serial
	EntryKeys    map[string]model.EntryKey            `json:"entry_keys"`
	Weather      map[string]model.WeatherCacheEntry    `json:"weather"` // key: postal|country
	Integrations map[string]model.IntegrationConfig    `json:"integrations"`
	ApiKeys      map[string]apiKeyRecord               `json:"api_keys"` // key: sha256 hex of raw key
}

type apiKeyRecord struct {
	Key model.ApiKey `json:"key"`
}

// MemoryStore implements Store with in-memory maps guarded by a single
// RWMutex. Reads copy out so callers never alias internal state; the
// per-(serial,object_key) serialization the state service requires is its
// own concern, layered above this store.
type MemoryStore struct {
	mu sync.RWMutex

	objects      map[string]model.Object
	owners       map[string]model.DeviceOwner
	entryKeys    map[string]model.EntryKey
	weather      map[string]model.WeatherCacheEntry
	integrations map[string]model.IntegrationConfig
	apiKeys      map[string]apiKeyRecord

	snapshotPath string
	saveMu       sync.Mutex
	saveCh       chan struct{}
	doneCh       chan struct{}
	closeOnce    sync.Once
}

// NewMemoryStore creates a new in-memory store. If THERMO_DATA_DIR is set,
// data is persisted to a JSON file in that directory; otherwise the store
// is purely in-memory (the default for tests).
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		objects:      make(map[string]model.Object),
		owners:       make(map[string]model.DeviceOwner),
		entryKeys:    make(map[string]model.EntryKey),
		weather:      make(map[string]model.WeatherCacheEntry),
		integrations: make(map[string]model.IntegrationConfig),
		apiKeys:      make(map[string]apiKeyRecord),
		saveCh:       make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
	}

	if dataDir := os.Getenv("THERMO_DATA_DIR"); dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "thermobridge.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("memory store configured")
	return m
}

func key(parts ...string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "|" + p
	}
	return out
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond)
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Objects:      m.objects,
		Owners:       m.owners,
		EntryKeys:    m.entryKeys,
		Weather:      m.weather,
		Integrations: m.integrations,
		ApiKeys:      m.apiKeys,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("failed to rename snapshot")
		return
	}
	log.Debug().Str("path", m.snapshotPath).Msg("snapshot saved")
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("no snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Objects != nil {
		m.objects = snap.Objects
	}
	if snap.Owners != nil {
		m.owners = snap.Owners
	}
	if snap.EntryKeys != nil {
		m.entryKeys = snap.EntryKeys
	}
	if snap.Weather != nil {
		m.weather = snap.Weather
	}
	if snap.Integrations != nil {
		m.integrations = snap.Integrations
	}
	if snap.ApiKeys != nil {
		m.apiKeys = snap.ApiKeys
	}
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() { close(m.doneCh) })
	if m.snapshotPath != "" {
		m.saveSnapshot()
	}
	return nil
}

// ── ObjectStore ─────────────────────────────────────────────

func (m *MemoryStore) UpsertState(_ context.Context, serial, objKey string, revision, timestamp int64, obj model.Object) (*model.Object, error) {
	obj.Serial = serial
	obj.ObjectKey = objKey
	obj.ObjectRevision = revision
	obj.ObjectTimestamp = timestamp
	obj.UpdatedAt = time.Now()

	m.mu.Lock()
	m.objects[key(serial, objKey)] = obj
	m.mu.Unlock()

	m.requestSave()
	out := obj
	return &out, nil
}

func (m *MemoryStore) GetState(_ context.Context, serial, objKey string) (*model.Object, error) {
	m.mu.RLock()
	obj, ok := m.objects[key(serial, objKey)]
	m.mu.RUnlock()
	if !ok {
		return nil, &ErrNotFound{Entity: "object", Key: key(serial, objKey)}
	}
	out := obj
	return &out, nil
}

func (m *MemoryStore) GetDeviceState(_ context.Context, serial string) (map[string]model.Object, error) {
	prefix := serial + "|"
	out := make(map[string]model.Object)
	m.mu.RLock()
	for k, obj := range m.objects {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out[obj.ObjectKey] = obj
		}
	}
	m.mu.RUnlock()
	return out, nil
}

func (m *MemoryStore) ListDevicesByPostalCode(_ context.Context, postal string) ([]string, error) {
	var out []string
	m.mu.RLock()
	for _, obj := range m.objects {
		if len(obj.ObjectKey) <= 7 || obj.ObjectKey[:7] != "device." {
			continue
		}
		if pc, ok := obj.Value.Field("postal_code"); ok {
			if s, ok := pc.String(); ok && s == postal {
				out = append(out, obj.Serial)
			}
		}
	}
	m.mu.RUnlock()
	return out, nil
}

// ── OwnerStore ──────────────────────────────────────────────

func (m *MemoryStore) GetDeviceOwner(_ context.Context, serial string) (*model.DeviceOwner, error) {
	m.mu.RLock()
	owner, ok := m.owners[serial]
	m.mu.RUnlock()
	if !ok {
		return nil, &ErrNotFound{Entity: "device_owner", Key: serial}
	}
	out := owner
	return &out, nil
}

func (m *MemoryStore) SetDeviceOwner(_ context.Context, serial, userID string) error {
	m.mu.Lock()
	if _, exists := m.owners[serial]; !exists {
		m.owners[serial] = model.DeviceOwner{Serial: serial, UserID: userID, CreatedAt: time.Now()}
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListUserDevices(_ context.Context, userID string) ([]string, error) {
	var out []string
	m.mu.RLock()
	for serial, owner := range m.owners {
		if owner.UserID == userID {
			out = append(out, serial)
		}
	}
	m.mu.RUnlock()
	return out, nil
}

func (m *MemoryStore) GetSharedWithMe(_ context.Context, _ string) ([]string, error) {
	// Sharing is modeled entirely through link/structure objects in this
	// core; the StateStore itself carries no separate sharing table.
	return nil, nil
}

// ── EntryKeyStore ───────────────────────────────────────────

const entryKeyAllocAttempts = 25

func (m *MemoryStore) GenerateEntryKey(_ context.Context, serial string, ttl time.Duration) (*model.EntryKey, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for code, ek := range m.entryKeys {
		if ek.Serial == serial && !ek.Claimed() {
			delete(m.entryKeys, code)
		}
	}

	for i := 0; i < entryKeyAllocAttempts; i++ {
		code := randomEntryCode()
		if _, collide := m.entryKeys[code]; collide {
			continue
		}
		ek := model.EntryKey{
			Code:      code,
			Serial:    serial,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		m.entryKeys[code] = ek
		m.requestSave()
		out := ek
		return &out, nil
	}
	return nil, &ErrExhaustedCodes{}
}

func randomEntryCode() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits := rand.Intn(1000)
	b := make([]byte, 0, 7)
	b = append(b, byte('0'+digits/100), byte('0'+(digits/10)%10), byte('0'+digits%10))
	for i := 0; i < 4; i++ {
		b = append(b, letters[rand.Intn(len(letters))])
	}
	return string(b)
}

func (m *MemoryStore) GetEntryKey(_ context.Context, code string) (*model.EntryKey, error) {
	m.mu.RLock()
	ek, ok := m.entryKeys[code]
	m.mu.RUnlock()
	if !ok {
		return nil, &ErrNotFound{Entity: "entry_key", Key: code}
	}
	out := ek
	return &out, nil
}

func (m *MemoryStore) ClaimEntryKey(_ context.Context, code, userID string, now time.Time) (*model.EntryKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ek, ok := m.entryKeys[code]
	if !ok {
		return nil, &ErrNotFound{Entity: "entry_key", Key: code}
	}
	if ek.Claimed() {
		if *ek.ClaimedBy != userID {
			return nil, &ErrConflict{Reason: "entry key already claimed"}
		}
		out := ek
		return &out, nil
	}
	if ek.Expired(now) {
		return nil, &ErrNotFound{Entity: "entry_key", Key: code}
	}

	ek.ClaimedBy = &userID
	claimedAt := now
	ek.ClaimedAt = &claimedAt
	m.entryKeys[code] = ek
	m.requestSave()

	out := ek
	return &out, nil
}

func (m *MemoryStore) DeleteExpiredEntryKeys(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int
	for code, ek := range m.entryKeys {
		if ek.Claimed() {
			continue
		}
		if ek.Expired(now) {
			delete(m.entryKeys, code)
			removed++
		}
	}
	if removed > 0 {
		m.requestSave()
	}
	return removed, nil
}

// ── WeatherStore ────────────────────────────────────────────

func (m *MemoryStore) GetWeather(_ context.Context, postal, country string) (*model.WeatherCacheEntry, error) {
	m.mu.RLock()
	entry, ok := m.weather[key(postal, country)]
	m.mu.RUnlock()
	if !ok {
		return nil, &ErrNotFound{Entity: "weather", Key: key(postal, country)}
	}
	out := entry
	return &out, nil
}

func (m *MemoryStore) UpsertWeather(_ context.Context, entry model.WeatherCacheEntry) error {
	m.mu.Lock()
	m.weather[key(entry.PostalCode, entry.Country)] = entry
	m.mu.Unlock()
	return nil
}

// ── IntegrationConfigStore ──────────────────────────────────

func (m *MemoryStore) ListEnabledIntegrations(_ context.Context, integrationType string) ([]model.IntegrationConfig, error) {
	var out []model.IntegrationConfig
	m.mu.RLock()
	for _, cfg := range m.integrations {
		if cfg.Type == integrationType && cfg.Enabled {
			out = append(out, cfg)
		}
	}
	m.mu.RUnlock()
	return out, nil
}

func (m *MemoryStore) UpsertIntegrationConfig(_ context.Context, cfg model.IntegrationConfig) error {
	cfg.UpdatedAt = time.Now()
	m.mu.Lock()
	m.integrations[cfg.Key()] = cfg
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── ApiKeyStore ─────────────────────────────────────────────

func (m *MemoryStore) ValidateApiKey(_ context.Context, rawKey string) (*model.AuthContext, error) {
	hash := hashApiKey(rawKey)

	m.mu.Lock()
	rec, ok := m.apiKeys[hash]
	if !ok {
		m.mu.Unlock()
		return nil, &ErrNotFound{Entity: "api_key", Key: hash[:8]}
	}
	now := time.Now()
	rec.Key.LastUsedAt = &now
	m.apiKeys[hash] = rec
	m.mu.Unlock()
	m.requestSave()

	return &model.AuthContext{UserID: rec.Key.UserID, Key: rec.Key}, nil
}

func (m *MemoryStore) CreateApiKey(_ context.Context, rawKey string, k model.ApiKey) error {
	hash := hashApiKey(rawKey)
	k.KeyHash = hash
	m.mu.Lock()
	m.apiKeys[hash] = apiKeyRecord{Key: k}
	m.mu.Unlock()
	m.requestSave()
	return nil
}
