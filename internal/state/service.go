// Package state implements DeviceStateService: an in-memory authoritative
// cache over the StateStore, with deep-merge/compare semantics and change
// notification for the integration fan-out layer.
package state

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thermobridge/thermobridge/internal/model"
	"github.com/thermobridge/thermobridge/internal/statevalue"
	"github.com/thermobridge/thermobridge/internal/store"
)

// ChangeEvent is emitted by Upsert after every committed write, regardless
// of whether the revision actually advanced. No filtering is applied: the
// IntegrationManager forwards every event to its integrations as is.
type ChangeEvent struct {
	Serial    string
	Key       string
	Revision  int64
	Timestamp int64
	Value     statevalue.Value
}

// ChangeListener receives change events fanned out from Upsert. Used by
// the IntegrationManager; registered once at wiring time.
type ChangeListener interface {
	OnStateChange(ctx context.Context, ev ChangeEvent)
}

// Service is the authoritative in-memory object cache, lazily hydrated
// from Store. The zero value is not usable; construct with New.
type Service struct {
	st store.Store

	mu       sync.RWMutex
	cache    map[string]map[string]model.Object // serial -> object_key -> Object
	hydrated map[string]bool                    // serial -> full device state has been loaded

	locks *keyedMutex // per (serial, object_key) write serialization

	listenerMu sync.RWMutex
	listener   ChangeListener
}

func New(st store.Store) *Service {
	return &Service{
		st:       st,
		cache:    make(map[string]map[string]model.Object),
		hydrated: make(map[string]bool),
		locks:    newKeyedMutex(),
	}
}

// SetChangeListener registers the sole recipient of change events (the
// IntegrationManager). Not safe to call concurrently with Upsert.
func (s *Service) SetChangeListener(l ChangeListener) {
	s.listenerMu.Lock()
	s.listener = l
	s.listenerMu.Unlock()
}

func cacheKey(serial, key string) string { return serial + "|" + key }

// Get reads (serial, key): cache first, read-through to Store on miss.
func (s *Service) Get(ctx context.Context, serial, key string) (*model.Object, error) {
	s.mu.RLock()
	if dev, ok := s.cache[serial]; ok {
		if obj, ok := dev[key]; ok {
			s.mu.RUnlock()
			out := obj
			return &out, nil
		}
	}
	s.mu.RUnlock()

	obj, err := s.st.GetState(ctx, serial, key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.cache[serial] == nil {
		s.cache[serial] = make(map[string]model.Object)
	}
	s.cache[serial][key] = *obj
	s.mu.Unlock()

	out := *obj
	return &out, nil
}

// GetAllForDevice returns every cached object for serial, hydrating the
// full device state from Store on first access.
func (s *Service) GetAllForDevice(ctx context.Context, serial string) (map[string]model.Object, error) {
	s.mu.RLock()
	if s.hydrated[serial] {
		out := copyDevice(s.cache[serial])
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	all, err := s.st.GetDeviceState(ctx, serial)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if !s.hydrated[serial] {
		if s.cache[serial] == nil {
			s.cache[serial] = make(map[string]model.Object)
		}
		for k, obj := range all {
			if _, exists := s.cache[serial][k]; !exists {
				s.cache[serial][k] = obj
			}
		}
		s.hydrated[serial] = true
	}
	out := copyDevice(s.cache[serial])
	s.mu.Unlock()
	return out, nil
}

func copyDevice(dev map[string]model.Object) map[string]model.Object {
	out := make(map[string]model.Object, len(dev))
	for k, v := range dev {
		out[k] = v
	}
	return out
}

// Upsert composes the new Object, writes it to the cache, schedules an
// asynchronous Store write, and emits a change event. Writes to the same
// (serial, key) serialize; different keys proceed in parallel.
func (s *Service) Upsert(ctx context.Context, serial, key string, revision, timestamp int64, value statevalue.Value) (*model.Object, error) {
	unlock := s.locks.Lock(cacheKey(serial, key))
	defer unlock()

	obj := model.Object{
		Serial:          serial,
		ObjectKey:       key,
		ObjectRevision:  revision,
		ObjectTimestamp: timestamp,
		Value:           value,
		UpdatedAt:       time.Now(),
	}

	s.mu.Lock()
	if s.cache[serial] == nil {
		s.cache[serial] = make(map[string]model.Object)
	}
	s.cache[serial][key] = obj
	s.mu.Unlock()

	go func() {
		bgCtx := context.Background()
		if _, err := s.st.UpsertState(bgCtx, serial, key, revision, timestamp, obj); err != nil {
			log.Error().Err(err).Str("serial", serial).Str("key", key).Msg("async store write failed")
		}
	}()

	s.listenerMu.RLock()
	listener := s.listener
	s.listenerMu.RUnlock()
	if listener != nil {
		listener.OnStateChange(ctx, ChangeEvent{Serial: serial, Key: key, Revision: revision, Timestamp: timestamp, Value: value})
	}

	out := obj
	return &out, nil
}

// MergeValues performs the deep recursive merge the protocol requires:
// incoming wins at every non-map leaf, mapping keys recurse.
func MergeValues(existing, incoming statevalue.Value) statevalue.Value {
	return statevalue.Merge(existing, incoming)
}

// ValuesEqual is the canonical, map-order-independent equality check used
// to decide whether a write actually advances the revision.
func ValuesEqual(a, b statevalue.Value) bool {
	return statevalue.Equal(a, b)
}

// IsServerNewer implements the revision-dominates-timestamp dominance
// rule: true iff serverRev > clientRev, or equal revisions but a strictly
// newer server timestamp.
func IsServerNewer(serverRev, serverTs, clientRev, clientTs int64) bool {
	if serverRev != clientRev {
		return serverRev > clientRev
	}
	return serverTs > clientTs
}
