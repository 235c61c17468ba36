// Package subscription implements SubscriptionManager: a long-poll
// connection multiplexer that parks device HTTP responses until relevant
// objects advance, with bounded per-device capacity and idle reaping.
//
// Parked subscriptions never occupy a worker goroutine: each carries a
// buffered result channel the handler goroutine selects on alongside the
// request context. Notify/NotifyAll deliver to it, and a ticker goroutine
// delivers timeouts, rather than blocking on a mutex or condvar.
package subscription

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thermobridge/thermobridge/internal/model"
	"github.com/thermobridge/thermobridge/internal/state"
)

// Interest is one object a subscriber declared interest in, along with the
// client's last-known revision/timestamp for it.
type Interest struct {
	ObjectKey       string
	ClientRevision  int64
	ClientTimestamp int64
}

// Result is what a subscription is woken with: either a set of updated
// objects (notify fired) or nothing (timeout / shutdown).
type Result struct {
	Objects []model.Object
	TimedOut bool
}

// Subscription is one parked long-poll connection.
type Subscription struct {
	SessionID   string
	Serial      string
	Interests   []Interest
	ConnectedAt time.Time
	Deadline    time.Time

	resultCh chan Result
	once     sync.Once
}

// Wait blocks until the subscription is notified or the manager's sweeper
// times it out, whichever comes first. Safe to call exactly once.
func (sub *Subscription) Wait() Result {
	return <-sub.resultCh
}

func (sub *Subscription) deliver(r Result) {
	sub.once.Do(func() {
		sub.resultCh <- r
		close(sub.resultCh)
	})
}

// Manager holds parked subscriptions keyed by device serial.
type Manager struct {
	maxPerDevice int
	timeout      time.Duration

	mu   sync.Mutex // guards table + per-serial notify ordering
	table map[string][]*Subscription

	sweepDone chan struct{}
	sweepOnce sync.Once
}

func New(maxPerDevice int, timeout time.Duration) *Manager {
	m := &Manager{
		maxPerDevice: maxPerDevice,
		timeout:      timeout,
		table:        make(map[string][]*Subscription),
		sweepDone:    make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.sweepDone:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *Manager) sweepExpired() {
	now := time.Now()
	m.mu.Lock()
	var expired []*Subscription
	for serial, subs := range m.table {
		kept := subs[:0]
		for _, s := range subs {
			if now.After(s.Deadline) {
				expired = append(expired, s)
			} else {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(m.table, serial)
		} else {
			m.table[serial] = kept
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.deliver(Result{TimedOut: true})
	}
}

// NewSubscription builds a parked Subscription without registering it; callers add it
// via Add.
func NewSubscription(serial string, interests []Interest, timeout time.Duration) *Subscription {
	now := time.Now()
	return &Subscription{
		SessionID:   uuid.NewString(),
		Serial:      serial,
		Interests:   interests,
		ConnectedAt: now,
		Deadline:    now.Add(timeout),
		resultCh:    make(chan Result, 1),
	}
}

// Add registers sub for serial, enforcing MAX_SUBSCRIPTIONS_PER_DEVICE.
// Returns false if the cap is already reached.
func (m *Manager) Add(sub *Subscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.table[sub.Serial]) >= m.maxPerDevice {
		return false
	}
	m.table[sub.Serial] = append(m.table[sub.Serial], sub)
	return true
}

// outdated reports whether any interest the subscription declared is now
// strictly stale relative to obj, per the server-newer dominance rule.
func outdated(sub *Subscription, obj model.Object) bool {
	for _, in := range sub.Interests {
		if in.ObjectKey != obj.ObjectKey {
			continue
		}
		if state.IsServerNewer(obj.ObjectRevision, obj.ObjectTimestamp, in.ClientRevision, in.ClientTimestamp) {
			return true
		}
	}
	return false
}

// Notify wakes every subscription parked on serial whose interest list
// includes a now-stale object, delivering obj to them. Returns (notified, removed) counts. Ordering between
// concurrent Notify calls for the same serial is a total order enforced
// by the manager's lock.
func (m *Manager) Notify(serial, key string, obj model.Object) (notified, removed int) {
	return m.NotifyAll(serial, []model.Object{obj})
}

// NotifyAll is the batched form used by Put: every subscriber parked on
// serial is checked against every delta in one pass so a subscriber woken
// by this call observes a single consistent snapshot, never a delta
// applied out of write order.
func (m *Manager) NotifyAll(serial string, deltas []model.Object) (notified, removed int) {
	m.mu.Lock()
	subs := m.table[serial]
	var stay []*Subscription
	type wake struct {
		sub     *Subscription
		objects []model.Object
	}
	var woken []wake
	for _, sub := range subs {
		var relevant []model.Object
		for _, d := range deltas {
			if outdated(sub, d) {
				relevant = append(relevant, d)
			}
		}
		if len(relevant) > 0 {
			woken = append(woken, wake{sub: sub, objects: relevant})
		} else {
			stay = append(stay, sub)
		}
	}
	if len(stay) == 0 {
		delete(m.table, serial)
	} else {
		m.table[serial] = stay
	}
	m.mu.Unlock()

	for _, w := range woken {
		w.sub.deliver(Result{Objects: w.objects})
	}
	return len(woken), len(woken)
}

// Shutdown drains every parked subscription with an empty result and
// stops the sweeper. It returns once delivery has been attempted for
// everyone; it does not wait for transport close acknowledgement, and the
// deadline argument is not used.
func (m *Manager) Shutdown(deadline time.Duration) {
	m.sweepOnce.Do(func() { close(m.sweepDone) })

	m.mu.Lock()
	var all []*Subscription
	for _, subs := range m.table {
		all = append(all, subs...)
	}
	m.table = make(map[string][]*Subscription)
	m.mu.Unlock()

	for _, sub := range all {
		sub.deliver(Result{TimedOut: true})
	}

	log.Info().Int("drained", len(all)).Msg("subscription manager shut down")
	_ = deadline
}

// Count returns the number of subscriptions currently parked for serial
// (test/diagnostic helper).
func (m *Manager) Count(serial string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table[serial])
}
