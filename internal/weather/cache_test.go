package weather_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thermobridge/thermobridge/internal/statevalue"
	"github.com/thermobridge/thermobridge/internal/store"
	"github.com/thermobridge/thermobridge/internal/weather"
)

type countingFetcher struct {
	calls int32
	value statevalue.Value
	err   error
}

func (f *countingFetcher) Fetch(_ context.Context, _, _ string) (statevalue.Value, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.value, f.err
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	return st
}

func mustVal(t *testing.T, raw string) statevalue.Value {
	t.Helper()
	var v statevalue.Value
	if err := v.UnmarshalJSON([]byte(raw)); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestGetFetchesOnceWithinTTL(t *testing.T) {
	st := newTestStore(t)
	fetcher := &countingFetcher{value: mustVal(t, `{"temp_c":21}`)}
	c := weather.New(st, fetcher, time.Minute)
	ctx := context.Background()

	if _, _, _, err := c.Get(ctx, "94103,US"); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := c.Get(ctx, "94103,US"); err != nil {
		t.Fatal(err)
	}

	if fetcher.calls != 1 {
		t.Fatalf("got %d upstream fetches, want 1 (second call should hit the cache)", fetcher.calls)
	}
}

func TestGetRefetchesAfterTTLExpires(t *testing.T) {
	st := newTestStore(t)
	fetcher := &countingFetcher{value: mustVal(t, `{"temp_c":21}`)}
	c := weather.New(st, fetcher, time.Millisecond)
	ctx := context.Background()

	if _, _, _, err := c.Get(ctx, "94103,US"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, _, _, err := c.Get(ctx, "94103,US"); err != nil {
		t.Fatal(err)
	}

	if fetcher.calls != 2 {
		t.Fatalf("got %d upstream fetches, want 2 (TTL should have expired)", fetcher.calls)
	}
}

func TestGetIPFormBypassesCache(t *testing.T) {
	st := newTestStore(t)
	fetcher := &countingFetcher{value: mustVal(t, `{"temp_c":21}`)}
	c := weather.New(st, fetcher, time.Minute)
	ctx := context.Background()

	c.Get(ctx, "203.0.113.5")
	c.Get(ctx, "203.0.113.5")

	if fetcher.calls != 2 {
		t.Fatalf("got %d upstream fetches for IP-form query, want 2 (no caching)", fetcher.calls)
	}
}

func TestGetFetchFailureFallsBackToStaleCacheWithoutPoisoning(t *testing.T) {
	st := newTestStore(t)
	good := &countingFetcher{value: mustVal(t, `{"temp_c":21}`)}
	c := weather.New(st, good, time.Millisecond)
	ctx := context.Background()

	v, ok, _, err := c.Get(ctx, "94103,US")
	if err != nil || !ok {
		t.Fatalf("initial fetch failed: ok=%v err=%v", ok, err)
	}

	time.Sleep(5 * time.Millisecond)

	failing := &countingFetcher{err: context.DeadlineExceeded}
	c2 := weather.New(st, failing, time.Millisecond)
	v2, ok2, _, err2 := c2.Get(ctx, "94103,US")
	if err2 != nil {
		t.Fatal(err2)
	}
	if !ok2 {
		t.Fatal("expected stale cached value to be returned on upstream failure")
	}
	if !statevalue.Equal(v, v2) {
		t.Errorf("expected stale value to be returned unchanged")
	}
}

func TestGetReportsRefreshedOnlyOnActualUpstreamFetch(t *testing.T) {
	st := newTestStore(t)
	fetcher := &countingFetcher{value: mustVal(t, `{"temp_c":21}`)}
	c := weather.New(st, fetcher, time.Minute)
	ctx := context.Background()

	_, _, refreshed, err := c.Get(ctx, "94103,US")
	if err != nil {
		t.Fatal(err)
	}
	if !refreshed {
		t.Fatal("first fetch should report refreshed=true")
	}

	_, _, refreshed2, err := c.Get(ctx, "94103,US")
	if err != nil {
		t.Fatal(err)
	}
	if refreshed2 {
		t.Fatal("cache hit should report refreshed=false")
	}
}
