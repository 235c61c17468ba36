// Package weather implements WeatherCache: a TTL-gated proxy in front of
// the upstream weather provider. Fetch failures fall back to the last
// cached payload (or to nothing when there is none) without poisoning the
// cache; IP-form queries bypass it entirely.
package weather

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thermobridge/thermobridge/internal/model"
	"github.com/thermobridge/thermobridge/internal/statevalue"
	"github.com/thermobridge/thermobridge/internal/store"
)

// Fetcher abstracts the upstream weather provider so it can be swapped in
// tests without a live HTTP dependency.
type Fetcher interface {
	Fetch(ctx context.Context, postal, country string) (statevalue.Value, error)
}

// HTTPFetcher hits a real upstream weather endpoint with a bounded
// timeout and retry, capped at two attempts since weather is
// best-effort.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPFetcher(baseURL string) *HTTPFetcher {
	return &HTTPFetcher{BaseURL: baseURL, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, postal, country string) (statevalue.Value, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
		}
		v, err := f.fetchOnce(ctx, postal, country)
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	return statevalue.Null(), lastErr
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, postal, country string) (statevalue.Value, error) {
	url := f.BaseURL + "?postal_code=" + postal + "&country=" + country
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return statevalue.Null(), err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return statevalue.Null(), err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return statevalue.Null(), err
	}
	var v statevalue.Value
	if err := json.Unmarshal(body, &v); err != nil {
		return statevalue.Null(), err
	}
	return v, nil
}

// Cache is the TTL-gated proxy. It does not itself propagate weather into
// user objects — that is a derivation rule layered in internal/derive,
// invoked by the caller after a successful Get.
type Cache struct {
	st      store.Store
	fetcher Fetcher
	ttl     time.Duration
}

func New(st store.Store, fetcher Fetcher, ttl time.Duration) *Cache {
	return &Cache{st: st, fetcher: fetcher, ttl: ttl}
}

// Get returns the cached payload if fresh, else fetches, stores, and
// returns the refreshed payload. IP-form queries (anything containing a
// ".") bypass the cache entirely, since they never repeat. The third
// return value reports whether this call actually performed a successful
// upstream fetch (as opposed to serving a cache hit or a stale fallback
// on fetch failure) — callers use it to gate postal-code fan-out, which
// only fires "on successful refresh", not on every cache-served read.
func (c *Cache) Get(ctx context.Context, query string) (statevalue.Value, bool, bool, error) {
	if strings.Contains(query, ".") {
		v, err := c.fetcher.Fetch(ctx, query, "")
		if err != nil {
			log.Warn().Err(err).Str("query", query).Msg("ip-form weather fetch failed")
			return statevalue.Null(), false, false, nil
		}
		return v, true, true, nil
	}

	postal, country := splitQuery(query)

	entry, err := c.st.GetWeather(ctx, postal, country)
	if err == nil && time.Since(entry.FetchedAt) < c.ttl {
		return entry.Payload, true, false, nil
	}

	v, err := c.fetcher.Fetch(ctx, postal, country)
	if err != nil {
		log.Warn().Err(err).Str("postal", postal).Str("country", country).Msg("weather upstream fetch failed")
		if entry != nil {
			return entry.Payload, true, false, nil
		}
		return statevalue.Null(), false, false, nil
	}

	if storeErr := c.st.UpsertWeather(ctx, model.WeatherCacheEntry{
		PostalCode: postal, Country: country, FetchedAt: time.Now(), Payload: v,
	}); storeErr != nil {
		log.Error().Err(storeErr).Msg("failed to persist weather cache entry")
	}
	return v, true, true, nil
}

func splitQuery(query string) (postal, country string) {
	parts := strings.SplitN(query, ",", 2)
	postal = parts[0]
	if len(parts) > 1 {
		country = parts[1]
	}
	return postal, country
}
