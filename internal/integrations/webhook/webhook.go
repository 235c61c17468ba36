// Package webhook implements a secondary outbound Integration: HTTP POST
// delivery of state-change events to a per-user webhook URL, with
// HMAC-SHA256 request signing and bounded retries.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/thermobridge/thermobridge/internal/integrations"
	"github.com/thermobridge/thermobridge/internal/model"
	"github.com/thermobridge/thermobridge/internal/statevalue"
)

// NewFactory returns an integrations.Factory reading {"url": "...",
// "secret": "..."} out of the stored config blob.
func NewFactory() integrations.Factory {
	return func(cfg model.IntegrationConfig, deps integrations.Deps) (integrations.Integration, error) {
		url, _ := stringField(cfg.Config, "url")
		if url == "" {
			return nil, fmt.Errorf("webhook: config missing url")
		}
		secret, _ := stringField(cfg.Config, "secret")
		return &Integration{
			cfg:    cfg,
			deps:   deps,
			url:    url,
			secret: secret,
			client: &http.Client{Timeout: 10 * time.Second},
		}, nil
	}
}

func stringField(v statevalue.Value, key string) (string, bool) {
	field, ok := v.Field(key)
	if !ok {
		return "", false
	}
	return field.String()
}

// Integration POSTs a JSON envelope for every change event belonging to
// a serial the configured user owns or shares, same authorization rule
// as the broker integration.
type Integration struct {
	cfg    model.IntegrationConfig
	deps   integrations.Deps
	url    string
	secret string
	client *http.Client
}

type eventPayload struct {
	Serial    string           `json:"serial"`
	ObjectKey string           `json:"object_key"`
	Revision  int64            `json:"object_revision"`
	Timestamp int64            `json:"object_timestamp"`
	Value     statevalue.Value `json:"value"`
}

func (w *Integration) Initialize(ctx context.Context) error { return nil }
func (w *Integration) Shutdown(ctx context.Context) error    { return nil }

func (w *Integration) OnDeviceConnected(ctx context.Context, serial string) {
	w.deliver(ctx, eventPayload{Serial: serial, ObjectKey: "device." + serial, Value: statevalue.String("connected")})
}

func (w *Integration) OnDeviceDisconnected(ctx context.Context, serial string) {
	w.deliver(ctx, eventPayload{Serial: serial, ObjectKey: "device." + serial, Value: statevalue.String("disconnected")})
}

func (w *Integration) OnStateChange(ctx context.Context, serial, key string, revision, timestamp int64, value statevalue.Value) error {
	owned, err := w.deps.Store.ListUserDevices(ctx, w.cfg.UserID)
	if err != nil {
		return err
	}
	if !containsSerial(owned, serial) {
		shared, err := w.deps.Store.GetSharedWithMe(ctx, w.cfg.UserID)
		if err != nil {
			return err
		}
		if !containsSerial(shared, serial) {
			return nil
		}
	}
	return w.deliver(ctx, eventPayload{Serial: serial, ObjectKey: key, Revision: revision, Timestamp: timestamp, Value: value})
}

func containsSerial(serials []string, target string) bool {
	for _, s := range serials {
		if s == target {
			return true
		}
	}
	return false
}

func (w *Integration) deliver(ctx context.Context, payload eventPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Thermobridge-Event", payload.ObjectKey)
		if w.secret != "" {
			mac := hmac.New(sha256.New, []byte(w.secret))
			mac.Write(body)
			req.Header.Set("X-Thermobridge-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook: HTTP %d from %s", resp.StatusCode, w.url)
	}
	return fmt.Errorf("webhook: delivery failed after 3 attempts: %w", lastErr)
}
