// Package broker implements thermobridge's canonical outbound
// Integration: a message-broker publisher over MQTT. It maps cached
// objects to two topic shapes (a raw-object shape mirroring the
// object_key taxonomy, and a normalized discovery shape for
// home-automation consumers) and accepts inbound commands that it
// translates back into DeviceStateService writes.
package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/thermobridge/thermobridge/internal/integrations"
	"github.com/thermobridge/thermobridge/internal/model"
	"github.com/thermobridge/thermobridge/internal/statevalue"
)

// discoveryCapabilities maps well-known fields to the normalized
// discovery capability name published on {prefix}/{serial}/ha/{capability}.
var discoveryCapabilities = map[string]string{
	"target_temperature":  "target_temperature",
	"current_temperature": "current_temperature",
	"humidity":            "humidity",
	"target_temperature_type": "hvac_mode",
	"auto_away":           "auto_away",
}

// NewFactory returns an integrations.Factory bound to a fixed broker URL
// and topic prefix (process-wide config), parameterized per-call only by
// the stored IntegrationConfig (user scoping).
func NewFactory(brokerURL, topicPrefix string) integrations.Factory {
	return func(cfg model.IntegrationConfig, deps integrations.Deps) (integrations.Integration, error) {
		if brokerURL == "" {
			return nil, fmt.Errorf("broker: no MQTT broker URL configured")
		}
		return &Integration{
			cfg:    cfg,
			deps:   deps,
			broker: brokerURL,
			prefix: topicPrefix,
		}, nil
	}
}

// Integration is one user's MQTT publisher/subscriber pair. Authorization
// for both inbound commands and outbound fan-out is scoped to the
// configured user's owned and shared-with serial set, re-checked on
// every message rather than cached, so a revoked share takes effect
// immediately.
type Integration struct {
	cfg    model.IntegrationConfig
	deps   integrations.Deps
	broker string
	prefix string
	client mqtt.Client
}

func (b *Integration) availabilityTopic() string {
	return fmt.Sprintf("%s/%s/availability", b.prefix, b.cfg.UserID)
}

// Initialize connects to the broker, arms a last-will "offline" on the
// user's availability topic, publishes "online" once connected, and
// subscribes to this user's inbound command topics.
func (b *Integration) Initialize(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.broker).
		SetClientID("thermobridge-" + b.cfg.Key()).
		SetAutoReconnect(true).
		SetWill(b.availabilityTopic(), "offline", 1, true)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Publish(b.availabilityTopic(), 1, true, "online")
		token.Wait()

		cmdTopic := fmt.Sprintf("%s/+/cmd/+/+", b.prefix)
		if token := c.Subscribe(cmdTopic, 1, b.handleCommand); token.Wait() && token.Error() != nil {
			log.Warn().Err(token.Error()).Str("integration", b.cfg.Key()).Msg("failed to subscribe to command topic")
		}
	})

	b.client = mqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("broker: connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker: connect failed: %w", err)
	}
	return nil
}

// Shutdown publishes a clean "offline" and disconnects.
func (b *Integration) Shutdown(ctx context.Context) error {
	if b.client == nil || !b.client.IsConnected() {
		return nil
	}
	token := b.client.Publish(b.availabilityTopic(), 1, true, "offline")
	token.WaitTimeout(2 * time.Second)
	b.client.Disconnect(250)
	return nil
}

// OnDeviceConnected and OnDeviceDisconnected are no-ops for the broker
// integration: device connectivity is already visible through the
// object fields themselves (e.g. last_connection on device.{serial}),
// and the integration's own availability is handled by the last-will.
func (b *Integration) OnDeviceConnected(ctx context.Context, serial string)    {}
func (b *Integration) OnDeviceDisconnected(ctx context.Context, serial string) {}

// OnStateChange publishes the changed object in both the raw-object
// shape and, for recognized fields, the normalized discovery shape.
func (b *Integration) OnStateChange(ctx context.Context, serial, key string, revision, timestamp int64, value statevalue.Value) error {
	if b.client == nil || !b.client.IsConnected() {
		return fmt.Errorf("broker: not connected")
	}
	authorized, err := b.authorizedSerial(ctx, serial)
	if err != nil {
		return err
	}
	if !authorized {
		return nil
	}

	objectType := key
	if i := strings.IndexByte(key, '.'); i >= 0 {
		objectType = key[:i]
	}

	rawTopic := fmt.Sprintf("%s/%s/%s", b.prefix, serial, objectType)
	if err := b.publishJSON(rawTopic, value); err != nil {
		return err
	}

	fields, isMap := value.Map()
	if !isMap {
		return nil
	}
	for field, fv := range fields {
		fieldTopic := fmt.Sprintf("%s/%s/%s/%s", b.prefix, serial, objectType, field)
		if err := b.publishJSON(fieldTopic, fv); err != nil {
			return err
		}
		if capability, ok := discoveryCapabilities[field]; ok {
			discoveryTopic := fmt.Sprintf("%s/%s/ha/%s", b.prefix, serial, capability)
			if err := b.publishJSON(discoveryTopic, fv); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Integration) publishJSON(topic string, v statevalue.Value) error {
	payload, err := v.MarshalJSON()
	if err != nil {
		return fmt.Errorf("broker: marshal payload for %s: %w", topic, err)
	}
	token := b.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("broker: publish to %s timed out", topic)
	}
	return token.Error()
}

// handleCommand routes an inbound {prefix}/{serial}/cmd/{object_type}/{field}
// message back into DeviceStateService.Upsert, after checking the
// configured user still owns or shares the target serial.
func (b *Integration) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) != 5 || parts[2] != "cmd" {
		return
	}
	serial, objectType, field := parts[1], parts[3], parts[4]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	authorized, err := b.authorizedSerial(ctx, serial)
	if err != nil {
		log.Warn().Err(err).Str("serial", serial).Msg("broker: authorization check failed for inbound command")
		return
	}
	if !authorized {
		log.Warn().Str("integration", b.cfg.Key()).Str("serial", serial).Msg("broker: rejected inbound command for unauthorized serial")
		return
	}

	var fieldValue statevalue.Value
	if err := fieldValue.UnmarshalJSON(msg.Payload()); err != nil {
		log.Warn().Err(err).Str("serial", serial).Str("field", field).Msg("broker: malformed inbound command payload")
		return
	}

	key := objectType + "." + serial
	existing, err := b.deps.State.Get(ctx, serial, key)
	base := statevalue.Map(nil)
	rev := int64(0)
	if err == nil {
		base = existing.Value
		rev = existing.ObjectRevision
	}
	if !base.IsMap() {
		base = statevalue.Map(nil)
	}
	merged := base.WithField(field, fieldValue)

	if _, err := b.deps.State.Upsert(ctx, serial, key, rev+1, time.Now().UnixMilli(), merged); err != nil {
		log.Warn().Err(err).Str("serial", serial).Str("key", key).Msg("broker: failed to apply inbound command")
	}
}

func (b *Integration) authorizedSerial(ctx context.Context, serial string) (bool, error) {
	owned, err := b.deps.Store.ListUserDevices(ctx, b.cfg.UserID)
	if err != nil {
		return false, err
	}
	for _, s := range owned {
		if s == serial {
			return true, nil
		}
	}
	shared, err := b.deps.Store.GetSharedWithMe(ctx, b.cfg.UserID)
	if err != nil {
		return false, err
	}
	for _, s := range shared {
		if s == serial {
			return true, nil
		}
	}
	return false, nil
}
