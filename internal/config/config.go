// Package config loads thermobridge's environment-driven configuration:
// the two listener ports, the StateStore backend selection, and the
// protocol knobs (subscription caps, weather TTL, entry-key lifetime).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the thermobridge server.
type Config struct {
	DevicePort    int
	ControlPort   int
	DeviceCertDir string // cert.pem/key.pem; plain HTTP if absent

	Version  string
	TierName string

	Store     StoreConfig
	Transport TransportConfig
	Weather   WeatherConfig
	Pairing   PairingConfig
	Integrations IntegrationsConfig
	Telemetry TelemetryConfig
	CORS      CORSConfig
}

// StoreConfig selects and configures the StateStore backend.
type StoreConfig struct {
	Backend  string // "memory" | "sqlite" | "mongo"
	DataDir  string // memory snapshot / sqlite file directory
	MongoURI string
	MongoDB  string
}

// TransportConfig holds device-facing protocol knobs.
type TransportConfig struct {
	MaxSubscriptionsPerDevice int
	SubscriptionTimeout       time.Duration
	UploadDir                 string
}

// WeatherConfig controls the upstream weather proxy.
type WeatherConfig struct {
	UpstreamURL string
	CacheTTL    time.Duration
}

// PairingConfig controls entry-key lifecycle.
type PairingConfig struct {
	EntryKeyTTL time.Duration
	GCInterval  time.Duration
}

// IntegrationsConfig controls the outbound integration reconciliation loop.
type IntegrationsConfig struct {
	ReconcileInterval time.Duration
	MQTTBrokerURL     string
	MQTTTopicPrefix   string
	SeedFile          string // optional TOML file of bootstrap integration configs
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// CORSConfig controls the control API's CORS policy — permissive by
// default. The device-facing router applies no CORS middleware.
type CORSConfig struct {
	Origins []string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		DevicePort:    envInt("THERMO_DEVICE_PORT", 8443),
		ControlPort:   envInt("THERMO_CONTROL_PORT", 8081),
		DeviceCertDir: envStr("THERMO_DEVICE_CERT_DIR", ""),

		Version:  envStr("THERMO_SERVER_VERSION", "1.0.0"),
		TierName: envStr("THERMO_TIER_NAME", "production"),

		Store: StoreConfig{
			Backend:  envStr("THERMO_STORE_BACKEND", "memory"),
			DataDir:  envStr("THERMO_DATA_DIR", ""),
			MongoURI: envStr("THERMO_MONGO_URI", "mongodb://localhost:27017"),
			MongoDB:  envStr("THERMO_MONGO_DATABASE", "thermobridge"),
		},
		Transport: TransportConfig{
			MaxSubscriptionsPerDevice: envInt("THERMO_MAX_SUBSCRIPTIONS_PER_DEVICE", 4),
			SubscriptionTimeout:       envDuration("THERMO_SUBSCRIPTION_TIMEOUT_MS", 5*time.Minute),
			UploadDir:                 envStr("THERMO_UPLOAD_DIR", "./uploads"),
		},
		Weather: WeatherConfig{
			UpstreamURL: envStr("THERMO_WEATHER_UPSTREAM_URL", "https://weather.example.internal/v1/forecast"),
			CacheTTL:    envDuration("THERMO_WEATHER_CACHE_TTL_MS", 20*time.Minute),
		},
		Pairing: PairingConfig{
			EntryKeyTTL: envDuration("THERMO_ENTRY_KEY_TTL_MS", 60*time.Minute),
			GCInterval:  envDuration("THERMO_ENTRY_KEY_GC_INTERVAL_MS", time.Hour),
		},
		Integrations: IntegrationsConfig{
			ReconcileInterval: envDuration("THERMO_INTEGRATION_RECONCILE_INTERVAL_MS", 10*time.Second),
			MQTTBrokerURL:     envStr("THERMO_MQTT_BROKER_URL", ""),
			MQTTTopicPrefix:   envStr("THERMO_MQTT_TOPIC_PREFIX", "thermobridge"),
			SeedFile:          envStr("THERMO_INTEGRATIONS_SEED_FILE", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "thermobridge"),
		},
		CORS: CORSConfig{
			Origins: envCSV("THERMO_CORS_ORIGINS", []string{"*"}),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDuration reads a millisecond count from the environment. Named _MS to
// match the wire/protocol vocabulary (SUBSCRIPTION_TIMEOUT_MS,
// WEATHER_CACHE_TTL_MS) even though the parsed Go value is a
// time.Duration.
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

func envCSV(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, s := range splitAndTrim(v, ",") {
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
