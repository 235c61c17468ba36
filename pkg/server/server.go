// Package server provides the public entry point for initializing
// thermobridge: the device state cache, both protocol surfaces (device
// transport and control API), and every background service they share.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	go srv.DeviceHandler serving on srv.Config.DevicePort
//	go srv.ControlHandler serving on srv.Config.ControlPort
package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thermobridge/thermobridge/internal/config"
	"github.com/thermobridge/thermobridge/internal/control"
	"github.com/thermobridge/thermobridge/internal/derive"
	"github.com/thermobridge/thermobridge/internal/integrations"
	"github.com/thermobridge/thermobridge/internal/integrations/broker"
	"github.com/thermobridge/thermobridge/internal/integrations/webhook"
	"github.com/thermobridge/thermobridge/internal/pairing"
	"github.com/thermobridge/thermobridge/internal/retention"
	"github.com/thermobridge/thermobridge/internal/seed"
	"github.com/thermobridge/thermobridge/internal/state"
	"github.com/thermobridge/thermobridge/internal/store"
	"github.com/thermobridge/thermobridge/internal/subscription"
	"github.com/thermobridge/thermobridge/internal/telemetry"
	"github.com/thermobridge/thermobridge/internal/transport"
	"github.com/thermobridge/thermobridge/internal/weather"
)

// Server holds every initialized thermobridge component. Exposed fields
// let main.go wire listeners and let tests reach into individual
// services without re-running the whole bootstrap.
type Server struct {
	Config *config.Config

	Store            store.Store
	State            *state.Service
	Subscriptions    *subscription.Manager
	Weather          *weather.Cache
	Pairing          *pairing.Service
	Deriver          *derive.Deriver
	Integrations     *integrations.Manager
	RetentionJanitor *retention.Janitor

	DeviceHandler  http.Handler
	ControlHandler http.Handler

	integrationsCancel context.CancelFunc
	janitorCancel      context.CancelFunc

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes every thermobridge component from environment-driven
// configuration and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes thermobridge with an explicit configuration,
// for tests and for embedding thermobridge in a larger process.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info().Str("backend", cfg.Store.Backend).Msg("state store opened")

	return buildServer(ctx, cfg, dataStore, shutdown)
}

// NewWithStore initializes thermobridge with an externally-provided
// store. The caller owns the store's lifecycle (including Close).
func NewWithStore(ctx context.Context, cfg *config.Config, dataStore store.Store) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	return buildServer(ctx, cfg, dataStore, shutdown)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		path := cfg.DataDir
		if path == "" {
			path = "thermobridge.db"
		} else {
			path = filepath.Join(cfg.DataDir, "thermobridge.db")
		}
		return store.NewSQLiteStore(path)
	case "mongo":
		return store.NewMongoStore(ctx, store.MongoConfig{URI: cfg.MongoURI, Database: cfg.MongoDB})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func buildServer(ctx context.Context, cfg *config.Config, dataStore store.Store, shutdown func(context.Context) error) (*Server, error) {
	svc := state.New(dataStore)
	subs := subscription.New(cfg.Transport.MaxSubscriptionsPerDevice, cfg.Transport.SubscriptionTimeout)

	weatherFetcher := weather.NewHTTPFetcher(cfg.Weather.UpstreamURL)
	weatherCache := weather.New(dataStore, weatherFetcher, cfg.Weather.CacheTTL)

	pairingSvc := pairing.New(dataStore, svc)
	deriver := derive.New(svc, dataStore)

	if cfg.Integrations.SeedFile != "" {
		seedFile, err := seed.Load(cfg.Integrations.SeedFile)
		if err != nil {
			return nil, fmt.Errorf("load integration seed file: %w", err)
		}
		applied, err := seed.Apply(ctx, dataStore, seedFile)
		if err != nil {
			return nil, fmt.Errorf("apply integration seed file: %w", err)
		}
		if applied > 0 {
			log.Info().Int("applied", applied).Str("file", cfg.Integrations.SeedFile).Msg("seeded integration configs")
		}
	}

	integrationMgr := integrations.New(dataStore, svc, cfg.Integrations.ReconcileInterval)
	integrationMgr.Register("mqtt_broker", broker.NewFactory(cfg.Integrations.MQTTBrokerURL, cfg.Integrations.MQTTTopicPrefix))
	integrationMgr.Register("webhook", webhook.NewFactory())
	svc.SetChangeListener(integrationMgr)

	transportSrv := transport.New(cfg, svc, subs, weatherCache, pairingSvc, deriver)
	controlSrv := control.New(dataStore, svc, subs)

	janitor := retention.NewJanitor(dataStore, cfg.Pairing.GCInterval)

	integrationsCtx, integrationsCancel := context.WithCancel(context.Background())
	go integrationMgr.Run(integrationsCtx)

	janitorCtx, janitorCancel := context.WithCancel(context.Background())
	go janitor.Start(janitorCtx)

	return &Server{
		Config:             cfg,
		Store:              dataStore,
		State:              svc,
		Subscriptions:      subs,
		Weather:            weatherCache,
		Pairing:            pairingSvc,
		Deriver:            deriver,
		Integrations:       integrationMgr,
		RetentionJanitor:   janitor,
		DeviceHandler:      transportSrv.Router(),
		ControlHandler:     controlSrv.Router(cfg.CORS.Origins),
		integrationsCancel: integrationsCancel,
		janitorCancel:      janitorCancel,
		ShutdownFunc:       shutdown,
	}, nil
}

// Shutdown stops all background goroutines, drains in-flight subscription
// notifications, and flushes telemetry. Should be called once during
// graceful process shutdown, after both HTTP listeners have stopped
// accepting new connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.integrationsCancel != nil {
		s.integrationsCancel()
	}
	if s.janitorCancel != nil {
		s.janitorCancel()
	}
	s.Subscriptions.Shutdown(5 * time.Second)
	if s.ShutdownFunc != nil {
		return s.ShutdownFunc(ctx)
	}
	return nil
}
