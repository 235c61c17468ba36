// Package transport implements the device-facing protocol: service
// discovery, list/subscribe/put object exchange, the weather proxy, and
// log upload, all under /nest/*.
package transport

import (
	"github.com/thermobridge/thermobridge/internal/config"
	"github.com/thermobridge/thermobridge/internal/derive"
	"github.com/thermobridge/thermobridge/internal/pairing"
	"github.com/thermobridge/thermobridge/internal/state"
	"github.com/thermobridge/thermobridge/internal/subscription"
	"github.com/thermobridge/thermobridge/internal/weather"
)

// Server holds every dependency the device handlers need. Constructed
// once at wiring time and passed by reference — no package-level state.
type Server struct {
	cfg     discoveryConfig
	state   *state.Service
	subs    *subscription.Manager
	weather *weather.Cache
	pairing *pairing.Service
	derive  *derive.Deriver

	uploadDir           string
	entryKeyTTLSeconds  int64
	subscriptionTimeout int64
}

// discoveryConfig is the slice of config.Config the discovery document
// needs; kept narrow so tests can construct a Server without the full
// config struct.
type discoveryConfig struct {
	Version  string
	TierName string
}

func New(cfg *config.Config, st *state.Service, subs *subscription.Manager, wc *weather.Cache, ps *pairing.Service, dv *derive.Deriver) *Server {
	return &Server{
		cfg:                 discoveryConfig{Version: cfg.Version, TierName: cfg.TierName},
		state:               st,
		subs:                subs,
		weather:             wc,
		pairing:             ps,
		derive:              dv,
		uploadDir:           cfg.Transport.UploadDir,
		entryKeyTTLSeconds:  int64(cfg.Pairing.EntryKeyTTL.Seconds()),
		subscriptionTimeout: cfg.Transport.SubscriptionTimeout.Milliseconds(),
	}
}
