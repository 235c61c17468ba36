// Package control implements the control-plane API: authenticated
// dashboard-facing commands on a separate port from the device-facing
// transport, sharing the same DeviceStateService write path so a
// dashboard change and a device-originated update are indistinguishable
// to long-poll subscribers.
package control

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/thermobridge/thermobridge/internal/httpmw"
)

// Router builds the control API's route tree. CORS is permissive;
// bearer auth is enforced on every route except /health.
func (s *Server) Router(corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(httpmw.Telemetry)
	r.Use(httpmw.Logger)

	isWildcard := len(corsOrigins) == 1 && corsOrigins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: !isWildcard,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(s.st))
		r.Post("/command", s.handleCommand)
		r.Get("/status", s.handleStatus)
		r.Get("/api/devices", s.handleDevices)
		r.Post("/notify-device", s.handleNotifyDevice)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": "thermobridge-control"})
}
