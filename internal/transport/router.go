package transport

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/chi/v5"

	"github.com/thermobridge/thermobridge/internal/httpmw"
)

// Router builds the device-facing /nest/* route tree: built-in
// recovery/request-id middleware first, then the shared logging/telemetry
// stack, then routes grouped by concern.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(httpmw.Telemetry)
	r.Use(httpmw.Logger)

	r.Route("/nest", func(r chi.Router) {
		r.Get("/entry", s.handleEntry)
		r.Get("/ping", s.handlePing)
		r.Get("/pro_info", s.handleProInfo)
		r.Get("/passphrase", s.handlePassphrase)
		r.Get("/weather/v1", s.handleWeather)

		r.Get("/transport/device/{serial}", s.handleList)
		r.Post("/transport", s.handleSubscribe)
		r.Post("/transport/put", s.handlePut)

		r.Post("/upload", s.handleUpload)
	})

	return r
}
