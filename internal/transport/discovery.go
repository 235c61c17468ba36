package transport

import (
	"encoding/json"
	"net/http"
)

type discoveryDocument struct {
	CzfeURL            string `json:"czfe_url"`
	TransportURL       string `json:"transport_url"`
	DirectTransportURL string `json:"direct_transport_url"`
	PassphraseURL      string `json:"passphrase_url"`
	PingURL            string `json:"ping_url"`
	ProInfoURL         string `json:"pro_info_url"`
	WeatherURL         string `json:"weather_url"`
	UploadURL          string `json:"upload_url"`
	SoftwareUpdateURL  string `json:"software_update_url"`
	ServerVersion      string `json:"server_version"`
	TierName           string `json:"tier_name"`
}

// handleEntry serves the service-discovery document every device fetches
// on first contact, listing every other device-facing URL.
func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	base := s.baseURL(r)
	doc := discoveryDocument{
		CzfeURL:            base,
		TransportURL:       base + "/nest/transport",
		DirectTransportURL: base + "/nest/transport",
		PassphraseURL:      base + "/nest/passphrase",
		PingURL:            base + "/nest/ping",
		ProInfoURL:         base + "/nest/pro_info",
		WeatherURL:         base + "/nest/weather/v1?query=",
		UploadURL:          base + "/nest/upload",
		SoftwareUpdateURL:  "",
		ServerVersion:      s.cfg.Version,
		TierName:           s.cfg.TierName,
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) baseURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pro_install": false,
		"tier_name":   s.cfg.TierName,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
