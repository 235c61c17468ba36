// thermobridge — a device-facing protocol server that impersonates the
// cloud service a legacy smart-thermostat firmware expects to talk to.
//
// It exposes two listeners:
//   - the device port: the /nest/* protocol devices speak, optionally
//     behind TLS with client certificates
//   - the control port: the authenticated dashboard/automation API
package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thermobridge/thermobridge/internal/config"
	"github.com/thermobridge/thermobridge/pkg/server"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("thermobridge starting")

	ctx := context.Background()
	cfg := config.Load()

	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize thermobridge")
	}
	defer srv.Store.Close()

	deviceServer, err := newDeviceListener(cfg, srv.DeviceHandler)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure device listener")
	}

	controlServer := &http.Server{
		Addr:         addr(cfg.ControlPort),
		Handler:      srv.ControlHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.DevicePort).Bool("tls", cfg.DeviceCertDir != "").Msg("device listener up")
		var serveErr error
		if cfg.DeviceCertDir != "" {
			serveErr = deviceServer.ListenAndServeTLS(
				filepath.Join(cfg.DeviceCertDir, "cert.pem"),
				filepath.Join(cfg.DeviceCertDir, "key.pem"),
			)
		} else {
			serveErr = deviceServer.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			log.Fatal().Err(serveErr).Msg("device listener failed")
		}
	}()

	go func() {
		log.Info().Int("port", cfg.ControlPort).Msg("control listener up")
		if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("control listener failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	deviceServer.Shutdown(shutdownCtx)
	controlServer.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("error during service shutdown")
	}

	log.Info().Msg("thermobridge stopped")
}

// newDeviceListener builds the device-facing *http.Server. TLS client
// certificates are requested but not required to verify — legacy
// firmware fleets present a self-signed cert whose CN carries the
// serial, validated by internal/transport as a fallback identity
// source, not as a PKI trust chain.
func newDeviceListener(cfg *config.Config, handler http.Handler) (*http.Server, error) {
	srv := &http.Server{
		Addr:         addr(cfg.DevicePort),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  5 * time.Minute,
	}
	if cfg.DeviceCertDir != "" {
		srv.TLSConfig = &tls.Config{
			ClientAuth: tls.RequestClientCert,
			MinVersion: tls.VersionTLS12,
		}
	}
	return srv, nil
}

func addr(port int) string {
	return ":" + strconv.Itoa(port)
}
