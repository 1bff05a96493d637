package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/illmade-knight/go-wsbridge/pkg/bridge"
	"github.com/rs/zerolog"
)

// StatusProvider reports the bridge state served by the status endpoints.
type StatusProvider interface {
	Status() bridge.Status
}

// BaseServer serves the bridge's health and status endpoints.
type BaseServer struct {
	Logger     zerolog.Logger
	HTTPAddr   string
	httpServer *http.Server
	actualAddr string
	mu         sync.RWMutex
}

// NewBaseServer creates a server with /healthz, /readyz and /status registered.
func NewBaseServer(logger zerolog.Logger, httpAddr string, provider StatusProvider) *BaseServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", HealthzHandler)
	mux.Handle("/readyz", ReadyzHandler(provider))
	mux.Handle("/status", StatusHandler(provider))

	return &BaseServer{
		Logger:   logger.With().Str("component", "StatusServer").Logger(),
		HTTPAddr: httpAddr,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start initiates the HTTP server in a background goroutine.
func (s *BaseServer) Start() error {
	listener, err := net.Listen("tcp", s.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.HTTPAddr, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.Logger.Info().Str("address", s.actualAddr).Msg("HTTP server starting to listen")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	return nil
}

// Shutdown gracefully stops the HTTP server, respecting the provided context's deadline.
func (s *BaseServer) Shutdown(ctx context.Context) error {
	s.Logger.Info().Msg("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
		return err
	}
	s.Logger.Info().Msg("HTTP server stopped.")
	return nil
}

// Addr returns the address the server is listening on, or the configured one before Start.
func (s *BaseServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.actualAddr == "" {
		return s.HTTPAddr
	}
	return s.actualAddr
}

// HealthzHandler responds to liveness probes.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// ReadyzHandler reports 200 while records are flowing and 503 otherwise.
func ReadyzHandler(provider StatusProvider) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		phase := provider.Status().Phase
		if phase != bridge.PhaseRunning {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(phase))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

// StatusHandler writes the status snapshot as JSON.
func StatusHandler(provider StatusProvider) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(provider.Status()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
