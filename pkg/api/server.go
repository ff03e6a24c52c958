package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sanctuary-net/sanctuary/pkg/auth"
	"github.com/sanctuary-net/sanctuary/pkg/config"
	"github.com/sanctuary-net/sanctuary/pkg/log"
	"github.com/sanctuary-net/sanctuary/pkg/registry"
	"github.com/sanctuary-net/sanctuary/pkg/snapshot"
	"github.com/sanctuary-net/sanctuary/pkg/storage"
	"github.com/sanctuary-net/sanctuary/pkg/trust"
)

// Server is the HTTP front of the service: a thin layer that decodes
// requests, enforces bearer auth, and dispatches to the domain services.
type Server struct {
	auth         *auth.Service
	registry     *registry.Service
	snapshots    *snapshot.Service
	attestations *trust.Attestations
	store        storage.Store

	http *http.Server
}

// NewServer wires the HTTP server.
func NewServer(cfg config.ServerConfig, authSvc *auth.Service, reg *registry.Service, snaps *snapshot.Service, atts *trust.Attestations, store storage.Store) *Server {
	s := &Server{
		auth:         authSvc,
		registry:     reg,
		snapshots:    snaps,
		attestations: atts,
		store:        store,
	}

	r := mux.NewRouter()
	r.Use(s.observe)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/auth/challenge", s.handleChallenge).Methods(http.MethodPost)
	v1.HandleFunc("/auth/verify", s.handleVerify).Methods(http.MethodPost)

	v1.HandleFunc("/agents", s.handleRegister).Methods(http.MethodPost)
	v1.HandleFunc("/agents/{address}", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{address}/resurrect", s.authed(s.handleResurrect)).Methods(http.MethodPost)
	v1.HandleFunc("/agents/{address}/heartbeat", s.authed(s.handleHeartbeat)).Methods(http.MethodPost)

	v1.HandleFunc("/snapshots", s.authed(s.handleUpload)).Methods(http.MethodPost)
	v1.HandleFunc("/agents/{address}/snapshots", s.authed(s.handleListSnapshots)).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{address}/snapshots/latest", s.authed(s.handleLatestSnapshot)).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{address}/snapshots/{id}/payload", s.authed(s.handleFetchSnapshot)).Methods(http.MethodGet)

	v1.HandleFunc("/attestations", s.authed(s.handleAttest)).Methods(http.MethodPost)
	v1.HandleFunc("/agents/{address}/attestations", s.handleListAttestations).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	lg := log.WithComponent("api")
	lg.Info().Str("addr", s.http.Addr).Msg("http api listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// A failing store turns the probe red; everything else is best-effort.
	if _, err := s.store.ListAgents(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
