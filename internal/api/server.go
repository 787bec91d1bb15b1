// Package api exposes an HTTP introspection server over a pool Registry:
// per-endpoint stats, Prometheus metrics, liveness/readiness probes, and
// an endpoint drain hook.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbbouncer/gomysql/internal/config"
	"github.com/dbbouncer/gomysql/internal/metrics"
	"github.com/dbbouncer/gomysql/internal/pool"
)

// Server is the REST API and metrics server for a running client process.
type Server struct {
	registry   *pool.Registry
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
	apiCfg     config.APIConfig
}

// NewServer builds a Server bound to registry, reporting stats pulled live
// from it on every request.
func NewServer(registry *pool.Registry, m *metrics.Collector, apiCfg config.APIConfig) *Server {
	return &Server{
		registry:  registry,
		metrics:   m,
		startTime: time.Now(),
		apiCfg:    apiCfg,
	}
}

// Start begins serving on bind:port in a background goroutine.
func (s *Server) Start() error {
	r := mux.NewRouter()

	r.HandleFunc("/endpoints", s.listEndpoints).Methods("GET")
	r.HandleFunc("/endpoints/{dsn}/stats", s.endpointStats).Methods("GET")
	r.HandleFunc("/endpoints/{dsn}/drain", s.drainEndpoint).Methods("POST")

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", s.apiCfg.Bind, s.apiCfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("api server listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the API server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type endpointResponse struct {
	DSN   string     `json:"dsn"`
	Stats pool.Stats `json:"stats"`
}

func (s *Server) listEndpoints(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.AllStats()
	result := make([]endpointResponse, 0, len(stats))
	for dsn, st := range stats {
		result = append(result, endpointResponse{DSN: redact(dsn), Stats: st})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) endpointStats(w http.ResponseWriter, r *http.Request) {
	dsn := mux.Vars(r)["dsn"]
	p, ok := s.registry.Get(dsn)
	if !ok {
		http.Error(w, "endpoint not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p.Stats())
}

func (s *Server) drainEndpoint(w http.ResponseWriter, r *http.Request) {
	dsn := mux.Vars(r)["dsn"]
	p, ok := s.registry.Get(dsn)
	if !ok {
		http.Error(w, "endpoint not found", http.StatusNotFound)
		return
	}
	go p.Drain()
	w.WriteHeader(http.StatusAccepted)
}

type statusResponse struct {
	Uptime    string `json:"uptime"`
	Endpoints int    `json:"endpoints"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Uptime:    time.Since(s.startTime).String(),
		Endpoints: len(s.registry.AllStats()),
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func redact(dsn string) string {
	start := 0
	if i := strings.Index(dsn, "://"); i >= 0 {
		start = i + 3
	}
	at := strings.IndexByte(dsn[start:], '@')
	if at < 0 {
		return dsn
	}
	at += start
	colon := strings.IndexByte(dsn[start:at], ':')
	if colon < 0 {
		return dsn
	}
	colon += start
	return dsn[:colon+1] + "***REDACTED***" + dsn[at:]
}
