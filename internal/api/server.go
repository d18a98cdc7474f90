// Package api exposes the login proxy's read-only admin surface: process
// status, the effective configuration, static health/readiness probes, and
// the Prometheus metrics endpoint.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mkellermann/uologin/internal/accounting"
	"github.com/mkellermann/uologin/internal/config"
	"github.com/mkellermann/uologin/internal/metrics"
	"github.com/mkellermann/uologin/internal/servers"
)

// Server is the admin HTTP server. Unlike the Connection state machine it
// guards, every route here is read-only: there is no tenant or server-list
// CRUD, since the login proxy's server list is config-driven and reloaded
// as a whole (internal/servers.List.Reload), not edited piecemeal.
type Server struct {
	cfg       *config.Config
	srvList   *servers.List
	acct      *accounting.Map
	metrics   *metrics.Collector
	startTime time.Time

	httpServer *http.Server
	bind       string
}

// NewServer creates an admin API server bound to cfg.Listen.APIBind.
func NewServer(cfg *config.Config, srvList *servers.List, acct *accounting.Map, m *metrics.Collector) *Server {
	return &Server{
		cfg:       cfg,
		srvList:   srvList,
		acct:      acct,
		metrics:   m,
		startTime: time.Now(),
	}
}

// Start binds the admin HTTP server and begins serving in the background.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	r.HandleFunc("/config", s.configHandler).Methods(http.MethodGet)
	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", s.cfg.Listen.APIBind, port)
	s.bind = addr
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", addr, err)
	}

	log.Printf("[api] admin API listening on %s", addr)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the admin API server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"game_servers":   s.srvList.Len(),
		"listen_port":    s.cfg.Listen.Port,
		"knock_port":     s.cfg.Knock.Port,
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Redacted())
}

// healthHandler and readyHandler are deliberately static: the proxy never
// probes the upstream game servers out of band (it only dials them per
// inbound login), so there is nothing further to check beyond the process
// being alive and the listeners having started, which is implicit in this
// handler running.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
