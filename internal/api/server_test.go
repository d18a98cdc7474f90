package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mkellermann/uologin/internal/accounting"
	"github.com/mkellermann/uologin/internal/config"
	"github.com/mkellermann/uologin/internal/metrics"
	"github.com/mkellermann/uologin/internal/servers"
)

func newTestServer() (*Server, *http.ServeMux) {
	cfg := &config.Config{
		Listen: config.ListenConfig{Port: 2593},
		Knock:  config.KnockConfig{Port: 2594},
		GameServers: []config.GameServer{
			{Name: "Atlantic", Host: "10.0.0.1", Port: 7775},
		},
	}
	srvList := servers.New(cfg.GameServers)
	acct := accounting.NewMap(0, false)
	m := metrics.New()

	s := NewServer(cfg, srvList, acct, m)

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/config", s.configHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	return s, mux
}

func TestStatusEndpoint(t *testing.T) {
	_, mux := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["game_servers"].(float64) != 1 {
		t.Errorf("expected 1 game server, got %v", body["game_servers"])
	}
	if body["listen_port"].(float64) != 2593 {
		t.Errorf("expected listen_port 2593, got %v", body["listen_port"])
	}
}

func TestConfigEndpoint(t *testing.T) {
	_, mux := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, mux := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestReadyEndpoint(t *testing.T) {
	_, mux := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}
