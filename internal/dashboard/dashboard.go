// Package dashboard implements the connector's optional admin HTTP
// surface (SPEC_FULL.md "Admin / observability surface"): liveness,
// JSON stats, Prometheus exposition, and a pushed live-stats WebSocket
// feed. It is additive tooling, not on the client data path, which stays
// raw newline-delimited JSON over TCP as spec.md mandates.
//
// Grounded on the teacher's internal/server.go HTTP wiring
// (setupHTTPServer/handleHealth/handleStats), generalized from its
// WebSocket-hub stats to the connector's registry/sender counters, and
// on pkg/websocket/client.go's upgrader for the one place this repo
// still upgrades a raw HTTP connection to a WebSocket.
package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stratumd/connectord/internal/metrics"
	"github.com/stratumd/connectord/internal/registry"
	"github.com/stratumd/connectord/internal/sender"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the admin HTTP surface.
type Server struct {
	http *http.Server

	reg     *registry.Registry
	snd     *sender.Sender
	metrics *metrics.Metrics
	proc    *metrics.ProcessStats

	updateInterval time.Duration
	logger         *log.Logger
}

// New builds an admin server listening on addr. updateInterval governs
// the /admin/ws/stats push period (spec.md §6's stats shape, pushed
// every updateInterval instead of polled).
func New(addr string, reg *registry.Registry, snd *sender.Sender, m *metrics.Metrics, proc *metrics.ProcessStats, updateInterval time.Duration, logger *log.Logger) *Server {
	if updateInterval <= 0 {
		updateInterval = 2 * time.Second
	}

	s := &Server{
		reg:            reg,
		snd:            snd,
		metrics:        m,
		proc:           proc,
		updateInterval: updateInterval,
		logger:         logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/admin/ws/stats", s.handleWSStats)

	s.http = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Start begins serving in a background goroutine and returns at once,
// before the listener is bound; a bind or serve error is logged, not
// returned. This follows the teacher's pattern of logging the address
// and running ListenAndServe in a goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Printf("dashboard: listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("dashboard: server error: %v", err)
		}
	}()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// statsPayload mirrors spec.md §6's stats shape with a gopsutil-backed
// system block appended (SPEC_FULL.md "Admin / observability surface").
type statsPayload struct {
	Clients registry.CounterBlock `json:"clients"`
	Dead    registry.CounterBlock `json:"dead"`
	Sends   sendsBlock            `json:"sends"`
	Delays  delaysBlock           `json:"delays"`
	System  metrics.Snapshot      `json:"system"`
	Uptime  float64               `json:"uptimeSeconds"`
}

type sendsBlock struct {
	Count     int64 `json:"count"`
	Memory    int64 `json:"memory"`
	Generated int64 `json:"generated"`
}

type delaysBlock struct {
	Count int64 `json:"count"`
}

func (s *Server) snapshot() statsPayload {
	clients, dead := s.reg.Stats()
	queued, size, delays, sent := s.snd.Stats()

	sys := metrics.Snapshot{}
	if s.proc != nil {
		s.proc.Update()
		sys = s.proc.Snapshot()
	}

	return statsPayload{
		Clients: clients,
		Dead:    dead,
		Sends:   sendsBlock{Count: queued, Memory: size, Generated: sent},
		Delays:  delaysBlock{Count: delays},
		System:  sys,
		Uptime:  s.metrics.Uptime().Seconds(),
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.snapshot())
}

// handleWSStats upgrades to a WebSocket and pushes the stats snapshot
// every updateInterval until the client disconnects (SPEC_FULL.md
// "Admin / observability surface"). This is the repo's only
// gorilla/websocket consumer; it never touches the client wire path.
func (s *Server) handleWSStats(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("dashboard: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(s.updateInterval)
	defer ticker.Stop()

	for range ticker.C {
		if err := conn.WriteJSON(s.snapshot()); err != nil {
			s.logger.Printf("dashboard: websocket write failed, closing: %v", err)
			return
		}
	}
}
