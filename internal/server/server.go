// Package server wires the WebSocket upgrade endpoint, the metrics
// exposition endpoint, and a liveness endpoint into one HTTP server
// (spec §4, §6).
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taigaio/events-gateway/internal/auth"
	"github.com/taigaio/events-gateway/internal/broker"
	"github.com/taigaio/events-gateway/internal/buildinfo"
	"github.com/taigaio/events-gateway/internal/connection"
	"github.com/taigaio/events-gateway/internal/membership"
	"github.com/taigaio/events-gateway/internal/metrics"
	"github.com/taigaio/events-gateway/internal/socket"
)

// upgrader accepts WebSocket upgrades from any origin: the gateway
// authenticates over the established connection (spec §4.D's auth
// command), not at the HTTP handshake, so it has no origin policy of
// its own to enforce here.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server accepts WebSocket connections on /events and, depending on
// config, exposes /metrics and /healthz alongside it on the same
// address.
type Server struct {
	address    string
	port       int
	verifier   *auth.Verifier
	broker     broker.Broker
	membership connection.MembershipChecker
	logger     *slog.Logger

	metricsEnabled bool

	server *http.Server
}

// New builds a Server. membership may be nil, disabling the
// project-membership check entirely (spec §9).
func New(address string, port int, verifier *auth.Verifier, b broker.Broker, m *membership.Checker, metricsEnabled bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	var checker connection.MembershipChecker
	if m != nil {
		checker = m
	}
	return &Server{
		address:        address,
		port:           port,
		verifier:       verifier,
		broker:         b,
		membership:     checker,
		metricsEnabled: metricsEnabled,
		logger:         logger,
	}
}

// Start begins serving HTTP requests. It blocks until the server
// stops, returning http.ErrServerClosed on a clean Shutdown.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	if s.metricsEnabled {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting events-gateway server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting for in-flight plain
// HTTP requests to finish (or ctx to expire). WebSocket connections on
// /events are hijacked, so net/http's Shutdown neither waits for nor
// closes them, and Server keeps no handle to their connection.Handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime":%q}`, buildinfo.Uptime().String())
}

// handleEvents upgrades the HTTP connection to a WebSocket and runs a
// connection.Handler on it until the peer disconnects. Every connection
// shares the one broker.Broker passed to New; no adapter instance is
// created per connection. Each Subscribe call on it opens its own
// broker-side consumer.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("server: websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	sock := socket.New(conn)
	h := connection.New(r.Context(), sock, s.verifier, s.broker, s.membership, s.logger)

	s.logger.Info("server: connection accepted", "remote_addr", sock.RemoteAddr())
	h.Run()
	s.logger.Info("server: connection closed", "remote_addr", sock.RemoteAddr())
}
