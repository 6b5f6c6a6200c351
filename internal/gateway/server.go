// Package gateway is the websocket front door for the chat surface. Each
// connection gets its own chat session controller; inbound frames are
// dispatched to controller operations and every recomputed room view is
// pushed back down the socket.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"

	"github.com/huddle/chat-app/internal/controller"
	"github.com/huddle/chat-app/internal/metrics"
	"github.com/huddle/chat-app/internal/transport"
)

// Config holds tunable parameters for the gateway.
type Config struct {
	ListenAddr   string        // address to listen on, e.g. ":8080"
	HistoryLimit int           // max historical messages loaded per room join
	WriteTimeout time.Duration // timeout for websocket write operations
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":8080",
		HistoryLimit: 200,
		WriteTimeout: 10 * time.Second,
	}
}

// Server upgrades HTTP connections to websockets and runs one connection
// handler goroutine each. Unlike a fan-out hub, every connection owns a
// full controller, so room state is never shared across clients.
type Server struct {
	config     Config
	store      controller.MessageStore
	transport  transport.Transport
	httpServer *http.Server
	conns      atomic.Int64
	startedAt  time.Time
}

// NewServer creates a gateway over the given store and transport.
func NewServer(config Config, st controller.MessageStore, tr transport.Transport) *Server {
	return &Server{
		config:    config,
		store:     st,
		transport: tr,
	}
}

// Start begins accepting websocket connections and blocks until the HTTP
// server stops.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	log.Printf("gateway: listening on %s (history_limit=%d)", s.config.ListenAddr, s.config.HistoryLimit)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: http server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleUpgrade validates the username and hands the socket to a dedicated
// connection goroutine.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		http.Error(w, "missing username", http.StatusBadRequest)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("gateway: upgrade failed: %v", err)
		return
	}

	s.conns.Add(1)
	log.Printf("gateway: new connection user=%s (total=%d)", username, s.conns.Load())

	c := &clientConn{
		server:   s,
		raw:      conn,
		username: username,
		done:     make(chan struct{}),
	}
	go c.serve()
}

// handleHealth responds with the gateway's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int64  `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Load(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}
