// Package monitor exposes the running node over HTTP: health, connected
// peers, server status and a WebSocket stream of lifecycle events.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"classlink/internal/dispatch"
	"classlink/internal/logging"
	"classlink/internal/server"
	"classlink/pkg/types"
)

// Node is the part of the student server the monitor reports on.
type Node interface {
	State() server.State
	Addr() net.Addr
	LastError() error
	ConnectedPeers() []server.PeerInfo
	Broadcast(env *types.Envelope) int
}

// HealthChecker reports whether the backing store is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// EventSource feeds /ws/events.
type EventSource interface {
	Subscribe(buffer int) (<-chan dispatch.Event, func(), error)
}

// Server serves the monitoring API. It only translates between HTTP and
// the components it is given.
type Server struct {
	node    Node
	health  HealthChecker
	events  EventSource
	logger  logging.Logger
	started time.Time
	router  *http.ServeMux
}

// NewServer wires routes. health and events may be nil; the matching
// checks and endpoints then report as unavailable.
func NewServer(node Node, health HealthChecker, events EventSource, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		node:    node,
		health:  health,
		events:  events,
		logger:  logger,
		started: time.Now(),
		router:  http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	s.router.Handle("/api/peers", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handlePeers))))
	s.router.Handle("/api/status", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleStatus))))
	s.router.Handle("/api/broadcast", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleBroadcast))))
	s.router.HandleFunc("/ws/events", s.handleEvents)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	Uptime      string         `json:"uptime"`
}

type PeersResponse struct {
	Peers []PeerView `json:"peers"`
	Count int        `json:"count"`
}

type PeerView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

type StatusResponse struct {
	State     string `json:"state"`
	Address   string `json:"address"`
	LastError string `json:"last_error,omitempty"`
	PeerCount int    `json:"peer_count"`
}

type BroadcastResponse struct {
	Type      string `json:"type"`
	Delivered int    `json:"delivered"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// healthCheck answers 503 when the store cannot be reached.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	switch {
	case s.health == nil:
		dbStatus = "not_configured"
	default:
		if err := s.health.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = fmt.Sprintf("error: %v", err)
		}
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Database:  dbStatus,
		Connections: map[string]int{
			"total_peers": len(s.node.ConnectedPeers()),
		},
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	peers := s.node.ConnectedPeers()
	views := make([]PeerView, 0, len(peers))
	for _, p := range peers {
		views = append(views, PeerView{
			ID:          p.ID,
			Name:        p.Name,
			RemoteAddr:  p.RemoteAddr,
			ConnectedAt: p.ConnectedAt,
		})
	}
	json.NewEncoder(w).Encode(PeersResponse{Peers: views, Count: len(views)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := StatusResponse{
		State:     s.node.State().String(),
		PeerCount: len(s.node.ConnectedPeers()),
	}
	if addr := s.node.Addr(); addr != nil {
		response.Address = addr.String()
	}
	if err := s.node.LastError(); err != nil {
		response.LastError = err.Error()
	}
	json.NewEncoder(w).Encode(response)
}

// handleBroadcast takes a flat envelope object and sends it to every
// registered peer.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	env, err := types.FromFields(fields)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if env.Type == "" {
		s.sendError(w, "Message type is required", http.StatusBadRequest)
		return
	}
	if !env.Known() {
		s.sendError(w, fmt.Sprintf("Unknown message type %q", env.Type), http.StatusBadRequest)
		return
	}
	if env.Timestamp == "" {
		env.Timestamp = types.Now()
	}

	delivered := s.node.Broadcast(env)
	s.logger.Info("broadcast from monitor", "type", env.Type, "delivered", delivered)
	json.NewEncoder(w).Encode(BroadcastResponse{Type: env.Type, Delivered: delivered})
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Listen serves the API on addr until ctx is cancelled or Shutdown is
// called. It returns once the listener is bound.
func (s *Server) Listen(ctx context.Context, addr string) (*http.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("monitor listen on %s: %w", addr, err)
	}

	httpServer := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("monitor server stopped", "error", err)
		}
	}()
	s.logger.Info("monitor listening", "addr", ln.Addr().String())
	return httpServer, ln.Addr(), nil
}
