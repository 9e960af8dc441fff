// Package gateway is the WebSocket gateway: per-connection protocol state,
// backpressure-guarded sends, presence fan-out, and the RPC method surface.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/superkanban/internal/bus"
	"github.com/nextlevelbuilder/superkanban/internal/config"
	"github.com/nextlevelbuilder/superkanban/pkg/protocol"
)

// AgentDispatcher forwards accepted "agent" RPCs into the session runtime.
type AgentDispatcher interface {
	Dispatch(ctx context.Context, params protocol.AgentParams) error
}

// SessionDirectory answers sessions.list / sessions.resolve RPCs.
type SessionDirectory interface {
	ListSessions(ctx context.Context) ([]SessionInfo, error)
	ResolveSessionKey(ctx context.Context, sessionKey string) (*SessionInfo, bool, error)
}

// SessionInfo is one row of the sessions RPC surface.
type SessionInfo struct {
	SessionKey string `json:"sessionKey"`
	AgentID    string `json:"agentId,omitempty"`
	Label      string `json:"label,omitempty"`
	State      string `json:"state,omitempty"`
}

// Server accepts WebSocket connections and runs the gateway protocol.
type Server struct {
	cfg      *config.Config
	eventPub bus.EventPublisher
	router   *MethodRouter

	agents   AgentDispatcher
	sessions SessionDirectory

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter
	presence    *PresenceTracker
	readiness   *Readiness

	clients map[string]*Client
	mu      sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway server.
func NewServer(cfg *config.Config, eventPub bus.EventPublisher) *Server {
	s := &Server{
		cfg:       cfg,
		eventPub:  eventPub,
		clients:   make(map[string]*Client),
		presence:  NewPresenceTracker(),
		readiness: NewReadiness(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.rateLimiter = NewRateLimiter(cfg.Gateway.RateLimitRPM, 5)
	s.router = NewMethodRouter(s)
	return s
}

// SetAgentDispatcher wires the runtime receiving agent RPCs.
func (s *Server) SetAgentDispatcher(d AgentDispatcher) { s.agents = d }

// SetSessionDirectory wires the sessions RPC backend.
func (s *Server) SetSessionDirectory(d SessionDirectory) { s.sessions = d }

// Readiness exposes the server's readiness state.
func (s *Server) Readiness() *Readiness { return s.readiness }

// checkOrigin validates the Origin header against the configured whitelist.
// No configuration, or an absent header (CLI and SDK clients), allows all.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("origin rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start begins listening and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.readiness.Advance(PhaseError)
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.readiness.Advance(PhaseListening)
	slog.Info("gateway listening", "addr", ln.Addr().String())
	s.readiness.Advance(PhaseReady)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s, r.Header)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.readiness.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if snap.Phase == PhaseError {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	fmt.Fprintf(w, `{"status":%q,"protocol":%d}`, snap.Phase, protocol.ProtocolVersion)
}

// Router returns the method router for registering additional handlers.
func (s *Server) Router() *MethodRouter { return s.router }

// RateLimiter returns the server's rate limiter for method handlers.
func (s *Server) RateLimiter() *RateLimiter { return s.rateLimiter }

// BroadcastEvent sends an event to all connected clients.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(event)
	}
}

// broadcastPresence bumps the presence version and fans the snapshot out.
func (s *Server) broadcastPresence() {
	snapshot := s.presence.Snapshot()
	s.BroadcastEvent(*protocol.NewEvent(protocol.EventPresence, snapshot))
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.eventPub.Subscribe(c.id, func(event bus.Event) {
		if !c.allowsEvent(event.Name) {
			return
		}
		c.SendEvent(*protocol.NewEvent(event.Name, event.Payload))
	})
	slog.Info("client connected", "connId", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	s.eventPub.Unsubscribe(c.id)
	s.presence.Remove(c.id)
	s.broadcastPresence()
}

// StartTestServer listens on a random localhost port and returns the address
// plus a start function. Integration tests only.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}
	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}
	return addr, start
}
