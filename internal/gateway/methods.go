package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nextlevelbuilder/superkanban/pkg/protocol"
)

// RPC error codes.
const (
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeBadRequest   = "bad_request"
	ErrCodeRateLimited  = "rate_limited"
	ErrCodeUnavailable  = "unavailable"
	ErrCodeInternal     = "internal"
)

const seenIdempotencyKeys = 1024

// MethodHandler serves one RPC method.
type MethodHandler func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorDetail)

// MethodRouter dispatches request frames to handlers.
type MethodRouter struct {
	srv      *Server
	handlers map[string]MethodHandler
	seenKeys *lru.Cache[string, struct{}]
}

// NewMethodRouter registers the built-in method surface.
func NewMethodRouter(s *Server) *MethodRouter {
	seen, _ := lru.New[string, struct{}](seenIdempotencyKeys)
	r := &MethodRouter{srv: s, handlers: make(map[string]MethodHandler), seenKeys: seen}

	r.Register(protocol.MethodConnect, r.handleConnect)
	r.Register(protocol.MethodPing, r.handlePing)
	r.Register(protocol.MethodHealth, r.handleHealth)
	r.Register(protocol.MethodStatus, r.handleStatus)
	r.Register(protocol.MethodAgent, r.handleAgent)
	r.Register(protocol.MethodAgentWait, r.handleAgent)
	r.Register(protocol.MethodPresenceGet, r.handlePresenceGet)
	r.Register(protocol.MethodPresenceSet, r.handlePresenceSet)
	r.Register(protocol.MethodSessionsList, r.handleSessionsList)
	r.Register(protocol.MethodSessionsResolve, r.handleSessionsResolve)
	r.Register(protocol.MethodSubscribe, r.handleSubscribe)
	r.Register(protocol.MethodUnsubscribe, r.handleUnsubscribe)
	return r
}

// Register adds or replaces a method handler.
func (r *MethodRouter) Register(method string, h MethodHandler) {
	r.handlers[method] = h
}

// Dispatch runs the handler for a request and sends the response frame.
// Everything except connect requires a completed handshake.
func (r *MethodRouter) Dispatch(ctx context.Context, c *Client, req *protocol.RequestFrame) {
	h, ok := r.handlers[req.Method]
	if !ok {
		c.SendResponse(protocol.Fail(req.ID, ErrCodeBadRequest, "unknown method "+req.Method))
		return
	}
	if req.Method != protocol.MethodConnect && !c.connected() {
		c.SendResponse(protocol.Fail(req.ID, ErrCodeUnauthorized, "connect first"))
		return
	}
	if !r.srv.rateLimiter.Allow() {
		c.SendResponse(protocol.Fail(req.ID, ErrCodeRateLimited, "rate limit exceeded"))
		return
	}

	result, errDetail := h(ctx, c, req.Params)
	if errDetail != nil {
		c.SendResponse(&protocol.ResponseFrame{ID: req.ID, Error: errDetail})
		return
	}
	c.SendResponse(protocol.OK(req.ID, result))
}

type connectParams struct {
	Version int    `json:"version"`
	Token   string `json:"token"`
	Role    string `json:"role,omitempty"`
}

func (r *MethodRouter) handleConnect(_ context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorDetail) {
	var p connectParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &protocol.ErrorDetail{Code: ErrCodeBadRequest, Message: "malformed connect params"}
		}
	}
	if token := r.srv.cfg.Gateway.Token; token != "" && p.Token != token {
		slog.Warn("connect rejected", "connId", c.id)
		return nil, &protocol.ErrorDetail{Code: ErrCodeUnauthorized, Message: "invalid token"}
	}

	c.markConnected(p.Role)
	r.srv.presence.Set(c.id, p.Role, "online")
	r.srv.broadcastPresence()

	return map[string]interface{}{
		"connId":   c.id,
		"protocol": protocol.ProtocolVersion,
	}, nil
}

func (r *MethodRouter) handlePing(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.ErrorDetail) {
	return map[string]int64{"ts": time.Now().UnixMilli()}, nil
}

func (r *MethodRouter) handleHealth(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.ErrorDetail) {
	return r.srv.readiness.Snapshot(), nil
}

func (r *MethodRouter) handleStatus(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.ErrorDetail) {
	r.srv.mu.RLock()
	clients := len(r.srv.clients)
	r.srv.mu.RUnlock()
	presence, health := r.srv.presence.Versions()
	return map[string]interface{}{
		"clients":         clients,
		"presenceVersion": presence,
		"healthVersion":   health,
		"readiness":       r.srv.readiness.Snapshot().Phase,
	}, nil
}

func (r *MethodRouter) handleAgent(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorDetail) {
	if r.srv.agents == nil {
		return nil, &protocol.ErrorDetail{Code: ErrCodeUnavailable, Message: "no agent runtime attached"}
	}
	var p protocol.AgentParams
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
		return nil, &protocol.ErrorDetail{Code: ErrCodeBadRequest, Message: "agent params require sessionKey"}
	}

	// Replayed idempotency keys are acknowledged without re-dispatch.
	if p.IdempotencyKey != "" {
		if _, dup := r.seenKeys.Get(p.IdempotencyKey); dup {
			return map[string]interface{}{"accepted": true, "duplicate": true}, nil
		}
		r.seenKeys.Add(p.IdempotencyKey, struct{}{})
	}

	if err := r.srv.agents.Dispatch(ctx, p); err != nil {
		slog.Error("agent dispatch failed", "sessionKey", p.SessionKey, "lane", p.Lane, "error", err)
		return nil, &protocol.ErrorDetail{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]interface{}{"accepted": true}, nil
}

func (r *MethodRouter) handlePresenceGet(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.ErrorDetail) {
	return r.srv.presence.Snapshot(), nil
}

type presenceSetParams struct {
	Status string `json:"status"`
}

func (r *MethodRouter) handlePresenceSet(_ context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorDetail) {
	var p presenceSetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &protocol.ErrorDetail{Code: ErrCodeBadRequest, Message: "malformed presence params"}
	}
	c.mu.Lock()
	role := c.role
	c.mu.Unlock()
	r.srv.presence.Set(c.id, role, p.Status)
	r.srv.broadcastPresence()
	return map[string]bool{"ok": true}, nil
}

func (r *MethodRouter) handleSessionsList(ctx context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.ErrorDetail) {
	if r.srv.sessions == nil {
		return []SessionInfo{}, nil
	}
	list, err := r.srv.sessions.ListSessions(ctx)
	if err != nil {
		return nil, &protocol.ErrorDetail{Code: ErrCodeInternal, Message: err.Error()}
	}
	return list, nil
}

type sessionsResolveParams struct {
	SessionKey string `json:"sessionKey"`
}

func (r *MethodRouter) handleSessionsResolve(ctx context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorDetail) {
	var p sessionsResolveParams
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
		return nil, &protocol.ErrorDetail{Code: ErrCodeBadRequest, Message: "sessionKey required"}
	}
	if r.srv.sessions == nil {
		return nil, &protocol.ErrorDetail{Code: ErrCodeUnavailable, Message: "no session directory attached"}
	}
	info, found, err := r.srv.sessions.ResolveSessionKey(ctx, p.SessionKey)
	if err != nil {
		return nil, &protocol.ErrorDetail{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]interface{}{"found": found, "session": info}, nil
}

type subscribeParams struct {
	Events []string `json:"events"`
}

func (r *MethodRouter) handleSubscribe(_ context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorDetail) {
	var p subscribeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &protocol.ErrorDetail{Code: ErrCodeBadRequest, Message: "malformed subscribe params"}
	}
	c.subscribe(p.Events)
	return map[string]bool{"ok": true}, nil
}

func (r *MethodRouter) handleUnsubscribe(_ context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorDetail) {
	var p subscribeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &protocol.ErrorDetail{Code: ErrCodeBadRequest, Message: "malformed unsubscribe params"}
	}
	c.unsubscribe(p.Events)
	return map[string]bool{"ok": true}, nil
}
