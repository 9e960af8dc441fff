package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/superkanban/pkg/protocol"
)

// Handshake states.
const (
	handshakePending   = "pending"
	handshakeConnected = "connected"
	handshakeFailed    = "failed"
)

const sendQueueSize = 64

// lastFrameInfo remembers the most recent inbound frame for close logging.
type lastFrameInfo struct {
	Type   string
	Method string
	ID     string
}

// Client is one WebSocket connection with its protocol scratchpad.
type Client struct {
	id   string
	conn *websocket.Conn
	srv  *Server

	send chan []byte
	done chan struct{}

	mu             sync.Mutex
	closed         bool
	handshakeState string
	closeCause     string
	closeMeta      map[string]interface{}
	lastFrame      lastFrameInfo
	bufferedBytes  int
	role           string
	connectedAt    time.Time

	// nil means all events; otherwise only the named events are forwarded.
	filters map[string]bool

	handshakeTimer *time.Timer
	headers        http.Header
}

// NewClient allocates the per-connection state. The connId is immutable.
func NewClient(conn *websocket.Conn, srv *Server, headers http.Header) *Client {
	return &Client{
		id:             uuid.NewString(),
		conn:           conn,
		srv:            srv,
		send:           make(chan []byte, sendQueueSize),
		done:           make(chan struct{}),
		handshakeState: handshakePending,
		closeMeta:      map[string]interface{}{},
		connectedAt:    time.Now(),
		headers:        headers,
	}
}

// ID returns the immutable connection id.
func (c *Client) ID() string { return c.id }

// Run drives the connection: challenge first, then the read loop.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()

	c.SendEvent(*protocol.NewEvent(protocol.EventConnectChallenge, protocol.ChallengePayload{
		Nonce: uuid.NewString(),
		TS:    time.Now().UnixMilli(),
	}))

	timeout := time.Duration(c.srv.cfg.Gateway.HandshakeTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c.handshakeTimer = time.AfterFunc(timeout, c.handshakeExpired)

	c.readLoop(ctx)
}

// handshakeExpired fires when no connect RPC arrived in time.
func (c *Client) handshakeExpired() {
	c.mu.Lock()
	if c.handshakeState != handshakePending || c.closed {
		c.mu.Unlock()
		return
	}
	c.handshakeState = handshakeFailed
	c.mu.Unlock()
	c.closeWithCause(websocket.ClosePolicyViolation, "handshake timeout",
		protocol.CloseCauseHandshakeTimeout, nil)
}

func (c *Client) readLoop(ctx context.Context) {
	defer c.finishClose()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.closeCause == "" {
				c.closeCause = protocol.CloseCauseClientGone
			}
			c.mu.Unlock()
			return
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil || req.Method == "" {
			continue
		}

		c.mu.Lock()
		c.lastFrame = lastFrameInfo{Type: "request", Method: req.Method, ID: req.ID}
		c.mu.Unlock()

		c.srv.router.Dispatch(ctx, c, &req)
	}
}

// markConnected flips the handshake state after a successful connect RPC.
func (c *Client) markConnected(role string) {
	c.mu.Lock()
	c.handshakeState = handshakeConnected
	c.role = role
	c.mu.Unlock()
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
	}
}

func (c *Client) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshakeState == handshakeConnected
}

func (c *Client) subscribe(events []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.filters == nil {
		c.filters = make(map[string]bool)
	}
	for _, e := range events {
		c.filters[e] = true
	}
}

func (c *Client) unsubscribe(events []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.filters == nil {
		return
	}
	for _, e := range events {
		delete(c.filters, e)
	}
}

// allowsEvent reports whether a bus event should be forwarded to this client.
func (c *Client) allowsEvent(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filters == nil || c.filters[name]
}

// SendEvent sends an event frame through the backpressure guard.
func (c *Client) SendEvent(event protocol.EventFrame) {
	c.guardedSend(&event)
}

// SendResponse sends an RPC response through the backpressure guard.
func (c *Client) SendResponse(resp *protocol.ResponseFrame) {
	c.guardedSend(resp)
}

// guardedSend enforces the backpressure budget around every outbound frame.
// The buffered check runs before serialization so a slow consumer costs no
// encoding work; a second check after encoding catches oversized frames.
func (c *Client) guardedSend(payload interface{}) {
	max := c.srv.cfg.Gateway.MaxBufferedBytes
	if max <= 0 {
		max = 1 << 20
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	buffered := c.bufferedBytes
	c.mu.Unlock()

	if buffered > max {
		c.closeWithCause(websocket.ClosePolicyViolation, "slow consumer",
			protocol.CloseCauseBackpressure, map[string]interface{}{
				"maxBufferedBytes": max,
				"bufferedAmount":   buffered,
				"phase":            "pre-stringify",
			})
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("frame encode failed", "connId", c.id, "error", err)
		return
	}

	if buffered+len(data) > max {
		c.closeWithCause(websocket.ClosePolicyViolation, "slow consumer",
			protocol.CloseCauseBackpressure, map[string]interface{}{
				"maxBufferedBytes": max,
				"bufferedAmount":   buffered,
				"frameBytes":       len(data),
				"phase":            "pre-send",
			})
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.bufferedBytes += len(data)
	c.mu.Unlock()

	select {
	case c.send <- data:
	case <-c.done:
	}
}

func (c *Client) writePump() {
	for {
		select {
		case data := <-c.send:
			// Send errors are swallowed; the read loop observes the
			// broken socket and finishes the close.
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("ws write failed", "connId", c.id, "error", err)
			}
			c.mu.Lock()
			c.bufferedBytes -= len(data)
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// closeWithCause records the cause and closes the socket with code/reason.
func (c *Client) closeWithCause(code int, reason, cause string, meta map[string]interface{}) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeCause = cause
	for k, v := range meta {
		c.closeMeta[k] = v
	}
	c.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	c.conn.Close()
	close(c.done)
}

// Close shuts the connection down as a server-initiated shutdown.
func (c *Client) Close() {
	c.closeWithCause(websocket.CloseNormalClosure, "shutdown",
		protocol.CloseCauseServerShutdown, nil)
}

// finishClose emits the structured close log once the read loop exits.
func (c *Client) finishClose() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.done)
		c.conn.Close()
	}
	cause := c.closeCause
	meta := c.closeMeta
	last := c.lastFrame
	duration := time.Since(c.connectedAt)
	c.mu.Unlock()

	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
	}

	attrs := []interface{}{
		"connId", c.id,
		"cause", cause,
		"durationMs", duration.Milliseconds(),
		"lastFrameType", last.Type,
		"lastFrameMethod", last.Method,
		"lastFrameId", last.ID,
		"userAgent", SanitizeHeaderValue(c.headers.Get("User-Agent")),
		"origin", SanitizeHeaderValue(c.headers.Get("Origin")),
	}
	for k, v := range meta {
		attrs = append(attrs, k, v)
	}
	slog.Info("client disconnected", attrs...)
}

// CloseState returns the recorded cause and metadata. Test hook.
func (c *Client) CloseState() (cause string, meta map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]interface{}, len(c.closeMeta))
	for k, v := range c.closeMeta {
		out[k] = v
	}
	return c.closeCause, out
}
