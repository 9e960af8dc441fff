package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/superkanban/internal/bus"
	"github.com/nextlevelbuilder/superkanban/internal/config"
	"github.com/nextlevelbuilder/superkanban/pkg/protocol"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Gateway.Token = "secret"
	cfg.Gateway.HandshakeTimeoutMs = 2000
	return cfg
}

// wsPair upgrades one connection through httptest and returns both ends.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { clientConn.Close() })

	select {
	case serverConn := <-conns:
		return serverConn, clientConn
	case <-time.After(2 * time.Second):
		t.Fatal("no server connection")
		return nil, nil
	}
}

func startClient(t *testing.T, cfg *config.Config) (*Server, *Client, *websocket.Conn) {
	t.Helper()
	srv := NewServer(cfg, bus.NewMessageBus())
	serverConn, clientConn := wsPair(t)
	c := NewClient(serverConn, srv, http.Header{})
	go c.Run(context.Background())
	return srv, c, clientConn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("frame: %v", err)
	}
	return frame
}

func rpc(t *testing.T, conn *websocket.Conn, id, method string, params interface{}) map[string]json.RawMessage {
	t.Helper()
	raw, _ := json.Marshal(params)
	if err := conn.WriteJSON(&protocol.RequestFrame{ID: id, Method: method, Params: raw}); err != nil {
		t.Fatal(err)
	}
	for {
		frame := readFrame(t, conn)
		var gotID string
		json.Unmarshal(frame["id"], &gotID)
		if gotID == id {
			return frame
		}
	}
}

func TestChallengeIsFirstFrame(t *testing.T) {
	_, _, conn := startClient(t, testConfig())

	frame := readFrame(t, conn)
	var event string
	json.Unmarshal(frame["event"], &event)
	if event != protocol.EventConnectChallenge {
		t.Fatalf("first frame event = %q", event)
	}
	var payload protocol.ChallengePayload
	json.Unmarshal(frame["payload"], &payload)
	if payload.Nonce == "" || payload.TS == 0 {
		t.Errorf("challenge payload = %+v", payload)
	}
}

func TestConnectThenPing(t *testing.T) {
	_, _, conn := startClient(t, testConfig())
	readFrame(t, conn) // challenge

	resp := rpc(t, conn, "1", protocol.MethodConnect, map[string]interface{}{
		"version": protocol.ProtocolVersion, "token": "secret",
	})
	var result struct {
		ConnID   string `json:"connId"`
		Protocol int    `json:"protocol"`
	}
	json.Unmarshal(resp["result"], &result)
	if result.ConnID == "" || result.Protocol != protocol.ProtocolVersion {
		t.Errorf("connect result = %+v", result)
	}

	pong := rpc(t, conn, "2", protocol.MethodPing, nil)
	if pong["result"] == nil {
		t.Errorf("ping response = %v", pong)
	}
}

func TestRPCBeforeConnectIsRejected(t *testing.T) {
	_, _, conn := startClient(t, testConfig())
	readFrame(t, conn)

	resp := rpc(t, conn, "1", protocol.MethodPing, nil)
	var errDetail protocol.ErrorDetail
	json.Unmarshal(resp["error"], &errDetail)
	if errDetail.Code != ErrCodeUnauthorized {
		t.Errorf("error = %+v", errDetail)
	}
}

func TestConnectBadTokenRejected(t *testing.T) {
	_, _, conn := startClient(t, testConfig())
	readFrame(t, conn)

	resp := rpc(t, conn, "1", protocol.MethodConnect, map[string]string{"token": "wrong"})
	var errDetail protocol.ErrorDetail
	json.Unmarshal(resp["error"], &errDetail)
	if errDetail.Code != ErrCodeUnauthorized {
		t.Errorf("error = %+v", errDetail)
	}
}

func TestHandshakeTimeoutCloses(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.HandshakeTimeoutMs = 50
	_, c, conn := startClient(t, cfg)
	readFrame(t, conn) // challenge

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				t.Errorf("close error = %v, want 1008", err)
			}
			break
		}
	}
	cause, _ := c.CloseState()
	if cause != protocol.CloseCauseHandshakeTimeout {
		t.Errorf("closeCause = %q", cause)
	}
}

func TestBackpressurePreStringifyClosesWithoutSerializing(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.MaxBufferedBytes = 100
	_, c, _ := startClient(t, cfg)

	c.mu.Lock()
	c.bufferedBytes = 101
	c.mu.Unlock()

	// A payload that cannot be serialized: if the guard serialized first the
	// close cause would never be recorded.
	c.guardedSend(map[string]interface{}{"bad": make(chan int)})

	cause, meta := c.CloseState()
	if cause != protocol.CloseCauseBackpressure {
		t.Fatalf("closeCause = %q", cause)
	}
	if meta["phase"] != "pre-stringify" {
		t.Errorf("phase = %v", meta["phase"])
	}
	if meta["bufferedAmount"] != 101 || meta["maxBufferedBytes"] != 100 {
		t.Errorf("meta = %+v", meta)
	}
}

func TestBackpressurePreSendRecordsFrameBytes(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.MaxBufferedBytes = 32
	_, c, _ := startClient(t, cfg)

	c.SendEvent(*protocol.NewEvent("tick", strings.Repeat("x", 64)))

	cause, meta := c.CloseState()
	if cause != protocol.CloseCauseBackpressure {
		t.Fatalf("closeCause = %q", cause)
	}
	if meta["phase"] != "pre-send" {
		t.Errorf("phase = %v", meta["phase"])
	}
	if fb, ok := meta["frameBytes"].(int); !ok || fb <= 32 {
		t.Errorf("frameBytes = %v", meta["frameBytes"])
	}
}

func TestSendAfterBackpressureCloseIsDropped(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.MaxBufferedBytes = 100
	_, c, _ := startClient(t, cfg)

	c.mu.Lock()
	c.bufferedBytes = 101
	c.mu.Unlock()
	c.SendEvent(*protocol.NewEvent("tick", nil))

	// Must not panic or block once closed.
	c.SendEvent(*protocol.NewEvent("tick", nil))
}

type recordingDispatcher struct {
	calls []protocol.AgentParams
}

func (d *recordingDispatcher) Dispatch(_ context.Context, p protocol.AgentParams) error {
	d.calls = append(d.calls, p)
	return nil
}

func TestAgentRPCDedupedByIdempotencyKey(t *testing.T) {
	srv, _, conn := startClient(t, testConfig())
	dispatcher := &recordingDispatcher{}
	srv.SetAgentDispatcher(dispatcher)

	readFrame(t, conn)
	rpc(t, conn, "1", protocol.MethodConnect, map[string]string{"token": "secret"})

	params := protocol.AgentParams{
		SessionKey: "agent:parent", Message: "wake", Deliver: false,
		Lane: "sk-sync-wake", IdempotencyKey: "idem-1",
	}
	first := rpc(t, conn, "2", protocol.MethodAgent, params)
	second := rpc(t, conn, "3", protocol.MethodAgent, params)

	if len(dispatcher.calls) != 1 {
		t.Fatalf("dispatch calls = %d, want 1", len(dispatcher.calls))
	}
	var r1, r2 map[string]bool
	json.Unmarshal(first["result"], &r1)
	json.Unmarshal(second["result"], &r2)
	if !r1["accepted"] || r1["duplicate"] {
		t.Errorf("first = %v", r1)
	}
	if !r2["accepted"] || !r2["duplicate"] {
		t.Errorf("second = %v", r2)
	}
}

func TestLastFrameTrackedForCloseLog(t *testing.T) {
	_, c, conn := startClient(t, testConfig())
	readFrame(t, conn)
	rpc(t, conn, "42", protocol.MethodConnect, map[string]string{"token": "secret"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		last := c.lastFrame
		c.mu.Unlock()
		if last.ID == "42" {
			if last.Method != protocol.MethodConnect || last.Type != "request" {
				t.Errorf("lastFrame = %+v", last)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("lastFrame never recorded")
}
