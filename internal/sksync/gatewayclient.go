package sksync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/superkanban/pkg/protocol"
)

// gatewayReadLimit caps inbound frame size on the RPC socket.
const gatewayReadLimit = 1 << 20

// GatewayClient dials the gateway per call and issues one RPC over the
// gateway's own WebSocket protocol. Implements AgentCaller.
type GatewayClient struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// NewGatewayClient builds a client for the gateway at url.
func NewGatewayClient(url, token string) *GatewayClient {
	return &GatewayClient{URL: url, Token: token, Timeout: 15 * time.Second}
}

// CallAgent performs the connect handshake and one "agent" RPC.
func (g *GatewayClient) CallAgent(ctx context.Context, params protocol.AgentParams) error {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, g.URL, nil)
	if err != nil {
		return fmt.Errorf("gateway dial: %w", err)
	}
	conn.SetReadLimit(gatewayReadLimit)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The server always opens with connect.challenge.
	var challenge protocol.EventFrame
	if err := wsjson.Read(ctx, conn, &challenge); err != nil {
		return fmt.Errorf("gateway challenge: %w", err)
	}
	if challenge.Event != protocol.EventConnectChallenge {
		return fmt.Errorf("gateway: expected %s, got %q", protocol.EventConnectChallenge, challenge.Event)
	}

	if _, err := g.call(ctx, conn, protocol.MethodConnect, map[string]interface{}{
		"version": protocol.ProtocolVersion,
		"token":   g.Token,
	}); err != nil {
		return fmt.Errorf("gateway connect: %w", err)
	}

	if _, err := g.call(ctx, conn, protocol.MethodAgent, params); err != nil {
		return fmt.Errorf("gateway agent rpc: %w", err)
	}
	return nil
}

// call sends one request frame and waits for its response, skipping any
// interleaved event pushes.
func (g *GatewayClient) call(ctx context.Context, conn *websocket.Conn, method string, params interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	if err := wsjson.Write(ctx, conn, &protocol.RequestFrame{ID: id, Method: method, Params: raw}); err != nil {
		return nil, err
	}

	for {
		var frame struct {
			Type   string                `json:"type"`
			ID     string                `json:"id"`
			Result json.RawMessage       `json:"result"`
			Error  *protocol.ErrorDetail `json:"error"`
		}
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return nil, err
		}
		if frame.Type == "event" || frame.ID != id {
			continue
		}
		if frame.Error != nil {
			return nil, fmt.Errorf("%s: %s", frame.Error.Code, frame.Error.Message)
		}
		return frame.Result, nil
	}
}
