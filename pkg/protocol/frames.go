// Package protocol defines the gateway WebSocket wire format.
//
// Two frame shapes travel on a socket:
//
//	Event:    { "type": "event", "event": <name>, "payload": <any> }
//	RPC:      { "id": <string>, "method": <name>, "params": <any> }
//	RPC ack:  { "id": <string>, "result": <any> } or { "id": ..., "error": {...} }
//
// connect.challenge is always the first event sent on a new socket.
package protocol

import "encoding/json"

// ProtocolVersion is bumped on breaking wire changes.
const ProtocolVersion = 3

// EventFrame is a server-to-client push.
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewEvent builds an EventFrame with type pre-set.
func NewEvent(event string, payload interface{}) *EventFrame {
	return &EventFrame{Type: "event", Event: event, Payload: payload}
}

// RequestFrame is a client-to-server RPC call.
type RequestFrame struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame acknowledges a RequestFrame by id.
type ResponseFrame struct {
	ID     string       `json:"id"`
	Result interface{}  `json:"result,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail carries a machine-readable error code plus a human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OK builds a success response for a request id.
func OK(id string, result interface{}) *ResponseFrame {
	return &ResponseFrame{ID: id, Result: result}
}

// Fail builds an error response for a request id.
func Fail(id, code, message string) *ResponseFrame {
	return &ResponseFrame{ID: id, Error: &ErrorDetail{Code: code, Message: message}}
}

// ChallengePayload is the payload of the connect.challenge event.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// AgentParams are the params of the "agent" RPC used for parent wake-up.
type AgentParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	Deliver        any    `json:"deliver"` // false, or {"channel":"last"}
	Lane           string `json:"lane,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}
