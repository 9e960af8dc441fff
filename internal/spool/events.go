package spool

import (
	"encoding/json"

	"github.com/nextlevelbuilder/superkanban/internal/skclient"
)

// Event kinds.
const (
	KindMessage  = "message"
	KindToolCall = "toolCall"
)

// Event is one spooled line: a tagged, fully-built server-bound payload.
// Payloads are complete at enqueue time so the sender never needs transcript
// context to replay them.
type Event struct {
	Kind     string                          `json:"kind"`
	Message  *skclient.RecordMessageRequest  `json:"message,omitempty"`
	ToolCall *skclient.RecordToolCallRequest `json:"toolCall,omitempty"`
}

// sessionKey returns the payload's session key regardless of kind.
func (e *Event) sessionKey() string {
	switch {
	case e.Message != nil:
		return e.Message.SessionKey
	case e.ToolCall != nil:
		return e.ToolCall.SessionKey
	}
	return ""
}

// entity returns the payload's entity binding.
func (e *Event) entity() (entityType, entityExternalID string) {
	switch {
	case e.Message != nil:
		return e.Message.EntityType, e.Message.EntityExternalID
	case e.ToolCall != nil:
		return e.ToolCall.EntityType, e.ToolCall.EntityExternalID
	}
	return "", ""
}

// encodeEvent renders one spool line (no trailing newline).
func encodeEvent(e *Event) ([]byte, error) {
	return json.Marshal(e)
}

// decodeEvent parses one spool line. A malformed line returns nil and the
// caller skips it (offset advances, no retry).
func decodeEvent(line []byte) *Event {
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return nil
	}
	switch e.Kind {
	case KindMessage:
		if e.Message == nil {
			return nil
		}
	case KindToolCall:
		if e.ToolCall == nil {
			return nil
		}
	default:
		return nil
	}
	return &e
}
