// Package transcript converts agent transcript lines into normalized message
// and tool-call records, and resolves per-session file context and bindings.
package transcript

import "time"

// Message roles after normalization.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Tool-call statuses.
const (
	ToolCallStarted   = "STARTED"
	ToolCallSucceeded = "SUCCEEDED"
	ToolCallFailed    = "FAILED"
)

// MessageRecord is one exported chat message.
type MessageRecord struct {
	SessionID string
	AgentID   string
	TopicID   string
	MessageID string
	Timestamp *time.Time
	Role      string
	Text      string
}

// ToolCallRecord is one exported tool-call state change.
type ToolCallRecord struct {
	SessionID  string
	AgentID    string
	TopicID    string
	MessageID  string
	ToolCallID string
	ToolName   string
	Status     string
	Timestamp  *time.Time
	ParamsText string
	ResultText string
	ErrorText  string
}

// Parsed is the outcome of parsing a single transcript line: whether the
// session saw activity worth attaching for, plus the extracted records.
type Parsed struct {
	Attach    bool
	Messages  []MessageRecord
	ToolCalls []ToolCallRecord
}

// Binding ties an executing session to a Super-Kanban entity.
type Binding struct {
	SessionKey       string
	Label            string
	EntityType       string
	EntityExternalID string
}
