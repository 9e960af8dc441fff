package transcript

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// rawLine mirrors the agent runtime's transcript record shape.
type rawLine struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp json.RawMessage `json:"timestamp"`
	Message   *rawMessage     `json:"message"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`

	// Message-level tool-result aliases (some runtimes put them here
	// instead of inside a content block).
	ToolCallID  string `json:"toolCallId"`
	ToolCallID2 string `json:"tool_call_id"`
	IsError     *bool  `json:"isError"`
	IsError2    *bool  `json:"is_error"`
}

// rawBlock is one element of an array-valued content field. Alias fields are
// collapsed during decoding: different agent runtimes emit different casings.
type rawBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`

	ID          string `json:"id"`
	ToolCallID  string `json:"toolCallId"`
	ToolCallID2 string `json:"tool_call_id"`

	Name     string `json:"name"`
	ToolName string `json:"toolName"`

	Arguments json.RawMessage `json:"arguments"`
	Args      json.RawMessage `json:"args"`
	Params    json.RawMessage `json:"params"`
	Input     json.RawMessage `json:"input"`

	Content json.RawMessage `json:"content"`

	IsError  *bool `json:"isError"`
	IsError2 *bool `json:"is_error"`
}

func (b *rawBlock) toolCallID() string {
	switch {
	case b.ID != "" && !isToolResultType(b.Type):
		return b.ID
	case b.ToolCallID != "":
		return b.ToolCallID
	case b.ToolCallID2 != "":
		return b.ToolCallID2
	}
	return b.ID
}

func (b *rawBlock) toolName() string {
	if b.ToolName != "" {
		return b.ToolName
	}
	return b.Name
}

func (b *rawBlock) isError() bool {
	if b.IsError != nil {
		return *b.IsError
	}
	if b.IsError2 != nil {
		return *b.IsError2
	}
	return false
}

func (b *rawBlock) paramsText() string {
	for _, raw := range []json.RawMessage{b.Arguments, b.Args, b.Params, b.Input} {
		if len(raw) == 0 {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		return string(raw)
	}
	return ""
}

func isToolCallType(t string) bool {
	switch strings.ToLower(t) {
	case "toolcall", "tool_call", "tool_use":
		return true
	}
	return false
}

func isToolResultType(t string) bool {
	switch strings.ToLower(t) {
	case "tool_result", "tool_result_error", "toolresult":
		return true
	}
	return false
}

// ParseLine converts one transcript line into its records. Unparseable lines
// and non-message records yield nil.
func ParseLine(fc *FileContext, line []byte) *Parsed {
	var rec rawLine
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil
	}
	if rec.Type != "message" || rec.Message == nil {
		return nil
	}

	ts := parseTimestamp(rec.Timestamp)
	role := normalizeRole(rec.Message.Role)

	out := &Parsed{}
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		text := joinText(rec.Message.Content)
		if text != "" {
			out.Messages = append(out.Messages, MessageRecord{
				SessionID: fc.SessionID,
				AgentID:   fc.AgentID,
				TopicID:   fc.TopicID,
				MessageID: rec.ID,
				Timestamp: ts,
				Role:      role,
				Text:      text,
			})
		}
		if role == RoleAssistant {
			out.ToolCalls = append(out.ToolCalls, parseAssistantToolBlocks(fc, &rec, ts)...)
		}
	case RoleTool:
		msgs, calls := parseToolResult(fc, &rec, ts)
		out.Messages = append(out.Messages, msgs...)
		out.ToolCalls = append(out.ToolCalls, calls...)
	default:
		return nil
	}

	if len(out.Messages) == 0 && len(out.ToolCalls) == 0 {
		return nil
	}
	out.Attach = true
	return out
}

func normalizeRole(role string) string {
	switch role {
	case "system":
		return RoleSystem
	case "user":
		return RoleUser
	case "assistant":
		return RoleAssistant
	case "toolResult", "tool_result":
		return RoleTool
	}
	return ""
}

// parseAssistantToolBlocks emits STARTED records for tool-call blocks and
// completion records for tool results embedded in assistant turns.
func parseAssistantToolBlocks(fc *FileContext, rec *rawLine, ts *time.Time) []ToolCallRecord {
	blocks, ok := decodeBlocks(rec.Message.Content)
	if !ok {
		return nil
	}

	var out []ToolCallRecord
	for i, b := range blocks {
		switch {
		case isToolCallType(b.Type):
			out = append(out, ToolCallRecord{
				SessionID:  fc.SessionID,
				AgentID:    fc.AgentID,
				TopicID:    fc.TopicID,
				MessageID:  rec.ID,
				ToolCallID: blockToolCallID(fc, rec, &b, i, ts),
				ToolName:   b.toolName(),
				Status:     ToolCallStarted,
				Timestamp:  ts,
				ParamsText: b.paramsText(),
			})
		case isToolResultType(b.Type):
			status := ToolCallSucceeded
			if b.isError() || strings.EqualFold(b.Type, "tool_result_error") {
				status = ToolCallFailed
			}
			text := joinText(b.Content)
			if text == "" {
				text = b.Text
			}
			tc := ToolCallRecord{
				SessionID:  fc.SessionID,
				AgentID:    fc.AgentID,
				TopicID:    fc.TopicID,
				MessageID:  rec.ID,
				ToolCallID: blockToolCallID(fc, rec, &b, i, ts),
				Status:     status,
				Timestamp:  ts,
				ResultText: text,
			}
			if status == ToolCallFailed {
				tc.ErrorText = text
			}
			out = append(out, tc)
		}
	}
	return out
}

// parseToolResult handles a whole-message tool result: a completion record
// plus a role=tool message when the joined text is non-empty.
func parseToolResult(fc *FileContext, rec *rawLine, ts *time.Time) ([]MessageRecord, []ToolCallRecord) {
	blocks, _ := decodeBlocks(rec.Message.Content)

	var toolCallID string
	var isErr bool
	for _, b := range blocks {
		if id := b.toolCallID(); id != "" {
			toolCallID = id
		}
		if b.isError() {
			isErr = true
		}
	}
	if toolCallID == "" {
		if rec.Message.ToolCallID != "" {
			toolCallID = rec.Message.ToolCallID
		} else {
			toolCallID = rec.Message.ToolCallID2
		}
	}
	if rec.Message.IsError != nil && *rec.Message.IsError {
		isErr = true
	}
	if rec.Message.IsError2 != nil && *rec.Message.IsError2 {
		isErr = true
	}
	if toolCallID == "" {
		return nil, nil
	}

	text := joinText(rec.Message.Content)
	status := ToolCallSucceeded
	if isErr {
		status = ToolCallFailed
	}

	tc := ToolCallRecord{
		SessionID:  fc.SessionID,
		AgentID:    fc.AgentID,
		TopicID:    fc.TopicID,
		MessageID:  rec.ID,
		ToolCallID: toolCallID,
		Status:     status,
		Timestamp:  ts,
		ResultText: text,
	}
	if status == ToolCallFailed {
		tc.ErrorText = text
	}

	var msgs []MessageRecord
	if text != "" {
		msgs = append(msgs, MessageRecord{
			SessionID: fc.SessionID,
			AgentID:   fc.AgentID,
			TopicID:   fc.TopicID,
			MessageID: rec.ID,
			Timestamp: ts,
			Role:      RoleTool,
			Text:      text,
		})
	}
	return msgs, []ToolCallRecord{tc}
}

// blockToolCallID returns the block's stable id, or the deterministic
// fallback {messageId|sessionId:ts}:{blockIndex}.
func blockToolCallID(fc *FileContext, rec *rawLine, b *rawBlock, index int, ts *time.Time) string {
	if id := b.toolCallID(); id != "" {
		return id
	}
	prefix := rec.ID
	if prefix == "" {
		var ms int64
		if ts != nil {
			ms = ts.UnixMilli()
		}
		prefix = fmt.Sprintf("%s:%d", fc.SessionID, ms)
	}
	return fmt.Sprintf("%s:%d", prefix, index)
}

// joinText extracts the newline-joined text from a string or block-array
// content value. Empty text blocks are dropped.
func joinText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	blocks, ok := decodeBlocks(content)
	if !ok {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if strings.EqualFold(b.Type, "text") && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func decodeBlocks(content json.RawMessage) ([]rawBlock, bool) {
	if len(content) == 0 {
		return nil, false
	}
	var blocks []rawBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return nil, false
	}
	return blocks, true
}

// parseTimestamp accepts unix milliseconds or an ISO-8601 string. Anything
// else yields nil.
func parseTimestamp(raw json.RawMessage) *time.Time {
	if len(raw) == 0 {
		return nil
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil {
		t := time.UnixMilli(int64(ms)).UTC()
		return &t
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z0700"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
