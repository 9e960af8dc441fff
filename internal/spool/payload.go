package spool

import (
	"time"

	"github.com/nextlevelbuilder/superkanban/internal/redact"
	"github.com/nextlevelbuilder/superkanban/internal/skclient"
	"github.com/nextlevelbuilder/superkanban/internal/skkeys"
	"github.com/nextlevelbuilder/superkanban/internal/transcript"
)

// isoMillis renders a timestamp as ISO-8601 with millisecond precision, or
// nil when absent. SK stores occurrence times as strings or null.
func isoMillis(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	return &s
}

// BuildMessagePayload turns a parsed message record plus its binding into the
// server-bound payload. The messageKey derivation here is the single source
// of truth shared by the exporter and the reconciler.
func BuildMessagePayload(b *transcript.Binding, rec *transcript.MessageRecord, r *redact.Redactor) skclient.RecordMessageRequest {
	content := r.Message(rec.Text)
	var occurredMs int64
	if rec.Timestamp != nil {
		occurredMs = rec.Timestamp.UnixMilli()
	}
	req := skclient.RecordMessageRequest{
		SessionKey:       b.SessionKey,
		EntityType:       b.EntityType,
		EntityExternalID: b.EntityExternalID,
		MessageKey:       skkeys.BuildMessageKey(b.SessionKey, rec.MessageID, rec.Role, occurredMs, content),
		Role:             rec.Role,
		Content:          content,
		OccurredAt:       isoMillis(rec.Timestamp),
	}
	if rec.AgentID != "" || rec.TopicID != "" {
		req.Metadata = map[string]string{}
		if rec.AgentID != "" {
			req.Metadata["agentId"] = rec.AgentID
		}
		if rec.TopicID != "" {
			req.Metadata["topicId"] = rec.TopicID
		}
	}
	return req
}

// BuildToolCallPayload turns a parsed tool-call record plus its binding into
// the server-bound payload.
func BuildToolCallPayload(b *transcript.Binding, rec *transcript.ToolCallRecord, r *redact.Redactor) skclient.RecordToolCallRequest {
	req := skclient.RecordToolCallRequest{
		SessionKey:       b.SessionKey,
		EntityType:       b.EntityType,
		EntityExternalID: b.EntityExternalID,
		ToolCallKey:      skkeys.BuildToolCallKey(b.SessionKey, rec.ToolCallID),
		ToolName:         rec.ToolName,
		Status:           rec.Status,
		ParamsText:       r.ToolInput(rec.ParamsText),
		ResultText:       r.ToolOutput(rec.ResultText),
		ErrorText:        r.Error(rec.ErrorText),
		OccurredAt:       isoMillis(rec.Timestamp),
	}
	if rec.AgentID != "" || rec.TopicID != "" {
		req.Metadata = map[string]string{}
		if rec.AgentID != "" {
			req.Metadata["agentId"] = rec.AgentID
		}
		if rec.TopicID != "" {
			req.Metadata["topicId"] = rec.TopicID
		}
	}
	return req
}

// BuildEvents converts one parsed transcript line into spool events.
func BuildEvents(b *transcript.Binding, parsed *transcript.Parsed, r *redact.Redactor) []*Event {
	var out []*Event
	for i := range parsed.Messages {
		payload := BuildMessagePayload(b, &parsed.Messages[i], r)
		out = append(out, &Event{Kind: KindMessage, Message: &payload})
	}
	for i := range parsed.ToolCalls {
		payload := BuildToolCallPayload(b, &parsed.ToolCalls[i], r)
		out = append(out, &Event{Kind: KindToolCall, ToolCall: &payload})
	}
	return out
}
