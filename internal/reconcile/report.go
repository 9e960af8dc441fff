package reconcile

import (
	"fmt"
	"strings"
)

// KeyPreview is one previewed key with its occurrence time.
type KeyPreview struct {
	Key        string  `json:"key"`
	OccurredAt *string `json:"occurredAt"`
}

// SessionReport is the per-session slice of a reconciler run.
type SessionReport struct {
	AgentID    string       `json:"agentId"`
	SessionID  string       `json:"sessionId"`
	SessionKey string       `json:"sessionKey"`
	EntityType string       `json:"entityType"`
	ExternalID string       `json:"externalId"`
	Messages   int          `json:"messages"`
	ToolCalls  int          `json:"toolCalls"`
	Requests   int          `json:"requests"`
	FirstAt    string       `json:"firstAt,omitempty"`
	LastAt     string       `json:"lastAt,omitempty"`
	MessageKeys  []KeyPreview `json:"messageKeys,omitempty"`
	ToolCallKeys []KeyPreview `json:"toolCallKeys,omitempty"`
}

func (s *SessionReport) observe(occurredAt *string) {
	if occurredAt == nil {
		return
	}
	if s.FirstAt == "" || *occurredAt < s.FirstAt {
		s.FirstAt = *occurredAt
	}
	if *occurredAt > s.LastAt {
		s.LastAt = *occurredAt
	}
}

func (s *SessionReport) preview(dst *[]KeyPreview, key string, occurredAt *string, limit int) {
	if len(*dst) >= limit {
		return
	}
	*dst = append(*dst, KeyPreview{Key: key, OccurredAt: occurredAt})
}

// Report is the full outcome of a reconciler run.
type Report struct {
	Mode            string          `json:"mode"`
	SessionsScanned int             `json:"sessionsScanned"`
	SessionsMatched int             `json:"sessionsMatched"`
	SessionsSkipped int             `json:"sessionsSkipped"`
	Messages        int             `json:"messages"`
	ToolCalls       int             `json:"toolCalls"`
	Requests        int             `json:"requests"`
	Sessions        []SessionReport `json:"sessions,omitempty"`
}

// String renders the deterministic human-readable report.
func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "reconcile (%s): sessions scanned=%d matched=%d skipped=%d\n",
		r.Mode, r.SessionsScanned, r.SessionsMatched, r.SessionsSkipped)
	fmt.Fprintf(&b, "totals: messages=%d toolCalls=%d requests=%d\n",
		r.Messages, r.ToolCalls, r.Requests)
	for i := range r.Sessions {
		s := &r.Sessions[i]
		fmt.Fprintf(&b, "- %s (%s %s) agent=%s session=%s\n",
			s.SessionKey, s.EntityType, s.ExternalID, s.AgentID, s.SessionID)
		fmt.Fprintf(&b, "  messages=%d toolCalls=%d", s.Messages, s.ToolCalls)
		if s.FirstAt != "" {
			fmt.Fprintf(&b, " first=%s last=%s", s.FirstAt, s.LastAt)
		}
		b.WriteString("\n")
		for _, k := range s.MessageKeys {
			fmt.Fprintf(&b, "  msg %s%s\n", k.Key, atSuffix(k.OccurredAt))
		}
		for _, k := range s.ToolCallKeys {
			fmt.Fprintf(&b, "  tool %s%s\n", k.Key, atSuffix(k.OccurredAt))
		}
	}
	return b.String()
}

func atSuffix(occurredAt *string) string {
	if occurredAt == nil {
		return ""
	}
	return " @ " + *occurredAt
}
