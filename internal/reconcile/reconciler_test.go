package reconcile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/superkanban/internal/redact"
	"github.com/nextlevelbuilder/superkanban/internal/skclient"
	"github.com/nextlevelbuilder/superkanban/internal/skkeys"
)

type recordingPoster struct {
	attaches  []skclient.AttachSessionRequest
	messages  []skclient.RecordMessageRequest
	toolCalls []skclient.RecordToolCallRequest
}

func (p *recordingPoster) AttachSession(_ context.Context, req skclient.AttachSessionRequest) error {
	p.attaches = append(p.attaches, req)
	return nil
}

func (p *recordingPoster) RecordMessage(_ context.Context, req skclient.RecordMessageRequest) error {
	p.messages = append(p.messages, req)
	return nil
}

func (p *recordingPoster) RecordToolCall(_ context.Context, req skclient.RecordToolCallRequest) error {
	p.toolCalls = append(p.toolCalls, req)
	return nil
}

func (p *recordingPoster) total() int {
	return len(p.attaches) + len(p.messages) + len(p.toolCalls)
}

const sessionKey = "agent:work:subagent:sk-task"

var transcriptLines = []string{
	`{"type":"message","id":"m1","timestamp":1700000000000,"message":{"role":"user","content":"hello"}}`,
	`{"type":"message","id":"m2","timestamp":1700000001000,"message":{"role":"assistant","content":[{"type":"text","text":"ok"},{"type":"toolCall","id":"tc1","name":"functions.read","arguments":{"path":"/tmp/file"}}]}}`,
	`{"type":"message","id":"m3","timestamp":1700000002000,"message":{"role":"toolResult","toolCallId":"tc1","content":[{"type":"text","text":"done"}]}}`,
}

func setupState(t *testing.T, label string) string {
	t.Helper()
	stateDir := t.TempDir()
	dir := filepath.Join(stateDir, "agents", "work", "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	index := map[string]map[string]string{
		sessionKey: {"sessionId": "abc-123", "label": label},
	}
	data, _ := json.Marshal(index)
	os.WriteFile(filepath.Join(dir, "sessions.json"), data, 0o644)

	var content string
	for _, l := range transcriptLines {
		content += l + "\n"
	}
	os.WriteFile(filepath.Join(dir, "abc-123.jsonl"), []byte(content), 0o644)
	return stateDir
}

func TestDryRunCountsWithoutPosting(t *testing.T) {
	stateDir := setupState(t, "SK:TASK:task:alpha:wi1:t9")
	poster := &recordingPoster{}

	r := New(Options{Mode: ModeDryRun, StateDir: stateDir}, poster, nil, redact.New(redact.ModeOff, nil))
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if report.Messages != 3 || report.ToolCalls != 2 || report.SessionsMatched != 1 {
		t.Errorf("report = %+v, want messages=3 toolCalls=2 matched=1", report)
	}
	if poster.total() != 0 {
		t.Errorf("dry-run issued %d requests", poster.total())
	}
	if len(report.Sessions) != 1 {
		t.Fatalf("sessions = %d", len(report.Sessions))
	}
	s := report.Sessions[0]
	if s.FirstAt == "" || s.LastAt == "" || s.FirstAt > s.LastAt {
		t.Errorf("timestamps: first=%q last=%q", s.FirstAt, s.LastAt)
	}
	if len(s.MessageKeys) != 3 || len(s.ToolCallKeys) != 2 {
		t.Errorf("previews: %d messages, %d toolCalls", len(s.MessageKeys), len(s.ToolCallKeys))
	}
}

func TestFixReplayPostsIdempotentKeys(t *testing.T) {
	stateDir := setupState(t, "SK:TASK:task:alpha:wi1:t9")
	poster := &recordingPoster{}

	r := New(Options{Mode: ModeFix, StateDir: stateDir}, poster, nil, redact.New(redact.ModeOff, nil))
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// 1 attach + 3 messages + 2 tool calls.
	if poster.total() != 6 {
		t.Errorf("requests = %d, want 6", poster.total())
	}
	if report.Requests != 6 {
		t.Errorf("report.Requests = %d, want 6", report.Requests)
	}
	for _, tc := range poster.toolCalls {
		if tc.ToolCallKey != sessionKey+":tc1" {
			t.Errorf("toolCallKey = %q", tc.ToolCallKey)
		}
	}

	// Replaying again produces the identical key set.
	poster2 := &recordingPoster{}
	r2 := New(Options{Mode: ModeFix, StateDir: stateDir}, poster2, nil, redact.New(redact.ModeOff, nil))
	if _, err := r2.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := range poster.messages {
		if poster.messages[i].MessageKey != poster2.messages[i].MessageKey {
			t.Errorf("messageKey drifted on replay: %q vs %q",
				poster.messages[i].MessageKey, poster2.messages[i].MessageKey)
		}
	}
}

func TestHashedLabelResolvedFromTranscriptScan(t *testing.T) {
	externalID := "task:alpha:wi1:t9"
	hash := skkeys.Sha256Hex(externalID)[:16]
	stateDir := setupState(t, "SK:TASKH:"+hash)

	// Seed a prefix line advertising the external ID.
	dir := filepath.Join(stateDir, "agents", "work", "sessions")
	path := filepath.Join(dir, "abc-123.jsonl")
	old, _ := os.ReadFile(path)
	seed := `{"type":"message","message":{"role":"system","content":"externalId: ` + externalID + `"}}` + "\n"
	os.WriteFile(path, append([]byte(seed), old...), 0o644)

	labels, err := OpenLabelMap(filepath.Join(stateDir, "Exports", "label-map.json"))
	if err != nil {
		t.Fatal(err)
	}
	poster := &recordingPoster{}
	r := New(Options{Mode: ModeFix, StateDir: stateDir}, poster, labels, redact.New(redact.ModeOff, nil))
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.SessionsMatched != 1 {
		t.Fatalf("matched = %d, report: %s", report.SessionsMatched, report)
	}
	if len(poster.attaches) != 1 || poster.attaches[0].EntityExternalID != externalID {
		t.Errorf("attach = %+v", poster.attaches)
	}

	// Fix mode persisted the discovered mapping.
	if labels.Len() != 1 {
		t.Errorf("label map entries = %d, want 1", labels.Len())
	}
	if got, ok := labels.Resolve(hash); !ok || got != externalID {
		t.Errorf("resolve(%q) = %q %v", hash, got, ok)
	}

	// Invariant: sha256(externalId)[0:16] == hash.
	if skkeys.Sha256Hex(externalID)[:16] != hash {
		t.Error("hash mismatch")
	}
}

func TestHashedLabelDryRunDoesNotWriteLabelMap(t *testing.T) {
	externalID := "task:alpha:wi1:t9"
	hash := skkeys.Sha256Hex(externalID)[:16]
	stateDir := setupState(t, "SK:TASKH:"+hash)

	dir := filepath.Join(stateDir, "agents", "work", "sessions")
	path := filepath.Join(dir, "abc-123.jsonl")
	old, _ := os.ReadFile(path)
	seed := `{"type":"message","message":{"role":"system","content":"see task:alpha:wi1:t9 for details"}}` + "\n"
	os.WriteFile(path, append([]byte(seed), old...), 0o644)

	mapPath := filepath.Join(stateDir, "Exports", "label-map.json")
	labels, _ := OpenLabelMap(mapPath)
	r := New(Options{Mode: ModeDryRun, StateDir: stateDir}, nil, labels, redact.New(redact.ModeOff, nil))
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.SessionsMatched != 1 {
		t.Errorf("matched = %d", report.SessionsMatched)
	}
	if _, err := os.Stat(mapPath); !os.IsNotExist(err) {
		t.Error("dry-run wrote label-map.json")
	}
}

func TestFiltersSkipNonMatching(t *testing.T) {
	stateDir := setupState(t, "SK:TASK:task:alpha:wi1:t9")
	r := New(Options{Mode: ModeDryRun, StateDir: stateDir, AgentID: "other"}, nil, nil, redact.New(redact.ModeOff, nil))
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.SessionsMatched != 0 || report.SessionsSkipped == 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestLabelMapDedupe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "label-map.json")
	m, err := OpenLabelMap(path)
	if err != nil {
		t.Fatal(err)
	}
	entry := LabelMapEntry{ExternalID: "task:a:b:c", Label: "SK:TASKH:abc0123456789def", Hash: "abc0123456789def"}
	if err := m.Append(entry); err != nil {
		t.Fatal(err)
	}
	if err := m.Append(entry); err != nil {
		t.Fatal(err)
	}
	// Same hash, different externalId: still a duplicate.
	if err := m.Append(LabelMapEntry{ExternalID: "task:x:y:z", Label: "other", Hash: entry.Hash}); err != nil {
		t.Fatal(err)
	}
	if m.Len() != 1 {
		t.Errorf("entries = %d, want 1", m.Len())
	}

	// Reload round-trips.
	m2, err := OpenLabelMap(path)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := m2.Resolve(entry.Hash); !ok || got != entry.ExternalID {
		t.Errorf("resolve after reload = %q %v", got, ok)
	}
}
