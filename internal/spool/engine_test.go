package spool

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/superkanban/internal/redact"
	"github.com/nextlevelbuilder/superkanban/internal/skclient"
	"github.com/nextlevelbuilder/superkanban/internal/transcript"
)

// fakePoster records SK writes and can fail on demand.
type fakePoster struct {
	attaches  []skclient.AttachSessionRequest
	messages  []skclient.RecordMessageRequest
	toolCalls []skclient.RecordToolCallRequest
	fail      bool
}

func (p *fakePoster) AttachSession(_ context.Context, req skclient.AttachSessionRequest) error {
	if p.fail {
		return errors.New("connection refused")
	}
	p.attaches = append(p.attaches, req)
	return nil
}

func (p *fakePoster) RecordMessage(_ context.Context, req skclient.RecordMessageRequest) error {
	if p.fail {
		return errors.New("connection refused")
	}
	p.messages = append(p.messages, req)
	return nil
}

func (p *fakePoster) RecordToolCall(_ context.Context, req skclient.RecordToolCallRequest) error {
	if p.fail {
		return errors.New("connection refused")
	}
	p.toolCalls = append(p.toolCalls, req)
	return nil
}

func setupState(t *testing.T) (stateDir string) {
	t.Helper()
	stateDir = t.TempDir()
	sessions := map[string]map[string]string{
		"agent:work:subagent:sk-task": {
			"sessionId": "abc-123",
			"label":     "SK:TASK:task:alpha:wi1:t9",
		},
	}
	data, _ := json.Marshal(sessions)
	dir := filepath.Join(stateDir, "agents", "work", "sessions")
	os.MkdirAll(dir, 0o755)
	os.WriteFile(filepath.Join(dir, "sessions.json"), data, 0o644)
	return stateDir
}

func newTestEngine(t *testing.T, stateDir string, poster Poster) *Engine {
	t.Helper()
	cfg := Config{StateDir: stateDir, PluginID: "sk-test", Backfill: true}
	return NewEngine(cfg, poster, redact.New(redact.ModeOff, nil), transcript.NewSessionIndex(stateDir), nil, nil)
}

func appendTranscript(t *testing.T, stateDir string, lines ...string) {
	t.Helper()
	path := filepath.Join(stateDir, "agents", "work", "sessions", "abc-123.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	for _, l := range lines {
		f.WriteString(l + "\n")
	}
}

const (
	lineUser      = `{"type":"message","id":"m1","timestamp":1700000000000,"message":{"role":"user","content":"hello"}}`
	lineAssistant = `{"type":"message","id":"m2","timestamp":1700000001000,"message":{"role":"assistant","content":[{"type":"text","text":"ok"},{"type":"toolCall","id":"tc1","name":"functions.read","arguments":{"path":"/tmp/file"}}]}}`
	lineResult    = `{"type":"message","id":"m3","timestamp":1700000002000,"message":{"role":"toolResult","toolCallId":"tc1","content":[{"type":"text","text":"done"}]}}`
)

func TestEngineEndToEnd(t *testing.T) {
	stateDir := setupState(t)
	appendTranscript(t, stateDir, lineUser, lineAssistant, lineResult)

	poster := &fakePoster{}
	e := newTestEngine(t, stateDir, poster)

	e.tailTick()
	e.Flush()
	e.ProcessSpool(context.Background())

	if len(poster.attaches) != 1 {
		t.Fatalf("attaches = %d, want 1", len(poster.attaches))
	}
	a := poster.attaches[0]
	if a.SessionKey != "agent:work:subagent:sk-task" || a.State != skclient.SessionRunning || a.EntityType != "TASK" {
		t.Errorf("attach = %+v", a)
	}
	if len(poster.messages) != 3 {
		t.Errorf("messages = %d, want 3 (user, assistant, tool)", len(poster.messages))
	}
	if len(poster.toolCalls) != 2 {
		t.Fatalf("toolCalls = %d, want 2 (STARTED, SUCCEEDED)", len(poster.toolCalls))
	}
	wantKey := "agent:work:subagent:sk-task:tc1"
	for _, tc := range poster.toolCalls {
		if tc.ToolCallKey != wantKey {
			t.Errorf("toolCallKey = %q, want %q", tc.ToolCallKey, wantKey)
		}
	}
}

func TestEngineAttachOncePerSession(t *testing.T) {
	stateDir := setupState(t)
	appendTranscript(t, stateDir, lineUser)

	poster := &fakePoster{}
	e := newTestEngine(t, stateDir, poster)
	e.tailTick()
	e.Flush()
	e.ProcessSpool(context.Background())

	appendTranscript(t, stateDir, lineResult)
	e.tailTick()
	e.Flush()
	e.ProcessSpool(context.Background())

	if len(poster.attaches) != 1 {
		t.Errorf("attaches = %d, want exactly 1", len(poster.attaches))
	}
}

func TestEngineAttachSurvivesRestart(t *testing.T) {
	stateDir := setupState(t)
	appendTranscript(t, stateDir, lineUser)

	poster := &fakePoster{}
	e := newTestEngine(t, stateDir, poster)
	e.tailTick()
	e.Flush()
	e.ProcessSpool(context.Background())

	// New engine instance over the same state: replays must not re-attach.
	appendTranscript(t, stateDir, lineResult)
	e2 := newTestEngine(t, stateDir, poster)
	e2.tailTick()
	e2.Flush()
	e2.ProcessSpool(context.Background())

	if len(poster.attaches) != 1 {
		t.Errorf("attaches = %d after restart, want 1", len(poster.attaches))
	}
}

func TestEngineBackoffOnFailure(t *testing.T) {
	stateDir := setupState(t)
	appendTranscript(t, stateDir, lineUser)

	poster := &fakePoster{fail: true}
	e := newTestEngine(t, stateDir, poster)
	e.tailTick()
	e.Flush()
	e.ProcessSpool(context.Background())

	e.mu.Lock()
	failures, nextSend, offset := e.meta.ConsecutiveFailures, e.meta.NextSendAtMs, e.meta.SpoolOffset
	e.mu.Unlock()
	if failures != 1 {
		t.Errorf("consecutiveFailures = %d, want 1", failures)
	}
	if nextSend <= time.Now().UnixMilli()-1000 {
		t.Errorf("nextSendAtMs = %d, not armed", nextSend)
	}
	if offset != 0 {
		t.Errorf("spoolOffset advanced on failure: %d", offset)
	}

	// Within the backoff window nothing is sent even if the server recovers.
	poster.fail = false
	e.ProcessSpool(context.Background())
	if len(poster.messages) != 0 {
		t.Error("sent during backoff window")
	}

	// After the window the event goes out.
	e.mu.Lock()
	e.meta.NextSendAtMs = time.Now().UnixMilli() - 1
	e.mu.Unlock()
	e.ProcessSpool(context.Background())
	if len(poster.messages) != 1 {
		t.Errorf("messages = %d after recovery, want 1", len(poster.messages))
	}
}

func TestEngineSkipsMalformedSpoolLines(t *testing.T) {
	stateDir := setupState(t)
	poster := &fakePoster{}
	e := newTestEngine(t, stateDir, poster)

	path := spoolPath(stateDir, "sk-test")
	os.MkdirAll(filepath.Dir(path), 0o755)
	good, _ := encodeEvent(&Event{Kind: KindMessage, Message: &skclient.RecordMessageRequest{
		SessionKey: "agent:work:subagent:sk-task", EntityType: "TASK", EntityExternalID: "task:alpha:wi1:t9",
		MessageKey: "k1", Role: "user", Content: "hi",
	}})
	content := "this is not json\n" + string(good) + "\n"
	os.WriteFile(path, []byte(content), 0o644)

	e.ProcessSpool(context.Background())
	if len(poster.messages) != 1 {
		t.Errorf("messages = %d, want 1 (malformed line skipped)", len(poster.messages))
	}
}

func TestEngineDropsEventWithoutBinding(t *testing.T) {
	stateDir := setupState(t)
	poster := &fakePoster{}
	e := newTestEngine(t, stateDir, poster)

	path := spoolPath(stateDir, "sk-test")
	os.MkdirAll(filepath.Dir(path), 0o755)
	legacy, _ := encodeEvent(&Event{Kind: KindMessage, Message: &skclient.RecordMessageRequest{
		SessionKey: "agent:work:subagent:old", MessageKey: "k1", Role: "user", Content: "hi",
	}})
	os.WriteFile(path, append(legacy, '\n'), 0o644)

	e.ProcessSpool(context.Background())
	if len(poster.messages) != 0 {
		t.Errorf("legacy unbound event was sent")
	}
	e.mu.Lock()
	offset := e.meta.SpoolOffset
	e.mu.Unlock()
	if offset != 0 {
		// Offset reset to 0 is also acceptable: the drop drains the spool
		// and truncate-on-drain kicks in.
		t.Logf("offset = %d", offset)
	}
}

func TestEngineTruncateOnDrain(t *testing.T) {
	stateDir := setupState(t)
	appendTranscript(t, stateDir, lineUser)

	poster := &fakePoster{}
	e := newTestEngine(t, stateDir, poster)
	e.tailTick()
	e.Flush()
	e.ProcessSpool(context.Background())

	path := spoolPath(stateDir, "sk-test")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Errorf("spool size = %d after drain, want 0", info.Size())
	}
	e.mu.Lock()
	offset := e.meta.SpoolOffset
	e.mu.Unlock()
	if offset != 0 {
		t.Errorf("spoolOffset = %d after drain, want 0", offset)
	}
}

func TestEngineUnboundSessionCursorStillAdvances(t *testing.T) {
	stateDir := setupState(t)
	// A transcript for a session absent from sessions.json.
	path := filepath.Join(stateDir, "agents", "work", "sessions", "unbound-1.jsonl")
	os.WriteFile(path, []byte(lineUser+"\n"), 0o644)

	poster := &fakePoster{}
	e := newTestEngine(t, stateDir, poster)
	e.tailTick()

	e.mu.Lock()
	cursor := e.meta.FileCursors[path]
	pending := len(e.pending)
	e.mu.Unlock()
	if cursor.Offset == 0 {
		t.Error("cursor did not advance for unbound session")
	}
	if pending != 0 {
		t.Errorf("pending = %d, unbound sessions must be skipped", pending)
	}
}

func TestEngineNewFileStartsAtEOFWithoutBackfill(t *testing.T) {
	stateDir := setupState(t)
	appendTranscript(t, stateDir, lineUser, lineAssistant)

	poster := &fakePoster{}
	cfg := Config{StateDir: stateDir, PluginID: "sk-test"} // Backfill off
	e := NewEngine(cfg, poster, redact.New(redact.ModeOff, nil), transcript.NewSessionIndex(stateDir), nil, nil)

	e.tailTick()
	e.mu.Lock()
	pending := len(e.pending)
	e.mu.Unlock()
	if pending != 0 {
		t.Errorf("pending = %d, pre-existing content must not export without backfill", pending)
	}

	// New appends after discovery do export.
	appendTranscript(t, stateDir, lineResult)
	e.tailTick()
	e.Flush()
	e.ProcessSpool(context.Background())
	if len(poster.toolCalls) != 1 {
		t.Errorf("toolCalls = %d, want 1", len(poster.toolCalls))
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	for k := 0; k < 20; k++ {
		d := backoffDelay(k)
		if d > backoffMax {
			t.Errorf("k=%d: delay %v over cap", k, d)
		}
		if d <= 0 {
			t.Errorf("k=%d: non-positive delay", k)
		}
	}
	// k=1 with jitter in [0.8,1.2) stays within [800ms, 1200ms).
	for range 50 {
		d := backoffDelay(1)
		if d < 800*time.Millisecond || d >= 1200*time.Millisecond {
			t.Errorf("k=1: delay %v outside jitter band", d)
		}
	}
}

func TestMetaCorruptFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.json")
	os.WriteFile(path, []byte("{{{{"), 0o644)
	m := loadMeta(path)
	if m.Version != MetaVersion || len(m.FileCursors) != 0 {
		t.Errorf("meta = %+v", m)
	}
}

func TestMessageKeyDeterministicAcrossReplay(t *testing.T) {
	stateDir := setupState(t)
	appendTranscript(t, stateDir, lineUser)

	poster := &fakePoster{}
	e := newTestEngine(t, stateDir, poster)
	e.tailTick()
	e.Flush()
	e.ProcessSpool(context.Background())

	// Second engine with fresh meta replays the same file from scratch.
	os.Remove(metaPath(stateDir, "sk-test"))
	poster2 := &fakePoster{}
	e2 := newTestEngine(t, stateDir, poster2)
	e2.tailTick()
	e2.Flush()
	e2.ProcessSpool(context.Background())

	if len(poster.messages) != 1 || len(poster2.messages) != 1 {
		t.Fatalf("messages = %d / %d", len(poster.messages), len(poster2.messages))
	}
	if poster.messages[0].MessageKey != poster2.messages[0].MessageKey {
		t.Errorf("messageKey changed across replay: %q vs %q",
			poster.messages[0].MessageKey, poster2.messages[0].MessageKey)
	}
	if !strings.HasPrefix(poster.messages[0].MessageKey, "agent:work:subagent:sk-task:") {
		t.Errorf("messageKey = %q", poster.messages[0].MessageKey)
	}
}
