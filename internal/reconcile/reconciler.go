package reconcile

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/nextlevelbuilder/superkanban/internal/redact"
	"github.com/nextlevelbuilder/superkanban/internal/skclient"
	"github.com/nextlevelbuilder/superkanban/internal/skkeys"
	"github.com/nextlevelbuilder/superkanban/internal/spool"
	"github.com/nextlevelbuilder/superkanban/internal/transcript"
)

// Modes.
const (
	ModeDryRun = "dry-run"
	ModeFix    = "fix"
)

// hashScanLimit bounds the transcript prefix scanned for external-ID
// candidates when resolving a hashed label. Guards against pathological
// files; must not be raised.
const hashScanLimit = 500

// Options filters and configures a reconciler run.
type Options struct {
	Mode     string
	StateDir string

	AgentAllowlist []string
	AgentID        string
	SessionID      string
	SessionKey     string
	MaxSessions    int
	PreviewLimit   int
}

// Reconciler replays transcripts offline. In dry-run mode it only counts; in
// fix mode it re-issues the same idempotent attach/message/toolCall posts as
// the live exporter.
type Reconciler struct {
	opts     Options
	poster   spool.Poster
	index    *transcript.SessionIndex
	labels   *LabelMap
	redactor *redact.Redactor
}

// New builds a reconciler. poster may be nil in dry-run mode.
func New(opts Options, poster spool.Poster, labels *LabelMap, redactor *redact.Redactor) *Reconciler {
	if opts.Mode == "" {
		opts.Mode = ModeDryRun
	}
	if opts.PreviewLimit <= 0 {
		opts.PreviewLimit = 5
	}
	return &Reconciler{
		opts:     opts,
		poster:   poster,
		index:    transcript.NewSessionIndex(opts.StateDir),
		labels:   labels,
		redactor: redactor,
	}
}

// Run traverses all matching transcripts and returns the replay report.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	paths := r.listTranscripts()
	report := &Report{Mode: r.opts.Mode}

	for _, path := range paths {
		if r.opts.MaxSessions > 0 && report.SessionsMatched >= r.opts.MaxSessions {
			break
		}
		report.SessionsScanned++

		fc := transcript.ParseSessionFileContext(path)
		if fc == nil {
			report.SessionsSkipped++
			continue
		}
		if r.opts.AgentID != "" && fc.AgentID != r.opts.AgentID {
			report.SessionsSkipped++
			continue
		}
		if r.opts.SessionID != "" && fc.SessionID != r.opts.SessionID {
			report.SessionsSkipped++
			continue
		}

		binding := r.resolveBinding(fc, path)
		if binding == nil {
			report.SessionsSkipped++
			continue
		}
		if r.opts.SessionKey != "" && binding.SessionKey != r.opts.SessionKey {
			report.SessionsSkipped++
			continue
		}

		sess, err := r.replaySession(ctx, fc, binding, path)
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", path, err)
		}
		report.SessionsMatched++
		report.Messages += sess.Messages
		report.ToolCalls += sess.ToolCalls
		report.Requests += sess.Requests
		report.Sessions = append(report.Sessions, *sess)
	}
	return report, nil
}

// listTranscripts returns matching transcript paths in deterministic order.
func (r *Reconciler) listTranscripts() []string {
	pattern := filepath.Join(r.opts.StateDir, "agents", "*", "sessions", "*.jsonl")
	matches, _ := filepath.Glob(pattern)

	allow := map[string]bool{}
	for _, a := range r.opts.AgentAllowlist {
		allow[a] = true
	}

	var out []string
	for _, m := range matches {
		base := filepath.Base(m)
		if base == "sessions.json" {
			continue
		}
		fc := transcript.ParseSessionFileContext(m)
		if fc == nil {
			continue
		}
		if len(allow) > 0 && !allow[fc.AgentID] {
			continue
		}
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// resolveBinding resolves via the sessions index, falling back to a hashed-
// label transcript scan for SK:TASKH labels the label map does not know yet.
func (r *Reconciler) resolveBinding(fc *transcript.FileContext, path string) *transcript.Binding {
	if b := r.index.ResolveBinding(fc.AgentID, fc.SessionID, r.labels); b != nil {
		return b
	}

	sessionKey, label, ok := r.index.Lookup(fc.AgentID, fc.SessionID)
	if !ok {
		return nil
	}
	routing := skkeys.ParseSkRoutingLabel(label)
	if routing == nil || !routing.TaskHash {
		return nil
	}

	externalID := scanForExternalID(path, routing.Hash)
	if externalID == "" {
		return nil
	}
	if r.opts.Mode == ModeFix && r.labels != nil {
		if err := r.labels.Append(LabelMapEntry{ExternalID: externalID, Label: label, Hash: routing.Hash}); err != nil {
			slog.Warn("label map append failed", "error", err)
		}
	}
	return &transcript.Binding{
		SessionKey:       sessionKey,
		Label:            label,
		EntityType:       skkeys.EntityTask,
		EntityExternalID: externalID,
	}
}

var (
	externalIDPattern = regexp.MustCompile(`\bexternalId\b\s*[:=]?\s*"?([^\s",}]+)`)
	taskIDPattern     = regexp.MustCompile(`\btask:[^\s",}]+`)
)

// scanForExternalID reads up to hashScanLimit lines of the transcript prefix
// and returns the first candidate whose sha256 prefix matches the hash.
func scanForExternalID(path, hash string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 2*1024*1024)
	for lines := 0; lines < hashScanLimit && sc.Scan(); lines++ {
		line := sc.Text()
		var candidates []string
		for _, m := range externalIDPattern.FindAllStringSubmatch(line, -1) {
			candidates = append(candidates, m[1])
		}
		candidates = append(candidates, taskIDPattern.FindAllString(line, -1)...)
		for _, c := range candidates {
			if skkeys.Sha256Hex(c)[:16] == hash {
				return c
			}
		}
	}
	return ""
}

// replaySession re-parses one transcript and either counts (dry-run) or
// posts (fix) its events.
func (r *Reconciler) replaySession(ctx context.Context, fc *transcript.FileContext, binding *transcript.Binding, path string) (*SessionReport, error) {
	sess := &SessionReport{
		AgentID:    fc.AgentID,
		SessionID:  fc.SessionID,
		SessionKey: binding.SessionKey,
		EntityType: binding.EntityType,
		ExternalID: binding.EntityExternalID,
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	attached := false
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 2*1024*1024)
	for sc.Scan() {
		parsed := transcript.ParseLine(fc, sc.Bytes())
		if parsed == nil {
			continue
		}

		if r.opts.Mode == ModeFix && !attached {
			err := r.poster.AttachSession(ctx, skclient.AttachSessionRequest{
				SessionKey:       binding.SessionKey,
				EntityType:       binding.EntityType,
				EntityExternalID: binding.EntityExternalID,
				State:            skclient.SessionRunning,
			})
			if err != nil {
				return nil, err
			}
			attached = true
			sess.Requests++
		}

		for i := range parsed.Messages {
			payload := spool.BuildMessagePayload(binding, &parsed.Messages[i], r.redactor)
			sess.Messages++
			sess.observe(payload.OccurredAt)
			sess.preview(&sess.MessageKeys, payload.MessageKey, payload.OccurredAt, r.opts.PreviewLimit)
			if r.opts.Mode == ModeFix {
				if err := r.poster.RecordMessage(ctx, payload); err != nil {
					return nil, err
				}
				sess.Requests++
			}
		}
		for i := range parsed.ToolCalls {
			payload := spool.BuildToolCallPayload(binding, &parsed.ToolCalls[i], r.redactor)
			sess.ToolCalls++
			sess.observe(payload.OccurredAt)
			sess.preview(&sess.ToolCallKeys, payload.ToolCallKey, payload.OccurredAt, r.opts.PreviewLimit)
			if r.opts.Mode == ModeFix {
				if err := r.poster.RecordToolCall(ctx, payload); err != nil {
					return nil, err
				}
				sess.Requests++
			}
		}
	}
	return sess, sc.Err()
}
