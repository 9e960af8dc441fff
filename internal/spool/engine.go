package spool

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/superkanban/internal/bus"
	"github.com/nextlevelbuilder/superkanban/internal/redact"
	"github.com/nextlevelbuilder/superkanban/internal/skclient"
	"github.com/nextlevelbuilder/superkanban/internal/transcript"
	"github.com/nextlevelbuilder/superkanban/pkg/protocol"
)

// Tick defaults.
const (
	DefaultPollInterval = time.Second
	MinPollInterval     = 250 * time.Millisecond
	DefaultDebounce     = 250 * time.Millisecond
	senderInterval      = 250 * time.Millisecond
)

// Poster is the narrow SK write surface the engine needs. *skclient.Client
// satisfies it.
type Poster interface {
	AttachSession(ctx context.Context, req skclient.AttachSessionRequest) error
	RecordMessage(ctx context.Context, req skclient.RecordMessageRequest) error
	RecordToolCall(ctx context.Context, req skclient.RecordToolCallRequest) error
}

// Config tunes one exporter instance.
type Config struct {
	StateDir string
	PluginID string

	PollInterval time.Duration
	Debounce     time.Duration

	// Backfill makes newly discovered transcripts start at offset 0 instead
	// of end-of-file.
	Backfill bool
}

func (c *Config) normalize() {
	if c.PluginID == "" {
		c.PluginID = "super-kanban"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollInterval < MinPollInterval {
		c.PollInterval = MinPollInterval
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
}

// Engine is the single logical worker owning meta.json and spool.jsonl for
// one plugin instance. All file mutation happens under mu, so the flush
// producer and the processSpool consumer never overlap.
type Engine struct {
	cfg      Config
	poster   Poster
	redactor *redact.Redactor
	index    *transcript.SessionIndex
	labels   transcript.LabelResolver
	events   bus.EventPublisher

	mu        sync.Mutex
	meta      *Meta
	pending   []*Event
	metaDirty bool
	flushC    chan struct{}
	wakeC     chan struct{}
	now       func() time.Time
}

// NewEngine creates an engine, loading any existing meta state.
func NewEngine(cfg Config, poster Poster, redactor *redact.Redactor, index *transcript.SessionIndex, labels transcript.LabelResolver, events bus.EventPublisher) *Engine {
	cfg.normalize()
	e := &Engine{
		cfg:      cfg,
		poster:   poster,
		redactor: redactor,
		index:    index,
		labels:   labels,
		events:   events,
		meta:     loadMeta(metaPath(cfg.StateDir, cfg.PluginID)),
		flushC:   make(chan struct{}, 1),
		wakeC:    make(chan struct{}, 1),
		now:      time.Now,
	}
	return e
}

// Run drives the tailer and sender ticks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	poll := time.NewTicker(e.cfg.PollInterval)
	defer poll.Stop()
	send := time.NewTicker(senderInterval)
	defer send.Stop()

	slog.Info("spool engine started",
		"stateDir", e.cfg.StateDir,
		"plugin", e.cfg.PluginID,
		"pollInterval", e.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			// Final flush so enqueued events survive shutdown.
			e.Flush()
			return ctx.Err()
		case <-poll.C:
			e.tailTick()
		case <-e.wakeC:
			// Filesystem watcher saw a transcript write.
			e.tailTick()
		case <-e.flushC:
			// Debounced burst flush.
			e.Flush()
		case <-send.C:
			e.Flush()
			e.ProcessSpool(ctx)
		}
	}
}

// Wake requests an out-of-band tail scan. Coalesced; safe from any goroutine.
func (e *Engine) Wake() {
	select {
	case e.wakeC <- struct{}{}:
	default:
	}
}

// tailTick scans every known transcript for appended bytes and enqueues the
// resulting events.
func (e *Engine) tailTick() {
	paths := discoverTranscripts(e.cfg.StateDir)

	for _, path := range paths {
		e.mu.Lock()
		cursor, known := e.meta.FileCursors[path]
		if !known {
			// First sighting: start at EOF unless backfill is on.
			var offset int64
			if !e.cfg.Backfill {
				if info, err := os.Stat(path); err == nil {
					offset = info.Size()
				}
			}
			cursor = FileCursor{Offset: offset}
			e.meta.FileCursors[path] = cursor
			e.metaDirty = true
		}
		e.mu.Unlock()

		res, err := tailFile(path, cursor.Offset)
		if err != nil {
			// Disappeared between discovery and read: skip this tick.
			continue
		}
		if res.newOffset == cursor.Offset {
			continue
		}

		fc := transcript.ParseSessionFileContext(path)
		var batch []*Event
		if fc != nil {
			binding := e.index.ResolveBinding(fc.AgentID, fc.SessionID, e.labels)
			if binding != nil {
				for _, line := range res.lines {
					parsed := transcript.ParseLine(fc, line)
					if parsed == nil {
						continue
					}
					batch = append(batch, BuildEvents(binding, parsed, e.redactor)...)
				}
			}
		}

		e.mu.Lock()
		e.meta.FileCursors[path] = FileCursor{Offset: res.newOffset}
		e.metaDirty = true
		e.mu.Unlock()

		if len(batch) > 0 {
			e.EnqueueEvents(batch)
		}
	}

	// Cursors moved with no exportable events still need persisting.
	e.mu.Lock()
	dirty := e.metaDirty && len(e.pending) == 0
	e.mu.Unlock()
	if dirty {
		e.Flush()
	}
}

// EnqueueEvents adds events to the in-memory pending list and schedules a
// single-shot debounced flush.
func (e *Engine) EnqueueEvents(events []*Event) {
	if len(events) == 0 {
		return
	}
	e.mu.Lock()
	e.pending = append(e.pending, events...)
	e.mu.Unlock()

	time.AfterFunc(e.cfg.Debounce, func() {
		select {
		case e.flushC <- struct{}{}:
		default:
		}
	})
}

// Flush appends all pending events to spool.jsonl, then persists meta so the
// file cursors that produced them are captured.
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pending) > 0 {
		path := spoolPath(e.cfg.StateDir, e.cfg.PluginID)
		if err := appendLines(path, e.pending); err != nil {
			slog.Error("spool append failed", "error", err)
			return
		}
		if e.events != nil {
			e.events.Broadcast(bus.Event{Name: protocol.EventExportFlushed, Payload: map[string]int{"events": len(e.pending)}})
		}
		e.pending = nil
		e.metaDirty = true
	}

	if e.metaDirty {
		if err := saveMeta(metaPath(e.cfg.StateDir, e.cfg.PluginID), e.meta); err != nil {
			slog.Error("meta persist failed", "error", err)
			return
		}
		e.metaDirty = false
	}
}

func appendLines(path string, events []*Event) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, ev := range events {
		line, err := encodeEvent(ev)
		if err != nil {
			return err
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return f.Sync()
}

// ProcessSpool dispatches spooled events one at a time starting at
// spoolOffset. Success advances the offset; a send failure arms backoff and
// returns. Malformed lines and payloads missing their entity binding are
// skipped (logged, never retried).
func (e *Engine) ProcessSpool(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.meta.NextSendAtMs > 0 && e.now().UnixMilli() < e.meta.NextSendAtMs {
		return
	}

	path := spoolPath(e.cfg.StateDir, e.cfg.PluginID)
	for {
		line, consumed, ok := readSpoolLine(path, e.meta.SpoolOffset)
		if !ok {
			break
		}

		ev := decodeEvent(line)
		if ev == nil {
			slog.Warn("malformed spool line skipped", "offset", e.meta.SpoolOffset)
			e.advanceSpool(consumed)
			continue
		}
		entityType, entityExternalID := ev.entity()
		if entityType == "" || entityExternalID == "" {
			// Legacy or buggy record with no resolvable binding: drop it.
			slog.Warn("spool event without binding dropped", "kind", ev.Kind, "sessionKey", ev.sessionKey())
			e.advanceSpool(consumed)
			continue
		}

		if err := e.sendLocked(ctx, ev); err != nil {
			e.meta.ConsecutiveFailures++
			delay := backoffDelay(e.meta.ConsecutiveFailures)
			e.meta.NextSendAtMs = e.now().Add(delay).UnixMilli()
			e.persistLocked()
			skclient.LogRequestFailure("spool send", err)
			if e.events != nil {
				e.events.Broadcast(bus.Event{Name: protocol.EventExportBackoff, Payload: map[string]any{
					"failures": e.meta.ConsecutiveFailures,
					"delayMs":  delay.Milliseconds(),
				}})
			}
			return
		}

		e.meta.ConsecutiveFailures = 0
		e.meta.NextSendAtMs = 0
		e.advanceSpool(consumed)
		if e.events != nil {
			e.events.Broadcast(bus.Event{Name: protocol.EventExportSent, Payload: map[string]string{"kind": ev.Kind}})
		}
	}

	e.truncateOnDrainLocked(path)
}

// sendLocked ensures the session is attached, then posts the event.
func (e *Engine) sendLocked(ctx context.Context, ev *Event) error {
	entityType, entityExternalID := ev.entity()
	if err := e.ensureAttachedLocked(ctx, ev.sessionKey(), entityType, entityExternalID); err != nil {
		return err
	}
	switch ev.Kind {
	case KindMessage:
		return e.poster.RecordMessage(ctx, *ev.Message)
	case KindToolCall:
		return e.poster.RecordToolCall(ctx, *ev.ToolCall)
	}
	return nil
}

// ensureAttachedLocked posts a RUNNING attach at most once per sessionKey.
// SK treats repeated Attach-RUNNING with the same key as idempotent, so a
// replay after a crash between attach and flag persistence is harmless.
func (e *Engine) ensureAttachedLocked(ctx context.Context, sessionKey, entityType, entityExternalID string) error {
	if sessionKey == "" || e.meta.AttachedSessions[sessionKey] {
		return nil
	}
	err := e.poster.AttachSession(ctx, skclient.AttachSessionRequest{
		SessionKey:       sessionKey,
		EntityType:       entityType,
		EntityExternalID: entityExternalID,
		State:            skclient.SessionRunning,
	})
	if err != nil {
		return err
	}
	e.meta.AttachedSessions[sessionKey] = true
	e.persistLocked()
	return nil
}

func (e *Engine) advanceSpool(consumed int64) {
	e.meta.SpoolOffset += consumed
	e.persistLocked()
}

func (e *Engine) persistLocked() {
	if err := saveMeta(metaPath(e.cfg.StateDir, e.cfg.PluginID), e.meta); err != nil {
		slog.Error("meta persist failed", "error", err)
	}
	e.metaDirty = false
}

// truncateOnDrainLocked rewrites the spool empty once everything spooled has
// been sent, resetting the offset. The shared mutex keeps this from racing
// the flush producer.
func (e *Engine) truncateOnDrainLocked(path string) {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return
	}
	if e.meta.SpoolOffset < info.Size() {
		return
	}
	if err := os.Truncate(path, 0); err != nil {
		slog.Error("spool truncate failed", "error", err)
		return
	}
	e.meta.SpoolOffset = 0
	e.persistLocked()
	slog.Debug("spool drained and truncated", "path", path)
}

// readSpoolLine reads one newline-terminated line at offset. ok is false at
// end-of-spool (or when the file is missing).
func readSpoolLine(path string, offset int64) (line []byte, consumed int64, ok bool) {
	res, err := tailFile(path, offset)
	if err != nil || len(res.lines) == 0 {
		return nil, 0, false
	}
	first := res.lines[0]
	// Consumed bytes for the first line only: its length plus the newline.
	return first, int64(len(first)) + 1, true
}
