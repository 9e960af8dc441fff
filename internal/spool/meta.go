// Package spool is the durable at-least-once export pipeline: a byte-cursor
// tailer over per-session transcripts, a single-writer spool file, and an
// HTTP sender with exponential backoff and crash-safe cursors.
package spool

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
)

// MetaVersion is the persisted meta.json schema version.
const MetaVersion = 1

// FileCursor tracks how far a transcript file has been consumed.
type FileCursor struct {
	Offset int64 `json:"offset"`
}

// Meta is the exporter's crash-safe state, persisted as
// {stateDir}/plugins/{pluginId}/meta.json. Writes are whole-file
// write-temp-then-rename; a corrupt file falls back to defaults.
type Meta struct {
	Version             int                   `json:"version"`
	FileCursors         map[string]FileCursor `json:"fileCursors"`
	SpoolOffset         int64                 `json:"spoolOffset"`
	AttachedSessions    map[string]bool       `json:"attachedSessions"`
	ConsecutiveFailures int                   `json:"consecutiveFailures"`
	NextSendAtMs        int64                 `json:"nextSendAtMs,omitempty"`
}

func newMeta() *Meta {
	return &Meta{
		Version:          MetaVersion,
		FileCursors:      make(map[string]FileCursor),
		AttachedSessions: make(map[string]bool),
	}
}

// metaPath returns the plugin's meta.json location.
func metaPath(stateDir, pluginID string) string {
	return filepath.Join(stateDir, "plugins", pluginID, "meta.json")
}

// spoolPath returns the plugin's spool.jsonl location.
func spoolPath(stateDir, pluginID string) string {
	return filepath.Join(stateDir, "plugins", pluginID, "spool.jsonl")
}

// loadMeta reads meta.json, tolerating a missing or corrupt file by starting
// from defaults (recovery is safe because all downstream posts are
// idempotent by deterministic keys).
func loadMeta(path string) *Meta {
	data, err := os.ReadFile(path)
	if err != nil {
		return newMeta()
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		slog.Warn("meta file corrupt, starting fresh", "path", path, "error", err)
		return newMeta()
	}
	if m.Version != MetaVersion {
		slog.Warn("meta file version mismatch, starting fresh", "path", path, "version", m.Version)
		return newMeta()
	}
	if m.FileCursors == nil {
		m.FileCursors = make(map[string]FileCursor)
	}
	if m.AttachedSessions == nil {
		m.AttachedSessions = make(map[string]bool)
	}
	return &m
}

// saveMeta persists the whole meta file via temp-then-rename so a partial
// write leaves either old or new contents readable.
func saveMeta(path string, m *Meta) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "meta-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
