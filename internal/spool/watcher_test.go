package spool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherWakesOnTranscriptWrite(t *testing.T) {
	stateDir := t.TempDir()
	sessions := filepath.Join(stateDir, "agents", "work", "sessions")
	if err := os.MkdirAll(sessions, 0o755); err != nil {
		t.Fatal(err)
	}

	woke := make(chan struct{}, 8)
	w := NewWatcher(stateDir, func() {
		select {
		case woke <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Give the watcher a moment to register its targets.
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(sessions, "abc-123.jsonl")
	if err := os.WriteFile(path, []byte(`{"type":"user"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("no wake after transcript write")
	}
}

func TestWatcherIgnoresNonTranscriptFiles(t *testing.T) {
	stateDir := t.TempDir()
	sessions := filepath.Join(stateDir, "agents", "work", "sessions")
	if err := os.MkdirAll(sessions, 0o755); err != nil {
		t.Fatal(err)
	}

	woke := make(chan struct{}, 8)
	w := NewWatcher(stateDir, func() {
		select {
		case woke <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(sessions, "sessions.json"), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-woke:
		t.Fatal("woke for non-transcript file")
	case <-time.After(300 * time.Millisecond):
	}
}
