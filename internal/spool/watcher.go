package spool

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher wakes the engine when a transcript grows, so appended lines export
// after one debounce instead of waiting out the poll interval. The poll tick
// stays as the fallback for missed events.
type Watcher struct {
	stateDir string
	wake     func()
}

// NewWatcher creates a watcher over the agent session directories.
func NewWatcher(stateDir string, wake func()) *Watcher {
	return &Watcher{stateDir: stateDir, wake: wake}
}

// Run watches until ctx is cancelled. Directory churn (new agents) is picked
// up by re-adding watch targets whenever a create event lands.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	w.addTargets(fw)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) {
				w.addTargets(fw)
			}
			if strings.HasSuffix(ev.Name, ".jsonl") && (ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create)) {
				w.wake()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("transcript watcher error", "error", err)
		}
	}
}

// addTargets watches the agents root plus every per-agent sessions dir.
// Re-adding an already watched directory is a no-op for fsnotify.
func (w *Watcher) addTargets(fw *fsnotify.Watcher) {
	agentsDir := filepath.Join(w.stateDir, "agents")
	if err := fw.Add(agentsDir); err != nil {
		slog.Debug("transcript watcher add failed", "dir", agentsDir, "error", err)
	}
	entries, err := os.ReadDir(agentsDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(agentsDir, e.Name(), "sessions")
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := fw.Add(dir); err != nil {
			slog.Debug("transcript watcher add failed", "dir", dir, "error", err)
		}
	}
}
