package sksync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/superkanban/pkg/protocol"
)

// WakeLane is the agent lane carrying parent wake-ups.
const WakeLane = "sk-sync-wake"

// AgentCaller issues one agent RPC against the gateway. Implemented by the
// gateway RPC client; tests stub it.
type AgentCaller interface {
	CallAgent(ctx context.Context, params protocol.AgentParams) error
}

type wakeEntry struct {
	parentSessionKey string
	childSessionKey  string
}

// Waker wakes a parent session at most once per runId when its child ends.
// Entries are removed after the attempt whether or not the RPC succeeds.
type Waker struct {
	caller AgentCaller

	mu      sync.Mutex
	entries map[string]wakeEntry
}

// NewWaker builds a tracker sending wakes through caller.
func NewWaker(caller AgentCaller) *Waker {
	return &Waker{caller: caller, entries: make(map[string]wakeEntry)}
}

// Track registers a pending wake for runID.
func (w *Waker) Track(runID, parentSessionKey, childSessionKey string) {
	if runID == "" || parentSessionKey == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[runID] = wakeEntry{
		parentSessionKey: parentSessionKey,
		childSessionKey:  childSessionKey,
	}
}

// Pending reports whether runID still awaits a wake.
func (w *Waker) Pending(runID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.entries[runID]
	return ok
}

// Wake issues the single parent wake for runID. Subsequent calls for the same
// runID are no-ops.
func (w *Waker) Wake(ctx context.Context, runID, status, outcome string) {
	w.mu.Lock()
	entry, ok := w.entries[runID]
	delete(w.entries, runID)
	w.mu.Unlock()
	if !ok {
		return
	}

	notice := fmt.Sprintf("Subagent finished: status=%s outcome=%s child=%s run=%s",
		status, outcome, entry.childSessionKey, runID)
	err := w.caller.CallAgent(ctx, protocol.AgentParams{
		SessionKey:     entry.parentSessionKey,
		Message:        notice,
		Deliver:        false,
		Lane:           WakeLane,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		slog.Warn("parent wake failed",
			"runId", runID,
			"parent", entry.parentSessionKey,
			"error", err)
		return
	}
	slog.Info("parent woken", "runId", runID, "parent", entry.parentSessionKey)
}
