package gateway

import (
	"sync"
	"time"
)

// PresenceEntry is one client's advertised presence.
type PresenceEntry struct {
	ConnID  string `json:"connId"`
	Role    string `json:"role,omitempty"`
	Status  string `json:"status,omitempty"`
	SinceMs int64  `json:"sinceMs"`
}

// PresenceSnapshot is the versioned fan-out payload.
type PresenceSnapshot struct {
	PresenceVersion uint64          `json:"presenceVersion"`
	HealthVersion   uint64          `json:"healthVersion"`
	Entries         []PresenceEntry `json:"entries"`
}

// PresenceTracker keeps per-connection presence with monotonic versions.
// Versions are bumped before every snapshot so receivers can discard stale
// fan-outs.
type PresenceTracker struct {
	mu              sync.Mutex
	presenceVersion uint64
	healthVersion   uint64
	entries         map[string]PresenceEntry
}

// NewPresenceTracker builds an empty tracker.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{entries: make(map[string]PresenceEntry)}
}

// Set records a client's presence.
func (p *PresenceTracker) Set(connID, role, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[connID] = PresenceEntry{
		ConnID:  connID,
		Role:    role,
		Status:  status,
		SinceMs: time.Now().UnixMilli(),
	}
}

// Remove drops a client's presence.
func (p *PresenceTracker) Remove(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, connID)
}

// Snapshot bumps both versions and returns the current view.
func (p *PresenceTracker) Snapshot() PresenceSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presenceVersion++
	p.healthVersion++
	entries := make([]PresenceEntry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	return PresenceSnapshot{
		PresenceVersion: p.presenceVersion,
		HealthVersion:   p.healthVersion,
		Entries:         entries,
	}
}

// Versions returns the current version counters without bumping.
func (p *PresenceTracker) Versions() (presence, health uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.presenceVersion, p.healthVersion
}
