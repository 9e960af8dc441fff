package transcript

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/superkanban/internal/skkeys"
)

// indexEntry is one record of the agent runtime's sessions.json:
// { [sessionKey]: { sessionId, label? } }.
type indexEntry struct {
	SessionID string `json:"sessionId"`
	Label     string `json:"label,omitempty"`
}

// SessionIndex reads the per-agent sessions.json files under stateDir and
// answers reverse lookups from sessionId to (sessionKey, label). Each file is
// reloaded when its modification timestamp changes; the cached map is
// replaced atomically under the lock.
type SessionIndex struct {
	stateDir string

	mu    sync.Mutex
	files map[string]*indexFile // keyed by agentId
}

type indexFile struct {
	modTime time.Time
	// sessionId → (sessionKey, label)
	bySessionID map[string]indexBinding
}

type indexBinding struct {
	sessionKey string
	label      string
}

// NewSessionIndex creates an index rooted at stateDir.
func NewSessionIndex(stateDir string) *SessionIndex {
	return &SessionIndex{stateDir: stateDir, files: make(map[string]*indexFile)}
}

// Lookup resolves a sessionId for an agent into its sessionKey and label.
func (idx *SessionIndex) Lookup(agentID, sessionID string) (sessionKey, label string, ok bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	f := idx.ensureFresh(agentID)
	if f == nil {
		return "", "", false
	}
	b, ok := f.bySessionID[sessionID]
	if !ok {
		return "", "", false
	}
	return b.sessionKey, b.label, true
}

// LabelResolver maps a 16-hex task-label hash to its external ID.
// Implemented by the persistent label map; nil means hashed labels stay
// unresolved.
type LabelResolver interface {
	Resolve(hash string) (externalID string, ok bool)
}

// ResolveBinding returns the Super-Kanban binding for an (agentId, sessionId)
// pair, or nil when the session is not SK-routed; callers skip silently.
func (idx *SessionIndex) ResolveBinding(agentID, sessionID string, labels LabelResolver) *Binding {
	sessionKey, label, ok := idx.Lookup(agentID, sessionID)
	if !ok {
		return nil
	}
	routing := skkeys.ParseSkRoutingLabel(label)
	if routing == nil {
		return nil
	}
	if routing.Direct {
		return &Binding{
			SessionKey:       sessionKey,
			Label:            label,
			EntityType:       routing.EntityType,
			EntityExternalID: routing.EntityExternalID,
		}
	}
	if labels == nil {
		return nil
	}
	externalID, ok := labels.Resolve(routing.Hash)
	if !ok {
		return nil
	}
	return &Binding{
		SessionKey:       sessionKey,
		Label:            label,
		EntityType:       skkeys.EntityTask,
		EntityExternalID: externalID,
	}
}

// IndexedSession is one row of the cross-agent session listing.
type IndexedSession struct {
	AgentID    string
	SessionID  string
	SessionKey string
	Label      string
}

// Entries lists every indexed session across all agents under stateDir.
func (idx *SessionIndex) Entries() []IndexedSession {
	agentsDir := filepath.Join(idx.stateDir, "agents")
	dirs, err := os.ReadDir(agentsDir)
	if err != nil {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	var out []IndexedSession
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		f := idx.ensureFresh(d.Name())
		if f == nil {
			continue
		}
		for sessionID, b := range f.bySessionID {
			out = append(out, IndexedSession{
				AgentID:    d.Name(),
				SessionID:  sessionID,
				SessionKey: b.sessionKey,
				Label:      b.label,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentID != out[j].AgentID {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].SessionKey < out[j].SessionKey
	})
	return out
}

// ensureFresh reloads an agent's sessions.json when its mtime changed.
// Caller holds idx.mu.
func (idx *SessionIndex) ensureFresh(agentID string) *indexFile {
	path := filepath.Join(idx.stateDir, "agents", agentID, "sessions", "sessions.json")
	info, err := os.Stat(path)
	if err != nil {
		delete(idx.files, agentID)
		return nil
	}

	cached := idx.files[agentID]
	if cached != nil && cached.modTime.Equal(info.ModTime()) {
		return cached
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cached
	}
	var raw map[string]indexEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Warn("sessions index unreadable", "agent", agentID, "error", err)
		return cached
	}

	f := &indexFile{modTime: info.ModTime(), bySessionID: make(map[string]indexBinding, len(raw))}
	for sessionKey, entry := range raw {
		if entry.SessionID == "" {
			continue
		}
		f.bySessionID[entry.SessionID] = indexBinding{sessionKey: sessionKey, label: entry.Label}
	}
	idx.files[agentID] = f
	return f
}
