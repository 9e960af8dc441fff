// Package reconcile replays archived transcripts into Super-Kanban using the
// exact key derivation and payload rules of the live exporter.
package reconcile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/nextlevelbuilder/superkanban/internal/skclient"
)

// LabelMapEntry maps a task external ID to its hashed session label.
type LabelMapEntry struct {
	ExternalID string `json:"externalId"`
	Label      string `json:"label"`
	Hash       string `json:"hash"`
}

// LabelMap is the persistent hash→externalId store backing SK:TASKH label
// resolution. The file is append-only and deduplicated: an entry matching an
// existing one on any of the three fields is not added again.
type LabelMap struct {
	path string

	mu      sync.Mutex
	entries []LabelMapEntry
	byHash  map[string]string
}

// LabelMapPath resolves the label-map location: the env override, else
// {stateDir}/Exports/label-map.json.
func LabelMapPath(stateDir string) string {
	if p := os.Getenv(skclient.EnvLabelMapPath); p != "" {
		return p
	}
	return filepath.Join(stateDir, "Exports", "label-map.json")
}

// OpenLabelMap loads the map at path, tolerating a missing file.
func OpenLabelMap(path string) (*LabelMap, error) {
	m := &LabelMap{path: path, byHash: make(map[string]string)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &m.entries); err != nil {
		return nil, err
	}
	for _, e := range m.entries {
		if e.Hash != "" && e.ExternalID != "" {
			m.byHash[e.Hash] = e.ExternalID
		}
	}
	return m, nil
}

// Resolve implements transcript.LabelResolver.
func (m *LabelMap) Resolve(hash string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.byHash[hash]
	return v, ok
}

// Append adds a discovered mapping and persists the file. Duplicates by any
// field are dropped silently.
func (m *LabelMap) Append(entry LabelMapEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.ExternalID == entry.ExternalID || e.Label == entry.Label || e.Hash == entry.Hash {
			return nil
		}
	}
	m.entries = append(m.entries, entry)
	m.byHash[entry.Hash] = entry.ExternalID

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

// Len returns the number of stored mappings.
func (m *LabelMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
