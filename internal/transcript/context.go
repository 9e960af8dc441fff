package transcript

import (
	"net/url"
	"path/filepath"
	"strings"
)

// FileContext identifies the session a transcript file belongs to, derived
// from its path:
//
//	.../agents/{agentId}/sessions/{sessionId}[-topic-{urlEncodedTopic}].jsonl
type FileContext struct {
	Path      string
	AgentID   string
	SessionID string
	TopicID   string
}

// ParseSessionFileContext extracts the file context from an absolute
// transcript path. Returns nil when no session id can be derived.
func ParseSessionFileContext(path string) *FileContext {
	base := filepath.Base(path)
	name, ok := strings.CutSuffix(base, ".jsonl")
	if !ok || name == "" {
		return nil
	}

	fc := &FileContext{Path: path, SessionID: name}

	// Topic suffix: {sessionId}-topic-{urlEncodedTopic}
	if idx := strings.LastIndex(name, "-topic-"); idx > 0 {
		fc.SessionID = name[:idx]
		encoded := name[idx+len("-topic-"):]
		if decoded, err := url.QueryUnescape(encoded); err == nil {
			fc.TopicID = decoded
		} else {
			fc.TopicID = encoded
		}
	}
	if fc.SessionID == "" {
		return nil
	}

	// Agent id from the canonical .../agents/{agentId}/sessions/... shape.
	dir := filepath.ToSlash(filepath.Dir(path))
	parts := strings.Split(dir, "/")
	for i := len(parts) - 1; i >= 1; i-- {
		if parts[i] == "sessions" && i >= 2 && parts[i-2] == "agents" {
			fc.AgentID = parts[i-1]
			break
		}
	}
	return fc
}
