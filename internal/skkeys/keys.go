// Package skkeys derives the deterministic identifiers shared by the
// exporter, the reconciler, and the sk-sync controller.
//
// External IDs are colon-separated, exactly:
//
//	project:{projectKey}
//	workitem:{projectKey}:{workItemKey}
//	task:{projectKey}:{workItemKey}:{taskKey}
//
// Keys may not contain ":". Bare (non-colonized) inputs are promoted into the
// canonical form using the ambient parent keys.
package skkeys

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Entity types in Super-Kanban.
const (
	EntityProject  = "PROJECT"
	EntityWorkItem = "WORK_ITEM"
	EntityTask     = "TASK"
)

// ErrInvalidExternalID reports a malformed or mismatched external ID.
var ErrInvalidExternalID = errors.New("invalid external id")

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidExternalID, fmt.Sprintf(format, args...))
}

// Sha256Hex returns the lowercase hex sha256 of s.
func Sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// MakeSkTaskHashLabel builds the hashed session label for a task external ID:
// "SK:TASKH:" + sha256(externalId)[0:16].
func MakeSkTaskHashLabel(externalID string) string {
	return "SK:TASKH:" + Sha256Hex(externalID)[:16]
}

// CanonicalizeProjectExternalID normalizes input into "project:{key}".
func CanonicalizeProjectExternalID(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", invalidf("empty project external id")
	}
	if !strings.Contains(input, ":") {
		return "project:" + input, nil
	}
	parts := strings.Split(input, ":")
	if len(parts) != 2 || parts[0] != "project" || parts[1] == "" {
		return "", invalidf("expected project:{key}, got %q", input)
	}
	return input, nil
}

// CanonicalizeWorkItemExternalID normalizes input into
// "workitem:{projectKey}:{workItemKey}". A colonized input whose project key
// differs from the ambient projectKey is rejected.
func CanonicalizeWorkItemExternalID(input, projectKey string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", invalidf("empty work item external id")
	}
	if err := checkKey(projectKey, "project key"); err != nil {
		return "", err
	}
	if !strings.Contains(input, ":") {
		return "workitem:" + projectKey + ":" + input, nil
	}
	parts := strings.Split(input, ":")
	if len(parts) != 3 || parts[0] != "workitem" || parts[1] == "" || parts[2] == "" {
		return "", invalidf("expected workitem:{projectKey}:{workItemKey}, got %q", input)
	}
	if parts[1] != projectKey {
		return "", invalidf("work item %q does not belong to project %q", input, projectKey)
	}
	return input, nil
}

// CanonicalizeTaskExternalID normalizes input into
// "task:{projectKey}:{workItemKey}:{taskKey}". Cross-level mismatches fail.
func CanonicalizeTaskExternalID(input, projectKey, workItemKey string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", invalidf("empty task external id")
	}
	if err := checkKey(projectKey, "project key"); err != nil {
		return "", err
	}
	if err := checkKey(workItemKey, "work item key"); err != nil {
		return "", err
	}
	if !strings.Contains(input, ":") {
		return "task:" + projectKey + ":" + workItemKey + ":" + input, nil
	}
	parts := strings.Split(input, ":")
	if len(parts) != 4 || parts[0] != "task" || parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return "", invalidf("expected task:{projectKey}:{workItemKey}:{taskKey}, got %q", input)
	}
	if parts[1] != projectKey {
		return "", invalidf("task %q does not belong to project %q", input, projectKey)
	}
	if parts[2] != workItemKey {
		return "", invalidf("task %q does not belong to work item %q", input, workItemKey)
	}
	return input, nil
}

func checkKey(key, what string) error {
	if key == "" {
		return invalidf("missing %s", what)
	}
	if strings.Contains(key, ":") {
		return invalidf("%s %q must not contain ':'", what, key)
	}
	return nil
}

// BuildMessageKey derives the idempotent messageKey for an exported message.
// An explicit messageId wins; otherwise a sha1 over role, occurrence time and
// content keeps replays stable.
func BuildMessageKey(sessionKey, messageID, role string, occurredAtMs int64, content string) string {
	if messageID != "" {
		return sessionKey + ":" + messageID
	}
	return sessionKey + ":msg:" + sha1Hex(fmt.Sprintf("%s|%d|%s", role, occurredAtMs, content))
}

// BuildToolCallKey derives the idempotent toolCallKey for a tool-call record.
func BuildToolCallKey(sessionKey, toolCallID string) string {
	return sessionKey + ":" + toolCallID
}
