package skkeys

import "strings"

// MaxSessionLabelLength is the hard cap enforced by the agent runtime on
// session labels. Longer labels are truncated deterministically so the same
// input always yields the same label.
const MaxSessionLabelLength = 64

// RoutingLabel is the parsed form of an SK session label.
//
// Direct labels carry the entity inline:
//
//	SK:PROJECT:{externalId}
//	SK:WORK_ITEM:{externalId}
//	SK:TASK:{externalId}
//
// Hashed labels defer resolution to the label map:
//
//	SK:TASKH:{sha256(externalId)[0:16]}
type RoutingLabel struct {
	Direct           bool
	EntityType       string
	EntityExternalID string

	TaskHash bool
	Label    string
	Hash     string
}

// ParseSkRoutingLabel parses a session label. Returns nil when the label is
// not SK-routed.
func ParseSkRoutingLabel(label string) *RoutingLabel {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil
	}
	if rest, ok := strings.CutPrefix(label, "SK:TASKH:"); ok {
		if len(rest) != 16 || !isHex(rest) {
			return nil
		}
		return &RoutingLabel{TaskHash: true, Label: label, Hash: rest}
	}
	for prefix, entityType := range map[string]string{
		"SK:PROJECT:":   EntityProject,
		"SK:WORK_ITEM:": EntityWorkItem,
		"SK:TASK:":      EntityTask,
	} {
		if rest, ok := strings.CutPrefix(label, prefix); ok && rest != "" {
			return &RoutingLabel{Direct: true, EntityType: entityType, EntityExternalID: rest}
		}
	}
	return nil
}

// TruncateSessionLabel caps a label at MaxSessionLabelLength. A cut label is
// rewritten as {head}~{sha256(label)[0:10]} so distinct long labels stay
// distinct and the result is stable across processes.
func TruncateSessionLabel(label string) string {
	label = strings.TrimSpace(label)
	if len(label) <= MaxSessionLabelLength {
		return label
	}
	suffix := "~" + Sha256Hex(label)[:10]
	return label[:MaxSessionLabelLength-len(suffix)] + suffix
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
