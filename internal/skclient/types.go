package skclient

import "encoding/json"

// Entity statuses used by the controller.
const (
	StatusTodo       = "TODO"
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusBlocked    = "BLOCKED"
	StatusCancelled  = "CANCELLED"
)

// Session states.
const (
	SessionRunning   = "RUNNING"
	SessionDone      = "DONE"
	SessionFailed    = "FAILED"
	SessionCancelled = "CANCELLED"
)

// envelope is the { data: ... } wrapper on every SK response body.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

// Project is an SK project row.
type Project struct {
	ID         string `json:"id"`
	ExternalID string `json:"externalId"`
	Name       string `json:"name"`
	Status     string `json:"status,omitempty"`
	Archived   bool   `json:"archived,omitempty"`
}

// WorkItem is an SK work-item row.
type WorkItem struct {
	ID         string `json:"id"`
	ExternalID string `json:"externalId"`
	ProjectID  string `json:"projectId"`
	Title      string `json:"title"`
	Status     string `json:"status,omitempty"`
	Archived   bool   `json:"archived,omitempty"`
}

// Task is an SK task row.
type Task struct {
	ID         string `json:"id"`
	ExternalID string `json:"externalId"`
	WorkItemID string `json:"workItemId"`
	Title      string `json:"title"`
	Status     string `json:"status,omitempty"`
	Archived   bool   `json:"archived,omitempty"`
	LockOwner  string `json:"lockOwner,omitempty"`
}

// Session is an SK execution-session row.
type Session struct {
	ID         string `json:"id"`
	SessionKey string `json:"sessionKey"`
	EntityType string `json:"entityType,omitempty"`
	EntityID   string `json:"entityId,omitempty"`
	State      string `json:"state"`
	StartedAt  string `json:"startedAt,omitempty"`
	EndedAt    string `json:"endedAt,omitempty"`
}

// UpsertProjectRequest creates or updates a project by external ID.
type UpsertProjectRequest struct {
	ExternalID string `json:"externalId"`
	Name       string `json:"name"`
	Status     string `json:"status,omitempty"`
}

// UpsertWorkItemRequest creates or updates a work item by external ID.
type UpsertWorkItemRequest struct {
	ExternalID        string `json:"externalId"`
	ProjectExternalID string `json:"projectExternalId"`
	Title             string `json:"title"`
	Status            string `json:"status,omitempty"`
}

// UpsertTaskRequest creates or updates a task by external ID.
type UpsertTaskRequest struct {
	ExternalID         string `json:"externalId"`
	WorkItemExternalID string `json:"workItemExternalId"`
	Title              string `json:"title"`
	Status             string `json:"status,omitempty"`
}

// AttachSessionRequest binds a sessionKey to an entity in a given state.
// One of EntityID / EntityExternalID must be set.
type AttachSessionRequest struct {
	SessionKey       string `json:"sessionKey"`
	EntityType       string `json:"entityType"`
	EntityID         string `json:"entityId,omitempty"`
	EntityExternalID string `json:"entityExternalId,omitempty"`
	State            string `json:"state"`
	StartedAt        string `json:"startedAt,omitempty"`
	EndedAt          string `json:"endedAt,omitempty"`
	Label            string `json:"label,omitempty"`
}

// RecordMessageRequest is an idempotent message post keyed by messageKey.
type RecordMessageRequest struct {
	SessionKey       string            `json:"sessionKey"`
	EntityType       string            `json:"entityType"`
	EntityExternalID string            `json:"entityExternalId"`
	MessageKey       string            `json:"messageKey"`
	Role             string            `json:"role"`
	Content          string            `json:"content"`
	OccurredAt       *string           `json:"occurredAt"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// RecordToolCallRequest is an idempotent tool-call post keyed by toolCallKey.
type RecordToolCallRequest struct {
	SessionKey       string            `json:"sessionKey"`
	EntityType       string            `json:"entityType"`
	EntityExternalID string            `json:"entityExternalId"`
	ToolCallKey      string            `json:"toolCallKey"`
	ToolName         string            `json:"toolName,omitempty"`
	Status           string            `json:"status"`
	ParamsText       string            `json:"paramsText,omitempty"`
	ResultText       string            `json:"resultText,omitempty"`
	ErrorText        string            `json:"errorText,omitempty"`
	OccurredAt       *string           `json:"occurredAt"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// EventRequest posts an idempotent comment/event by eventId.
type EventRequest struct {
	EventID string `json:"eventId"`
	TaskID  string `json:"taskId,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

// LockRequest acquires or refreshes a task lock.
type LockRequest struct {
	Owner      string `json:"owner"`
	TTLSeconds int    `json:"ttlSeconds"`
}
