// Package skclient is the typed HTTP client for the Super-Kanban API.
//
// The base URL is normalized to end in "/api": a configured URL already
// carrying "/api" or "/api/integrations/openclaw" is stripped back down and
// "/api" re-appended, so all callers can pass paths relative to the API root.
package skclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Timeout bounds.
const (
	DefaultTimeout = 10 * time.Second
	MinTimeout     = 500 * time.Millisecond
)

// Overridable write paths (see the reconcile CLI flags).
const (
	DefaultAttachPath    = "/integrations/openclaw/sessions/attach"
	DefaultMessagesPath  = "/integrations/openclaw/sessions/messages"
	DefaultToolCallsPath = "/integrations/openclaw/sessions/tool-calls"
)

// APIError is a non-2xx response with its status and (possibly truncated)
// body. It is not retriable.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("super-kanban: HTTP %d", e.Status)
	}
	return fmt.Sprintf("super-kanban: HTTP %d: %s", e.Status, e.Body)
}

// IsConflict reports a lock conflict (423 Locked or 409 Conflict).
func (e *APIError) IsConflict() bool {
	return e.Status == http.StatusLocked || e.Status == http.StatusConflict
}

// Client talks to Super-Kanban. Safe for concurrent use.
type Client struct {
	baseURL string
	auth    *Auth
	http    *http.Client
	timeout time.Duration
	tracer  trace.Tracer

	attachPath    string
	messagesPath  string
	toolCallsPath string
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Auth    *Auth
	Timeout time.Duration

	// HTTPClient overrides the transport (tests, diagnostic tap).
	HTTPClient *http.Client

	AttachPath    string
	MessagesPath  string
	ToolCallsPath string
}

// New builds a Client. The base URL is required; auth may be empty and will
// then fail on first request.
func New(opts Options) (*Client, error) {
	base, err := NormalizeBaseURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout < MinTimeout {
		timeout = MinTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	auth := opts.Auth
	if auth == nil {
		auth = &Auth{}
	}
	c := &Client{
		baseURL:       base,
		auth:          auth,
		http:          hc,
		timeout:       timeout,
		tracer:        otel.Tracer("skclient"),
		attachPath:    opts.AttachPath,
		messagesPath:  opts.MessagesPath,
		toolCallsPath: opts.ToolCallsPath,
	}
	if c.attachPath == "" {
		c.attachPath = DefaultAttachPath
	}
	if c.messagesPath == "" {
		c.messagesPath = DefaultMessagesPath
	}
	if c.toolCallsPath == "" {
		c.toolCallsPath = DefaultToolCallsPath
	}
	return c, nil
}

// NormalizeBaseURL canonicalizes a configured base URL to "<origin>/.../api".
func NormalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("super-kanban base URL not configured")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid super-kanban base URL %q", raw)
	}
	p := strings.TrimRight(u.Path, "/")
	p = strings.TrimSuffix(p, "/api/integrations/openclaw")
	p = strings.TrimSuffix(p, "/api")
	u.Path = p + "/api"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Auth returns the client's credential resolver (for startup checks).
func (c *Client) Auth() *Auth { return c.auth }

// do issues one bounded request and decodes the { data: ... } envelope into
// out (when non-nil). A nil body means no request payload.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "sk."+method,
		trace.WithAttributes(attribute.String("http.path", path)))
	defer span.End()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.auth.Apply(req); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		span.RecordError(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		raw = env.Data
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// --- Integration writes ---

// UpsertProject creates or updates a project by external ID.
func (c *Client) UpsertProject(ctx context.Context, req UpsertProjectRequest) (*Project, error) {
	var out Project
	if err := c.do(ctx, http.MethodPost, "/integrations/openclaw/projects/upsert", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertWorkItem creates or updates a work item by external ID.
func (c *Client) UpsertWorkItem(ctx context.Context, req UpsertWorkItemRequest) (*WorkItem, error) {
	var out WorkItem
	if err := c.do(ctx, http.MethodPost, "/integrations/openclaw/work-items/upsert", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertTask creates or updates a task by external ID.
func (c *Client) UpsertTask(ctx context.Context, req UpsertTaskRequest) (*Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodPost, "/integrations/openclaw/tasks/upsert", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AttachSession binds a sessionKey to an entity. A request missing both
// entityId and entityExternalId is a programming error the server rejects.
func (c *Client) AttachSession(ctx context.Context, req AttachSessionRequest) error {
	return c.do(ctx, http.MethodPost, c.attachPath, req, nil)
}

// RecordMessage posts one idempotent message.
func (c *Client) RecordMessage(ctx context.Context, req RecordMessageRequest) error {
	return c.do(ctx, http.MethodPost, c.messagesPath, req, nil)
}

// RecordToolCall posts one idempotent tool-call record.
func (c *Client) RecordToolCall(ctx context.Context, req RecordToolCallRequest) error {
	return c.do(ctx, http.MethodPost, c.toolCallsPath, req, nil)
}

// PostEvent posts an idempotent comment/event.
func (c *Client) PostEvent(ctx context.Context, req EventRequest) error {
	return c.do(ctx, http.MethodPost, "/integrations/openclaw/events", req, nil)
}

// LockTask acquires or refreshes the lock on a task. A held lock surfaces as
// an *APIError with IsConflict() true.
func (c *Client) LockTask(ctx context.Context, taskID, owner string, ttlSeconds int) error {
	path := fmt.Sprintf("/integrations/openclaw/tasks/%s/lock", url.PathEscape(taskID))
	return c.do(ctx, http.MethodPost, path, LockRequest{Owner: owner, TTLSeconds: ttlSeconds}, nil)
}

// UnlockTask releases a task lock.
func (c *Client) UnlockTask(ctx context.Context, taskID, owner string) error {
	path := fmt.Sprintf("/integrations/openclaw/tasks/%s/unlock", url.PathEscape(taskID))
	return c.do(ctx, http.MethodPost, path, LockRequest{Owner: owner}, nil)
}

// PatchTaskStatus updates a task's status.
func (c *Client) PatchTaskStatus(ctx context.Context, taskID, status string) error {
	path := fmt.Sprintf("/tasks/%s", url.PathEscape(taskID))
	return c.do(ctx, http.MethodPatch, path, map[string]string{"status": status}, nil)
}

// PatchProjectArchived flips a project's archived flag.
func (c *Client) PatchProjectArchived(ctx context.Context, projectID string, archived bool) error {
	path := fmt.Sprintf("/projects/%s", url.PathEscape(projectID))
	return c.do(ctx, http.MethodPatch, path, map[string]bool{"archived": archived}, nil)
}

// PatchWorkItemStatus updates a work item's status.
func (c *Client) PatchWorkItemStatus(ctx context.Context, workItemID, status string) error {
	path := fmt.Sprintf("/work-items/%s", url.PathEscape(workItemID))
	return c.do(ctx, http.MethodPatch, path, map[string]string{"status": status}, nil)
}

// --- UI reads ---

// ListProjects lists projects, optionally including archived ones.
func (c *Client) ListProjects(ctx context.Context, includeArchived bool) ([]Project, error) {
	path := "/projects"
	if includeArchived {
		path += "?includeArchived=true"
	}
	var out []Project
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetProject fetches one project.
func (c *Client) GetProject(ctx context.Context, id string) (*Project, error) {
	var out Project
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetWorkItem fetches one work item.
func (c *Client) GetWorkItem(ctx context.Context, id string) (*WorkItem, error) {
	var out WorkItem
	if err := c.do(ctx, http.MethodGet, "/work-items/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListWorkItems lists a project's work items.
func (c *Client) ListWorkItems(ctx context.Context, projectID string) ([]WorkItem, error) {
	var out []WorkItem
	path := "/projects/" + url.PathEscape(projectID) + "/work-items"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListTasks lists a work item's tasks.
func (c *Client) ListTasks(ctx context.Context, workItemID string) ([]Task, error) {
	var out []Task
	path := "/work-items/" + url.PathEscape(workItemID) + "/tasks"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListEntitySessions lists the latest execution sessions for an entity
// (limit 50, newest first).
func (c *Client) ListEntitySessions(ctx context.Context, entityType, entityID string) ([]Session, error) {
	var segment string
	switch entityType {
	case "PROJECT":
		segment = "projects"
	case "WORK_ITEM":
		segment = "work-items"
	case "TASK":
		segment = "tasks"
	default:
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
	path := fmt.Sprintf("/%s/%s/sessions?limit=50", segment, url.PathEscape(entityID))
	var out []Session
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveSession looks a session up by sessionKey. A 404 means "not known"
// and returns (nil, nil).
func (c *Client) ResolveSession(ctx context.Context, sessionKey string) (*Session, error) {
	path := "/sessions/resolve?sessionKey=" + url.QueryEscape(sessionKey)
	var out Session
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

// LogRequestFailure logs a failed SK call at the right severity: conflicts
// are expected control flow, everything else is an error.
func LogRequestFailure(op string, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.IsConflict() {
		slog.Info("super-kanban conflict", "op", op, "status", apiErr.Status)
		return
	}
	slog.Error("super-kanban request failed", "op", op, "error", err)
}
