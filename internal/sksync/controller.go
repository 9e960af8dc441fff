// Package sksync is the session controller bridging agent runs and
// Super-Kanban. It exposes the spawn tool, reconciles session lifecycle
// events back into SK, and wakes parent sessions when children finish.
package sksync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/superkanban/internal/skclient"
	"github.com/nextlevelbuilder/superkanban/internal/skkeys"
)

// Spawn levels.
const (
	LevelOrion  = "ORION"
	LevelAtlas  = "ATLAS"
	LevelWorker = "WORKER"
)

// Spawn result statuses.
const (
	StatusSpawned  = "spawned"
	StatusReused   = "reused"
	StatusConflict = "conflict"
)

// Task lock TTL bounds.
const (
	DefaultTaskLockTTLSeconds = 3600
	MinTaskLockTTLSeconds     = 60
)

// SpawnParams is the payload of the agent-callable spawn tool.
type SpawnParams struct {
	Level string `json:"level"`
	Task  string `json:"task"`
	Label string `json:"label,omitempty"`

	ProjectKey    string `json:"projectKey"`
	ProjectName   string `json:"projectName,omitempty"`
	WorkItemKey   string `json:"workItemKey,omitempty"`
	WorkItemTitle string `json:"workItemTitle,omitempty"`
	TaskKey       string `json:"taskKey,omitempty"`
	TaskTitle     string `json:"taskTitle,omitempty"`

	AgentID           string `json:"agentId,omitempty"`
	WakeParentOnEnd   *bool  `json:"wakeParentOnEnd,omitempty"`
	Model             string `json:"model,omitempty"`
	Thinking          string `json:"thinking,omitempty"`
	Cwd               string `json:"cwd,omitempty"`
	RunTimeoutSeconds int    `json:"runTimeoutSeconds,omitempty"`
}

// SpawnResult is the structured tool response. Conflict is a normal outcome,
// not an error.
type SpawnResult struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`

	RunID            string `json:"runId,omitempty"`
	ChildSessionKey  string `json:"childSessionKey,omitempty"`
	EntityType       string `json:"entityType"`
	EntityExternalID string `json:"entityExternalId"`
	EntityID         string `json:"entityId,omitempty"`
	Label            string `json:"label,omitempty"`
}

// SpawnSessionRequest is what the controller hands to the agent runtime.
type SpawnSessionRequest struct {
	Task              string
	Label             string
	AgentID           string
	Model             string
	Thinking          string
	Cwd               string
	RunTimeoutSeconds int
	Mode              string
	Cleanup           string
}

// SpawnSessionResult is the runtime's answer to a spawn request.
type SpawnSessionResult struct {
	Accepted   bool
	RunID      string
	SessionKey string
}

// SessionRuntime is the slice of the agent runtime the controller needs:
// spawning new sessions and forwarding work into existing ones.
type SessionRuntime interface {
	SpawnSession(ctx context.Context, req SpawnSessionRequest) (SpawnSessionResult, error)
	SendToSession(ctx context.Context, sessionKey, message string) error
}

// KanbanAPI is the slice of the SK client used by the controller.
type KanbanAPI interface {
	UpsertProject(ctx context.Context, req skclient.UpsertProjectRequest) (*skclient.Project, error)
	UpsertWorkItem(ctx context.Context, req skclient.UpsertWorkItemRequest) (*skclient.WorkItem, error)
	UpsertTask(ctx context.Context, req skclient.UpsertTaskRequest) (*skclient.Task, error)
	AttachSession(ctx context.Context, req skclient.AttachSessionRequest) error
	ListEntitySessions(ctx context.Context, entityType, entityID string) ([]skclient.Session, error)
	ResolveSession(ctx context.Context, sessionKey string) (*skclient.Session, error)
	LockTask(ctx context.Context, taskID, owner string, ttlSeconds int) error
	UnlockTask(ctx context.Context, taskID, owner string) error
	PatchTaskStatus(ctx context.Context, taskID, status string) error
}

// Config tunes the controller.
type Config struct {
	TaskLockTTLSeconds int
}

func (c *Config) normalize() {
	if c.TaskLockTTLSeconds <= 0 {
		c.TaskLockTTLSeconds = DefaultTaskLockTTLSeconds
	}
	if c.TaskLockTTLSeconds < MinTaskLockTTLSeconds {
		c.TaskLockTTLSeconds = MinTaskLockTTLSeconds
	}
}

// trackedRun is everything remembered about a session the controller spawned.
type trackedRun struct {
	runID            string
	parentSessionKey string
	childSessionKey  string
	entityType       string
	entityExternalID string
	entityID         string
	taskID           string
	lockOwner        string
	wakeParentOnEnd  bool
	closed           bool
}

// Controller implements the spawn tool and the lifecycle hooks.
type Controller struct {
	cfg     Config
	sk      KanbanAPI
	runtime SessionRuntime
	waker   *Waker
	now     func() time.Time

	mu sync.Mutex
	// childSessionKey → trackedRun
	runs map[string]*trackedRun
	// childSessionKey → requester sessionKey, from subagent_spawned
	requesterByChild map[string]string
}

// NewController wires a controller. waker may be nil when parent wake-up is
// disabled globally.
func NewController(cfg Config, sk KanbanAPI, runtime SessionRuntime, waker *Waker) *Controller {
	cfg.normalize()
	return &Controller{
		cfg:              cfg,
		sk:               sk,
		runtime:          runtime,
		waker:            waker,
		now:              time.Now,
		runs:             make(map[string]*trackedRun),
		requesterByChild: make(map[string]string),
	}
}

// Spawn runs the spawn tool on behalf of parentSessionKey.
func (c *Controller) Spawn(ctx context.Context, parentSessionKey string, p SpawnParams) (*SpawnResult, error) {
	level := strings.ToUpper(strings.TrimSpace(p.Level))
	switch level {
	case LevelOrion, LevelAtlas, LevelWorker:
	default:
		return nil, fmt.Errorf("unknown spawn level %q", p.Level)
	}
	if strings.TrimSpace(p.Task) == "" {
		return nil, errors.New("spawn requires a task description")
	}

	ids, err := c.canonicalize(level, &p)
	if err != nil {
		return nil, err
	}

	entity, err := c.upsertEntities(ctx, level, &p, ids)
	if err != nil {
		return nil, err
	}

	label := p.Label
	if label == "" && entity.Type == skkeys.EntityTask {
		label = skkeys.MakeSkTaskHashLabel(entity.ExternalID)
	}
	label = skkeys.TruncateSessionLabel(label)

	if level == LevelWorker {
		err := c.sk.LockTask(ctx, entity.ID, parentSessionKey, c.cfg.TaskLockTTLSeconds)
		if err != nil {
			var apiErr *skclient.APIError
			if errors.As(err, &apiErr) && apiErr.IsConflict() {
				slog.Info("task already locked", "task", entity.ExternalID, "owner", parentSessionKey)
				return &SpawnResult{
					Status:           StatusConflict,
					Reason:           "task_locked",
					EntityType:       entity.Type,
					EntityExternalID: entity.ExternalID,
					EntityID:         entity.ID,
				}, nil
			}
			return nil, fmt.Errorf("lock task %s: %w", entity.ExternalID, err)
		}
	}

	if level != LevelWorker {
		if res := c.tryReuse(ctx, entity, p.Task, label); res != nil {
			return res, nil
		}
	}

	spawned, err := c.runtime.SpawnSession(ctx, SpawnSessionRequest{
		Task:              p.Task,
		Label:             label,
		AgentID:           p.AgentID,
		Model:             p.Model,
		Thinking:          p.Thinking,
		Cwd:               p.Cwd,
		RunTimeoutSeconds: p.RunTimeoutSeconds,
		Mode:              "run",
		Cleanup:           "keep",
	})
	if err != nil || !spawned.Accepted {
		if level == LevelWorker {
			if uerr := c.sk.UnlockTask(ctx, entity.ID, parentSessionKey); uerr != nil {
				skclient.LogRequestFailure("unlockTask", uerr)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("spawn session: %w", err)
		}
		return nil, errors.New("spawn session: not accepted by runtime")
	}

	wake := p.WakeParentOnEnd == nil || *p.WakeParentOnEnd
	c.track(&trackedRun{
		runID:            spawned.RunID,
		parentSessionKey: parentSessionKey,
		childSessionKey:  spawned.SessionKey,
		entityType:       entity.Type,
		entityExternalID: entity.ExternalID,
		entityID:         entity.ID,
		taskID:           entity.taskID(),
		lockOwner:        parentSessionKey,
		wakeParentOnEnd:  wake,
	})
	if c.waker != nil && wake {
		c.waker.Track(spawned.RunID, parentSessionKey, spawned.SessionKey)
	}

	if err := c.sk.AttachSession(ctx, skclient.AttachSessionRequest{
		SessionKey:       spawned.SessionKey,
		EntityType:       entity.Type,
		EntityID:         entity.ID,
		EntityExternalID: entity.ExternalID,
		State:            skclient.SessionRunning,
		StartedAt:        c.now().UTC().Format(time.RFC3339),
		Label:            label,
	}); err != nil {
		skclient.LogRequestFailure("attachSession", err)
	}

	return &SpawnResult{
		Status:           StatusSpawned,
		RunID:            spawned.RunID,
		ChildSessionKey:  spawned.SessionKey,
		EntityType:       entity.Type,
		EntityExternalID: entity.ExternalID,
		EntityID:         entity.ID,
		Label:            label,
	}, nil
}

// boundEntity is the SK entity a spawn binds to, by level.
type boundEntity struct {
	Type       string
	ID         string
	ExternalID string
	isTask     bool
}

func (e *boundEntity) taskID() string {
	if e.isTask {
		return e.ID
	}
	return ""
}

type canonicalIDs struct {
	project  string
	workItem string
	task     string
}

func (c *Controller) canonicalize(level string, p *SpawnParams) (*canonicalIDs, error) {
	ids := &canonicalIDs{}
	var err error
	ids.project, err = skkeys.CanonicalizeProjectExternalID(p.ProjectKey)
	if err != nil {
		return nil, err
	}
	projectKey := strings.TrimPrefix(ids.project, "project:")

	if level == LevelAtlas || level == LevelWorker {
		input := p.WorkItemKey
		if input == "" {
			return nil, fmt.Errorf("%s spawn requires a work item key", level)
		}
		ids.workItem, err = skkeys.CanonicalizeWorkItemExternalID(input, projectKey)
		if err != nil {
			return nil, err
		}
	}
	if level == LevelWorker {
		input := p.TaskKey
		if input == "" {
			return nil, errors.New("WORKER spawn requires a task key")
		}
		parts := strings.Split(ids.workItem, ":")
		ids.task, err = skkeys.CanonicalizeTaskExternalID(input, projectKey, parts[2])
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// upsertEntities creates the entity chain bottom-up relative to level and
// returns the entity the session binds to.
func (c *Controller) upsertEntities(ctx context.Context, level string, p *SpawnParams, ids *canonicalIDs) (*boundEntity, error) {
	name := p.ProjectName
	if name == "" {
		name = strings.TrimPrefix(ids.project, "project:")
	}
	project, err := c.sk.UpsertProject(ctx, skclient.UpsertProjectRequest{
		ExternalID: ids.project,
		Name:       name,
		Status:     skclient.StatusInProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert project %s: %w", ids.project, err)
	}
	if level == LevelOrion {
		return &boundEntity{Type: skkeys.EntityProject, ID: project.ID, ExternalID: project.ExternalID}, nil
	}

	title := p.WorkItemTitle
	if title == "" {
		title = lastSegment(ids.workItem)
	}
	workItem, err := c.sk.UpsertWorkItem(ctx, skclient.UpsertWorkItemRequest{
		ExternalID:        ids.workItem,
		ProjectExternalID: ids.project,
		Title:             title,
		Status:            skclient.StatusInProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert work item %s: %w", ids.workItem, err)
	}
	if level == LevelAtlas {
		return &boundEntity{Type: skkeys.EntityWorkItem, ID: workItem.ID, ExternalID: workItem.ExternalID}, nil
	}

	taskTitle := p.TaskTitle
	if taskTitle == "" {
		taskTitle = lastSegment(ids.task)
	}
	task, err := c.sk.UpsertTask(ctx, skclient.UpsertTaskRequest{
		ExternalID:         ids.task,
		WorkItemExternalID: ids.workItem,
		Title:              taskTitle,
		Status:             skclient.StatusInProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert task %s: %w", ids.task, err)
	}
	return &boundEntity{Type: skkeys.EntityTask, ID: task.ID, ExternalID: task.ExternalID, isTask: true}, nil
}

// tryReuse re-attaches an existing ORION/ATLAS session and forwards the task
// into it. Returns nil when there is nothing to reuse.
func (c *Controller) tryReuse(ctx context.Context, entity *boundEntity, task, label string) *SpawnResult {
	sessions, err := c.sk.ListEntitySessions(ctx, entity.Type, entity.ID)
	if err != nil {
		skclient.LogRequestFailure("listEntitySessions", err)
		return nil
	}
	var pick *skclient.Session
	for i := range sessions {
		if sessions[i].State == skclient.SessionRunning {
			pick = &sessions[i]
			break
		}
	}
	if pick == nil && len(sessions) > 0 {
		pick = &sessions[0]
	}
	if pick == nil {
		return nil
	}

	if err := c.sk.AttachSession(ctx, skclient.AttachSessionRequest{
		SessionKey:       pick.SessionKey,
		EntityType:       entity.Type,
		EntityID:         entity.ID,
		EntityExternalID: entity.ExternalID,
		State:            skclient.SessionRunning,
		Label:            label,
	}); err != nil {
		skclient.LogRequestFailure("attachSession", err)
	}
	if err := c.runtime.SendToSession(ctx, pick.SessionKey, task); err != nil {
		slog.Warn("forward to existing session failed, spawning instead",
			"sessionKey", pick.SessionKey, "error", err)
		return nil
	}
	slog.Info("reusing existing session", "sessionKey", pick.SessionKey, "entity", entity.ExternalID)
	return &SpawnResult{
		Status:           StatusReused,
		ChildSessionKey:  pick.SessionKey,
		EntityType:       entity.Type,
		EntityExternalID: entity.ExternalID,
		EntityID:         entity.ID,
		Label:            label,
	}
}

func (c *Controller) track(run *trackedRun) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[run.childSessionKey] = run
}

func (c *Controller) lookup(sessionKey string) *trackedRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[sessionKey]
}

func lastSegment(externalID string) string {
	if i := strings.LastIndex(externalID, ":"); i >= 0 {
		return externalID[i+1:]
	}
	return externalID
}
