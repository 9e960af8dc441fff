package sksync

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/superkanban/internal/skclient"
	"github.com/nextlevelbuilder/superkanban/internal/skkeys"
)

// BoardAPI is the read/patch slice of the SK client behind the direct tools.
// *skclient.Client satisfies it.
type BoardAPI interface {
	ListProjects(ctx context.Context, includeArchived bool) ([]skclient.Project, error)
	GetProject(ctx context.Context, id string) (*skclient.Project, error)
	ListWorkItems(ctx context.Context, projectID string) ([]skclient.WorkItem, error)
	ListTasks(ctx context.Context, workItemID string) ([]skclient.Task, error)
	GetTask(ctx context.Context, id string) (*skclient.Task, error)
	ListEntitySessions(ctx context.Context, entityType, entityID string) ([]skclient.Session, error)
	PatchTaskStatus(ctx context.Context, taskID, status string) error
	PatchWorkItemStatus(ctx context.Context, workItemID, status string) error
	PatchProjectArchived(ctx context.Context, projectID string, archived bool) error
}

// Tools is the palette of direct Super-Kanban operations exposed to agents
// alongside the spawn tool.
type Tools struct {
	sk BoardAPI
}

// NewTools builds the palette over an SK client.
func NewTools(sk BoardAPI) *Tools {
	return &Tools{sk: sk}
}

// BoardWorkItem is a work item with its tasks, as returned by Board.
type BoardWorkItem struct {
	WorkItem skclient.WorkItem `json:"workItem"`
	Tasks    []skclient.Task   `json:"tasks"`
}

// BoardProject is a project with its work items.
type BoardProject struct {
	Project   skclient.Project `json:"project"`
	WorkItems []BoardWorkItem  `json:"workItems"`
}

// Board assembles the full project/work-item/task hierarchy. Archived
// projects are excluded unless includeArchived is set.
func (t *Tools) Board(ctx context.Context, includeArchived bool) ([]BoardProject, error) {
	projects, err := t.sk.ListProjects(ctx, includeArchived)
	if err != nil {
		return nil, err
	}

	out := make([]BoardProject, 0, len(projects))
	for _, p := range projects {
		items, err := t.sk.ListWorkItems(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		bp := BoardProject{Project: p, WorkItems: make([]BoardWorkItem, 0, len(items))}
		for _, wi := range items {
			tasks, err := t.sk.ListTasks(ctx, wi.ID)
			if err != nil {
				return nil, err
			}
			bp.WorkItems = append(bp.WorkItems, BoardWorkItem{WorkItem: wi, Tasks: tasks})
		}
		out = append(out, bp)
	}
	return out, nil
}

// TaskDetail returns one task with its active sessions.
func (t *Tools) TaskDetail(ctx context.Context, taskID string) (*skclient.Task, []skclient.Session, error) {
	task, err := t.sk.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	sessions, err := t.sk.ListEntitySessions(ctx, skkeys.EntityTask, task.ID)
	if err != nil {
		return task, nil, err
	}
	return task, sessions, nil
}

// SetTaskStatus patches a task to one of the canonical statuses.
func (t *Tools) SetTaskStatus(ctx context.Context, taskID, status string) error {
	if err := validStatus(status); err != nil {
		return err
	}
	return t.sk.PatchTaskStatus(ctx, taskID, status)
}

// SetWorkItemStatus patches a work item to one of the canonical statuses.
func (t *Tools) SetWorkItemStatus(ctx context.Context, workItemID, status string) error {
	if err := validStatus(status); err != nil {
		return err
	}
	return t.sk.PatchWorkItemStatus(ctx, workItemID, status)
}

// ArchiveProject toggles a project's archived flag.
func (t *Tools) ArchiveProject(ctx context.Context, projectID string, archived bool) error {
	return t.sk.PatchProjectArchived(ctx, projectID, archived)
}

func validStatus(status string) error {
	switch status {
	case skclient.StatusTodo, skclient.StatusInProgress, skclient.StatusDone,
		skclient.StatusBlocked, skclient.StatusCancelled:
		return nil
	}
	return fmt.Errorf("unknown status %q", status)
}
