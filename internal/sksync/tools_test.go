package sksync

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/superkanban/internal/skclient"
)

type fakeBoard struct {
	projects      []skclient.Project
	itemsByProj   map[string][]skclient.WorkItem
	tasksByItem   map[string][]skclient.Task
	sessions      []skclient.Session
	taskPatches   map[string]string
	itemPatches   map[string]string
	archiveCalls  map[string]bool
	listedArchive bool
}

func newFakeBoard() *fakeBoard {
	return &fakeBoard{
		itemsByProj:  make(map[string][]skclient.WorkItem),
		tasksByItem:  make(map[string][]skclient.Task),
		taskPatches:  make(map[string]string),
		itemPatches:  make(map[string]string),
		archiveCalls: make(map[string]bool),
	}
}

func (f *fakeBoard) ListProjects(_ context.Context, includeArchived bool) ([]skclient.Project, error) {
	f.listedArchive = includeArchived
	return f.projects, nil
}

func (f *fakeBoard) GetProject(_ context.Context, id string) (*skclient.Project, error) {
	for i := range f.projects {
		if f.projects[i].ID == id {
			return &f.projects[i], nil
		}
	}
	return nil, &skclient.APIError{Status: 404}
}

func (f *fakeBoard) ListWorkItems(_ context.Context, projectID string) ([]skclient.WorkItem, error) {
	return f.itemsByProj[projectID], nil
}

func (f *fakeBoard) ListTasks(_ context.Context, workItemID string) ([]skclient.Task, error) {
	return f.tasksByItem[workItemID], nil
}

func (f *fakeBoard) GetTask(_ context.Context, id string) (*skclient.Task, error) {
	for _, tasks := range f.tasksByItem {
		for i := range tasks {
			if tasks[i].ID == id {
				return &tasks[i], nil
			}
		}
	}
	return nil, &skclient.APIError{Status: 404}
}

func (f *fakeBoard) ListEntitySessions(_ context.Context, _, _ string) ([]skclient.Session, error) {
	return f.sessions, nil
}

func (f *fakeBoard) PatchTaskStatus(_ context.Context, taskID, status string) error {
	f.taskPatches[taskID] = status
	return nil
}

func (f *fakeBoard) PatchWorkItemStatus(_ context.Context, workItemID, status string) error {
	f.itemPatches[workItemID] = status
	return nil
}

func (f *fakeBoard) PatchProjectArchived(_ context.Context, projectID string, archived bool) error {
	f.archiveCalls[projectID] = archived
	return nil
}

func TestBoardAssemblesHierarchy(t *testing.T) {
	board := newFakeBoard()
	board.projects = []skclient.Project{{ID: "p-1", ExternalID: "project:alpha"}}
	board.itemsByProj["p-1"] = []skclient.WorkItem{{ID: "w-1", ExternalID: "workitem:alpha:wi1"}}
	board.tasksByItem["w-1"] = []skclient.Task{
		{ID: "t-1", ExternalID: "task:alpha:wi1:t9"},
		{ID: "t-2", ExternalID: "task:alpha:wi1:t10"},
	}

	tools := NewTools(board)
	got, err := tools.Board(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || len(got[0].WorkItems) != 1 || len(got[0].WorkItems[0].Tasks) != 2 {
		t.Fatalf("board shape = %+v", got)
	}
	if board.listedArchive {
		t.Error("archived projects requested by default")
	}
}

func TestTaskDetailIncludesSessions(t *testing.T) {
	board := newFakeBoard()
	board.tasksByItem["w-1"] = []skclient.Task{{ID: "t-1", ExternalID: "task:a:b:c"}}
	board.sessions = []skclient.Session{{ID: "s-1", SessionKey: "agent:work:child", State: skclient.SessionRunning}}

	tools := NewTools(board)
	task, sessions, err := tools.TaskDetail(context.Background(), "t-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.ExternalID != "task:a:b:c" || len(sessions) != 1 {
		t.Errorf("task = %+v sessions = %+v", task, sessions)
	}
}

func TestSetStatusValidatesValue(t *testing.T) {
	board := newFakeBoard()
	tools := NewTools(board)

	if err := tools.SetTaskStatus(context.Background(), "t-1", skclient.StatusDone); err != nil {
		t.Fatal(err)
	}
	if board.taskPatches["t-1"] != skclient.StatusDone {
		t.Errorf("patch = %q", board.taskPatches["t-1"])
	}

	if err := tools.SetTaskStatus(context.Background(), "t-1", "FINISHED"); err == nil {
		t.Error("invalid status accepted")
	}
	if err := tools.SetWorkItemStatus(context.Background(), "w-1", "nope"); err == nil {
		t.Error("invalid work-item status accepted")
	}
	if err := tools.SetWorkItemStatus(context.Background(), "w-1", skclient.StatusBlocked); err != nil {
		t.Fatal(err)
	}
}

func TestArchiveProject(t *testing.T) {
	board := newFakeBoard()
	tools := NewTools(board)
	if err := tools.ArchiveProject(context.Background(), "p-1", true); err != nil {
		t.Fatal(err)
	}
	if !board.archiveCalls["p-1"] {
		t.Error("archive flag not set")
	}
}
