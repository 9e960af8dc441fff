package sksync

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/superkanban/internal/skclient"
)

// HookEvent is the normalized lifecycle event the agent runtime delivers to
// the controller.
type HookEvent struct {
	SessionKey          string
	RunID               string
	Outcome             string
	RequesterSessionKey string
}

// mapOutcome translates a runtime outcome into the SK session state and task
// status to apply.
func mapOutcome(outcome string) (sessionState, taskStatus string) {
	switch outcome {
	case "ok":
		return skclient.SessionDone, skclient.StatusDone
	case "killed", "reset", "deleted":
		return skclient.SessionCancelled, skclient.StatusCancelled
	default:
		// timeout, error, and anything unrecognized.
		return skclient.SessionFailed, skclient.StatusBlocked
	}
}

// SubagentSpawned records the child→requester mapping so a later unlock can
// be attributed to the right owner.
func (c *Controller) SubagentSpawned(ev HookEvent) {
	if ev.SessionKey == "" || ev.RequesterSessionKey == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requesterByChild[ev.SessionKey] = ev.RequesterSessionKey
}

// AgentEnd is the fast-path close hook. Sessions the controller did not spawn
// are ignored.
func (c *Controller) AgentEnd(ctx context.Context, ev HookEvent) {
	run := c.lookup(ev.SessionKey)
	if run == nil {
		return
	}
	c.closeRun(ctx, run, ev.Outcome)
}

// SubagentEnded is the fallback close hook with identical semantics, plus the
// parent wake-up.
func (c *Controller) SubagentEnded(ctx context.Context, ev HookEvent) {
	run := c.lookup(ev.SessionKey)
	if run != nil {
		c.closeRun(ctx, run, ev.Outcome)
	}

	runID := ev.RunID
	if runID == "" && run != nil {
		runID = run.runID
	}
	if c.waker != nil && runID != "" {
		sessionState, _ := mapOutcome(ev.Outcome)
		c.waker.Wake(ctx, runID, sessionState, ev.Outcome)
	}

	c.mu.Lock()
	delete(c.requesterByChild, ev.SessionKey)
	c.mu.Unlock()
}

// closeRun applies the outcome to SK. Re-entry after a previous close still
// re-applies task status and unlock but never re-emits the session end.
func (c *Controller) closeRun(ctx context.Context, run *trackedRun, outcome string) {
	sessionState, taskStatus := mapOutcome(outcome)

	c.mu.Lock()
	alreadyClosed := run.closed
	run.closed = true
	c.mu.Unlock()

	if !alreadyClosed {
		err := c.sk.AttachSession(ctx, skclient.AttachSessionRequest{
			SessionKey:       run.childSessionKey,
			EntityType:       run.entityType,
			EntityID:         run.entityID,
			EntityExternalID: run.entityExternalID,
			State:            sessionState,
			EndedAt:          c.now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			skclient.LogRequestFailure("attachSession", err)
		}
		slog.Info("session closed",
			"sessionKey", run.childSessionKey,
			"outcome", outcome,
			"state", sessionState)
	}

	if run.taskID != "" {
		if err := c.sk.PatchTaskStatus(ctx, run.taskID, taskStatus); err != nil {
			skclient.LogRequestFailure("patchTaskStatus", err)
		}
		if err := c.sk.UnlockTask(ctx, run.taskID, run.lockOwner); err != nil {
			skclient.LogRequestFailure("unlockTask", err)
		}
	}
}
