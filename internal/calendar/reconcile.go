package calendar

import (
	"errors"
	"strings"
)

// ApplyNotification reconciles one remote-origin change into the visible
// view. Notifications for objects with an outstanding local task never
// clear the pending marker; the local task always wins until it resolves.
func (c *Client) ApplyNotification(n Notification) {
	if c.isClosed() {
		return
	}
	switch n.Kind {
	case NotificationTaskError:
		c.applyTaskError(n)
	case NotificationCreated, NotificationUpdated, NotificationRequest:
		c.applyRemoteUpsert(n)
	case NotificationReply:
		c.applyRemoteReply(n)
	case NotificationDeleted, NotificationCancel:
		c.applyRemoteDelete(n)
	default:
		c.logf("push: ignoring notification kind %q", n.Kind)
	}
}

func (c *Client) applyTaskError(n Notification) {
	cause := errors.New("task failed")
	if n.Message != "" {
		cause = errors.New(n.Message)
	}
	c.finishTask(n.TaskID, OutcomeErrored, cause, true)
}

// applyRemoteUpsert replaces the cached shell wholesale. An upsert
// addressed at a series master re-derives every materialized instance, so
// stale instance overrides for that uid are dropped.
func (c *Client) applyRemoteUpsert(n Notification) {
	shell := n.Event.Clone()
	if shell == nil || shell.UID == "" {
		return
	}
	if n.Path != "" {
		shell.Path = n.Path
	}
	if n.Etag != "" {
		shell.Etag = n.Etag
	}
	shell.NormalizeAllDay()

	c.mu.Lock()
	defer c.mu.Unlock()
	if taskID, ok := c.ledger.pendingFor(shell.UID); ok {
		shell.PendingTaskID = taskID
	}
	if shell.RecurrenceID == "" {
		delete(c.overrides, shell.UID)
	}
	existed := c.upsertLocked(shell)
	changeType := ViewCreated
	if existed {
		changeType = ViewUpdated
	}
	c.emitLocked(ViewChange{Type: changeType, Event: shell.Clone()})
}

// applyRemoteReply merges only the replying attendees' participation into
// the cached shell; every other field is kept as-is. Replies for unknown
// objects are dropped.
func (c *Client) applyRemoteReply(n Notification) {
	reply := n.Event
	if reply == nil || reply.UID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.masters[reply.UID]
	if !ok {
		return
	}
	merged := false
	for _, from := range reply.Attendees {
		if from.Status == "" {
			continue
		}
		for i := range existing.Attendees {
			if !strings.EqualFold(existing.Attendees[i].Email, from.Email) {
				continue
			}
			if existing.Attendees[i].Status != from.Status {
				existing.Attendees[i].Status = from.Status
				merged = true
			}
		}
	}
	if n.Etag != "" {
		existing.Etag = n.Etag
	}
	if merged {
		c.emitLocked(ViewChange{Type: ViewUpdated, Event: existing.Clone()})
	}
}

// applyRemoteDelete removes the object from the view. A pending local task
// on the same object is resolved as cancelled without rollback: its target
// is gone remotely, so re-applying or re-inserting anything would only
// resurrect a deleted event.
func (c *Client) applyRemoteDelete(n Notification) {
	uid := n.UID
	if uid == "" && n.Event != nil {
		uid = n.Event.UID
	}
	if uid == "" {
		return
	}
	if taskID, ok := c.ledger.pendingFor(uid); ok {
		c.finishTask(taskID, OutcomeCancelled, nil, false)
	}
	c.mu.Lock()
	shell := c.masters[uid]
	if shell == nil {
		shell = &EventShell{UID: uid, Path: n.Path}
	}
	if c.removeLocked(uid) {
		c.emitLocked(ViewChange{Type: ViewRemoved, Event: shell.Clone()})
	}
	c.mu.Unlock()
}
