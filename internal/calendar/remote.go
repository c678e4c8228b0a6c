package calendar

import "context"

type CancelStatus int

const (
	CancelAcknowledged CancelStatus = iota
	CancelAlreadyCommitted
)

// CreateResult carries either a grace task id, when the store defers the
// commit, or the final committed object when no deferral applies.
type CreateResult struct {
	TaskID string
	Event  *EventShell
}

// ParticipationResult carries the updated object when the store answered
// with content, nil when it acknowledged without a body.
type ParticipationResult struct {
	Event *EventShell
}

// RemoteStore is the contract the client needs from the authoritative
// calendar store. Update and ChangeParticipation fail with a *ConflictError
// when the supplied etag is stale.
type RemoteStore interface {
	GetEvent(ctx context.Context, path string) (*EventShell, error)
	CreateEvent(ctx context.Context, path string, event *EventShell) (CreateResult, error)
	UpdateEvent(ctx context.Context, path string, event *EventShell, etag string) (string, error)
	DeleteEvent(ctx context.Context, path string, etag string) (string, error)
	ChangeParticipation(ctx context.Context, path string, event *EventShell, etag string) (ParticipationResult, error)
	CancelTask(ctx context.Context, taskID string) (CancelStatus, error)
}

type NotificationKind string

const (
	NotificationCreated   NotificationKind = "created"
	NotificationUpdated   NotificationKind = "updated"
	NotificationDeleted   NotificationKind = "deleted"
	NotificationRequest   NotificationKind = "request"
	NotificationReply     NotificationKind = "reply"
	NotificationCancel    NotificationKind = "cancel"
	NotificationTaskError NotificationKind = "task_error"
)

// Notification is one remote-origin change delivered over the push channel.
// Delivery for a single uid preserves the order the store produced; distinct
// uids carry no ordering guarantee.
type Notification struct {
	Kind    NotificationKind `json:"kind"`
	UID     string           `json:"uid,omitempty"`
	Path    string           `json:"path,omitempty"`
	Etag    string           `json:"etag,omitempty"`
	TaskID  string           `json:"taskId,omitempty"`
	Message string           `json:"message,omitempty"`
	Event   *EventShell      `json:"event,omitempty"`
}

// PushNamespace is the namespace push subscriptions are keyed by.
const PushNamespace = "/calendars"
