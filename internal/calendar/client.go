package calendar

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultGraceDelay matches the grace window the original calendar
	// service gives the user to cancel a submitted change.
	DefaultGraceDelay = 10 * time.Second

	defaultSubscriberBuffer = 64
	closeCancelTimeout      = 5 * time.Second
)

type Logger interface {
	Printf(format string, args ...any)
}

// Notifier receives the single user-facing message emitted on each error
// path.
type Notifier interface {
	Notify(message string)
}

type ViewChangeType string

const (
	ViewCreated   ViewChangeType = "created"
	ViewUpdated   ViewChangeType = "updated"
	ViewRemoved   ViewChangeType = "removed"
	ViewConfirmed ViewChangeType = "confirmed"
)

// ViewChange is one change to the locally visible calendar, emitted to
// subscribers in the order it was applied.
type ViewChange struct {
	Type  ViewChangeType
	Event *EventShell
}

type ClientOptions struct {
	GraceDelay         time.Duration
	MaxConflictRetries int
	VisibleWindow      TimeRange
	SubscriberBuffer   int
	Notifier           Notifier
	Logger             Logger
}

// Client is the only entry point mutation callers use. It owns the session's
// task ledger and visible view; both live exactly as long as the client and
// are cleared by Close. A single mutex serializes mutation bookkeeping and
// push reconciliation, keeping ledger and view updates atomic.
type Client struct {
	store              RemoteStore
	graceDelay         time.Duration
	maxConflictRetries int
	notifier           Notifier
	logger             Logger
	ledger             *taskLedger

	mu          sync.Mutex
	masters     map[string]*EventShell
	overrides   map[string]map[string]*EventShell
	window      TimeRange
	subscribers map[int]chan ViewChange
	subBuffer   int
	nextSub     int
	closed      bool

	closeOnce sync.Once
}

func NewClient(store RemoteStore, opts ClientOptions) (*Client, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	graceDelay := opts.GraceDelay
	if graceDelay <= 0 {
		graceDelay = DefaultGraceDelay
	}
	maxRetries := opts.MaxConflictRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxConflictRetries
	}
	subBuffer := opts.SubscriberBuffer
	if subBuffer <= 0 {
		subBuffer = defaultSubscriberBuffer
	}
	c := &Client{
		store:              store,
		graceDelay:         graceDelay,
		maxConflictRetries: maxRetries,
		notifier:           opts.Notifier,
		logger:             opts.Logger,
		ledger:             newTaskLedger(),
		masters:            map[string]*EventShell{},
		overrides:          map[string]map[string]*EventShell{},
		window:             opts.VisibleWindow,
		subscribers:        map[int]chan ViewChange{},
		subBuffer:          subBuffer,
	}
	if c.notifier == nil {
		c.notifier = logNotifier{logger: opts.Logger}
	}
	return c, nil
}

// CreateEvent applies an optimistic local insert, submits the create and
// starts a grace period on the returned task. A store that commits without
// deferral yields an already-confirmed handle.
func (c *Client) CreateEvent(ctx context.Context, calendarPath string, event *EventShell) (*Handle, error) {
	if event == nil || strings.TrimSpace(calendarPath) == "" {
		return nil, ErrInvalidInput
	}
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	event = event.Clone()
	if event.UID == "" {
		event.UID = uuid.NewString()
	}
	event.Path = strings.TrimSuffix(calendarPath, "/") + "/" + event.UID + ".ics"
	event.Etag = ""
	event.NormalizeAllDay()

	c.mu.Lock()
	c.upsertLocked(event.Clone())
	c.emitLocked(ViewChange{Type: ViewCreated, Event: event.Clone()})
	c.mu.Unlock()

	res, err := c.store.CreateEvent(ctx, event.Path, event)
	if err != nil {
		c.dropFromView(event.UID)
		c.notifier.Notify("Could not create the event (" + event.Title + ").")
		return nil, err
	}
	if res.Event != nil {
		final := res.Event.Clone()
		if final.Path == "" {
			final.Path = event.Path
		}
		c.mu.Lock()
		c.upsertLocked(final.Clone())
		c.emitLocked(ViewChange{Type: ViewConfirmed, Event: final.Clone()})
		c.mu.Unlock()
		return resolvedHandle(Result{Outcome: OutcomeConfirmed, Event: final.Clone()}), nil
	}

	h, err := c.startGrace(&task{
		id:          res.TaskID,
		kind:        TaskCreate,
		uid:         event.UID,
		description: "You are about to create a new event (" + event.Title + ").",
		applied:     event.Clone(),
	})
	if err != nil {
		c.dropFromView(event.UID)
		return nil, err
	}
	return h, nil
}

// RemoveEvent deletes an event behind a grace period. An event that was
// never confirmed remotely (empty etag) is removed purely locally, after
// cancelling its outstanding create task; no remote delete is issued.
func (c *Client) RemoveEvent(ctx context.Context, path string, event *EventShell, etag string) (*Handle, error) {
	if event == nil || event.UID == "" {
		return nil, ErrInvalidInput
	}
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	uid := event.UID

	if etag == "" {
		taskID := event.PendingTaskID
		if taskID == "" {
			taskID, _ = c.ledger.pendingFor(uid)
		}
		if taskID != "" {
			if err := c.cancelTask(ctx, taskID); err != nil {
				return nil, err
			}
		}
		c.dropFromView(uid)
		return resolvedHandle(Result{Outcome: OutcomeConfirmed, Previous: event.Clone()}), nil
	}

	if err := c.cancelPrior(ctx, uid); err != nil {
		return nil, err
	}

	snapshot := event.Clone()
	snapshot.PendingTaskID = ""
	c.dropFromView(uid)

	taskID, err := c.store.DeleteEvent(ctx, path, etag)
	if err != nil {
		c.restoreShell(snapshot, ViewCreated)
		c.notifier.Notify("Could not delete the event (" + event.Title + ").")
		return nil, err
	}
	if taskID == "" {
		// The store committed without deferral.
		return resolvedHandle(Result{Outcome: OutcomeConfirmed, Previous: snapshot.Clone()}), nil
	}
	return c.startGrace(&task{
		id:          taskID,
		kind:        TaskDelete,
		uid:         uid,
		description: "You are about to delete the event (" + event.Title + ").",
		previous:    snapshot,
	})
}

// ModifyEvent updates an event behind a grace period. A significant change
// resets attendee participation and bumps the sequence exactly once; the
// bump is part of the submitted payload, so a rollback never leaves it
// behind. onCancel, when non-nil, runs before the previous snapshot is
// re-emitted on cancellation.
func (c *Client) ModifyEvent(ctx context.Context, path string, event, oldEvent *EventShell, etag string, onCancel func()) (*Handle, error) {
	if event == nil || oldEvent == nil || event.UID == "" {
		return nil, ErrInvalidInput
	}
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	uid := event.UID

	working := event.Clone()
	working.NormalizeAllDay()
	if working.HasSignificantChange(oldEvent) {
		// The client is in charge of the SEQUENCE increment (RFC 5546);
		// attendees must re-confirm after a significant change.
		working.ChangeParticipation(StatusNeedsAction, nil)
		working.Sequence = oldEvent.Sequence + 1
	}

	if err := c.cancelPrior(ctx, uid); err != nil {
		return nil, err
	}

	snapshot := oldEvent.Clone()
	snapshot.PendingTaskID = ""
	c.restoreShell(working.Clone(), ViewUpdated)

	taskID, err := c.submitWithConflictRetry(ctx, path, etag, func(etag string, current *EventShell) (string, error) {
		return c.store.UpdateEvent(ctx, path, working, etag)
	})
	if err != nil {
		c.restoreShell(snapshot.Clone(), ViewUpdated)
		c.notifier.Notify("Could not modify the event (" + event.Title + ").")
		return nil, err
	}
	if taskID == "" {
		// The store committed without deferral.
		return resolvedHandle(Result{Outcome: OutcomeConfirmed, Event: working.Clone(), Previous: snapshot.Clone()}), nil
	}
	return c.startGrace(&task{
		id:          taskID,
		kind:        TaskUpdate,
		uid:         uid,
		description: "You are about to modify the event (" + event.Title + ").",
		previous:    snapshot,
		applied:     working.Clone(),
		onCancel:    onCancel,
	})
}

// ChangeParticipation sets the participation status of the attendees
// matching emails (and the organizer, when its own address is addressed).
// When no matched status actually changes, no remote call is made and a nil
// shell is returned. The call commits immediately, with no grace period; a
// version conflict refetches and retries against the fresh object.
func (c *Client) ChangeParticipation(ctx context.Context, path string, event *EventShell, emails []string, status ParticipationStatus, etag string) (*EventShell, error) {
	if event == nil {
		return nil, ErrInvalidInput
	}
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	if len(event.Attendees) == 0 {
		return nil, nil
	}
	working := event.Clone()
	if !working.ChangeParticipation(status, emails) {
		return nil, nil
	}

	var lastConflict error
	for attempt := 0; attempt <= c.maxConflictRetries; attempt++ {
		res, err := c.store.ChangeParticipation(ctx, path, working, etag)
		if err != nil {
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				lastConflict = err
				fresh := conflict.Current
				if fresh == nil {
					fresh, err = c.store.GetEvent(ctx, path)
					if err != nil {
						c.notifier.Notify("Could not update your participation.")
						return nil, err
					}
				}
				working = fresh.Clone()
				if !working.ChangeParticipation(status, emails) {
					// The fresh copy already carries the requested status.
					return nil, nil
				}
				etag = fresh.Etag
				continue
			}
			c.notifier.Notify("Could not update your participation.")
			return nil, err
		}
		shell := res.Event
		if shell == nil {
			shell, err = c.store.GetEvent(ctx, path)
			if err != nil {
				c.notifier.Notify("Could not update your participation.")
				return nil, err
			}
		}
		final := shell.Clone()
		if final.Path == "" {
			final.Path = path
		}
		c.restoreShell(final.Clone(), ViewUpdated)
		return final, nil
	}
	c.notifier.Notify("Could not update your participation.")
	return nil, lastConflict
}

// GetEvent fetches an event from the remote store and caches it in the
// visible view.
func (c *Client) GetEvent(ctx context.Context, path string) (*EventShell, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	shell, err := c.store.GetEvent(ctx, path)
	if err != nil {
		return nil, err
	}
	shell = shell.Clone()
	if shell.Path == "" {
		shell.Path = path
	}
	shell.NormalizeAllDay()
	c.mu.Lock()
	if taskID, ok := c.ledger.pendingFor(shell.UID); ok {
		shell.PendingTaskID = taskID
	}
	c.upsertLocked(shell.Clone())
	c.mu.Unlock()
	return shell, nil
}

// Close force-flushes every pending task (best-effort remote cancel, local
// resolution regardless) and clears all session state. Safe to call twice.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		for _, taskID := range c.ledger.pendingIDs() {
			ctx, cancel := context.WithTimeout(context.Background(), closeCancelTimeout)
			status, err := c.store.CancelTask(ctx, taskID)
			cancel()
			outcome := OutcomeCancelled
			if err != nil {
				c.logf("flush: cancel task %s failed: %v", taskID, err)
			} else if status == CancelAlreadyCommitted {
				outcome = OutcomeConfirmed
			}
			c.finishTask(taskID, outcome, nil, false)
		}
		c.mu.Lock()
		c.closed = true
		c.masters = map[string]*EventShell{}
		c.overrides = map[string]map[string]*EventShell{}
		for id, ch := range c.subscribers {
			close(ch)
			delete(c.subscribers, id)
		}
		c.mu.Unlock()
	})
}

// Subscribe registers a view-change listener. Slow consumers drop changes
// rather than block the mutation path. The returned func unsubscribes.
func (c *Client) Subscribe() (<-chan ViewChange, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan ViewChange, c.subBuffer)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if existing, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(existing)
		}
	}
}

// SetVisibleWindow changes the expansion window used for recurring masters.
func (c *Client) SetVisibleWindow(window TimeRange) {
	c.mu.Lock()
	c.window = window
	c.mu.Unlock()
}

// Event returns a copy of the cached shell for uid, when present.
func (c *Client) Event(uid string) (*EventShell, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	shell, ok := c.masters[uid]
	if !ok {
		return nil, false
	}
	return shell.Clone(), true
}

// PendingTaskID returns the outstanding task id bound to uid, if any.
func (c *Client) PendingTaskID(uid string) (string, bool) {
	return c.ledger.pendingFor(uid)
}

// PendingTasks reports how many grace-period tasks are outstanding.
func (c *Client) PendingTasks() int {
	return c.ledger.len()
}

// VisibleEvents returns the visible view: recurring masters expanded into
// their in-window instances (with instance overrides applied), all-day
// shells normalized to date-only, sorted by start time.
func (c *Client) VisibleEvents() []*EventShell {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*EventShell, 0, len(c.masters))
	for uid, master := range c.masters {
		instances := master.ExpandOccurrences(c.window)
		overrides := c.overrides[uid]
		for _, instance := range instances {
			if override, ok := overrides[instance.RecurrenceID]; ok {
				instance = override.Clone()
			}
			instance.NormalizeAllDay()
			out = append(out, instance)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].UID < out[j].UID
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

// startGrace registers the task, marks the cached shell pending and arms the
// countdown; expiry confirms the task.
func (c *Client) startGrace(t *task) (*Handle, error) {
	now := time.Now()
	t.createdAt = now
	t.deadline = now.Add(c.graceDelay)
	t.handle = newHandle(c, t.id, t.description, t.deadline)
	if err := c.ledger.register(t); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if shell, ok := c.masters[t.uid]; ok {
		shell.PendingTaskID = t.id
	}
	c.mu.Unlock()
	taskID := t.id
	t.timer = time.AfterFunc(c.graceDelay, func() {
		c.finishTask(taskID, OutcomeConfirmed, nil, true)
	})
	return t.handle, nil
}

// cancelTask is the user-initiated cancel path: remote-acknowledged, rolls
// the view back on success, surfaces a single notification on failure. The
// store disagreeing ("already committed") resolves the task as confirmed.
func (c *Client) cancelTask(ctx context.Context, taskID string) error {
	if taskID == "" {
		return nil
	}
	if _, ok := c.ledger.lookup(taskID); !ok {
		return nil
	}
	status, err := c.store.CancelTask(ctx, taskID)
	if err != nil {
		c.notifier.Notify("An error has occurred, cannot cancel this action.")
		return err
	}
	if status == CancelAlreadyCommitted {
		c.finishTask(taskID, OutcomeConfirmed, nil, true)
		return nil
	}
	c.finishTask(taskID, OutcomeCancelled, nil, true)
	return nil
}

// cancelPrior clears an outstanding task on uid before a new mutation is
// issued. The prior task's optimistic state is deliberately kept: the new
// mutation supersedes it, so no rollback runs.
func (c *Client) cancelPrior(ctx context.Context, uid string) error {
	taskID, ok := c.ledger.pendingFor(uid)
	if !ok {
		return nil
	}
	status, err := c.store.CancelTask(ctx, taskID)
	if err != nil {
		c.notifier.Notify("An error has occurred, cannot cancel this action.")
		return err
	}
	if status == CancelAlreadyCommitted {
		c.finishTask(taskID, OutcomeConfirmed, nil, true)
		return nil
	}
	c.finishTask(taskID, OutcomeCancelled, nil, false)
	return nil
}

// finishTask transitions a task to its terminal state: ledger removal, view
// finalization or rollback, the single error notification, and delivery to
// the awaiting handle. No-op for unknown or already-terminal ids.
func (c *Client) finishTask(taskID string, outcome Outcome, cause error, rollback bool) {
	t, ok := c.ledger.take(taskID)
	if !ok {
		return
	}
	t.stopTimer()
	if outcome == OutcomeCancelled && rollback && t.kind == TaskUpdate && t.onCancel != nil {
		// Runs before the previous snapshot is re-emitted; the callback may
		// mutate it.
		t.onCancel()
	}
	c.mu.Lock()
	res := c.applyOutcomeLocked(t, outcome, cause, rollback)
	c.mu.Unlock()
	if outcome == OutcomeErrored {
		c.notifier.Notify(taskErrorMessage(t))
	}
	if t.handle != nil {
		t.handle.deliver(res)
	}
}

func (c *Client) applyOutcomeLocked(t *task, outcome Outcome, cause error, rollback bool) Result {
	res := Result{Outcome: outcome, Previous: t.previous.Clone(), Err: cause}
	switch outcome {
	case OutcomeConfirmed:
		if shell, ok := c.masters[t.uid]; ok {
			shell.PendingTaskID = ""
			res.Event = shell.Clone()
			c.emitLocked(ViewChange{Type: ViewConfirmed, Event: shell.Clone()})
		}
	case OutcomeCancelled, OutcomeErrored:
		if !rollback {
			break
		}
		switch t.kind {
		case TaskCreate:
			if c.removeLocked(t.uid) {
				c.emitLocked(ViewChange{Type: ViewRemoved, Event: t.applied.Clone()})
			}
		case TaskDelete:
			if t.previous != nil {
				restored := t.previous.Clone()
				c.upsertLocked(restored)
				c.emitLocked(ViewChange{Type: ViewCreated, Event: restored.Clone()})
			}
		case TaskUpdate:
			if t.previous != nil {
				restored := t.previous.Clone()
				c.upsertLocked(restored)
				c.emitLocked(ViewChange{Type: ViewUpdated, Event: restored.Clone()})
			}
		}
	}
	return res
}

func taskErrorMessage(t *task) string {
	switch t.kind {
	case TaskDelete:
		return "Could not find the event to delete. Please refresh your calendar."
	case TaskUpdate:
		return "Could not modify the event, a problem occurred on the server. Please refresh your calendar."
	default:
		return "Could not create the event. Please refresh your calendar."
	}
}

func (c *Client) dropFromView(uid string) {
	c.mu.Lock()
	shell := c.masters[uid]
	if c.removeLocked(uid) {
		c.emitLocked(ViewChange{Type: ViewRemoved, Event: shell.Clone()})
	}
	c.mu.Unlock()
}

func (c *Client) restoreShell(shell *EventShell, changeType ViewChangeType) {
	c.mu.Lock()
	c.upsertLocked(shell)
	c.emitLocked(ViewChange{Type: changeType, Event: shell.Clone()})
	c.mu.Unlock()
}

func (c *Client) upsertLocked(shell *EventShell) bool {
	if shell.RecurrenceID != "" {
		byInstance := c.overrides[shell.UID]
		if byInstance == nil {
			byInstance = map[string]*EventShell{}
			c.overrides[shell.UID] = byInstance
		}
		_, existed := byInstance[shell.RecurrenceID]
		byInstance[shell.RecurrenceID] = shell
		return existed
	}
	_, existed := c.masters[shell.UID]
	c.masters[shell.UID] = shell
	return existed
}

func (c *Client) removeLocked(uid string) bool {
	_, hadMaster := c.masters[uid]
	_, hadOverrides := c.overrides[uid]
	delete(c.masters, uid)
	delete(c.overrides, uid)
	return hadMaster || hadOverrides
}

func (c *Client) emitLocked(change ViewChange) {
	for _, ch := range c.subscribers {
		select {
		case ch <- change:
		default:
		}
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

type logNotifier struct {
	logger Logger
}

func (n logNotifier) Notify(message string) {
	if n.logger == nil {
		return
	}
	n.logger.Printf("notice: %s", message)
}
