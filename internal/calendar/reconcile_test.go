package calendar

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestApplyNotificationCreatedAndUpdated(t *testing.T) {
	store := &fakeStore{}
	c, _ := newTestClient(t, store, ClientOptions{})

	c.ApplyNotification(Notification{
		Kind:  NotificationCreated,
		Path:  "/calendars/u/cal/e1.ics",
		Etag:  "v1",
		Event: testEvent("e1"),
	})
	shell, ok := c.Event("e1")
	if !ok {
		t.Fatal("created notification not applied")
	}
	if shell.Etag != "v1" || shell.Path != "/calendars/u/cal/e1.ics" {
		t.Fatalf("shell etag=%q path=%q", shell.Etag, shell.Path)
	}

	updated := testEvent("e1")
	updated.Title = "retitled"
	c.ApplyNotification(Notification{Kind: NotificationUpdated, Etag: "v2", Event: updated})
	shell, _ = c.Event("e1")
	if shell.Title != "retitled" || shell.Etag != "v2" {
		t.Fatalf("shell title=%q etag=%q", shell.Title, shell.Etag)
	}
}

func TestApplyNotificationKeepsLocalPendingTask(t *testing.T) {
	store := &fakeStore{}
	c, _ := newTestClient(t, store, ClientOptions{GraceDelay: time.Hour})

	h, err := c.CreateEvent(context.Background(), "/calendars/u/cal", testEvent("e1"))
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	remote := testEvent("e1")
	remote.Title = "remote copy"
	c.ApplyNotification(Notification{Kind: NotificationUpdated, Etag: "v1", Event: remote})

	shell, _ := c.Event("e1")
	if shell.PendingTaskID != h.TaskID() {
		t.Fatalf("pending task id = %q, want %q", shell.PendingTaskID, h.TaskID())
	}
	if shell.Title != "remote copy" {
		t.Fatalf("title = %q", shell.Title)
	}
	if _, err := h.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
}

func TestApplyNotificationReplyMergesOnlyReplier(t *testing.T) {
	store := &fakeStore{}
	c, _ := newTestClient(t, store, ClientOptions{})

	existing := testEvent("e1")
	existing.Title = "local title"
	c.restoreShell(existing.Clone(), ViewCreated)

	reply := &EventShell{
		UID:   "e1",
		Title: "stale remote title",
		Attendees: []Attendee{
			{Email: "B@EXAMPLE.COM", Status: StatusDeclined},
		},
	}
	c.ApplyNotification(Notification{Kind: NotificationReply, Etag: "v2", Event: reply})

	shell, _ := c.Event("e1")
	if shell.Title != "local title" {
		t.Fatalf("reply replaced the object, title = %q", shell.Title)
	}
	if shell.Attendees[0].Status != StatusAccepted {
		t.Fatalf("attendee a changed: %s", shell.Attendees[0].Status)
	}
	if shell.Attendees[1].Status != StatusDeclined {
		t.Fatalf("attendee b = %s, want DECLINED", shell.Attendees[1].Status)
	}
	if shell.Etag != "v2" {
		t.Fatalf("etag = %q", shell.Etag)
	}
}

func TestApplyNotificationReplyForUnknownObjectDropped(t *testing.T) {
	store := &fakeStore{}
	c, _ := newTestClient(t, store, ClientOptions{})

	c.ApplyNotification(Notification{
		Kind:  NotificationReply,
		Event: &EventShell{UID: "ghost", Attendees: []Attendee{{Email: "a@example.com", Status: StatusAccepted}}},
	})
	if _, ok := c.Event("ghost"); ok {
		t.Fatal("reply materialized an unknown object")
	}
}

func TestApplyNotificationDeletedCancelsPendingWithoutRollback(t *testing.T) {
	store := &fakeStore{}
	c, _ := newTestClient(t, store, ClientOptions{GraceDelay: time.Hour})

	event := testEvent("e1")
	event.Path = "/calendars/u/cal/e1.ics"
	event.Etag = "v1"
	c.restoreShell(event.Clone(), ViewCreated)

	h, err := c.RemoveEvent(context.Background(), event.Path, event, "v1")
	if err != nil {
		t.Fatalf("RemoveEvent: %v", err)
	}

	// The remote deletion lands while our delete task is still pending.
	c.ApplyNotification(Notification{Kind: NotificationDeleted, UID: "e1"})

	res := waitResult(t, h)
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("outcome = %v, want cancelled", res.Outcome)
	}
	if _, ok := c.Event("e1"); ok {
		t.Fatal("deleted object re-inserted by defensive cancel")
	}
	// The task is resolved purely locally, no remote cancel.
	if got := atomic.LoadInt32(&store.cancels); got != 0 {
		t.Fatalf("remote cancels = %d, want 0", got)
	}
	if c.PendingTasks() != 0 {
		t.Fatalf("pending tasks = %d", c.PendingTasks())
	}
}

func TestApplyNotificationDeletedRemovesPendingCreate(t *testing.T) {
	store := &fakeStore{}
	c, _ := newTestClient(t, store, ClientOptions{GraceDelay: time.Hour})

	h, err := c.CreateEvent(context.Background(), "/calendars/u/cal", testEvent("e1"))
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	c.ApplyNotification(Notification{Kind: NotificationCancel, UID: "e1"})

	res := waitResult(t, h)
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if _, ok := c.Event("e1"); ok {
		t.Fatal("event still visible")
	}
}

func TestApplyNotificationTaskError(t *testing.T) {
	store := &fakeStore{}
	c, notifier := newTestClient(t, store, ClientOptions{GraceDelay: time.Hour})

	old := testEvent("e1")
	old.Path = "/calendars/u/cal/e1.ics"
	c.restoreShell(old.Clone(), ViewCreated)

	updated := old.Clone()
	updated.Title = "edited"
	h, err := c.ModifyEvent(context.Background(), old.Path, updated, old, "v1", nil)
	if err != nil {
		t.Fatalf("ModifyEvent: %v", err)
	}

	c.ApplyNotification(Notification{Kind: NotificationTaskError, TaskID: h.TaskID(), Message: "backend write failed"})

	res := waitResult(t, h)
	if res.Outcome != OutcomeErrored {
		t.Fatalf("outcome = %v, want errored", res.Outcome)
	}
	if res.Err == nil || res.Err.Error() != "backend write failed" {
		t.Fatalf("err = %v", res.Err)
	}
	shell, _ := c.Event("e1")
	if shell.Title != "standup" {
		t.Fatalf("view not rolled back, title = %q", shell.Title)
	}
	if notifier.count() != 1 {
		t.Fatalf("notifications = %d, want 1", notifier.count())
	}

	// A duplicate error for the same task resolves nothing twice.
	c.ApplyNotification(Notification{Kind: NotificationTaskError, TaskID: h.TaskID(), Message: "backend write failed"})
	if notifier.count() != 1 {
		t.Fatalf("duplicate task error notified again, count = %d", notifier.count())
	}
}

func TestApplyNotificationMasterUpdateDropsInstanceOverrides(t *testing.T) {
	store := &fakeStore{}
	windowStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	c, _ := newTestClient(t, store, ClientOptions{
		VisibleWindow: TimeRange{Start: windowStart, End: windowStart.AddDate(0, 0, 3)},
	})

	master := testEvent("e1")
	master.Recurrence = &RecurrenceRule{Freq: FreqDaily, Count: 2}
	c.ApplyNotification(Notification{Kind: NotificationCreated, Etag: "v1", Event: master})

	override := testEvent("e1")
	override.Recurrence = nil
	override.RecurrenceID = master.Start.UTC().Format(time.RFC3339)
	override.Title = "one-off retitle"
	c.ApplyNotification(Notification{Kind: NotificationUpdated, Etag: "v2", Event: override})

	events := c.VisibleEvents()
	if len(events) != 2 {
		t.Fatalf("visible events = %d, want 2", len(events))
	}
	if events[0].Title != "one-off retitle" {
		t.Fatalf("override not applied, title = %q", events[0].Title)
	}

	refreshed := testEvent("e1")
	refreshed.Title = "new series title"
	refreshed.Recurrence = &RecurrenceRule{Freq: FreqDaily, Count: 2}
	c.ApplyNotification(Notification{Kind: NotificationUpdated, Etag: "v3", Event: refreshed})

	events = c.VisibleEvents()
	if len(events) != 2 {
		t.Fatalf("visible events = %d, want 2", len(events))
	}
	for _, ev := range events {
		if ev.Title != "new series title" {
			t.Fatalf("stale override survived master update: %q", ev.Title)
		}
	}
}

func TestApplyNotificationAllDayNormalized(t *testing.T) {
	store := &fakeStore{}
	c, _ := newTestClient(t, store, ClientOptions{})

	event := testEvent("e1")
	event.AllDay = true
	event.Start = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	event.End = time.Date(2026, 3, 11, 17, 45, 0, 0, time.UTC)
	c.ApplyNotification(Notification{Kind: NotificationCreated, Event: event})

	shell, _ := c.Event("e1")
	if shell.Start.Hour() != 0 || shell.Start.Minute() != 0 {
		t.Fatalf("start not normalized: %v", shell.Start)
	}
	if shell.End.Hour() != 0 || shell.End.Minute() != 0 {
		t.Fatalf("end not normalized: %v", shell.End)
	}
}

func TestApplyNotificationAfterCloseIgnored(t *testing.T) {
	store := &fakeStore{}
	c, _ := newTestClient(t, store, ClientOptions{})
	c.Close()
	c.ApplyNotification(Notification{Kind: NotificationCreated, Event: testEvent("e1")})
	if _, ok := c.Event("e1"); ok {
		t.Fatal("notification applied after close")
	}
}
