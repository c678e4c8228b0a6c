package davclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbaechler/calgrace/internal/calendar"
	"github.com/mbaechler/calgrace/internal/davstore"
	"github.com/mbaechler/calgrace/internal/httpapi"
)

func newTestBackend(t *testing.T, opts davstore.StoreOptions, token string) (*httptest.Server, *davstore.Store) {
	t.Helper()
	store, err := davstore.NewStore(opts)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	ts := httptest.NewServer(httpapi.NewServerWithConfig(store, httpapi.ServerConfig{Token: token}))
	t.Cleanup(ts.Close)
	return ts, store
}

func sampleShell(uid string) *calendar.EventShell {
	start := time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC)
	return &calendar.EventShell{
		UID:   uid,
		Title: "planning",
		Start: start,
		End:   start.Add(time.Hour),
		Attendees: []calendar.Attendee{
			{Email: "a@example.com", Status: calendar.StatusNeedsAction},
		},
	}
}

func TestHTTPStoreRoundTrip(t *testing.T) {
	ts, _ := newTestBackend(t, davstore.StoreOptions{Immediate: true}, "secret")
	store := NewHTTPStore(ts.URL, "secret", nil)
	ctx := context.Background()

	res, err := store.CreateEvent(ctx, "/cal/e1.ics", sampleShell("e1"))
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if res.Event == nil || res.Event.Etag != "rev-1" {
		t.Fatalf("create result = %+v", res)
	}

	shell, err := store.GetEvent(ctx, "/cal/e1.ics")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if shell.UID != "e1" || shell.Etag != "rev-1" || shell.Path != "/cal/e1.ics" {
		t.Fatalf("shell = %+v", shell)
	}

	edited := shell.Clone()
	edited.Title = "planning v2"
	taskID, err := store.UpdateEvent(ctx, "/cal/e1.ics", edited, "rev-1")
	if err != nil {
		t.Fatalf("UpdateEvent: %v", err)
	}
	if taskID != "" {
		t.Fatalf("immediate update returned task %q", taskID)
	}

	if _, err := store.DeleteEvent(ctx, "/cal/e1.ics", "rev-2"); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	if _, err := store.GetEvent(ctx, "/cal/e1.ics"); !errors.Is(err, calendar.ErrNotFound) {
		t.Fatalf("get after delete: %v", err)
	}
}

func TestHTTPStoreListEvents(t *testing.T) {
	ts, _ := newTestBackend(t, davstore.StoreOptions{Immediate: true}, "")
	store := NewHTTPStore(ts.URL, "", nil)
	ctx := context.Background()

	if _, err := store.CreateEvent(ctx, "/cal/e1.ics", sampleShell("e1")); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if _, err := store.CreateEvent(ctx, "/cal/e2.ics", sampleShell("e2")); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	shells, err := store.ListEvents(ctx, "/cal")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(shells) != 2 {
		t.Fatalf("len = %d", len(shells))
	}
	if shells[0].UID != "e1" || shells[0].Path != "/cal/e1.ics" || shells[0].Etag != "rev-1" {
		t.Fatalf("first = %+v", shells[0])
	}
}

func TestHTTPStoreRetriesWithRetryAfter(t *testing.T) {
	var attempts int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("ETag", "rev-1")
		_ = json.NewEncoder(w).Encode(sampleShell("e1"))
	}))
	defer backend.Close()

	store := NewHTTPStore(backend.URL, "", nil)
	shell, err := store.GetEvent(context.Background(), "/cal/e1.ics")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if shell.UID != "e1" || shell.Etag != "rev-1" {
		t.Fatalf("shell = %+v", shell)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("attempts = %d", got)
	}
}

func TestHTTPStoreGivesUpAfterMaxRetries(t *testing.T) {
	var attempts int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	store := NewHTTPStore(backend.URL, "", nil)
	_, err := store.GetEvent(context.Background(), "/cal/e1.ics")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("err = %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 4 {
		t.Fatalf("attempts = %d, want initial try plus 3 retries", got)
	}
}

func TestHTTPStoreConflictCarriesCurrent(t *testing.T) {
	ts, _ := newTestBackend(t, davstore.StoreOptions{Immediate: true}, "")
	store := NewHTTPStore(ts.URL, "", nil)
	ctx := context.Background()

	if _, err := store.CreateEvent(ctx, "/cal/e1.ics", sampleShell("e1")); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	edited := sampleShell("e1")
	edited.Title = "planning v2"
	if _, err := store.UpdateEvent(ctx, "/cal/e1.ics", edited, "rev-1"); err != nil {
		t.Fatalf("UpdateEvent: %v", err)
	}

	_, err := store.UpdateEvent(ctx, "/cal/e1.ics", edited, "rev-1")
	var conflict *calendar.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if conflict.Etag != "rev-2" {
		t.Fatalf("conflict etag = %q", conflict.Etag)
	}
	if conflict.Current == nil || conflict.Current.Title != "planning v2" || conflict.Current.Etag != "rev-2" {
		t.Fatalf("conflict current = %+v", conflict.Current)
	}
	if !errors.Is(err, calendar.ErrVersionConflict) {
		t.Fatal("conflict does not match the sentinel")
	}
}

func TestHTTPStoreDeferredTaskLifecycle(t *testing.T) {
	ts, backend := newTestBackend(t, davstore.StoreOptions{GraceDelay: time.Hour}, "")
	store := NewHTTPStore(ts.URL, "", nil)
	ctx := context.Background()

	res, err := store.CreateEvent(ctx, "/cal/e1.ics", sampleShell("e1"))
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if res.TaskID == "" {
		t.Fatal("no task id for deferred create")
	}
	if backend.PendingTasks() != 1 {
		t.Fatalf("pending = %d", backend.PendingTasks())
	}

	status, err := store.CancelTask(ctx, res.TaskID)
	if err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if status != calendar.CancelAcknowledged {
		t.Fatalf("status = %v", status)
	}
	status, err = store.CancelTask(ctx, res.TaskID)
	if err != nil {
		t.Fatalf("second CancelTask: %v", err)
	}
	if status != calendar.CancelAlreadyCommitted {
		t.Fatalf("second status = %v", status)
	}
}

func TestHTTPStoreParticipation(t *testing.T) {
	ts, _ := newTestBackend(t, davstore.StoreOptions{Immediate: true}, "")
	store := NewHTTPStore(ts.URL, "", nil)
	ctx := context.Background()

	if _, err := store.CreateEvent(ctx, "/cal/e1.ics", sampleShell("e1")); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	rsvp := sampleShell("e1")
	rsvp.Attendees[0].Status = calendar.StatusAccepted
	res, err := store.ChangeParticipation(ctx, "/cal/e1.ics", rsvp, "rev-1")
	if err != nil {
		t.Fatalf("ChangeParticipation: %v", err)
	}
	if res.Event == nil || res.Event.Etag != "rev-2" {
		t.Fatalf("result = %+v", res.Event)
	}
	if res.Event.Attendees[0].Status != calendar.StatusAccepted {
		t.Fatalf("status = %s", res.Event.Attendees[0].Status)
	}
}

func TestPushSocketDeliversNotifications(t *testing.T) {
	ts, _ := newTestBackend(t, davstore.StoreOptions{Immediate: true}, "secret")
	store := NewHTTPStore(ts.URL, "secret", nil)

	var mu sync.Mutex
	var received []calendar.Notification
	notified := make(chan struct{}, 8)
	socket := DialPush(ts.URL, "secret", func(n calendar.Notification) {
		mu.Lock()
		received = append(received, n)
		mu.Unlock()
		notified <- struct{}{}
	}, nil)
	defer socket.Close()

	// Give the socket a moment to connect and subscribe.
	time.Sleep(200 * time.Millisecond)

	if _, err := store.CreateEvent(context.Background(), "/cal/e1.ics", sampleShell("e1")); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	select {
	case <-notified:
	case <-time.After(3 * time.Second):
		t.Fatal("no notification delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) == 0 || received[0].Kind != calendar.NotificationCreated || received[0].UID != "e1" {
		t.Fatalf("received = %+v", received)
	}
}

// End-to-end: an optimistic client driving the real server over HTTP, with
// push reconciliation feeding back into the client's view.
func TestClientOverHTTP(t *testing.T) {
	ts, _ := newTestBackend(t, davstore.StoreOptions{GraceDelay: time.Hour}, "secret")
	store := NewHTTPStore(ts.URL, "secret", nil)

	client, err := calendar.NewClient(store, calendar.ClientOptions{GraceDelay: time.Hour})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()
	socket := DialPush(ts.URL, "secret", client.ApplyNotification, nil)
	defer socket.Close()
	time.Sleep(200 * time.Millisecond)

	h, err := client.CreateEvent(context.Background(), "/cal", sampleShell("e1"))
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if _, ok := client.Event("e1"); !ok {
		t.Fatal("no optimistic insert")
	}

	res, err := h.Cancel(context.Background())
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if res.Outcome != calendar.OutcomeCancelled {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if _, ok := client.Event("e1"); ok {
		t.Fatal("cancelled create left the event visible")
	}
	if _, err := store.GetEvent(context.Background(), "/cal/e1.ics"); !errors.Is(err, calendar.ErrNotFound) {
		t.Fatalf("remote has the event anyway: %v", err)
	}
}
