package davstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbaechler/calgrace/internal/calendar"
)

type Logger interface {
	Printf(format string, args ...any)
}

const defaultNotifyBuffer = 256

// CommitHook runs just before a deferred commit is applied. A non-nil error
// fails the commit and surfaces it to push subscribers as a task error.
type CommitHook func(path string, event *calendar.EventShell) error

type StoreOptions struct {
	// GraceDelay is how long a submitted write stays cancellable before it
	// commits. Zero falls back to the default.
	GraceDelay time.Duration
	// Immediate disables grace periods entirely; every write commits
	// synchronously.
	Immediate bool
	// StateBackend persists committed objects across restarts. Nil keeps
	// everything in memory.
	StateBackend StateBackend
	NotifyBuffer int
	CommitHook   CommitHook
	Logger       Logger
}

type storeOp string

const (
	opCreate storeOp = "create"
	opUpdate storeOp = "update"
	opDelete storeOp = "delete"
)

type pendingCommit struct {
	taskID string
	op     storeOp
	path   string
	event  *calendar.EventShell
	timer  *time.Timer
}

// Store is the authoritative calendar object store. Committed objects are
// versioned with monotonic etags; submitted writes sit in a cancellable
// pending set until their grace timer fires. Every commit and every failed
// commit is broadcast to push subscribers.
type Store struct {
	graceDelay   time.Duration
	immediate    bool
	backend      StateBackend
	notifyBuffer int
	commitHook   CommitHook
	logger       Logger

	mu          sync.Mutex
	objects     map[string]*calendar.EventShell
	pending     map[string]*pendingCommit
	revCounter  uint64
	subscribers map[int]chan calendar.Notification
	nextSub     int
	closed      bool

	closeOnce sync.Once
}

func NewStore(opts StoreOptions) (*Store, error) {
	graceDelay := opts.GraceDelay
	if graceDelay <= 0 {
		graceDelay = calendar.DefaultGraceDelay
	}
	backend := opts.StateBackend
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	notifyBuffer := opts.NotifyBuffer
	if notifyBuffer <= 0 {
		notifyBuffer = defaultNotifyBuffer
	}
	s := &Store{
		graceDelay:   graceDelay,
		immediate:    opts.Immediate,
		backend:      backend,
		notifyBuffer: notifyBuffer,
		commitHook:   opts.CommitHook,
		logger:       opts.Logger,
		objects:      map[string]*calendar.EventShell{},
		pending:      map[string]*pendingCommit{},
		subscribers:  map[int]chan calendar.Notification{},
	}
	snapshot, err := backend.Load()
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		s.revCounter = snapshot.RevCounter
		for path, record := range snapshot.Objects {
			if record == nil || record.Event == nil {
				continue
			}
			shell := record.Event.Clone()
			shell.Path = path
			shell.Etag = record.Etag
			s.objects[path] = shell
		}
	}
	return s, nil
}

func (s *Store) GetEvent(ctx context.Context, path string) (*calendar.EventShell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	shell, ok := s.objects[path]
	if !ok {
		return nil, calendar.ErrNotFound
	}
	return shell.Clone(), nil
}

// ListEvents returns the committed objects under a calendar path, ordered by
// object path. Pending uncommitted writes are not visible.
func (s *Store) ListEvents(ctx context.Context, calendarPath string) ([]*calendar.EventShell, error) {
	prefix := strings.TrimSuffix(calendarPath, "/") + "/"
	s.mu.Lock()
	defer s.mu.Unlock()
	var shells []*calendar.EventShell
	for path, shell := range s.objects {
		if calendarPath != "" && !strings.HasPrefix(path, prefix) {
			continue
		}
		shells = append(shells, shell.Clone())
	}
	sort.Slice(shells, func(i, j int) bool { return shells[i].Path < shells[j].Path })
	return shells, nil
}

// CreateEvent schedules the creation of a new object. Creating over an
// existing path fails with a conflict carrying the current object.
func (s *Store) CreateEvent(ctx context.Context, path string, event *calendar.EventShell) (calendar.CreateResult, error) {
	if event == nil || strings.TrimSpace(path) == "" || event.UID == "" {
		return calendar.CreateResult{}, calendar.ErrInvalidInput
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return calendar.CreateResult{}, calendar.ErrClientClosed
	}
	if current, exists := s.objects[path]; exists {
		conflict := &calendar.ConflictError{Path: path, Etag: current.Etag, Current: current.Clone()}
		s.mu.Unlock()
		return calendar.CreateResult{}, conflict
	}
	shell := event.Clone()
	shell.Path = path
	shell.NormalizeAllDay()
	if s.immediate {
		committed := s.commitLocked(&pendingCommit{op: opCreate, path: path, event: shell})
		s.mu.Unlock()
		return calendar.CreateResult{Event: committed}, nil
	}
	taskID := s.schedulePendingLocked(opCreate, path, shell)
	s.mu.Unlock()
	return calendar.CreateResult{TaskID: taskID}, nil
}

// UpdateEvent schedules the replacement of an existing object. A stale etag
// fails with a conflict carrying the current object.
func (s *Store) UpdateEvent(ctx context.Context, path string, event *calendar.EventShell, etag string) (string, error) {
	if event == nil || strings.TrimSpace(path) == "" {
		return "", calendar.ErrInvalidInput
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", calendar.ErrClientClosed
	}
	current, exists := s.objects[path]
	if !exists {
		s.mu.Unlock()
		return "", calendar.ErrNotFound
	}
	if etag != current.Etag {
		conflict := &calendar.ConflictError{Path: path, Etag: current.Etag, Current: current.Clone()}
		s.mu.Unlock()
		return "", conflict
	}
	shell := event.Clone()
	shell.Path = path
	shell.NormalizeAllDay()
	if s.immediate {
		s.commitLocked(&pendingCommit{op: opUpdate, path: path, event: shell})
		s.mu.Unlock()
		return "", nil
	}
	taskID := s.schedulePendingLocked(opUpdate, path, shell)
	s.mu.Unlock()
	return taskID, nil
}

// DeleteEvent schedules the removal of an existing object, with the same
// etag discipline as UpdateEvent.
func (s *Store) DeleteEvent(ctx context.Context, path string, etag string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", calendar.ErrInvalidInput
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", calendar.ErrClientClosed
	}
	current, exists := s.objects[path]
	if !exists {
		s.mu.Unlock()
		return "", calendar.ErrNotFound
	}
	if etag != current.Etag {
		conflict := &calendar.ConflictError{Path: path, Etag: current.Etag, Current: current.Clone()}
		s.mu.Unlock()
		return "", conflict
	}
	if s.immediate {
		s.commitLocked(&pendingCommit{op: opDelete, path: path})
		s.mu.Unlock()
		return "", nil
	}
	taskID := s.schedulePendingLocked(opDelete, path, nil)
	s.mu.Unlock()
	return taskID, nil
}

// ChangeParticipation commits a participation update synchronously; RSVP
// answers carry no grace period. Subscribers see it as a reply.
func (s *Store) ChangeParticipation(ctx context.Context, path string, event *calendar.EventShell, etag string) (calendar.ParticipationResult, error) {
	if event == nil || strings.TrimSpace(path) == "" {
		return calendar.ParticipationResult{}, calendar.ErrInvalidInput
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return calendar.ParticipationResult{}, calendar.ErrClientClosed
	}
	current, exists := s.objects[path]
	if !exists {
		s.mu.Unlock()
		return calendar.ParticipationResult{}, calendar.ErrNotFound
	}
	if etag != current.Etag {
		conflict := &calendar.ConflictError{Path: path, Etag: current.Etag, Current: current.Clone()}
		s.mu.Unlock()
		return calendar.ParticipationResult{}, conflict
	}
	shell := event.Clone()
	shell.Path = path
	shell.Etag = s.nextEtagLocked()
	s.objects[path] = shell
	s.broadcastLocked(calendar.Notification{
		Kind:  calendar.NotificationReply,
		UID:   shell.UID,
		Path:  path,
		Etag:  shell.Etag,
		Event: shell.Clone(),
	})
	s.saveLocked()
	s.mu.Unlock()
	return calendar.ParticipationResult{Event: shell.Clone()}, nil
}

// CancelTask withdraws a pending write. A task that already committed (or
// was never known) reports CancelAlreadyCommitted instead of failing, so
// the caller can reconcile.
func (s *Store) CancelTask(ctx context.Context, taskID string) (calendar.CancelStatus, error) {
	if taskID == "" {
		return calendar.CancelAcknowledged, calendar.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.pending[taskID]
	if !ok {
		return calendar.CancelAlreadyCommitted, nil
	}
	delete(s.pending, taskID)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	return calendar.CancelAcknowledged, nil
}

// Subscribe registers a push listener. Slow consumers drop notifications
// rather than stall commits. The returned func unsubscribes.
func (s *Store) Subscribe() (<-chan calendar.Notification, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan calendar.Notification, s.notifyBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
	}
}

// PendingTasks reports how many submitted writes are still cancellable.
func (s *Store) PendingTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops every pending timer without committing and closes all
// subscriber channels. Pending writes are discarded.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for taskID, pc := range s.pending {
			if pc.timer != nil {
				pc.timer.Stop()
			}
			delete(s.pending, taskID)
		}
		for id, ch := range s.subscribers {
			close(ch)
			delete(s.subscribers, id)
		}
		s.mu.Unlock()
		if closer, ok := s.backend.(stateBackendCloser); ok {
			if err := closer.Close(); err != nil {
				s.logf("state backend close: %v", err)
			}
		}
	})
}

func (s *Store) schedulePendingLocked(op storeOp, path string, event *calendar.EventShell) string {
	taskID := uuid.NewString()
	pc := &pendingCommit{taskID: taskID, op: op, path: path, event: event}
	s.pending[taskID] = pc
	pc.timer = time.AfterFunc(s.graceDelay, func() {
		s.commitPending(taskID)
	})
	return taskID
}

func (s *Store) commitPending(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.pending[taskID]
	if !ok || s.closed {
		return
	}
	delete(s.pending, taskID)
	s.commitLocked(pc)
}

// commitLocked applies one write, bumps the revision, persists and
// broadcasts. A commit hook failure turns the whole commit into a task
// error notification and leaves the store untouched.
func (s *Store) commitLocked(pc *pendingCommit) *calendar.EventShell {
	if s.commitHook != nil {
		if err := s.commitHook(pc.path, pc.event); err != nil {
			uid := ""
			if pc.event != nil {
				uid = pc.event.UID
			} else if current, ok := s.objects[pc.path]; ok {
				uid = current.UID
			}
			s.broadcastLocked(calendar.Notification{
				Kind:    calendar.NotificationTaskError,
				UID:     uid,
				Path:    pc.path,
				TaskID:  pc.taskID,
				Message: err.Error(),
			})
			return nil
		}
	}
	switch pc.op {
	case opDelete:
		current, ok := s.objects[pc.path]
		if !ok {
			return nil
		}
		delete(s.objects, pc.path)
		s.broadcastLocked(calendar.Notification{
			Kind: calendar.NotificationDeleted,
			UID:  current.UID,
			Path: pc.path,
		})
		s.saveLocked()
		return nil
	default:
		shell := pc.event.Clone()
		shell.Etag = s.nextEtagLocked()
		_, existed := s.objects[pc.path]
		s.objects[pc.path] = shell
		kind := calendar.NotificationCreated
		if existed || pc.op == opUpdate {
			kind = calendar.NotificationUpdated
		}
		s.broadcastLocked(calendar.Notification{
			Kind:  kind,
			UID:   shell.UID,
			Path:  pc.path,
			Etag:  shell.Etag,
			Event: shell.Clone(),
		})
		s.saveLocked()
		return shell.Clone()
	}
}

func (s *Store) nextEtagLocked() string {
	s.revCounter++
	return fmt.Sprintf("rev-%d", s.revCounter)
}

func (s *Store) broadcastLocked(n calendar.Notification) {
	for _, ch := range s.subscribers {
		select {
		case ch <- n:
		default:
		}
	}
}

func (s *Store) saveLocked() {
	snapshot := &persistedState{
		RevCounter: s.revCounter,
		Objects:    map[string]*storedObject{},
	}
	for path, shell := range s.objects {
		snapshot.Objects[path] = &storedObject{
			Etag:  shell.Etag,
			Event: shell.Clone(),
		}
	}
	if err := s.backend.Save(snapshot); err != nil {
		s.logf("state save: %v", err)
	}
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
