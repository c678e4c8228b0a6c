package calendar

import (
	"sync"
	"time"
)

type TaskKind string

const (
	TaskCreate TaskKind = "create"
	TaskUpdate TaskKind = "update"
	TaskDelete TaskKind = "delete"
)

type Outcome int

const (
	OutcomeConfirmed Outcome = iota
	OutcomeCancelled
	OutcomeErrored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// task is one in-flight grace-period commit. previous holds the pre-mutation
// snapshot used for rollback; applied holds the optimistic state shown while
// the task is pending.
type task struct {
	id          string
	kind        TaskKind
	uid         string
	description string
	createdAt   time.Time
	deadline    time.Time
	previous    *EventShell
	applied     *EventShell
	onCancel    func()
	timer       *time.Timer
	handle      *Handle
}

func (t *task) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

// taskLedger is the process-wide registry of in-flight tasks, with a
// parallel index from object uid to its single outstanding task id. It is
// pure bookkeeping; remote cancellation and view finalization live on the
// client, which is the one serialized actor touching both.
type taskLedger struct {
	mu       sync.Mutex
	tasks    map[string]*task
	byObject map[string]string
}

func newTaskLedger() *taskLedger {
	return &taskLedger{
		tasks:    map[string]*task{},
		byObject: map[string]string{},
	}
}

// register adds a task and binds its object. A reused task id fails with
// ErrDuplicateTask; an object already bound to a different pending task
// fails with ErrTaskConflict, without registering anything.
func (l *taskLedger) register(t *task) error {
	if t == nil || t.id == "" {
		return ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.tasks[t.id]; exists {
		return ErrDuplicateTask
	}
	if bound, exists := l.byObject[t.uid]; exists && bound != t.id {
		return ErrTaskConflict
	}
	l.tasks[t.id] = t
	l.byObject[t.uid] = t.id
	return nil
}

// take removes a task and its object binding atomically. It reports false
// for unknown or already-terminal ids, which makes every resolution path
// idempotent.
func (l *taskLedger) take(taskID string) (*task, bool) {
	if taskID == "" {
		return nil, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tasks[taskID]
	if !ok {
		return nil, false
	}
	delete(l.tasks, taskID)
	if l.byObject[t.uid] == taskID {
		delete(l.byObject, t.uid)
	}
	return t, true
}

func (l *taskLedger) lookup(taskID string) (*task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tasks[taskID]
	return t, ok
}

func (l *taskLedger) pendingFor(uid string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	taskID, ok := l.byObject[uid]
	return taskID, ok
}

func (l *taskLedger) pendingIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.tasks))
	for id := range l.tasks {
		ids = append(ids, id)
	}
	return ids
}

func (l *taskLedger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}
