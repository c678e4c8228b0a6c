package calendar

import (
	"context"
	"time"
)

// Result is the terminal outcome of one mutation. Exactly one of the three
// variants applies: Confirmed carries the committed state, Cancelled the
// restored pre-mutation snapshot, Errored the cause.
type Result struct {
	Outcome  Outcome
	Event    *EventShell
	Previous *EventShell
	Err      error
}

// Handle is the cancel affordance for one pending grace-period task. The
// caller may cancel until the deadline and awaits the terminal result;
// both are safe to call from any goroutine and after resolution.
type Handle struct {
	client      *Client
	taskID      string
	description string
	deadline    time.Time
	result      chan Result
}

func newHandle(c *Client, taskID, description string, deadline time.Time) *Handle {
	return &Handle{
		client:      c,
		taskID:      taskID,
		description: description,
		deadline:    deadline,
		result:      make(chan Result, 1),
	}
}

// resolvedHandle wraps an already-terminal result, used when no grace period
// applies (immediate commits, pure-local removals).
func resolvedHandle(res Result) *Handle {
	h := &Handle{result: make(chan Result, 1)}
	h.result <- res
	return h
}

func (h *Handle) TaskID() string {
	if h == nil {
		return ""
	}
	return h.taskID
}

func (h *Handle) Description() string {
	if h == nil {
		return ""
	}
	return h.description
}

func (h *Handle) Deadline() time.Time {
	if h == nil {
		return time.Time{}
	}
	return h.deadline
}

// Wait blocks until the task reaches a terminal state and returns its
// result. The result stays available for later calls.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	if h == nil {
		return Result{}, ErrInvalidInput
	}
	select {
	case res := <-h.result:
		// Keep the result observable for any other waiter.
		h.result <- res
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel requests cancellation from the remote store and waits for its
// acknowledgement. When the store reports the task already committed, the
// returned result is Confirmed, never Cancelled. Cancelling a resolved task
// returns the existing result.
func (h *Handle) Cancel(ctx context.Context) (Result, error) {
	if h == nil {
		return Result{}, ErrInvalidInput
	}
	if h.client == nil || h.taskID == "" {
		return h.Wait(ctx)
	}
	if err := h.client.cancelTask(ctx, h.taskID); err != nil {
		return Result{}, err
	}
	return h.Wait(ctx)
}

func (h *Handle) deliver(res Result) {
	select {
	case h.result <- res:
	default:
	}
}
