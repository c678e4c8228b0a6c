package calendar

import (
	"context"
	"errors"
)

const defaultMaxConflictRetries = 3

// submitWithConflictRetry runs submit until it succeeds or fails with a
// non-conflict error. On a version conflict the current remote object is
// fetched (or taken from the conflict response) and submit is retried with
// the fresh etag, up to the client's retry bound; exhaustion surfaces the
// last conflict error.
func (c *Client) submitWithConflictRetry(ctx context.Context, path, etag string, submit func(etag string, current *EventShell) (string, error)) (string, error) {
	var current *EventShell
	var lastErr error
	for attempt := 0; attempt <= c.maxConflictRetries; attempt++ {
		taskID, err := submit(etag, current)
		if err == nil {
			return taskID, nil
		}
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			return "", err
		}
		lastErr = err
		fresh := conflict.Current
		if fresh == nil {
			fresh, err = c.store.GetEvent(ctx, path)
			if err != nil {
				return "", err
			}
		}
		etag = fresh.Etag
		current = fresh
	}
	return "", lastErr
}
