package calendar

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrVersionConflict   = errors.New("version conflict")
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrDuplicateTask     = errors.New("duplicate task")
	ErrTaskConflict      = errors.New("object already has a pending task")
	ErrClientClosed      = errors.New("client closed")
)

// ConflictError is returned when a write was submitted with a stale version
// token. Current carries the server's current object when the store provided
// it, which lets the retry policy skip the refetch.
type ConflictError struct {
	Path    string
	Etag    string
	Current *EventShell
}

func (e *ConflictError) Error() string {
	if e.Path == "" {
		return "version conflict"
	}
	return fmt.Sprintf("version conflict for %s", e.Path)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}
