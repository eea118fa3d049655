package chatroom

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRoomClosed is returned by entry points of a room that has been closed.
	ErrRoomClosed = errors.New("room closed")
	// ErrUnknownMessage is returned when an action targets a message not in the store.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrMutationInFlight is returned when the same target already has an unconfirmed mutation.
	ErrMutationInFlight = errors.New("mutation already in flight")
	// ErrNoMoreHistory is returned by LoadOlder once the server reported the oldest page.
	ErrNoMoreHistory = errors.New("no more history")
	// ErrLoadInFlight is returned by LoadOlder while a previous page is still loading.
	ErrLoadInFlight = errors.New("history load already in flight")
	// ErrConflict matches any error reporting that the server state diverged from the request.
	ErrConflict = errors.New("conflicting server state")
	// ErrTimeout marks a mutation rolled back because no confirmation arrived in time.
	ErrTimeout = errors.New("mutation confirmation timed out")
)

// APIError represents an error returned by the data API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// Is reports 409 responses as conflicts.
func (e *APIError) Is(target error) bool {
	return target == ErrConflict && e.Status == http.StatusConflict
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// ConflictError reports that an edit or delete targeted a record the server
// already changed or removed. Current is the server's record when known.
type ConflictError struct {
	MessageID string
	Current   *Message
}

func (e *ConflictError) Error() string {
	if e.Current == nil {
		return fmt.Sprintf("message %s no longer exists", e.MessageID)
	}
	return fmt.Sprintf("message %s was changed on the server", e.MessageID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// MutationFailure is surfaced to the view when an optimistic mutation was rolled back.
type MutationFailure struct {
	Mutation  PendingMutation
	Err       error
	Retryable bool
}

func (f MutationFailure) Error() string {
	return fmt.Sprintf("%s %s failed: %v", f.Mutation.Kind, f.Mutation.LocalID, f.Err)
}

func (f MutationFailure) Unwrap() error { return f.Err }
