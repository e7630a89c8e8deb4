package provider

import (
	"errors"
	"fmt"

	"github.com/matheus3301/chathub/internal/model"
)

// ErrStaleReference marks "not found / bad request" class failures: the
// remote reports that a chat or message no longer exists. The store reacts
// by purging local state rather than surfacing a blocking error.
var ErrStaleReference = errors.New("stale remote reference")

// ConnectionError is a transport or auth failure while establishing a
// provider session. Recoverable by retry or re-auth.
type ConnectionError struct {
	Source model.Source
	Op     string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %s: connection failed: %v", e.Source, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SendError is a message delivery rejection. Surfaced to the caller, not
// retried automatically.
type SendError struct {
	Source model.Source
	ChatID string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: send to chat %s rejected: %v", e.Source, e.ChatID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// FetchError is a failed history or chat-list fetch. Recoverable by falling
// back to cached data. NotFound marks the stale-reference class.
type FetchError struct {
	Source   model.Source
	Op       string
	NotFound bool
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Source, e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	if e.NotFound {
		return ErrStaleReference
	}
	return e.Err
}

// IsStale reports whether err belongs to the stale-reference class.
func IsStale(err error) bool {
	return errors.Is(err, ErrStaleReference)
}
