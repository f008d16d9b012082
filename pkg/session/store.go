// Package session keeps one conversation per session identity and drives its
// turn-taking machine, so that no two bot responses for the same session are
// ever computed at once.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/papercomputeco/flowchat/pkg/conversation"
)

// ErrNotFound is returned by a Store when the session does not exist.
var ErrNotFound = errors.New("session not found")

// Store persists conversation state keyed by session ID.
type Store interface {
	// Save stores state for sessionID, replacing any previous value.
	Save(ctx context.Context, sessionID string, state conversation.State) error

	// Load returns the state for sessionID or ErrNotFound.
	Load(ctx context.Context, sessionID string) (conversation.State, error)

	// Delete removes sessionID. Deleting a missing session is not an error.
	Delete(ctx context.Context, sessionID string) error

	// List returns the IDs of all stored sessions.
	List(ctx context.Context) ([]string, error)
}

// UnlockFunc releases a distributed lock.
type UnlockFunc func(ctx context.Context) error

// DistributedLocker serialises access to a session across processes.
type DistributedLocker interface {
	// Lock blocks until the lock for key is held or ctx is done. The lock is
	// kept alive until the UnlockFunc runs and expires ttl after its holder
	// stops refreshing it.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

// Recorder receives the full turn log after every completed exchange.
type Recorder interface {
	Record(ctx context.Context, sessionID string, turns []conversation.Turn) (string, error)
}

// Listener is notified with a snapshot after every state change.
type Listener func(sessionID string, snapshot conversation.State)
