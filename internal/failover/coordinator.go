package failover

import (
	"context"
	"errors"
)

// ErrMultipleSessions means more than one leader session exists for this
// node and cluster. That should be impossible; the controller treats it as
// fatal rather than guessing which session is real.
var ErrMultipleSessions = errors.New("multiple leader sessions found for this node")

// LockState is the observed state of the leader lock.
type LockState struct {
	// Holder is the session id currently holding the lock, or "" when the
	// lock is unheld or absent.
	Holder string
	// Value is the payload stored under the lock key.
	Value []byte
}

// Coordinator is the slice of the coordination service the controller
// needs. The production implementation wraps the Consul client; tests use
// an in-memory fake.
//
// Every method bounds its own network round trips; a timeout or transport
// error surfaces as an error and the controller skips the rest of the
// tick. The one exception is SessionCreate, which retries until the
// context is cancelled, because the agent has no useful work without a
// session.
type Coordinator interface {
	// Register adds the service registration with the given tag ("" for
	// none). It is a no-op when the registration already exists; the
	// return reports whether a new registration was written.
	Register(ctx context.Context, tag string) (bool, error)

	// Deregister removes the service registration and destroys any leader
	// session this node still owns. No-op when absent.
	Deregister(ctx context.Context) error

	// SetTag re-registers the service with tag as its only tag. It is a
	// no-op when the registration already carries exactly that tag.
	SetTag(ctx context.Context, tag string) error

	// Tag returns the catalog's current tag for this node's registration,
	// or "" when none is set.
	Tag(ctx context.Context) (string, error)

	// CheckPassing reports whether the coordinator currently sees this
	// node's service check as passing. A missing check is not passing.
	CheckPassing(ctx context.Context) (bool, error)

	// ExistingSession returns this node's leader session id, "" when none
	// exists, or ErrMultipleSessions when the invariant is violated.
	ExistingSession(ctx context.Context) (string, error)

	// SessionCreate creates a leader session bound to the node and service
	// health checks, retrying with backoff until the context ends.
	SessionCreate(ctx context.Context) (string, error)

	// SessionDestroy releases the session. Best effort.
	SessionDestroy(ctx context.Context, id string) error

	// AcquireLock attempts a compare-and-swap acquire of the leader lock
	// with the given session. True means this session now holds it.
	AcquireLock(ctx context.Context, session string) (bool, error)

	// LockHolder reads the leader lock.
	LockHolder(ctx context.Context) (LockState, error)

	// SessionNode resolves a session id to the node that owns it, or ""
	// when the session no longer exists.
	SessionNode(ctx context.Context, id string) (string, error)
}
