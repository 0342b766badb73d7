// Package lock provides per-key mutual exclusion for tenant migrations, either within one process or across
// replicas through Kubernetes Leases.
package lock

import (
	"context"
	"errors"
)

// ErrLockHeld is returned when the context ends before a lock held by someone else was released.
var ErrLockHeld = errors.New("lock held")

// ErrLockLost is the cause of a held context that ended because the lock was taken away.
var ErrLockLost = errors.New("lock lost")

// Locker serializes work on a key.  Lock blocks until the key is acquired or ctx ends.
//
// The returned context is derived from ctx and is cancelled with ErrLockLost as its cause if the lock stops
// being held before unlock; work done under the lock must use it.  unlock releases the lock, cancels the held
// context and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (held context.Context, unlock func(), err error)
}
