// Package lock provides keyed mutual exclusion. Memory serves a single
// process; Redis serves a fleet of dispatchers sharing one database.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld is returned by an Unlock whose lease expired or was taken over.
var ErrNotHeld = errors.New("lock not held")

// Unlock releases a held lock. It is safe to call more than once.
type Unlock func(ctx context.Context) error

type Locker interface {
	// Lock blocks until key is held or ctx is done.
	Lock(ctx context.Context, key string, ttl time.Duration) (Unlock, error)
	// TryLock acquires key only if it is free right now.
	TryLock(ctx context.Context, key string, ttl time.Duration) (Unlock, bool, error)
}

func AccountKey(accountID string) string       { return "account:" + accountID }
func EnrollmentKey(enrollmentID string) string { return "enrollment:" + enrollmentID }
