// Package lock serializes action execution per item.
package lock

import "context"

// Locker acquires an exclusive lock on key. The returned func releases it and
// is safe to call once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
