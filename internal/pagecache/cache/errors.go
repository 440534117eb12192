package cache

import (
	"github.com/pkg/errors"

	"github.com/lazyfs-go/pagecache/internal/fault"
)

// Error kinds from spec.md §7, scoped to the coordinator.
var (
	// ErrNotCached never crosses the public Cache API boundary — every
	// exported method turns it into a negative result (false, zero
	// Metadata, empty map) per §7's "NotCached ... not an error". It is
	// returned by the unexported lookup, the one seam every "unknown
	// inode" miss in this package funnels through before a caller
	// decides whether to surface it or swallow it.
	ErrNotCached = errors.New("cache: inode not cached")

	// ErrBackingIO wraps sync/flush failures that leave an item
	// deliberately marked unsynced for retry.
	ErrBackingIO = errors.New("cache: backing file I/O failed")

	// ErrLockPoisoned is returned by an operation against an item whose
	// lock a previous caller panicked while holding (§7 "LockPoisoned").
	// Go's sync.Mutex has no built-in poisoning the way Rust's
	// std::sync::Mutex does, so itemEntry tracks it itself: see
	// SyncOwner.
	ErrLockPoisoned = errors.New("cache: item lock poisoned by a previous panic")
)

// backingIOErr tags a real I/O failure so errors.Is(err, ErrBackingIO)
// succeeds, without losing the wrapped error's own message or chain.
type backingIOErr struct{ error }

func (backingIOErr) Is(target error) bool { return target == ErrBackingIO }

// wrapBackingIO tags err as ErrBackingIO, unless err is itself a fault
// injector crash — that one already carries its own identity
// (fault.ErrFaultInjected) and is left untagged so the two §7 kinds
// stay independently testable instead of colliding on the same error.
func wrapBackingIO(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fault.ErrFaultInjected) {
		return err
	}
	return backingIOErr{err}
}
