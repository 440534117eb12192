package engine

import (
	"github.com/pkg/errors"

	"github.com/lazyfs-go/pagecache/internal/fault"
)

// Error kinds from spec.md §7, scoped to the engine.
var (
	// ErrAllocationFailed means get_next_free_page returned -1: no free
	// slot, no global free page, and either eviction is disabled or the
	// LRU list is empty. Per-block result is false; caller may retry
	// after eviction makes room.
	ErrAllocationFailed = errors.New("engine: no free page available")

	// ErrUnknownOwner means rename_owner_pages or a similar op was asked
	// to operate on an owner the engine has never seen.
	ErrUnknownOwner = errors.New("engine: unknown owner")

	// ErrBackingIO wraps open/seek/write/truncate failures during sync.
	ErrBackingIO = errors.New("engine: backing file I/O failed")
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
