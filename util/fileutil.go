package util

import (
	"os"

	"github.com/pkg/errors"

	"github.com/lazyfs-go/pagecache/internal/fault"
)

// OpenForSync opens a backing file for the engine's write-back path,
// creating it if it doesn't exist yet (§4.C sync_pages — the first
// sync of a brand-new item has nothing on disk to open). inj may be
// nil; when set, a fault registered against path's "open" op
// interposes on the real os.OpenFile call (§4.F before[open]).
func OpenForSync(inj *fault.Injector, path string) (*os.File, error) {
	var f *os.File
	err := inj.Intercept(fault.Before, fault.OpOpen, path, func() error {
		var openErr error
		f, openErr = os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
		return openErr
	})
	return f, errors.Wrap(err, "util: open backing file for sync")
}

// OpenForFlush opens an existing backing file for a transparent
// eviction flush (§4.C get_next_free_page) — the file must already
// exist, since eviction never creates new backing files. Same
// before[open] interposition as OpenForSync.
func OpenForFlush(inj *fault.Injector, path string) (*os.File, error) {
	var f *os.File
	err := inj.Intercept(fault.Before, fault.OpOpen, path, func() error {
		var openErr error
		f, openErr = os.OpenFile(path, os.O_WRONLY, 0o644)
		return openErr
	})
	return f, errors.Wrap(err, "util: open backing file for eviction flush")
}

// WriteAtOffset writes data at a positional offset within path,
// consulting inj for a write fault first (§4.F before[write]): a
// SplitWriteFault tears data and writes only its Persist-listed runs, a
// ReorderFault captures/replays it. With no matching fault a single
// WriteAt does both the seek and the write.
func WriteAtOffset(inj *fault.Injector, f *os.File, path string, offset int64, data []byte) error {
	err := inj.InterceptWrite(fault.Before, path, offset, data, func(at int64, d []byte) error {
		_, writeErr := f.WriteAt(d, at)
		return writeErr
	})
	return errors.Wrap(err, "util: positional write")
}

// TruncateTo truncates f to exactly size bytes (§4.C sync_pages'
// trailing ftruncate), consulting inj for a truncate fault on path
// first (§4.F before[truncate]).
func TruncateTo(inj *fault.Injector, f *os.File, path string, size int64) error {
	err := inj.Intercept(fault.Before, fault.OpTruncate, path, func() error {
		return f.Truncate(size)
	})
	return errors.Wrap(err, "util: truncate backing file")
}

// PathExists reports whether path exists, distinguishing "doesn't
// exist" from a real stat error.
func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
