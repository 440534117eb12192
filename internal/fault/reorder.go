package fault

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ReorderFault buffers successive invocations of one op into a group;
// when the group's occurrence-th member fires, only the Persist-listed
// members of that group are replayed (in order), the rest are dropped,
// and the process halts. Grounded on original_source's ReorderFault
// (op/occurrence/persist/group_counter).
type ReorderFault struct {
	base
	Op           Op
	Persist      []int
	groupCounter int32

	mu    sync.Mutex
	group []func() error
}

// FromOp builds a ReorderFault watching op, firing on its occurrence-th
// captured group.
func FromOp(op Op, pathRegex string, occurrence int, persist []int) (*ReorderFault, error) {
	b, err := newBase(pathRegex, occurrence)
	if err != nil {
		return nil, err
	}
	return &ReorderFault{base: b, Op: op, Persist: append([]int(nil), persist...)}, nil
}

// Capture adds fn as the next member of the current group. Once the
// group reaches the fault's occurrence count, Capture replays the
// Persist-listed members (in order) and returns ErrSimulatedCrash;
// members not listed in Persist are dropped without ever running.
func (f *ReorderFault) Capture(fn func() error) (fired bool, err error) {
	f.mu.Lock()
	f.group = append(f.group, fn)
	group := f.group
	f.mu.Unlock()

	if !f.advance() {
		return false, nil
	}

	atomic.AddInt32(&f.groupCounter, 1)
	for _, idx := range f.Persist {
		if idx < 0 || idx >= len(group) {
			continue
		}
		if rerr := group[idx](); rerr != nil {
			return true, errors.Wrap(rerr, "fault: reorder replay")
		}
	}

	f.mu.Lock()
	f.group = nil
	f.mu.Unlock()

	return true, ErrSimulatedCrash
}
