package fault

import (
	"sort"
	"sync"
)

type registration struct {
	fault Fault
}

// Injector is the process-scoped collaborator an FS adapter threads
// through construction (§4.F "expose it as an explicit collaborator...
// not ambient state") and consults before and after each primitive.
type Injector struct {
	mu     sync.RWMutex
	before map[Op][]registration
	after  map[Op][]registration
}

func New() *Injector {
	return &Injector{
		before: make(map[Op][]registration),
		after:  make(map[Op][]registration),
	}
}

// Register adds f to op's before or after list, evaluated in
// registration order.
func (inj *Injector) Register(timing Timing, op Op, f Fault) {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	reg := registration{fault: f}
	if timing == Before {
		inj.before[op] = append(inj.before[op], reg)
	} else {
		inj.after[op] = append(inj.after[op], reg)
	}
}

func (inj *Injector) listFor(timing Timing, op Op) []registration {
	inj.mu.RLock()
	defer inj.mu.RUnlock()
	if timing == Before {
		return append([]registration(nil), inj.before[op]...)
	}
	return append([]registration(nil), inj.after[op]...)
}

// PathInjectingFault reports whether any non-DONE fault registered for
// op (before or after) matches path. Multi-path ops are expected to be
// called once per path by the adapter.
func (inj *Injector) PathInjectingFault(op Op, path string) bool {
	for _, timing := range []Timing{Before, After} {
		for _, reg := range inj.listFor(timing, op) {
			if reg.fault.State() != StateDone && reg.fault.PathRegex().MatchString(path) {
				return true
			}
		}
	}
	return false
}

// MatchingSplitWrite returns the first ARMED-or-FIRING SplitWriteFault
// registered for OpWrite under timing whose path_regex matches path, or
// nil.
func (inj *Injector) MatchingSplitWrite(timing Timing, path string) *SplitWriteFault {
	for _, reg := range inj.listFor(timing, OpWrite) {
		sw, ok := reg.fault.(*SplitWriteFault)
		if !ok || sw.State() == StateDone {
			continue
		}
		if sw.matches(path) {
			return sw
		}
	}
	return nil
}

// MatchingReorder returns the first ARMED-or-FIRING ReorderFault
// registered for op/timing whose path_regex matches path, or nil.
func (inj *Injector) MatchingReorder(timing Timing, op Op, path string) *ReorderFault {
	for _, reg := range inj.listFor(timing, op) {
		rf, ok := reg.fault.(*ReorderFault)
		if !ok || rf.State() == StateDone {
			continue
		}
		if rf.matches(path) {
			return rf
		}
	}
	return nil
}

// Intercept is the generic before[op]/after[op] interposition point
// (§4.F steps 1-3) for ops that carry no data buffer of their own
// (open, truncate, ...): a ReorderFault registered for op/path folds
// the real operation into its capture group instead of running it
// immediately, surfacing ErrSimulatedCrash on its firing invocation. A
// nil Injector, or no matching fault, just runs real. Safe to call on
// a nil *Injector.
func (inj *Injector) Intercept(timing Timing, op Op, path string, real func() error) error {
	if inj == nil {
		return real()
	}
	if rf := inj.MatchingReorder(timing, op, path); rf != nil {
		_, err := rf.Capture(real)
		return err
	}
	return real()
}

// InterceptWrite is the before[write]/after[write] interposition point
// for positional writes. A ReorderFault takes precedence (same as
// Intercept); otherwise a matching SplitWriteFault tears data into its
// configured runs and writeAt is called only for the Persist-listed
// ones, each placed at offset+its own start within data, surfacing
// ErrSimulatedCrash on the firing invocation so the caller stops before
// the dropped runs ever "reach" the backing file. Safe to call on a
// nil *Injector.
func (inj *Injector) InterceptWrite(timing Timing, path string, offset int64, data []byte, writeAt func(offset int64, data []byte) error) error {
	if inj == nil {
		return writeAt(offset, data)
	}
	if rf := inj.MatchingReorder(timing, OpWrite, path); rf != nil {
		_, err := rf.Capture(func() error { return writeAt(offset, data) })
		return err
	}
	sw := inj.MatchingSplitWrite(timing, path)
	if sw == nil {
		return writeAt(offset, data)
	}
	runOffsets, err := sw.RunOffsets(len(data))
	if err != nil {
		return err
	}
	runs, crashed, err := sw.Apply(data)
	if err != nil {
		return err
	}
	indices := make([]int, 0, len(runs))
	for idx := range runs {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		if idx < 0 || idx >= len(runOffsets) {
			continue
		}
		if err := writeAt(offset+runOffsets[idx], runs[idx]); err != nil {
			return err
		}
	}
	if crashed {
		return ErrSimulatedCrash
	}
	return nil
}

// PathsForOp returns the path arguments that must be checked against
// path_regex for a given op — two for the multi-path ops, one otherwise.
func PathsForOp(op Op, primary, secondary string) []string {
	if multiPath[op] && secondary != "" {
		return []string{primary, secondary}
	}
	return []string{primary}
}
