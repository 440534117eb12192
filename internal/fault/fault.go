// Package fault implements the operation-interposition layer of §4.F: a
// registry of before/after hooks per FS primitive that can simulate
// torn writes and reordered operations, each driven by a small
// process-atomic state machine (IDLE -> ARMED -> FIRING -> DONE).
package fault

import (
	"regexp"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Op is one of the FS primitives the injector can interpose on.
type Op string

const (
	OpUnlink   Op = "unlink"
	OpTruncate Op = "truncate"
	OpFsync    Op = "fsync"
	OpWrite    Op = "write"
	OpCreate   Op = "create"
	OpAccess   Op = "access"
	OpOpen     Op = "open"
	OpRead     Op = "read"
	OpRename   Op = "rename"
	OpLink     Op = "link"
	OpSymlink  Op = "symlink"
)

// multiPath lists the ops that carry two paths (old/new, target/link),
// both of which must be checked against a fault's path_regex.
var multiPath = map[Op]bool{OpRename: true, OpLink: true, OpSymlink: true}

// Timing selects which of an op's two hook lists a fault is registered
// against.
type Timing int

const (
	Before Timing = iota
	After
)

// State is a fault's position in its IDLE -> ARMED -> FIRING -> DONE
// machine. ARMED covers every invocation before the occurrence-th;
// FIRING is the single invocation that matches it; DONE is terminal.
// base.State reports only ARMED and DONE: a fault is ARMED from
// construction, and FIRING lasts only while the firing invocation runs.
type State int32

const (
	StateIdle State = iota
	StateArmed
	StateFiring
	StateDone
)

var ErrSimulatedCrash = errors.New("fault: simulated crash")

// ErrFaultInjected is the §7 "FaultInjected" sentinel: a fault firing
// is exactly what a simulated crash is, so it shares ErrSimulatedCrash's
// identity rather than introducing a second, unrelated value callers
// would have to check for separately.
var ErrFaultInjected = ErrSimulatedCrash

// Fault is the common surface both SplitWriteFault and ReorderFault
// implement so the injector can hold either in its hook lists.
type Fault interface {
	PathRegex() *regexp.Regexp
	State() State
}

// base is the shared (path_regex, occurrence, counter) triple every
// fault kind is built from; counter is advanced with a single atomic
// op per invocation so concurrent FS threads race safely.
type base struct {
	regex      *regexp.Regexp
	occurrence int32
	counter    int32
}

func newBase(pathRegex string, occurrence int) (base, error) {
	if occurrence <= 0 {
		return base{}, errors.New("fault: occurrence must be >= 1")
	}
	re, err := regexp.Compile(pathRegex)
	if err != nil {
		return base{}, errors.Wrap(err, "fault: bad path_regex")
	}
	return base{regex: re, occurrence: int32(occurrence)}, nil
}

func (b *base) PathRegex() *regexp.Regexp { return b.regex }

func (b *base) State() State {
	// counter is advanced at the start of each invocation, so once it
	// reaches occurrence the firing invocation has already taken place.
	c := atomic.LoadInt32(&b.counter)
	if c < b.occurrence {
		return StateArmed
	}
	return StateDone
}

// advance records one more invocation and reports whether this
// particular invocation is the occurrence-th (i.e. the one that fires).
func (b *base) advance() bool {
	c := atomic.AddInt32(&b.counter, 1)
	return c == b.occurrence
}

func (b *base) matches(path string) bool {
	return b.regex.MatchString(path)
}
