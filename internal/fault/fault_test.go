package fault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitWriteFaultPassesThroughUntilOccurrence(t *testing.T) {
	f, err := FromParts(".*", 2, 2, []int{0})
	require.NoError(t, err)

	data := []byte("AAAABBBB")
	runs, crashed, err := f.Apply(data)
	require.NoError(t, err)
	assert.False(t, crashed)
	assert.Equal(t, data, runs[0])
	assert.Equal(t, StateArmed, f.State())
}

func TestSplitWriteFaultTornOnOccurrence(t *testing.T) {
	f, err := FromParts(".*", 1, 2, []int{0})
	require.NoError(t, err)

	data := []byte("AAAABBBB")
	runs, crashed, err := f.Apply(data)
	require.NoError(t, err)
	assert.True(t, crashed)
	require.Contains(t, runs, 0)
	assert.Equal(t, []byte("AAAA"), runs[0])
	_, hasSecond := runs[1]
	assert.False(t, hasSecond, "only persisted runs are returned")
	assert.Equal(t, StateDone, f.State())
}

func TestSplitWriteFaultPartsBytes(t *testing.T) {
	f, err := FromPartsBytes(".*", 1, []int{4, 4}, []int{1})
	require.NoError(t, err)

	runs, crashed, err := f.Apply([]byte("AAAABBBB"))
	require.NoError(t, err)
	assert.True(t, crashed)
	assert.Equal(t, []byte("BBBB"), runs[1])
}

func TestSplitWriteFaultRejectsMismatchedPartsBytes(t *testing.T) {
	f, err := FromPartsBytes(".*", 1, []int{4, 5}, []int{0})
	require.NoError(t, err)
	_, _, err = f.Apply([]byte("AAAABBBB"))
	assert.Error(t, err)
}

func TestReorderFaultReplaysPersistedAndCrashes(t *testing.T) {
	f, err := FromOp(OpWrite, ".*", 3, []int{1, 0})
	require.NoError(t, err)

	var order []int
	mk := func(i int) func() error {
		return func() error { order = append(order, i); return nil }
	}

	fired, err := f.Capture(mk(0))
	require.NoError(t, err)
	assert.False(t, fired)

	fired, err = f.Capture(mk(1))
	require.NoError(t, err)
	assert.False(t, fired)

	fired, err = f.Capture(mk(2))
	assert.True(t, fired)
	assert.ErrorIs(t, err, ErrSimulatedCrash)
	assert.Equal(t, []int{1, 0}, order, "replayed in persist order, member 2 dropped")
	assert.Equal(t, StateDone, f.State())
}

func TestInjectorPathInjectingFault(t *testing.T) {
	inj := New()
	sw, err := FromParts(`^/data/.*`, 1, 2, []int{0})
	require.NoError(t, err)
	inj.Register(Before, OpWrite, sw)

	assert.True(t, inj.PathInjectingFault(OpWrite, "/data/x"))
	assert.False(t, inj.PathInjectingFault(OpWrite, "/other/x"))

	_, _, _ = sw.Apply([]byte("AAAABBBB"))
	assert.False(t, inj.PathInjectingFault(OpWrite, "/data/x"), "DONE faults no longer report as injecting")
}

func TestInjectorMatchingSplitWrite(t *testing.T) {
	inj := New()
	sw, err := FromParts(`^/data/.*`, 1, 2, []int{0})
	require.NoError(t, err)
	inj.Register(Before, OpWrite, sw)

	got := inj.MatchingSplitWrite(Before, "/data/x")
	require.NotNil(t, got)
	assert.Same(t, sw, got)

	assert.Nil(t, inj.MatchingSplitWrite(Before, "/other/x"))
}

func TestPathsForOpMultiPath(t *testing.T) {
	assert.Equal(t, []string{"/old", "/new"}, PathsForOp(OpRename, "/old", "/new"))
	assert.Equal(t, []string{"/x"}, PathsForOp(OpWrite, "/x", ""))
}
