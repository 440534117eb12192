package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyfs-go/pagecache/internal/fault"
)

func TestOpenForSyncCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x")
	f, err := OpenForSync(nil, path)
	require.NoError(t, err)
	defer f.Close()

	ok, err := PathExists(path)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpenForFlushFailsOnMissingFile(t *testing.T) {
	_, err := OpenForFlush(nil, filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestWriteAtOffsetAndTruncateTo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	f, err := OpenForFlush(nil, path)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, WriteAtOffset(nil, f, path, 4, []byte("AB")))
	require.NoError(t, TruncateTo(nil, f, path, 6))

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 'A', 'B'}, out)
}

func TestPathExistsReportsAbsence(t *testing.T) {
	ok, err := PathExists(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteAtOffsetAppliesSplitWriteFaultAtCorrectOffsets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x")
	require.NoError(t, os.WriteFile(path, make([]byte, 32), 0o644))

	f, err := OpenForFlush(nil, path)
	require.NoError(t, err)

	sw, err := fault.FromParts(".*", 1, 2, []int{0})
	require.NoError(t, err)
	inj := fault.New()
	inj.Register(fault.Before, fault.OpWrite, sw)

	data := []byte("AAAAAAAAAAAAAAAABBBBBBBBBBBBBBBB")
	err = WriteAtOffset(inj, f, path, 0, data)
	assert.ErrorIs(t, err, fault.ErrSimulatedCrash)
	require.NoError(t, f.Close())

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("AAAAAAAAAAAAAAAA"), out[:16])
	assert.Equal(t, make([]byte, 16), out[16:], "second run was dropped by the torn write")
}
