package statusmap_test

import (
	"testing"

	"github.com/bitplane/blkcache"
	"github.com/bitplane/blkcache/statusmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SingleUnreadTransition(t *testing.T) {
	m := statusmap.New(8192, 4096)
	require.NoError(t, m.Validate())
	assert.Equal(t, blkcache.Unread, m.StatusAt(0))
	assert.Equal(t, blkcache.Unread, m.StatusAt(1))
}

func TestSet_WholeRange(t *testing.T) {
	m := statusmap.New(8192, 4096)
	require.NoError(t, m.Set(0, 2, blkcache.Cached))
	require.NoError(t, m.Validate())
	assert.Equal(t, blkcache.Cached, m.StatusAt(0))
	assert.Equal(t, blkcache.Cached, m.StatusAt(1))
	assert.Len(t, m.Transitions(), 1)
}

func TestSet_MiddleRange_CreatesThreeRuns(t *testing.T) {
	// 4 blocks, mark only the middle two as Cached.
	m := statusmap.New(4*4096, 4096)
	require.NoError(t, m.Set(1, 3, blkcache.Cached))
	require.NoError(t, m.Validate())

	assert.Equal(t, blkcache.Unread, m.StatusAt(0))
	assert.Equal(t, blkcache.Cached, m.StatusAt(1))
	assert.Equal(t, blkcache.Cached, m.StatusAt(2))
	assert.Equal(t, blkcache.Unread, m.StatusAt(3))
}

func TestSet_Coalesces_WithNeighboursOfSameStatus(t *testing.T) {
	m := statusmap.New(4*4096, 4096)
	require.NoError(t, m.Set(0, 2, blkcache.Cached))
	require.NoError(t, m.Set(2, 4, blkcache.Cached))
	require.NoError(t, m.Validate())
	// Both ranges share Cached and are adjacent, so they must coalesce into
	// a single transition.
	assert.Len(t, m.Transitions(), 1)
}

func TestSet_OverwritingSubsetOfExistingRun(t *testing.T) {
	m := statusmap.New(10*4096, 4096)
	require.NoError(t, m.Set(0, 10, blkcache.Cached))
	require.NoError(t, m.Set(4, 6, blkcache.BadSector))
	require.NoError(t, m.Validate())

	for b := int64(0); b < 4; b++ {
		assert.Equal(t, blkcache.Cached, m.StatusAt(b))
	}
	assert.Equal(t, blkcache.BadSector, m.StatusAt(4))
	assert.Equal(t, blkcache.BadSector, m.StatusAt(5))
	for b := int64(6); b < 10; b++ {
		assert.Equal(t, blkcache.Cached, m.StatusAt(b))
	}
	assert.Len(t, m.Transitions(), 3)
}

func TestRange_YieldsMaximalRuns(t *testing.T) {
	m := statusmap.New(10*4096, 4096)
	require.NoError(t, m.Set(0, 10, blkcache.Cached))
	require.NoError(t, m.Set(4, 6, blkcache.BadSector))

	it := m.Range(0, 10)
	var runs []statusmap.Run
	for {
		run, ok := it.Next()
		if !ok {
			break
		}
		runs = append(runs, run)
	}

	require.Len(t, runs, 3)
	assert.Equal(t, statusmap.Run{BlockLo: 0, BlockHi: 4, Status: blkcache.Cached}, runs[0])
	assert.Equal(t, statusmap.Run{BlockLo: 4, BlockHi: 6, Status: blkcache.BadSector}, runs[1])
	assert.Equal(t, statusmap.Run{BlockLo: 6, BlockHi: 10, Status: blkcache.Cached}, runs[2])
}

func TestRange_PartialWindow(t *testing.T) {
	m := statusmap.New(10*4096, 4096)
	require.NoError(t, m.Set(0, 10, blkcache.Cached))
	require.NoError(t, m.Set(4, 6, blkcache.BadSector))

	it := m.Range(3, 7)
	var runs []statusmap.Run
	for {
		run, ok := it.Next()
		if !ok {
			break
		}
		runs = append(runs, run)
	}
	require.Len(t, runs, 3)
	assert.Equal(t, int64(3), runs[0].BlockLo)
	assert.Equal(t, int64(4), runs[0].BlockHi)
	assert.Equal(t, int64(7), runs[2].BlockHi)
}

func TestRecordAttempt_MonotonicallyAdvances(t *testing.T) {
	m := statusmap.New(8192, 4096)
	m.RecordAttempt(4096)
	m.RecordAttempt(0)
	assert.Equal(t, int64(4096), m.CurrentPos())
	m.RecordAttempt(8000)
	assert.Equal(t, int64(8000), m.CurrentPos())
}

func TestSet_RejectsRangeExceedingDeviceSize(t *testing.T) {
	m := statusmap.New(4096, 4096)
	err := m.Set(0, 2, blkcache.Cached)
	assert.Error(t, err)
}

func TestSet_RejectsEmptyRange(t *testing.T) {
	m := statusmap.New(8192, 4096)
	err := m.Set(1, 1, blkcache.Cached)
	assert.Error(t, err)
}
