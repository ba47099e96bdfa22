package statusmap

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/bitplane/blkcache"
)

// StatusMap is an ordered sequence of transitions covering [0, deviceSize)
// satisfying:
//
//   - (I1) transitions are strictly increasing in offset and the first
//     transition is at offset 0.
//   - (I2) no two adjacent transitions carry the same status.
//
// The status of block b is the status of the greatest transition whose
// offset is <= b*blockSize.
//
// StatusMap is not safe for concurrent use; the caller (normally
// CacheEngine) is responsible for serialising mutations.
type StatusMap struct {
	transitions []Transition
	deviceSize  int64
	blockSize   uint32
	currentPos  int64
}

// New creates a StatusMap for a fresh device: a single (0, Unread)
// transition covering the whole range.
func New(deviceSize int64, blockSize uint32) *StatusMap {
	return &StatusMap{
		transitions: []Transition{{Offset: 0, Status: blkcache.Unread, Raw: RawNonTried}},
		deviceSize:  deviceSize,
		blockSize:   blockSize,
	}
}

// DeviceSize returns the total device size in bytes this map covers.
func (m *StatusMap) DeviceSize() int64 { return m.deviceSize }

// BlockSize returns the block size this map quantises status at.
func (m *StatusMap) BlockSize() uint32 { return m.blockSize }

// CurrentPos returns the greatest offset ever attempted, mirroring
// ddrescue's current_pos: where a resumed run would pick back up. It
// starts at 0.
func (m *StatusMap) CurrentPos() int64 {
	return atomic.LoadInt64(&m.currentPos)
}

// RecordAttempt advances CurrentPos to max(CurrentPos, offset). Safe to
// call concurrently with reads of CurrentPos (but not with other
// StatusMap mutations, which are not internally synchronised).
func (m *StatusMap) RecordAttempt(offset int64) {
	for {
		cur := atomic.LoadInt64(&m.currentPos)
		if offset <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(&m.currentPos, cur, offset) {
			return
		}
	}
}

// blockOffset converts a block index to a byte offset.
func (m *StatusMap) blockOffset(block int64) int64 {
	return block * int64(m.blockSize)
}

// indexAt returns the index of the transition governing byte offset
// `offset`: the greatest transition whose Offset <= offset.
func (m *StatusMap) indexAt(offset int64) int {
	// sort.Search finds the first index for which the predicate is true;
	// we want the last transition with Offset <= offset, i.e. one before
	// the first transition with Offset > offset.
	i := sort.Search(len(m.transitions), func(i int) bool {
		return m.transitions[i].Offset > offset
	})
	return i - 1
}

// StatusAt returns the status of the given block. O(log n).
func (m *StatusMap) StatusAt(block int64) blkcache.BlockStatus {
	idx := m.indexAt(m.blockOffset(block))
	if idx < 0 {
		return blkcache.Unread
	}
	return m.transitions[idx].Status
}

// Run is one maximal range of blocks sharing a single status, as yielded
// by Range.
type Run struct {
	BlockLo int64
	BlockHi int64
	Status  blkcache.BlockStatus
}

// RangeIter is a lazy, finite, non-restartable iterator over the runs
// covering a block range, in ascending order.
type RangeIter struct {
	m       *StatusMap
	block   int64
	blockHi int64
}

// Range returns an iterator yielding the maximal runs covering the
// half-open block range [blockLo, blockHi).
func (m *StatusMap) Range(blockLo, blockHi int64) *RangeIter {
	return &RangeIter{m: m, block: blockLo, blockHi: blockHi}
}

// Next returns the next run, or ok=false when the range is exhausted.
func (it *RangeIter) Next() (Run, bool) {
	if it.block >= it.blockHi {
		return Run{}, false
	}

	m := it.m
	offset := m.blockOffset(it.block)
	idx := m.indexAt(offset)
	if idx < 0 {
		idx = 0
	}
	status := m.transitions[idx].Status

	// The run extends until the next transition's offset, clipped to the
	// end of the entire run's enclosing transition.
	runEndBlock := it.blockHi
	if idx+1 < len(m.transitions) {
		nextBlock := m.transitions[idx+1].Offset / int64(m.blockSize)
		if nextBlock < runEndBlock {
			runEndBlock = nextBlock
		}
	}

	run := Run{BlockLo: it.block, BlockHi: runEndBlock, Status: status}
	it.block = runEndBlock
	return run, true
}

// Set overwrites the half-open block range [blockLo, blockHi) with status,
// then coalesces with neighbours to restore (I2). The locating lookups
// are O(log n), but the transition slice is rebuilt and coalesced in
// full, so each call costs O(n) in the number of transitions.
func (m *StatusMap) Set(blockLo, blockHi int64, status blkcache.BlockStatus) error {
	if blockLo >= blockHi {
		return fmt.Errorf("statusmap: empty or inverted range [%d, %d)", blockLo, blockHi)
	}

	startOffset := m.blockOffset(blockLo)
	endOffset := m.blockOffset(blockHi)
	if endOffset > m.deviceSize {
		return fmt.Errorf("statusmap: range [%d, %d) exceeds device size %d bytes", startOffset, endOffset, m.deviceSize)
	}

	raw := defaultRaw(status)

	startIdx := m.indexAt(startOffset)
	// statusAfterRange is the status that governed [.., endOffset) before
	// our edit; we need it to know what to restore immediately after our
	// inserted range, if endOffset doesn't land exactly on a transition.
	endIdx := m.indexAt(endOffset - 1)
	statusAfterRange := m.transitions[endIdx].Status
	rawAfterRange := m.transitions[endIdx].Raw

	// Build the replacement slice: everything up to startIdx, a new
	// transition for [startOffset, status), optionally a restorative
	// transition at endOffset, then everything after endIdx.
	head := append([]Transition{}, m.transitions[:startIdx+1]...)
	if head[len(head)-1].Offset == startOffset {
		// The transition right before our range starts exactly where we
		// begin; drop it, we're about to replace it.
		head = head[:len(head)-1]
	}

	newTransitions := append(head, Transition{Offset: startOffset, Status: status, Raw: raw})

	boundaryAlreadyExists := endIdx+1 < len(m.transitions) && m.transitions[endIdx+1].Offset == endOffset
	if endOffset < m.deviceSize && statusAfterRange != status && !boundaryAlreadyExists {
		// Only insert a restorative transition if something actually needs
		// restoring: the range didn't already end exactly on an existing,
		// untouched transition boundary.
		newTransitions = append(newTransitions, Transition{Offset: endOffset, Status: statusAfterRange, Raw: rawAfterRange})
	}

	if endIdx+1 < len(m.transitions) {
		newTransitions = append(newTransitions, m.transitions[endIdx+1:]...)
	}

	m.transitions = coalesce(newTransitions)
	return nil
}

// coalesce drops transitions made redundant by an edit: duplicate offsets
// (last wins) and adjacent transitions carrying the same status.
func coalesce(in []Transition) []Transition {
	out := make([]Transition, 0, len(in))
	for _, t := range in {
		if len(out) > 0 && out[len(out)-1].Offset == t.Offset {
			// Tie-break: the later transition in the input wins outright.
			out[len(out)-1] = t
			continue
		}
		if len(out) > 0 && out[len(out)-1].Status == t.Status {
			// Tie-break on coalescing: when a set exactly meets a neighbour
			// with identical status, the neighbour is extended and the new
			// boundary transition is dropped.
			continue
		}
		out = append(out, t)
	}
	return out
}

// Transitions returns a copy of the underlying transition table, primarily
// for testing and for Save.
func (m *StatusMap) Transitions() []Transition {
	out := make([]Transition, len(m.transitions))
	copy(out, m.transitions)
	return out
}

// Validate checks invariants (I1) and (I2), returning an error describing
// the first violation found. It does not check coverage against
// deviceSize; Load checks that separately.
func (m *StatusMap) Validate() error {
	if len(m.transitions) == 0 {
		return fmt.Errorf("statusmap: empty transition table")
	}
	if m.transitions[0].Offset != 0 {
		return fmt.Errorf("statusmap: first transition at offset %d, want 0", m.transitions[0].Offset)
	}
	for i := 1; i < len(m.transitions); i++ {
		if m.transitions[i].Offset <= m.transitions[i-1].Offset {
			return fmt.Errorf("statusmap: offsets not strictly increasing at index %d", i)
		}
		if m.transitions[i].Status == m.transitions[i-1].Status {
			return fmt.Errorf("statusmap: adjacent transitions at index %d share status %s", i, m.transitions[i].Status)
		}
	}
	return nil
}
