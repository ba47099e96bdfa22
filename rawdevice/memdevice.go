package rawdevice

import (
	"io"
	"sync"

	"github.com/xaionaro-go/bytesextra"

	"github.com/bitplane/blkcache"
)

// MemDevice is an in-memory RawDevice backed by a byte slice standing in
// for a fake disk image. It additionally supports injecting medium errors
// over specific byte ranges, to exercise bad-sector handling without a
// real failing device.
type MemDevice struct {
	mu         sync.Mutex
	stream     io.ReaderAt
	platter    []byte
	blockSize  uint32
	readCounts map[int64]int
	failRanges []failRange
	closed     bool
}

type failRange struct {
	offset, length uint64
}

// NewMemDevice wraps platter (the "physical" bytes) as a RawDevice with
// the given block size. platter's length must be a multiple of blockSize.
func NewMemDevice(platter []byte, blockSize uint32) *MemDevice {
	rws := bytesextra.NewReadWriteSeeker(platter)
	return &MemDevice{
		stream:     readerAtFromRWS(rws),
		platter:    platter,
		blockSize:  blockSize,
		readCounts: make(map[int64]int),
	}
}

// readerAtFromRWS adapts an io.ReadWriteSeeker that happens to also support
// positioned reads via Seek+Read into an io.ReaderAt, since
// bytesextra.NewReadWriteSeeker's result isn't itself a ReaderAt.
type rwsReaderAt struct {
	rws io.ReadWriteSeeker
	mu  sync.Mutex
}

func readerAtFromRWS(rws io.ReadWriteSeeker) io.ReaderAt {
	return &rwsReaderAt{rws: rws}
}

func (r *rwsReaderAt) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.rws.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(r.rws, p)
}

func (d *MemDevice) Size() uint64      { return uint64(len(d.platter)) }
func (d *MemDevice) BlockSize() uint32 { return d.blockSize }

// FailRange injects a medium error for any ReadAt that overlaps
// [offset, offset+length).
func (d *MemDevice) FailRange(offset, length uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failRanges = append(d.failRanges, failRange{offset, length})
}

// ReadCount returns the number of reads counted for the given block
// index, where a read is counted under offset/blockSize of its start
// only. Calls rejected because the device is closed or the range overlaps
// an injected failure are not counted.
func (d *MemDevice) ReadCount(blockIndex int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readCounts[blockIndex]
}

// TotalReads returns the number of ReadAt calls counted so far, that is,
// the calls not rejected as closed or as overlapping an injected failure.
func (d *MemDevice) TotalReads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, c := range d.readCounts {
		total += c
	}
	return total
}

func (d *MemDevice) ReadAt(offset uint64, length uint32) ([]byte, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, &blkcache.RawError{Kind: blkcache.DeviceClosed}
	}
	for _, fr := range d.failRanges {
		if overlaps(offset, uint64(length), fr.offset, fr.length) {
			d.mu.Unlock()
			return nil, &blkcache.RawError{Kind: blkcache.MediumError, Offset: offset, Length: length}
		}
	}
	d.readCounts[int64(offset/uint64(d.blockSize))]++
	d.mu.Unlock()

	buf := make([]byte, length)
	n, err := d.stream.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return nil, &blkcache.RawError{Kind: blkcache.OtherRawError, Cause: err}
	}
	if n < int(length) {
		return nil, &blkcache.RawError{Kind: blkcache.ShortRead, Got: uint32(n)}
	}
	return buf, nil
}

// Close marks the device closed; subsequent ReadAt calls fail with
// DeviceClosed, simulating an ejected disc or unplugged drive.
func (d *MemDevice) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}

func overlaps(aOff, aLen, bOff, bLen uint64) bool {
	aEnd := aOff + aLen
	bEnd := bOff + bLen
	return aOff < bEnd && bOff < aEnd
}
