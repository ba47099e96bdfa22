// Package cachefile implements the sparse, block-aligned backing store of
// cached sector bytes described by blkcache's data model: a file of length
// device_size, memory-mapped for ergonomics, whose bytes at a block's
// natural offset are only meaningful once that block has been marked
// Cached in the StatusMap.
package cachefile

import (
	"fmt"
	"os"

	"github.com/boljen/go-bitmap"
	"github.com/edsrzf/mmap-go"

	"github.com/bitplane/blkcache"
)

// dirtyGranularity is the granularity, in bytes, that dirty tracking
// rounds to before handing a range to msync. Matching the OS page size
// avoids passing mmap.Flush a range finer than the kernel can act on.
const dirtyGranularity = 4096

// CacheFile is a memory-mapped sparse file of length deviceSize. It does
// not interpret StatusMap status; callers must verify status before
// trusting what Read returns.
type CacheFile struct {
	file       *os.File
	mapping    mmap.MMap
	blockSize  uint32
	deviceSize int64
	dirtyUnits bitmap.Bitmap
	numUnits   int
}

// Open opens (creating if absent) a sparse file of length deviceSize at
// path and maps it into memory. If the file pre-exists and is shorter
// than deviceSize, it fails with ErrCacheSizeMismatch.
func Open(path string, deviceSize int64, blockSize uint32) (*CacheFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, blkcache.ErrIO.WrapError(err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, blkcache.ErrIO.WrapError(err)
	}

	if info.Size() == 0 {
		if err := f.Truncate(deviceSize); err != nil {
			f.Close()
			return nil, blkcache.ErrIO.WrapError(err)
		}
	} else if info.Size() < deviceSize {
		f.Close()
		return nil, blkcache.ErrCacheSizeMismatch.WithMessage(
			fmt.Sprintf("existing cache file is %d bytes, want at least %d", info.Size(), deviceSize))
	}

	mapping, err := mmap.MapRegion(f, int(deviceSize), mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		return nil, blkcache.ErrIO.WrapError(err)
	}

	numUnits := int((deviceSize + dirtyGranularity - 1) / dirtyGranularity)
	return &CacheFile{
		file:       f,
		mapping:    mapping,
		blockSize:  blockSize,
		deviceSize: deviceSize,
		dirtyUnits: bitmap.NewSlice(numUnits),
		numUnits:   numUnits,
	}, nil
}

// BlockSize returns the configured block size.
func (c *CacheFile) BlockSize() uint32 { return c.blockSize }

// DeviceSize returns the total size of the cache file, in bytes.
func (c *CacheFile) DeviceSize() int64 { return c.deviceSize }

func (c *CacheFile) checkBounds(blockIndex int64, nblocks uint32) error {
	if nblocks == 0 {
		return fmt.Errorf("cachefile: nblocks must be positive")
	}
	start := blockIndex * int64(c.blockSize)
	end := start + int64(nblocks)*int64(c.blockSize)
	if start < 0 || end > c.deviceSize {
		return fmt.Errorf("cachefile: range [%d, %d) out of bounds [0, %d)", start, end, c.deviceSize)
	}
	return nil
}

// ReadBlocks returns exactly nblocks*blockSize bytes starting at
// blockIndex. The caller is responsible for having verified status first;
// this layer does not interpret status.
func (c *CacheFile) ReadBlocks(blockIndex int64, nblocks uint32) ([]byte, error) {
	if err := c.checkBounds(blockIndex, nblocks); err != nil {
		return nil, err
	}
	start := blockIndex * int64(c.blockSize)
	length := int64(nblocks) * int64(c.blockSize)

	out := make([]byte, length)
	copy(out, c.mapping[start:start+length])
	return out, nil
}

// WriteBlocks writes data into the cache at blockIndex. len(data) must be
// a positive multiple of blockSize and fit within the device. The write
// goes through the mapping and the affected pages are marked dirty for
// the next Sync; durability is only forced by a checkpoint.
func (c *CacheFile) WriteBlocks(blockIndex int64, data []byte) error {
	if len(data) == 0 || len(data)%int(c.blockSize) != 0 {
		return fmt.Errorf("cachefile: data length %d is not a positive multiple of block size %d", len(data), c.blockSize)
	}
	nblocks := uint32(len(data) / int(c.blockSize))
	if err := c.checkBounds(blockIndex, nblocks); err != nil {
		return err
	}

	start := blockIndex * int64(c.blockSize)
	copy(c.mapping[start:start+int64(len(data))], data)
	c.markDirty(start, int64(len(data)))
	return nil
}

func (c *CacheFile) markDirty(start, length int64) {
	firstUnit := int(start / dirtyGranularity)
	lastUnit := int((start + length - 1) / dirtyGranularity)
	for u := firstUnit; u <= lastUnit && u < c.numUnits; u++ {
		c.dirtyUnits.Set(u, true)
	}
}

// Sync issues msync(SYNC) covering every dirty page recorded since the
// last Sync, then clears the dirty bitmap. It is the durable half of a
// checkpoint; the other half is persisting the StatusMap itself.
//
// mmap-go exposes only a whole-mapping Flush, not a byte-range one, so the
// dirty bitmap built from WriteBlocks is used to skip the syscall entirely
// when nothing has changed, rather than to narrow its range.
func (c *CacheFile) Sync() error {
	if !c.hasDirty() {
		return nil
	}
	if err := c.mapping.Flush(); err != nil {
		return blkcache.ErrIO.WrapError(err)
	}
	c.dirtyUnits = bitmap.NewSlice(c.numUnits)
	return nil
}

func (c *CacheFile) hasDirty() bool {
	for i := 0; i < c.numUnits; i++ {
		if c.dirtyUnits.Get(i) {
			return true
		}
	}
	return false
}

// Close unmaps and closes the underlying file without syncing. Callers
// that need durable data on disk must call Sync first.
func (c *CacheFile) Close() error {
	if err := c.mapping.Unmap(); err != nil {
		c.file.Close()
		return blkcache.ErrIO.WrapError(err)
	}
	if err := c.file.Close(); err != nil {
		return blkcache.ErrIO.WrapError(err)
	}
	return nil
}
