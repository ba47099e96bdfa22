// Package rawdevice provides concrete RawDevice adapters: a file/real
// block-device backed implementation, and an in-memory fixture for tests.
// Device hotplug monitoring, subprocess supervision of helper daemons, and
// the actual device driver are external collaborators; this
// package only adapts an already-open io.ReaderAt to the RawDevice
// capability blkcache's core consumes.
package rawdevice

import (
	"io"
	"os"

	"github.com/bitplane/blkcache"
	"github.com/bitplane/blkcache/devices"
)

// FileDevice adapts an *os.File (a block device node or a flat image file)
// to the RawDevice interface.
type FileDevice struct {
	file      *os.File
	size      uint64
	blockSize uint32
	closed    bool
}

// NewFileDevice wraps an already-open file. size is the device size in
// bytes (the caller is responsible for determining it, e.g. via Stat for a
// regular file or an ioctl for a raw block device, neither of which this
// package assumes). blockSize must be a power of two, at least 512.
func NewFileDevice(file *os.File, size uint64, blockSize uint32) (*FileDevice, error) {
	if blockSize < 512 || blockSize&(blockSize-1) != 0 {
		return nil, blkcache.ErrIO.WithMessage("block size must be a power of two >= 512")
	}
	return &FileDevice{file: file, size: size, blockSize: blockSize}, nil
}

// NewFileDeviceWithProfile wraps file the same way NewFileDevice does, but
// takes its block size from a known medium profile (devices.Lookup)
// instead of requiring the caller to know the medium's native sector
// size. size is still the caller's responsibility: a profile describes a
// class of media, not any one disc or drive's capacity.
func NewFileDeviceWithProfile(file *os.File, size uint64, profile devices.Profile) (*FileDevice, error) {
	return NewFileDevice(file, size, profile.SectorSize)
}

func (d *FileDevice) Size() uint64      { return d.size }
func (d *FileDevice) BlockSize() uint32 { return d.blockSize }

// ReadAt issues a physical read at a block-aligned offset and length.
// Short reads and I/O errors are translated into the RawError taxonomy
// blkcache's core expects; nothing here infers a "medium error" from errno
// beyond what the OS surfaces as an I/O failure, since that classification
// is the caller's (or a more specialised RawDevice's) responsibility.
func (d *FileDevice) ReadAt(offset uint64, length uint32) ([]byte, error) {
	if d.closed {
		return nil, &blkcache.RawError{Kind: blkcache.DeviceClosed}
	}
	if offset%uint64(d.blockSize) != 0 || uint64(length)%uint64(d.blockSize) != 0 {
		return nil, &blkcache.RawError{Kind: blkcache.OtherRawError, Cause: blkcache.ErrIO.WithMessage("unaligned read")}
	}

	buf := make([]byte, length)
	n, err := d.file.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return nil, &blkcache.RawError{Kind: blkcache.MediumError, Offset: offset, Length: length, Cause: err}
	}
	if n < int(length) {
		return nil, &blkcache.RawError{Kind: blkcache.ShortRead, Got: uint32(n)}
	}
	return buf, nil
}

// Close closes the underlying file. Subsequent ReadAt calls return a
// RawError with Kind DeviceClosed.
func (d *FileDevice) Close() error {
	d.closed = true
	return d.file.Close()
}
