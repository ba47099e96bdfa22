// Package engine implements CacheEngine, the public façade binding a
// StatusMap, a CacheFile, a ReadPlanner, and Persistence into the single
// read(offset, length) -> bytes contract the rest of this module exists to
// serve.
package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"

	"github.com/bitplane/blkcache"
	"github.com/bitplane/blkcache/cachefile"
	"github.com/bitplane/blkcache/persistence"
	"github.com/bitplane/blkcache/planner"
	"github.com/bitplane/blkcache/statusmap"
)

// CacheEngine binds a RawDevice to an on-disk (CacheFile, StatusMap) pair
// and serves read(offset, length) requests against them, minimising
// physical reads and persisting what it learns. A CacheEngine owns its
// StatusMap and CacheFile exclusively for its lifetime; callers never see
// the underlying mmap.
type CacheEngine struct {
	mu sync.Mutex

	raw  blkcache.RawDevice
	sm   *statusmap.StatusMap
	cf   *cachefile.CacheFile
	opts blkcache.Options

	mapPath string
	lock    *flock.Flock
	trigger *persistence.Trigger

	inFlight []*inFlightRead

	closed     bool
	deviceGone bool
}

// inFlightRead records a physical read in progress over [lo, hi), in
// block indices. Any caller whose requested range overlaps one waits on
// done instead of issuing a second physical read.
type inFlightRead struct {
	lo, hi int64
	done   chan struct{}
	err    error
}

// Open validates opts against raw, loads or creates the StatusMap at
// mapPath and the CacheFile at cachePath, and acquires an exclusive
// advisory lock on the sidecar file mapPath + ".lock" so only one engine
// can own this map path at a time.
func Open(raw blkcache.RawDevice, cachePath, mapPath string, opts blkcache.Options) (*CacheEngine, error) {
	if opts.BlockSize == 0 || opts.BlockSize%raw.BlockSize() != 0 {
		return nil, fmt.Errorf("blkcache: block size %d is not a positive multiple of device block size %d", opts.BlockSize, raw.BlockSize())
	}

	fl := flock.New(mapPath + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, blkcache.ErrIO.WrapError(err)
	}
	if !locked {
		return nil, blkcache.ErrAlreadyInUse
	}

	deviceSize := int64(raw.Size())

	cf, err := cachefile.Open(cachePath, deviceSize, opts.BlockSize)
	if err != nil {
		fl.Unlock()
		return nil, err
	}

	sm, err := loadOrCreateStatusMap(mapPath, deviceSize, opts.BlockSize)
	if err != nil {
		cf.Close()
		fl.Unlock()
		return nil, err
	}

	return &CacheEngine{
		raw:     raw,
		sm:      sm,
		cf:      cf,
		opts:    opts,
		mapPath: mapPath,
		lock:    fl,
		trigger: persistence.NewTrigger(opts.CheckpointBytes, opts.CheckpointInterval, time.Now()),
	}, nil
}

func loadOrCreateStatusMap(mapPath string, deviceSize int64, blockSize uint32) (*statusmap.StatusMap, error) {
	f, err := os.Open(mapPath)
	if errors.Is(err, fs.ErrNotExist) {
		return statusmap.New(deviceSize, blockSize), nil
	}
	if err != nil {
		return nil, blkcache.ErrIO.WrapError(err)
	}
	defer f.Close()
	return statusmap.Load(f, deviceSize, blockSize)
}

// Read returns exactly length bytes covering [offset, offset+length).
// There is no alignment requirement on offset or length.
func (e *CacheEngine) Read(offset uint64, length uint32) ([]byte, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, blkcache.ErrClosed
	}
	if e.deviceGone {
		e.mu.Unlock()
		return nil, blkcache.ErrDeviceGone
	}
	deviceSize := uint64(e.sm.DeviceSize())
	e.mu.Unlock()

	if offset > deviceSize || uint64(length) > deviceSize-offset {
		return nil, blkcache.ErrOutOfRange
	}
	if length == 0 {
		return []byte{}, nil
	}

	e.mu.Lock()
	plan := planner.Build(e.sm, e.opts.BlockSize, offset, length, e.opts.MaxPhysReadBlocks, e.opts.RetryBad)
	e.mu.Unlock()

	out := make([]byte, 0, length)
	for _, op := range plan.Ops {
		switch op.Kind {
		case planner.FromCache, planner.FromDevice, planner.BadSectorPlaceholder:
			data, err := e.materializeBlocks(op.BlockLo, op.BlockHi)
			if err != nil {
				return nil, err
			}
			out = append(out, data...)
		case planner.PartialHead, planner.PartialTail:
			data, err := e.materializeBlocks(op.BlockIndex, op.BlockIndex+1)
			if err != nil {
				return nil, err
			}
			out = append(out, data[op.InBlockLo:op.InBlockHi]...)
		}
	}
	return out, nil
}

// materializeBlocks resolves the half-open block range [lo, hi) to bytes,
// going through single-flight coalescing and, if necessary, a physical
// read and sub-split on failure. It re-derives the range's disposition
// from current status every time it loops, so it's correct even when the
// range was only partially resolved by whatever it just waited on.
func (e *CacheEngine) materializeBlocks(lo, hi int64) ([]byte, error) {
	if lo >= hi {
		return nil, nil
	}

	for {
		e.mu.Lock()
		ops := planner.BuildBlockRange(e.sm, lo, hi, 0, e.opts.RetryBad)
		if !anyFromDevice(ops) {
			data, err := e.readResolvedOpsLocked(ops)
			e.mu.Unlock()
			return data, err
		}

		if overlap := e.findOverlapLocked(lo, hi); overlap != nil {
			e.mu.Unlock()
			<-overlap.done
			continue
		}

		entry := &inFlightRead{lo: lo, hi: hi, done: make(chan struct{})}
		e.inFlight = append(e.inFlight, entry)
		e.mu.Unlock()

		err := e.resolveDeviceOps(ops)

		e.mu.Lock()
		e.removeInFlightLocked(entry)
		e.mu.Unlock()
		entry.err = err
		close(entry.done)

		if err != nil {
			return nil, err
		}
	}
}

func anyFromDevice(ops []planner.Op) bool {
	for _, op := range ops {
		if op.Kind == planner.FromDevice {
			return true
		}
	}
	return false
}

func (e *CacheEngine) findOverlapLocked(lo, hi int64) *inFlightRead {
	for _, f := range e.inFlight {
		if f.lo < hi && lo < f.hi {
			return f
		}
	}
	return nil
}

func (e *CacheEngine) removeInFlightLocked(entry *inFlightRead) {
	for i, f := range e.inFlight {
		if f == entry {
			e.inFlight = append(e.inFlight[:i], e.inFlight[i+1:]...)
			return
		}
	}
}

// readResolvedOpsLocked materialises a plan that contains no FromDevice
// ops: everything is already either Cached or a BadSector placeholder.
// Caller must hold mu.
func (e *CacheEngine) readResolvedOpsLocked(ops []planner.Op) ([]byte, error) {
	var buf []byte
	for _, op := range ops {
		switch op.Kind {
		case planner.FromCache:
			data, err := e.cf.ReadBlocks(op.BlockLo, uint32(op.BlockHi-op.BlockLo))
			if err != nil {
				return nil, blkcache.ErrIO.WrapError(err)
			}
			buf = append(buf, data...)
		case planner.BadSectorPlaceholder:
			data, err := e.placeholderFor(op.BlockLo, op.BlockHi)
			if err != nil {
				return nil, err
			}
			buf = append(buf, data...)
		default:
			return nil, fmt.Errorf("blkcache: unresolved op kind %d in readResolvedOpsLocked", op.Kind)
		}
	}
	return buf, nil
}

func (e *CacheEngine) placeholderFor(lo, hi int64) ([]byte, error) {
	n := (hi - lo) * int64(e.opts.BlockSize)
	if e.opts.BadSectorPolicy == blkcache.Error {
		return nil, blkcache.DataUnavailable{Offset: lo * int64(e.opts.BlockSize), Length: n}
	}
	return make([]byte, n), nil
}

// resolveDeviceOps issues the physical reads for every FromDevice op in
// ops, outside the engine mutex, committing results as each completes.
func (e *CacheEngine) resolveDeviceOps(ops []planner.Op) error {
	for _, op := range ops {
		if op.Kind != planner.FromDevice {
			continue
		}
		if err := e.resolveDeviceRange(op.BlockLo, op.BlockHi); err != nil {
			return err
		}
	}
	return nil
}

func (e *CacheEngine) resolveDeviceRange(lo, hi int64) error {
	limit := int64(e.opts.MaxPhysReadBlocks)
	if limit <= 0 {
		limit = hi - lo
	}
	for chunkLo := lo; chunkLo < hi; chunkLo += limit {
		chunkHi := chunkLo + limit
		if chunkHi > hi {
			chunkHi = hi
		}
		if err := e.physicalReadChunk(chunkLo, chunkHi); err != nil {
			return err
		}
	}
	return nil
}

func (e *CacheEngine) physicalReadChunk(lo, hi int64) error {
	bs := int64(e.opts.BlockSize)
	data, err := e.raw.ReadAt(uint64(lo*bs), uint32((hi-lo)*bs))
	if err == nil {
		e.mu.Lock()
		werr := e.commitCachedLocked(lo, hi, data)
		e.mu.Unlock()
		return werr
	}

	var rawErr *blkcache.RawError
	if !errors.As(err, &rawErr) {
		return blkcache.ErrIO.WrapError(err)
	}
	switch rawErr.Kind {
	case blkcache.DeviceClosed:
		e.mu.Lock()
		e.deviceGone = true
		e.mu.Unlock()
		return blkcache.ErrDeviceGone.WrapError(err)
	case blkcache.MediumError:
		return e.subSplitAndCommit(lo, hi)
	default:
		return blkcache.ErrIO.WrapError(err)
	}
}

func (e *CacheEngine) commitCachedLocked(lo, hi int64, data []byte) error {
	if err := e.cf.WriteBlocks(lo, data); err != nil {
		return err
	}
	if err := e.sm.Set(lo, hi, blkcache.Cached); err != nil {
		return err
	}
	e.sm.RecordAttempt(hi * int64(e.opts.BlockSize))
	e.trigger.RecordBytes(int64(len(data)))
	e.maybeCheckpointLocked()
	return nil
}

// subSplitAndCommit retries [lo, hi) one half at a time to isolate the
// blocks actually responsible for the medium error, committing each
// resulting sub-range as Cached or BadSector.
func (e *CacheEngine) subSplitAndCommit(lo, hi int64) error {
	bs := int64(e.opts.BlockSize)
	probe := func(plo, phi int64) ([]byte, bool, error) {
		data, err := e.raw.ReadAt(uint64(plo*bs), uint32((phi-plo)*bs))
		if err == nil {
			return data, true, nil
		}
		var rawErr *blkcache.RawError
		if errors.As(err, &rawErr) && rawErr.Kind == blkcache.MediumError {
			return nil, false, nil
		}
		return nil, false, blkcache.ErrIO.WrapError(err)
	}

	results, err := planner.SubSplit(lo, hi, probe)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range results {
		if r.BadSector {
			if serr := e.sm.Set(r.Lo, r.Hi, blkcache.BadSector); serr != nil {
				return serr
			}
			continue
		}
		if werr := e.cf.WriteBlocks(r.Lo, r.Data); werr != nil {
			return werr
		}
		if serr := e.sm.Set(r.Lo, r.Hi, blkcache.Cached); serr != nil {
			return serr
		}
		e.trigger.RecordBytes(int64(len(r.Data)))
	}
	e.sm.RecordAttempt(hi * bs)
	e.maybeCheckpointLocked()
	return nil
}

// maybeCheckpointLocked runs a checkpoint if the trigger says it's due.
// Failure here is swallowed: a periodic checkpoint failing doesn't fail
// the read that happened to trip it. Flush and Close surface checkpoint
// errors explicitly.
func (e *CacheEngine) maybeCheckpointLocked() {
	now := time.Now()
	if !e.trigger.Due(now) {
		return
	}
	_ = persistence.Checkpoint(e.sm, e.cf, e.mapPath)
	e.trigger.Reset(now)
}

// Flush forces a StatusMap checkpoint and a CacheFile sync.
func (e *CacheEngine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return blkcache.ErrClosed
	}
	err := persistence.Checkpoint(e.sm, e.cf, e.mapPath)
	e.trigger.Reset(time.Now())
	return err
}

// Close flushes, closes the CacheFile, and releases the advisory lock.
// Idempotent: calling Close on an already-closed engine returns nil.
func (e *CacheEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	flushErr := persistence.Checkpoint(e.sm, e.cf, e.mapPath)
	e.mu.Unlock()

	var result *multierror.Error
	if flushErr != nil {
		result = multierror.Append(result, flushErr)
	}
	if err := e.cf.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.lock.Unlock(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
