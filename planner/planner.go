package planner

import (
	"github.com/bitplane/blkcache"
	"github.com/bitplane/blkcache/statusmap"
)

// Build decomposes a byte-range request into a Plan. offset and length are
// arbitrary byte values with no alignment requirement; sm supplies the
// current status of the blocks the range touches. maxPhysReadBlocks caps
// how many blocks a single FromDevice op may span (0 means unbounded).
// retryBad controls whether a run already marked BadSector is retried
// against the device or served as a placeholder.
func Build(sm *statusmap.StatusMap, blockSize uint32, offset uint64, length uint32, maxPhysReadBlocks uint32, retryBad bool) *Plan {
	if length == 0 {
		return &Plan{}
	}

	bs := int64(blockSize)
	start := int64(offset)
	endByte := start + int64(length)
	headBlock := start / bs
	tailBlock := (endByte - 1) / bs

	if headBlock == tailBlock {
		lo := uint32(start - headBlock*bs)
		return &Plan{Ops: []Op{{
			Kind:       PartialHead,
			BlockIndex: headBlock,
			InBlockLo:  lo,
			InBlockHi:  lo + length,
		}}}
	}

	var ops []Op

	fullLo := headBlock
	if start%bs != 0 {
		ops = append(ops, Op{
			Kind:       PartialHead,
			BlockIndex: headBlock,
			InBlockLo:  uint32(start % bs),
			InBlockHi:  blockSize,
		})
		fullLo = headBlock + 1
	}

	fullHi := tailBlock + 1
	var tailOp *Op
	if endByte%bs != 0 {
		tailOp = &Op{
			Kind:       PartialTail,
			BlockIndex: tailBlock,
			InBlockLo:  0,
			InBlockHi:  uint32(endByte % bs),
		}
		fullHi = tailBlock
	}

	ops = append(ops, middleOps(sm, fullLo, fullHi, maxPhysReadBlocks, retryBad)...)

	if tailOp != nil {
		ops = append(ops, *tailOp)
	}

	return &Plan{Ops: ops}
}

// BuildBlockRange decomposes an already block-aligned range [lo, hi) into
// Ops, with no partials to worry about. CacheEngine uses this directly
// when re-deriving a sub-range's disposition after waiting on an
// in-flight physical read.
func BuildBlockRange(sm *statusmap.StatusMap, lo, hi int64, maxPhysReadBlocks uint32, retryBad bool) []Op {
	return middleOps(sm, lo, hi, maxPhysReadBlocks, retryBad)
}

// middleOps walks the status runs covering [lo, hi), maps each to an Op
// kind, and merges adjacent runs that end up with the same disposition
// (Unread and NonScraped both become FromDevice, so a boundary between
// them disappears here even though StatusMap itself keeps them distinct).
func middleOps(sm *statusmap.StatusMap, lo, hi int64, maxPhysReadBlocks uint32, retryBad bool) []Op {
	if lo >= hi {
		return nil
	}

	var merged []Op
	it := sm.Range(lo, hi)
	for {
		run, ok := it.Next()
		if !ok {
			break
		}
		kind := dispositionOf(run.Status, retryBad)
		if n := len(merged); n > 0 && merged[n-1].Kind == kind && merged[n-1].BlockHi == run.BlockLo {
			merged[n-1].BlockHi = run.BlockHi
			continue
		}
		merged = append(merged, Op{Kind: kind, BlockLo: run.BlockLo, BlockHi: run.BlockHi})
	}

	return splitLargeReads(merged, maxPhysReadBlocks)
}

func dispositionOf(status blkcache.BlockStatus, retryBad bool) OpKind {
	switch status {
	case blkcache.Cached:
		return FromCache
	case blkcache.BadSector:
		if retryBad {
			return FromDevice
		}
		return BadSectorPlaceholder
	default:
		return FromDevice
	}
}

// splitLargeReads caps each FromDevice op at maxPhysReadBlocks blocks. Other
// kinds pass through untouched; a cap of 0 means unbounded.
func splitLargeReads(ops []Op, maxPhysReadBlocks uint32) []Op {
	if maxPhysReadBlocks == 0 {
		return ops
	}
	limit := int64(maxPhysReadBlocks)

	var out []Op
	for _, op := range ops {
		if op.Kind != FromDevice || op.BlockHi-op.BlockLo <= limit {
			out = append(out, op)
			continue
		}
		for lo := op.BlockLo; lo < op.BlockHi; lo += limit {
			hi := lo + limit
			if hi > op.BlockHi {
				hi = op.BlockHi
			}
			out = append(out, Op{Kind: FromDevice, BlockLo: lo, BlockHi: hi})
		}
	}
	return out
}
