// Package statusmap implements the run-length encoded map of per-block
// status described by blkcache's data model: an ordered sequence of
// transitions covering [0, device_size) in ddrescue mapfile format.
package statusmap

import "github.com/bitplane/blkcache"

// RawStatus is the literal ddrescue status character a transition was
// loaded with ('?', '+', '-', '*', '/', 'B'). It is preserved across a
// load/save round trip even for characters blkcache doesn't itself assign
// semantics to, for forward-compatibility with newer ddrescue versions.
type RawStatus rune

const (
	RawNonTried   RawStatus = '?'
	RawFinished   RawStatus = '+'
	RawNonScraped RawStatus = '-'
	RawNonTrimmed RawStatus = '*'
	RawNonSplit   RawStatus = '/'
	RawBadSector  RawStatus = 'B'
)

// ToStatus folds a raw ddrescue character to its semantic BlockStatus.
// Unrecognized characters fold to Unread, the safest default (never
// surfaces stale cache bytes as data).
func (r RawStatus) ToStatus() blkcache.BlockStatus {
	switch r {
	case RawFinished:
		return blkcache.Cached
	case RawBadSector:
		return blkcache.BadSector
	case RawNonScraped, RawNonTrimmed, RawNonSplit:
		return blkcache.NonScraped
	default:
		return blkcache.Unread
	}
}

// defaultRaw gives the canonical ddrescue character the engine itself
// writes for a given semantic status.
func defaultRaw(status blkcache.BlockStatus) RawStatus {
	switch status {
	case blkcache.Cached:
		return RawFinished
	case blkcache.BadSector:
		return RawBadSector
	case blkcache.NonScraped:
		return RawNonScraped
	default:
		return RawNonTried
	}
}

// Transition is a single (offset, status) record. Offset is a byte offset
// into the device, always block-aligned for transitions the engine itself
// writes (an externally authored mapfile may use byte-granular offsets,
// which are preserved verbatim until overwritten).
type Transition struct {
	Offset int64
	Status blkcache.BlockStatus
	Raw    RawStatus
}
