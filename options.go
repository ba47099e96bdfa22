package blkcache

import "time"

// Options configures a CacheEngine session. The zero value is not valid;
// use DefaultOptions and override selectively.
type Options struct {
	// BlockSize is the caching unit, in bytes. Must be a power of two and a
	// multiple of the RawDevice's native block size. Default 4096.
	BlockSize uint32
	// MaxPhysReadBlocks bounds the size of a single physical read the
	// ReadPlanner will issue, in BlockSize units. Default 256.
	MaxPhysReadBlocks uint32
	// BadSectorPolicy controls what Read returns for BadSector blocks.
	// Default Zeros.
	BadSectorPolicy BadSectorPolicy
	// RetryBad, if true, allows the planner to re-issue a physical read for
	// blocks already marked BadSector. Default false.
	RetryBad bool
	// CheckpointBytes is the amount of newly-cached data that triggers an
	// automatic StatusMap checkpoint. Default 1 MiB.
	CheckpointBytes int64
	// CheckpointInterval is the maximum time between automatic checkpoints.
	// Default 5 seconds.
	CheckpointInterval time.Duration
}

// DefaultOptions returns the standard session defaults.
func DefaultOptions() Options {
	return Options{
		BlockSize:          4096,
		MaxPhysReadBlocks:  256,
		BadSectorPolicy:    Zeros,
		RetryBad:           false,
		CheckpointBytes:    1 << 20,
		CheckpointInterval: 5 * time.Second,
	}
}
