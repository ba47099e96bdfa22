package persistence

import "time"

// Trigger decides when the engine should checkpoint: after enough new
// bytes have been cached, or enough time has elapsed, whichever comes
// first. It holds no reference to the StatusMap or CacheFile themselves;
// the engine calls Checkpoint separately once Due reports true.
type Trigger struct {
	bytesThreshold int64
	interval       time.Duration

	bytesSince int64
	last       time.Time
}

// NewTrigger creates a Trigger that fires after bytesThreshold newly
// cached bytes or interval elapsed time, whichever is sooner. A zero
// threshold or interval disables that half of the policy.
func NewTrigger(bytesThreshold int64, interval time.Duration, now time.Time) *Trigger {
	return &Trigger{bytesThreshold: bytesThreshold, interval: interval, last: now}
}

// RecordBytes accounts for n newly cached bytes since the last checkpoint.
func (tr *Trigger) RecordBytes(n int64) {
	tr.bytesSince += n
}

// Due reports whether a checkpoint should run now.
func (tr *Trigger) Due(now time.Time) bool {
	if tr.bytesThreshold > 0 && tr.bytesSince >= tr.bytesThreshold {
		return true
	}
	if tr.interval > 0 && now.Sub(tr.last) >= tr.interval {
		return true
	}
	return false
}

// Reset clears the accumulated byte count and restarts the interval clock,
// normally called right after a checkpoint completes (successfully or
// not: a failed checkpoint shouldn't be retried on every single write).
func (tr *Trigger) Reset(now time.Time) {
	tr.bytesSince = 0
	tr.last = now
}
