// Package testutil holds fixture builders shared by this module's
// _test.go files: random backing images and pre-wired RawDevice fakes.
// Nothing here is imported by non-test code.
package testutil

import (
	"crypto/rand"
	"testing"

	"github.com/bitplane/blkcache/rawdevice"
	"github.com/stretchr/testify/require"
)

// RandomBytes returns n bytes of cryptographically random data, or fails
// the test outright if the platform's random source is unavailable.
func RandomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err, "failed to generate %d random bytes", n)
	return buf
}

// NewMemDevice builds a MemDevice over nBlocks of random data, each
// blockSize bytes, returning the device alongside the exact bytes it
// will serve so a test can assert against known content.
func NewMemDevice(t *testing.T, blockSize uint32, nBlocks int) (*rawdevice.MemDevice, []byte) {
	t.Helper()
	platter := RandomBytes(t, int(blockSize)*nBlocks)
	return rawdevice.NewMemDevice(platter, blockSize), platter
}

// NewFailingDevice builds a MemDevice identical to NewMemDevice but with
// the half-open byte range [badOffset, badOffset+badLength) pre-armed to
// fail every read that touches it with a medium error.
func NewFailingDevice(t *testing.T, blockSize uint32, nBlocks int, badOffset, badLength uint64) (*rawdevice.MemDevice, []byte) {
	t.Helper()
	dev, platter := NewMemDevice(t, blockSize, nBlocks)
	dev.FailRange(badOffset, badLength)
	return dev, platter
}
