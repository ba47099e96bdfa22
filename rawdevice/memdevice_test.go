package rawdevice_test

import (
	"testing"

	"github.com/bitplane/blkcache"
	"github.com/bitplane/blkcache/rawdevice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemDevice_ReadAt_ReturnsExactBytes(t *testing.T) {
	platter := []byte("ABCDEFGHIJKLMNOP")
	dev := rawdevice.NewMemDevice(platter, 4)

	data, err := dev.ReadAt(4, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("EFGH"), data)
}

func TestMemDevice_FailRange_ReturnsMediumError(t *testing.T) {
	platter := make([]byte, 16)
	dev := rawdevice.NewMemDevice(platter, 4)
	dev.FailRange(4, 4)

	_, err := dev.ReadAt(4, 4)
	var rawErr *blkcache.RawError
	require.ErrorAs(t, err, &rawErr)
	assert.Equal(t, blkcache.MediumError, rawErr.Kind)
}

func TestMemDevice_FailRange_DoesNotAffectDisjointReads(t *testing.T) {
	platter := make([]byte, 16)
	dev := rawdevice.NewMemDevice(platter, 4)
	dev.FailRange(4, 4)

	_, err := dev.ReadAt(8, 4)
	assert.NoError(t, err)
}

func TestMemDevice_ReadCountAndTotalReads(t *testing.T) {
	platter := make([]byte, 16)
	dev := rawdevice.NewMemDevice(platter, 4)

	_, err := dev.ReadAt(0, 4)
	require.NoError(t, err)
	_, err = dev.ReadAt(0, 4)
	require.NoError(t, err)
	_, err = dev.ReadAt(4, 4)
	require.NoError(t, err)

	assert.Equal(t, 2, dev.ReadCount(0))
	assert.Equal(t, 1, dev.ReadCount(1))
	assert.Equal(t, 3, dev.TotalReads())
}

func TestMemDevice_Close_FailsSubsequentReads(t *testing.T) {
	dev := rawdevice.NewMemDevice(make([]byte, 8), 4)
	dev.Close()

	_, err := dev.ReadAt(0, 4)
	var rawErr *blkcache.RawError
	require.ErrorAs(t, err, &rawErr)
	assert.Equal(t, blkcache.DeviceClosed, rawErr.Kind)
}

func TestMemDevice_SizeAndBlockSize(t *testing.T) {
	dev := rawdevice.NewMemDevice(make([]byte, 16), 4)
	assert.Equal(t, uint64(16), dev.Size())
	assert.Equal(t, uint32(4), dev.BlockSize())
}
