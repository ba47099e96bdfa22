package engine_test

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bitplane/blkcache"
	"github.com/bitplane/blkcache/engine"
	"github.com/bitplane/blkcache/rawdevice"
	"github.com/bitplane/blkcache/statusmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openEngine(t *testing.T, raw blkcache.RawDevice, opts blkcache.Options) *engine.CacheEngine {
	t.Helper()
	dir := t.TempDir()
	e, err := engine.Open(raw, filepath.Join(dir, "cache.img"), filepath.Join(dir, "cache.map"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func repeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

// Scenario 1: a fresh two-block cache, one read serves the whole device,
// a second overlapping read is served entirely from cache.
func TestScenario1_WholeDeviceThenPartialFromCache(t *testing.T) {
	platter := append(repeat('A', 4096), repeat('B', 4096)...)
	dev := rawdevice.NewMemDevice(platter, 4096)

	opts := blkcache.DefaultOptions()
	e := openEngine(t, dev, opts)

	data, err := e.Read(0, 8192)
	require.NoError(t, err)
	assert.Equal(t, platter, data)
	assert.Equal(t, 1, dev.TotalReads())

	data, err = e.Read(2048, 2048)
	require.NoError(t, err)
	assert.Equal(t, repeat('A', 2048), data)
	assert.Equal(t, 1, dev.TotalReads(), "second read must not touch the device")
}

// Scenario 2: a medium error on the middle block with the Zeros policy
// returns zero-filled bytes for the bad block and real bytes either side.
func TestScenario2_MediumErrorWithZerosPolicy(t *testing.T) {
	platter := append(append(repeat('A', 4096), repeat('B', 4096)...), repeat('C', 4096)...)
	dev := rawdevice.NewMemDevice(platter, 4096)
	dev.FailRange(4096, 4096)

	opts := blkcache.DefaultOptions()
	opts.BadSectorPolicy = blkcache.Zeros
	e := openEngine(t, dev, opts)

	data, err := e.Read(0, 12288)
	require.NoError(t, err)

	want := append(append(repeat('A', 4096), repeat(0, 4096)...), repeat('C', 4096)...)
	assert.Equal(t, want, data)
}

// Scenario 3: same setup but the Error policy surfaces DataUnavailable
// for the bad range, while the good blocks are still recorded as Cached.
func TestScenario3_MediumErrorWithErrorPolicy(t *testing.T) {
	platter := append(append(repeat('A', 4096), repeat('B', 4096)...), repeat('C', 4096)...)
	dev := rawdevice.NewMemDevice(platter, 4096)
	dev.FailRange(4096, 4096)

	opts := blkcache.DefaultOptions()
	opts.BadSectorPolicy = blkcache.Error
	e := openEngine(t, dev, opts)

	_, err := e.Read(0, 12288)
	var unavailable blkcache.DataUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, int64(4096), unavailable.Offset)
	assert.Equal(t, int64(4096), unavailable.Length)

	require.NoError(t, e.Flush())
}

// Scenario 4: concurrent overlapping reads of an Unread range coalesce
// into a single physical read and return identical bytes.
func TestScenario4_ConcurrentReadsSingleFlight(t *testing.T) {
	platter := repeat('Z', 4096)
	dev := rawdevice.NewMemDevice(platter, 4096)
	e := openEngine(t, dev, blkcache.DefaultOptions())

	const n = 8
	results := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.Read(0, 4096)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.True(t, bytes.Equal(platter, results[i]))
	}
	assert.Equal(t, 1, dev.TotalReads())
}

// Scenario 6: a second engine cannot open the same map path while the
// first is still open.
func TestScenario6_SecondOpenFailsAlreadyInUse(t *testing.T) {
	dir := t.TempDir()
	dev := rawdevice.NewMemDevice(repeat('A', 4096), 4096)
	e1, err := engine.Open(dev, filepath.Join(dir, "cache.img"), filepath.Join(dir, "cache.map"), blkcache.DefaultOptions())
	require.NoError(t, err)
	defer e1.Close()

	_, err = engine.Open(dev, filepath.Join(dir, "cache.img"), filepath.Join(dir, "cache.map"), blkcache.DefaultOptions())
	assert.ErrorIs(t, err, blkcache.ErrAlreadyInUse)
}

func TestRead_OutOfRangeRejected(t *testing.T) {
	dev := rawdevice.NewMemDevice(repeat('A', 4096), 4096)
	e := openEngine(t, dev, blkcache.DefaultOptions())

	_, err := e.Read(0, 8192)
	assert.ErrorIs(t, err, blkcache.ErrOutOfRange)
}

func TestRead_ZeroLength(t *testing.T) {
	dev := rawdevice.NewMemDevice(repeat('A', 4096), 4096)
	e := openEngine(t, dev, blkcache.DefaultOptions())

	data, err := e.Read(0, 0)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestClose_IsIdempotent(t *testing.T) {
	dev := rawdevice.NewMemDevice(repeat('A', 4096), 4096)
	e := openEngine(t, dev, blkcache.DefaultOptions())

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
}

func TestRead_AfterClose_Fails(t *testing.T) {
	dev := rawdevice.NewMemDevice(repeat('A', 4096), 4096)
	dir := t.TempDir()
	e, err := engine.Open(dev, filepath.Join(dir, "cache.img"), filepath.Join(dir, "cache.map"), blkcache.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, err = e.Read(0, 4096)
	assert.ErrorIs(t, err, blkcache.ErrClosed)
}

func TestDeviceGone_RefusesFurtherReads(t *testing.T) {
	dev := rawdevice.NewMemDevice(repeat('A', 8192), 4096)
	e := openEngine(t, dev, blkcache.DefaultOptions())

	dev.Close()

	_, err := e.Read(0, 4096)
	assert.ErrorIs(t, err, blkcache.ErrDeviceGone)

	_, err = e.Read(0, 4096)
	assert.ErrorIs(t, err, blkcache.ErrDeviceGone)
}

// Reopening after Close must see the data and status persisted by the
// previous session, not re-touch the device.
func TestCloseThenReopen_SurvivesAndStaysCached(t *testing.T) {
	platter := repeat('Q', 8192)
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "cache.img")
	mapPath := filepath.Join(dir, "cache.map")

	dev1 := rawdevice.NewMemDevice(platter, 4096)
	e1, err := engine.Open(dev1, cachePath, mapPath, blkcache.DefaultOptions())
	require.NoError(t, err)
	_, err = e1.Read(0, 8192)
	require.NoError(t, err)
	require.NoError(t, e1.Close())

	dev2 := rawdevice.NewMemDevice(platter, 4096)
	e2, err := engine.Open(dev2, cachePath, mapPath, blkcache.DefaultOptions())
	require.NoError(t, err)
	defer e2.Close()

	data, err := e2.Read(0, 8192)
	require.NoError(t, err)
	assert.Equal(t, platter, data)
	assert.Zero(t, dev2.TotalReads())
}

func TestFlush_PersistsStatusMapWithoutClosing(t *testing.T) {
	platter := repeat('M', 4096)
	dir := t.TempDir()
	mapPath := filepath.Join(dir, "cache.map")
	dev := rawdevice.NewMemDevice(platter, 4096)
	e, err := engine.Open(dev, filepath.Join(dir, "cache.img"), mapPath, blkcache.DefaultOptions())
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Read(0, 4096)
	require.NoError(t, err)
	require.NoError(t, e.Flush())

	matches, err := filepath.Glob(mapPath)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	f, err := os.Open(mapPath)
	require.NoError(t, err)
	defer f.Close()

	loaded, err := statusmap.Load(f, 4096, 4096)
	require.NoError(t, err)
	assert.Equal(t, blkcache.Cached, loaded.StatusAt(0))
}
