// Package persistence implements the crash-safe checkpoint writer for a
// StatusMap and the durability half of a CacheFile sync. Checkpointing a
// StatusMap is atomic-rename: serialise to a temp file beside the real
// path, fsync it, rename over the real path, then fsync the directory so
// the rename survives a crash too.
package persistence

import (
	"os"
	"path/filepath"

	"github.com/bitplane/blkcache"
	"github.com/bitplane/blkcache/cachefile"
	"github.com/bitplane/blkcache/statusmap"
)

// CheckpointStatusMap durably writes sm to mapPath. On a failure before
// the rename the temp file is removed and mapPath is left untouched; a
// failure to fsync the directory is reported after mapPath has already
// been replaced.
func CheckpointStatusMap(sm *statusmap.StatusMap, mapPath string) error {
	tmpPath := mapPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return blkcache.ErrIO.WrapError(err)
	}

	if err := sm.Save(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return blkcache.ErrIO.WrapError(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return blkcache.ErrIO.WrapError(err)
	}

	if err := os.Rename(tmpPath, mapPath); err != nil {
		os.Remove(tmpPath)
		return blkcache.ErrIO.WrapError(err)
	}

	return fsyncDir(filepath.Dir(mapPath))
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return blkcache.ErrIO.WrapError(err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return blkcache.ErrIO.WrapError(err)
	}
	return nil
}

// Checkpoint performs a full checkpoint: msync the cache file's dirty
// pages, then atomically rewrite the map file. The CacheFile is synced
// first so that a crash between the two steps can only ever leave
// StatusMap describing data that already made it to disk, never the
// reverse. If the sync fails, the map file is not rewritten and the sync
// error is returned.
func Checkpoint(sm *statusmap.StatusMap, cf *cachefile.CacheFile, mapPath string) error {
	if err := cf.Sync(); err != nil {
		return err
	}
	return CheckpointStatusMap(sm, mapPath)
}
