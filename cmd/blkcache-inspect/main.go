package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/gofrs/flock"
	"github.com/urfave/cli/v2"

	"github.com/bitplane/blkcache"
	"github.com/bitplane/blkcache/devices"
	"github.com/bitplane/blkcache/statusmap"
)

func main() {
	app := cli.App{
		Usage: "Inspect a blkcache (*.img, *.map) pair",
		Commands: []*cli.Command{
			statCommand(),
			verifyCommand(),
			profilesCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("blkcache-inspect failed", "error", err)
		os.Exit(1)
	}
}

func statCommand() *cli.Command {
	return &cli.Command{
		Name:      "stat",
		Usage:     "Report coverage of a mapfile without touching the device or cache",
		ArgsUsage: "MAP_FILE DEVICE_SIZE [BLOCK_SIZE]",
		Flags:     []cli.Flag{profileFlag()},
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 2 || c.Args().Len() > 3 {
				return cli.Exit("usage: blkcache-inspect stat [--profile SLUG] MAP_FILE DEVICE_SIZE [BLOCK_SIZE]", 1)
			}
			mapPath := c.Args().Get(0)
			deviceSize, err := parseInt64(c.Args().Get(1), "device size")
			if err != nil {
				return cli.Exit(err, 1)
			}
			blockSize, err := resolveBlockSize(c)
			if err != nil {
				return cli.Exit(err, 1)
			}

			f, err := os.Open(mapPath)
			if err != nil {
				return cli.Exit(fmt.Errorf("opening mapfile: %w", err), 1)
			}
			defer f.Close()

			sm, err := statusmap.Load(f, deviceSize, blockSize)
			if err != nil {
				return cli.Exit(fmt.Errorf("loading mapfile: %w", err), 1)
			}

			printSummary(sm)
			return nil
		},
	}
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Lock and re-derive mapfile coverage, cross-checking against the cache file size",
		ArgsUsage: "MAP_FILE CACHE_FILE [BLOCK_SIZE]",
		Flags:     []cli.Flag{profileFlag()},
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 2 || c.Args().Len() > 3 {
				return cli.Exit("usage: blkcache-inspect verify [--profile SLUG] MAP_FILE CACHE_FILE [BLOCK_SIZE]", 1)
			}
			mapPath := c.Args().Get(0)
			cachePath := c.Args().Get(1)
			blockSize, err := resolveBlockSize(c)
			if err != nil {
				return cli.Exit(err, 1)
			}

			lock := flock.New(mapPath + ".lock")
			locked, err := lock.TryLock()
			if err != nil {
				return cli.Exit(fmt.Errorf("acquiring lock: %w", err), 1)
			}
			if !locked {
				return cli.Exit(blkcache.ErrAlreadyInUse, 1)
			}
			defer lock.Unlock()

			info, err := os.Stat(cachePath)
			if err != nil {
				return cli.Exit(fmt.Errorf("stat cache file: %w", err), 1)
			}
			deviceSize := info.Size()

			f, err := os.Open(mapPath)
			if err != nil {
				return cli.Exit(fmt.Errorf("opening mapfile: %w", err), 1)
			}
			defer f.Close()

			sm, err := statusmap.Load(f, deviceSize, blockSize)
			if err != nil {
				return cli.Exit(fmt.Errorf("loading mapfile: %w", err), 1)
			}
			if err := sm.Validate(); err != nil {
				return cli.Exit(fmt.Errorf("mapfile fails invariant checks: %w", err), 1)
			}

			slog.Info("verify ok", "map_path", mapPath, "cache_path", cachePath, "device_size", deviceSize)
			printSummary(sm)
			return nil
		},
	}
}

func profilesCommand() *cli.Command {
	return &cli.Command{
		Name:  "profiles",
		Usage: "List known physical-medium profiles",
		Action: func(c *cli.Context) error {
			for _, p := range devices.List() {
				fmt.Printf("%-14s %-28s sector=%-6d block=%-8d %s\n", p.Slug, p.Name, p.SectorSize, p.BlockSize, p.Notes)
			}
			return nil
		},
	}
}

func printSummary(sm *statusmap.StatusMap) {
	nBlocks := sm.DeviceSize() / int64(sm.BlockSize())
	counts := map[blkcache.BlockStatus]int64{}
	var badRanges [][2]int64

	it := sm.Range(0, nBlocks)
	for {
		run, ok := it.Next()
		if !ok {
			break
		}
		counts[run.Status] += run.BlockHi - run.BlockLo
		if run.Status == blkcache.BadSector {
			badRanges = append(badRanges, [2]int64{run.BlockLo, run.BlockHi})
		}
	}

	fmt.Printf("device_size=%d block_size=%d blocks=%d current_pos=0x%x\n",
		sm.DeviceSize(), sm.BlockSize(), nBlocks, sm.CurrentPos())
	for _, status := range []blkcache.BlockStatus{blkcache.Unread, blkcache.Cached, blkcache.BadSector, blkcache.NonScraped} {
		pct := 0.0
		if nBlocks > 0 {
			pct = 100 * float64(counts[status]) / float64(nBlocks)
		}
		fmt.Printf("  %-10s %8d blocks (%5.1f%%)\n", status, counts[status], pct)
	}
	for _, r := range badRanges {
		fmt.Printf("  bad sector blocks [%d, %d)\n", r[0], r[1])
	}
}

func profileFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "profile",
		Usage: "known medium profile (see the profiles subcommand) supplying a default BLOCK_SIZE",
	}
}

// resolveBlockSize takes the trailing positional BLOCK_SIZE argument if the
// caller gave one, otherwise falls back to --profile's cache block size.
// At least one of the two must be available; the positional argument
// wins when both are given.
func resolveBlockSize(c *cli.Context) (uint32, error) {
	if c.Args().Len() == 3 {
		return parseUint32(c.Args().Get(2), "block size")
	}

	slug := c.String("profile")
	if slug == "" {
		return 0, fmt.Errorf("BLOCK_SIZE or --profile is required")
	}
	profile, err := devices.Lookup(slug)
	if err != nil {
		return 0, err
	}
	return profile.BlockSize, nil
}

func parseInt64(s, what string) (int64, error) {
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return 0, fmt.Errorf("bad %s %q: %w", what, s, err)
	}
	return v, nil
}

func parseUint32(s, what string) (uint32, error) {
	var v uint32
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return 0, fmt.Errorf("bad %s %q: %w", what, s, err)
	}
	return v, nil
}
