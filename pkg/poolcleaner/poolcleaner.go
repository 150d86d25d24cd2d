// Package poolcleaner implements PoolCleaner: for one pool shard,
// reclaim objects whose authoritative count is zero, honoring the
// two-phase mark/sweep protocol and collision chain semantics.
package poolcleaner

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/kalbasit/poolrefcnt/pkg/countmap"
	"github.com/kalbasit/poolrefcnt/pkg/digest"
	"github.com/kalbasit/poolrefcnt/pkg/lock"
	"github.com/kalbasit/poolrefcnt/pkg/maintctx"
	"github.com/kalbasit/poolrefcnt/pkg/poollayout"
)

// modeMarked is 0444 | S_IXOTH: "candidate for deletion next pass".
const (
	modeLive       os.FileMode = 0o444
	modeMarked     os.FileMode = 0o445
	modeChainHole  os.FileMode = 0o644
	sIXOTHBit                  = 0o001
	lockTTL                    = 5 * time.Minute
)

// Clean runs PoolCleaner over [start, end] for both compression
// classes, accumulating removal stats into mc.
func Clean(mc *maintctx.Context, layout poollayout.Layout, locker lock.Locker, start, end int) error {
	for _, c := range []poollayout.Class{poollayout.Uncompressed, poollayout.Compressed} {
		for s := start; s <= end; s++ {
			if err := cleanShard(mc, layout, locker, c, s); err != nil {
				return err
			}
		}
	}

	return nil
}

func cleanShard(mc *maintctx.Context, layout poollayout.Layout, locker lock.Locker, c poollayout.Class, s int) error {
	lockPath := layout.PoolLockPath(c, s)

	if err := locker.Lock(mc.Context, lockPath, lockTTL); err != nil {
		mc.AddError(maintctx.LockUnavailable, shardKey(c, s), err)

		return nil
	}

	defer func() {
		if err := locker.Unlock(mc.Context, lockPath); err != nil {
			zerolog.Ctx(mc.Context).Error().Err(err).Str("path", lockPath).Msg("failed to release shard lock")
		}
	}()

	path := layout.PoolCountPath(c, s)

	cm, err := countmap.ReadOrEmpty(path)
	if err != nil {
		mc.AddError(maintctx.CorruptCountFile, shardKey(c, s), err)

		return nil
	}

	stats := mc.Stats[shardKey(c, s)]
	mutated := false

	var toDelete [][]byte

	for key, k := range cm.All() {
		if k != 0 {
			continue
		}

		mutatedEntry, drop := processZeroEntry(mc, layout, c, s, key, &stats)
		if mutatedEntry {
			mutated = true
		}

		if drop {
			toDelete = append(toDelete, key)
		}
	}

	mc.AddReclaimed(int64(len(toDelete)))

	for _, key := range toDelete {
		cm.Delete(key)
	}

	mc.Stats[shardKey(c, s)] = stats

	if !mutated || mc.DryRun {
		return nil
	}

	if err := cm.Write(path); err != nil {
		mc.AddError(maintctx.WriteFailed, shardKey(c, s), err)
	}

	return nil
}

// processZeroEntry handles a single zero-count entry. It returns
// whether the shard was mutated (mark set/cleared, file
// truncated/unlinked) and whether the entry should be dropped from
// the in-memory count map. Under mc.DryRun no filesystem call is
// made, but stats are updated as though a reclaim had happened so
// a dry run still reports what would have changed.
func processZeroEntry(mc *maintctx.Context, layout poollayout.Layout, c poollayout.Class, s int, key []byte, stats *maintctx.Stats) (mutated, drop bool) {
	ext, err := digest.FromBytes(key)
	if err != nil {
		return false, false
	}

	path := layout.ObjectPath(c, s, ext)

	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return false, false
	}

	if info.Mode().Perm()&sIXOTHBit == 0 {
		// Not yet marked: mark it, giving backups one full cycle to
		// re-reference it before the next pass reclaims it.
		if mc.DryRun {
			return true, false
		}

		if err := os.Chmod(path, modeMarked); err != nil {
			return false, false
		}

		return true, false
	}

	return reclaim(mc, layout, c, s, ext, path, info, stats)
}

func reclaim(
	mc *maintctx.Context,
	layout poollayout.Layout,
	c poollayout.Class,
	s int,
	ext digest.Ext,
	path string,
	info os.FileInfo,
	stats *maintctx.Stats,
) (mutated, drop bool) {
	blocks := (info.Size() + 511) / 512

	if !mc.DryRun {
		nextPath := layout.ObjectPath(c, s, ext.Next())
		if _, err := os.Stat(nextPath); err == nil {
			// Chain continuation: removing this link would terminate the
			// external lookup scan prematurely and hide the later entries.
			// Zero it out and leave a st_size==0 placeholder instead.
			if err := os.Truncate(path, 0); err != nil {
				return false, false
			}

			if err := os.Chmod(path, modeChainHole); err != nil {
				return false, false
			}
		} else if err := os.Remove(path); err != nil {
			return false, false
		}
	}

	stats.FileCnt--
	stats.BlkCnt -= blocks
	stats.FileCntRm++
	stats.BlkCntRm += blocks

	return true, true
}

func shardKey(c poollayout.Class, shard int) string { return fmt.Sprintf("%s/%d", c, shard) }
