// Package hostrecon implements HostReconciler: for one host, fold
// pending deltas into the host's 256 shard files, or rebuild them
// from scratch by walking the host's backup trees.
package hostrecon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/kalbasit/poolrefcnt/pkg/backupwalker"
	"github.com/kalbasit/poolrefcnt/pkg/countmap"
	"github.com/kalbasit/poolrefcnt/pkg/deltalog"
	"github.com/kalbasit/poolrefcnt/pkg/digest"
	"github.com/kalbasit/poolrefcnt/pkg/helper"
	"github.com/kalbasit/poolrefcnt/pkg/lock"
	"github.com/kalbasit/poolrefcnt/pkg/maintctx"
	"github.com/kalbasit/poolrefcnt/pkg/poollayout"
)

// lockTTL is passed through to the lock.Locker interface; file-backed
// lockers ignore it (OS advisory locks have no expiry), but the
// interface is shared with in-memory and distributed backends that do
// use it.
const lockTTL = 5 * time.Minute

// Options configures one host pass.
type Options struct {
	// ForceRebuild walks the host's backup trees instead of folding
	// pending deltas (the "-f" flag).
	ForceRebuild bool
	// CheckHostPool compares the rebuilt count against the existing
	// one when ForceRebuild is set, reporting discrepancies.
	CheckHostPool bool
}

// Reconcile runs one HostReconciler pass for host. Errors encountered
// during the pass are accumulated into mc rather than returned, except
// for the lock acquisition failure itself (the host is then skipped
// entirely and left unmutated) and unrecoverable setup failures.
func Reconcile(
	mc *maintctx.Context,
	layout poollayout.Layout,
	locker lock.RWLocker,
	walker backupwalker.Walker,
	host string,
	opts Options,
) error {
	log := zerolog.Ctx(mc.Context).With().Str("host", host).Logger()

	hostDir := layout.HostDir(host)
	lockPath := layout.HostLockPath(host)

	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return fmt.Errorf("hostrecon: creating host dir %q: %w", hostDir, err)
	}

	acquired, err := locker.TryLock(mc.Context, lockPath, lockTTL)
	if err != nil {
		mc.AddError(maintctx.LockUnavailable, host, err)

		return nil //nolint:nilerr // accumulated, not fatal to the overall run
	}

	if !acquired {
		log.Info().Msg("waiting for host lock")

		if err := locker.Lock(mc.Context, lockPath, lockTTL); err != nil {
			mc.AddError(maintctx.LockUnavailable, host, err)

			return nil //nolint:nilerr
		}
	}

	defer func() {
		if err := locker.Unlock(mc.Context, lockPath); err != nil {
			log.Error().Err(err).Msg("failed to release host lock")
		}
	}()

	mc.EmitPhase("host:" + host)

	forceRebuild := opts.ForceRebuild

	markers, err := fsckMarkers(hostDir)
	if err != nil {
		mc.AddError(maintctx.CorruptCountFile, host, err)

		return nil
	}

	if !forceRebuild && len(markers) > 0 {
		forceRebuild = true
	}

	if err := removeStaleShardNew(layout, host); err != nil {
		mc.AddError(maintctx.UnlinkFailed, host, err)
	}

	errsBefore := mc.ErrorCount()

	accumulateCurrent := true

	var refCountMarker string

	if forceRebuild {
		if err := rebuildDeltas(mc, layout, walker, host); err != nil {
			mc.AddError(maintctx.WriteFailed, host, err)

			return nil
		}

		accumulateCurrent = false
	} else {
		refCountMarker = layout.RefCountUpdateMarkerPath(host)
		if err := touch(refCountMarker); err != nil {
			mc.AddError(maintctx.WriteFailed, host, err)

			return nil
		}
	}

	for _, c := range []poollayout.Class{poollayout.Uncompressed, poollayout.Compressed} {
		deltaPaths, err := deltalog.List(hostDir, c)
		if err != nil {
			mc.AddError(maintctx.CorruptCountFile, host, err)

			continue
		}

		for i, dp := range deltaPaths {
			mc.EmitFileProgress("host:"+host, i+1, len(deltaPaths))

			applyDelta(mc, layout, host, dp, c, accumulateCurrent)
		}
	}

	failed := mc.ErrorCount() > errsBefore

	finalizeShards(mc, layout, host, forceRebuild, opts.CheckHostPool, failed)

	if failed {
		return nil
	}

	if forceRebuild {
		for _, m := range markers {
			if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
				mc.AddError(maintctx.UnlinkFailed, host, err)
			}
		}
	} else if refCountMarker != "" {
		if err := os.Remove(refCountMarker); err != nil && !os.IsNotExist(err) {
			mc.AddError(maintctx.UnlinkFailed, host, err)
		}
	}

	return nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	return f.Close()
}

func fsckMarkers(hostDir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(hostDir, "needFsck*"))
	if err != nil {
		return nil, fmt.Errorf("globbing fsck markers: %w", err)
	}

	return matches, nil
}

func removeStaleShardNew(layout poollayout.Layout, host string) error {
	matches, err := filepath.Glob(layout.ShardNewGlob(host))
	if err != nil {
		return fmt.Errorf("globbing stale poolCntNew files: %w", err)
	}

	var firstErr error

	for _, m := range matches {
		if err := os.Remove(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// rebuildDeltas deletes every existing delta file for both classes,
// then walks the host's backup trees, writing the references it finds
// as fresh per-class delta files. Each reference is stat'd against the
// pool before being folded in; a reference to a missing or unreadable
// object is reported rather than silently carried into the delta.
func rebuildDeltas(mc *maintctx.Context, layout poollayout.Layout, walker backupwalker.Walker, host string) error {
	hostDir := layout.HostDir(host)

	for _, c := range []poollayout.Class{poollayout.Uncompressed, poollayout.Compressed} {
		paths, err := deltalog.List(hostDir, c)
		if err != nil {
			return err
		}

		for _, p := range paths {
			if err := deltalog.Delete(p); err != nil {
				return err
			}
		}
	}

	suffix, err := helper.RandString(12, nil)
	if err != nil {
		return fmt.Errorf("generating delta file suffix: %w", err)
	}

	writers := map[poollayout.Class]*deltalog.Writer{
		poollayout.Uncompressed: deltalog.NewWriter(layout.DeltaFilePath(host, poollayout.Uncompressed, suffix)),
		poollayout.Compressed:   deltalog.NewWriter(layout.DeltaFilePath(host, poollayout.Compressed, suffix)),
	}

	err = walker.Walk(mc.Context, host, func(ref backupwalker.Reference) error {
		shard := ref.Digest.Primary.Shard()

		if _, statErr := backupwalker.StatObject(layout, shard, ref); statErr != nil {
			mc.AddError(maintctx.MissingPoolObject, scopeLabel(host, ref.Class), statErr)

			return nil
		}

		writers[ref.Class].Add(ref.Digest.Bytes(), 1)

		return nil
	})
	if err != nil {
		return fmt.Errorf("walking backup trees: %w", err)
	}

	for _, w := range writers {
		if err := w.Flush(); err != nil {
			return err
		}
	}

	return nil
}

// applyDelta loads the delta file, buckets it by shard, merges each
// shard's bucket into its working count map, sweeps reclaimable zero
// entries, writes, then deletes the delta file.
func applyDelta(
	mc *maintctx.Context,
	layout poollayout.Layout,
	host string,
	deltaPath string,
	c poollayout.Class,
	accumulateCurrent bool,
) {
	delta, err := deltalog.Load(deltaPath)
	if err != nil {
		mc.AddError(maintctx.CorruptCountFile, scopeLabel(host, c), err)

		return
	}

	buckets := make(map[int]map[string]int64)

	for key, v := range delta.All() {
		shard := int(key[0] >> 1)

		b, ok := buckets[shard]
		if !ok {
			b = make(map[string]int64)
			buckets[shard] = b
		}

		b[string(key)] += v
	}

	for shard, bucket := range buckets {
		if err := applyShardBucket(mc, layout, host, c, shard, bucket, accumulateCurrent); err != nil {
			mc.AddError(maintctx.WriteFailed, scopeLabel(host, c)+fmt.Sprintf("/%d", shard), err)
		}
	}

	if err := deltalog.Delete(deltaPath); err != nil {
		mc.AddError(maintctx.UnlinkFailed, scopeLabel(host, c), err)
	}
}

func scopeLabel(host string, c poollayout.Class) string {
	return fmt.Sprintf("%s/%s", host, c)
}

func applyShardBucket(
	mc *maintctx.Context,
	layout poollayout.Layout,
	host string,
	c poollayout.Class,
	shard int,
	bucket map[string]int64,
	accumulateCurrent bool,
) error {
	newPath := layout.ShardCountNewPath(host, c, shard)
	curPath := layout.ShardCountPath(host, c, shard)

	w, err := countmap.ReadOrEmpty(newPath)
	if err != nil {
		return fmt.Errorf("loading %q: %w", newPath, err)
	}

	if w.Len() == 0 {
		if _, statErr := os.Stat(newPath); statErr != nil {
			w, err = countmap.ReadOrEmpty(curPath)
			if err != nil {
				return fmt.Errorf("loading %q: %w", curPath, err)
			}

			if !accumulateCurrent {
				stripPositive(w)
			}
		}
	}

	for key, delta := range bucket {
		if result := w.Incr([]byte(key), delta); result < 0 {
			// Clamp an underflowed count to 0 rather than durably
			// writing a negative value, while still surfacing that it
			// happened.
			w.Set([]byte(key), 0)
			mc.AddError(maintctx.CountUnderflow,
				fmt.Sprintf("%s/%d", scopeLabel(host, c), shard),
				fmt.Errorf("digest %x: count went to %d", []byte(key), result))
		}
	}

	sweepZeroEntries(layout, c, shard, w)

	if err := w.Write(newPath); err != nil {
		return fmt.Errorf("writing %q: %w", newPath, err)
	}

	return nil
}

// stripPositive removes every positive-count entry from w, keeping
// zero-count entries: a rebuild discards stale positive contributions
// but must not forget which pool objects are reclaim candidates.
func stripPositive(w *countmap.CountMap) {
	var toDelete [][]byte

	for key, count := range w.All() {
		if count > 0 {
			toDelete = append(toDelete, []byte(key))
		}
	}

	for _, key := range toDelete {
		w.Delete(key)
	}
}

// sweepZeroEntries drops every zero-count entry in w whose pool
// object no longer exists on disk.
func sweepZeroEntries(layout poollayout.Layout, c poollayout.Class, shard int, w *countmap.CountMap) {
	var toDelete [][]byte

	for key, count := range w.All() {
		if count != 0 {
			continue
		}

		ext, err := digest.FromBytes([]byte(key))
		if err != nil {
			toDelete = append(toDelete, []byte(key))

			continue
		}

		if _, err := os.Stat(layout.ObjectPath(c, shard, ext)); err != nil {
			toDelete = append(toDelete, []byte(key))
		}
	}

	for _, key := range toDelete {
		w.Delete(key)
	}
}

// finalizeShards runs delta-merge finalization: for each of the 256
// shards, publish poolCntNew over poolCnt, or drop poolCnt outright on
// a rebuild with no new data.
func finalizeShards(mc *maintctx.Context, layout poollayout.Layout, host string, forceRebuild, checkHostPool, hostFailed bool) {
	if hostFailed {
		// A host whose pass already accrued an error is treated as
		// fully failed; skip publishing any shard so poolCnt is never
		// left inconsistent for this host.
		return
	}

	for _, c := range []poollayout.Class{poollayout.Uncompressed, poollayout.Compressed} {
		for shard := range digest.NumShards {
			newPath := layout.ShardCountNewPath(host, c, shard)
			curPath := layout.ShardCountPath(host, c, shard)

			if _, err := os.Stat(newPath); err == nil {
				if forceRebuild && checkHostPool {
					compareHostPool(mc, host, c, shard, newPath, curPath)
				}

				if mc.DryRun {
					continue
				}

				if err := os.Rename(newPath, curPath); err != nil {
					mc.AddError(maintctx.RenameFailed, scopeLabel(host, c), err)
					os.Remove(newPath)
				}

				continue
			}

			if forceRebuild && !mc.DryRun {
				if err := os.Remove(curPath); err != nil && !os.IsNotExist(err) {
					mc.AddError(maintctx.UnlinkFailed, scopeLabel(host, c), err)
				}
			}
		}
	}
}

func compareHostPool(mc *maintctx.Context, host string, c poollayout.Class, shard int, newPath, curPath string) {
	newMap, err := countmap.ReadOrEmpty(newPath)
	if err != nil {
		mc.AddError(maintctx.CorruptCountFile, scopeLabel(host, c), err)

		return
	}

	curMap, err := countmap.ReadOrEmpty(curPath)
	if err != nil {
		mc.AddError(maintctx.CorruptCountFile, scopeLabel(host, c), err)

		return
	}

	seen := make(map[string]struct{})

	for key, newCount := range newMap.All() {
		seen[string(key)] = struct{}{}

		curCount, ok := curMap.Get([]byte(key))
		if !ok {
			curCount = 0
		}

		if curCount != newCount {
			mc.AddError(maintctx.CountMismatch,
				fmt.Sprintf("%s/%d", scopeLabel(host, c), shard),
				fmt.Errorf("%w: digest %x: old=%d new=%d", errCountMismatch, key, curCount, newCount))
		}
	}

	for key, curCount := range curMap.All() {
		if _, ok := seen[string(key)]; ok {
			continue
		}

		if curCount != 0 {
			mc.AddError(maintctx.CountMismatch,
				fmt.Sprintf("%s/%d", scopeLabel(host, c), shard),
				fmt.Errorf("%w: digest %x: old=%d new=0", errCountMismatch, key, curCount))
		}
	}
}

var errCountMismatch = errors.New("hostrecon: rebuild count mismatch")
