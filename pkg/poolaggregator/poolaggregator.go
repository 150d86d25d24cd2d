// Package poolaggregator implements PoolAggregator: for one pool
// shard, sum all hosts' shard files, cross-check the sum against the
// on-disk pool objects, and write the authoritative pool-shard count.
package poolaggregator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kalbasit/poolrefcnt/pkg/countmap"
	"github.com/kalbasit/poolrefcnt/pkg/digest"
	"github.com/kalbasit/poolrefcnt/pkg/maintctx"
	"github.com/kalbasit/poolrefcnt/pkg/poollayout"
)

// blockSize is the unit stats.BlkCnt is expressed in, matching the
// traditional 512-byte "disk block" StatsEmitter's kilobyte rounding
// assumes (kilobytes = blkCnt/2).
const blockSize = 512

// Options configures one aggregator invocation.
type Options struct {
	// ShardStart and ShardEnd bound the top-shard range processed,
	// inclusive ("-r N-M", already mapped to [N/2, M/2] by the caller).
	ShardStart, ShardEnd int
	// Period is Conf.PoolSizeNightlyUpdatePeriod; 0 disables full scans.
	Period int
	// Phase selects which shards fall in this pass's full-scan slice.
	Phase int
}

// Aggregate runs PoolAggregator over opts' shard range for both
// compression classes, accumulating per-shard stats into mc.
// Aggregation is refused entirely if mc already carries errors from a
// preceding host pass.
func Aggregate(mc *maintctx.Context, layout poollayout.Layout, hosts []string, opts Options) error {
	if mc.HasErrors() {
		return nil
	}

	var objectsTotal int64

	for _, c := range []poollayout.Class{poollayout.Uncompressed, poollayout.Compressed} {
		mc.EmitPhase(fmt.Sprintf("aggregate:class%s", c))

		for s := opts.ShardStart; s <= opts.ShardEnd; s++ {
			mc.EmitFileProgress(fmt.Sprintf("aggregate:class%s", c), s-opts.ShardStart+1, opts.ShardEnd-opts.ShardStart+1)

			stats, err := aggregateShard(mc, layout, hosts, c, s, opts)
			if err != nil {
				return err
			}

			mc.Stats[shardKey(c, s)] = stats
			objectsTotal += stats.FileCnt
		}
	}

	mc.RecordObjectsTotal(objectsTotal)

	return nil
}

func shardKey(c poollayout.Class, shard int) string { return fmt.Sprintf("%s/%d", c, shard) }

func aggregateShard(
	mc *maintctx.Context,
	layout poollayout.Layout,
	hosts []string,
	c poollayout.Class,
	s int,
	opts Options,
) (maintctx.Stats, error) {
	var stats maintctx.Stats

	stats.DirCnt = dirCensus(layout, c, s)

	origCurr, err := countmap.ReadOrEmpty(layout.PoolCountPath(c, s))
	if err != nil {
		mc.AddError(maintctx.CorruptCountFile, shardKey(c, s), err)

		return stats, nil
	}

	curr := cloneMap(origCurr)
	newMap := countmap.New()
	copyMap := countmap.New()

	for _, host := range hosts {
		sumHost(mc, layout, c, s, host, curr, newMap, copyMap, &stats)
	}

	carryForwardZeroEntries(origCurr, newMap, copyMap)

	if err := reconcileFilesystem(mc, layout, c, s, newMap, copyMap, &stats); err != nil {
		mc.AddError(maintctx.WriteFailed, shardKey(c, s), err)

		return stats, nil
	}

	if fullScanDue(s, opts.Period, opts.Phase) {
		fullScan(newMap, layout, c, s, &stats)
	}

	deriveStats(newMap, &stats)
	missingFileCheck(mc, c, s, newMap, copyMap)

	if !mc.DryRun {
		if err := publish(layout, c, s, newMap); err != nil {
			mc.AddError(maintctx.WriteFailed, shardKey(c, s), err)

			return stats, fmt.Errorf("poolaggregator: publishing shard %s: %w", shardKey(c, s), err)
		}
	}

	return stats, nil
}

func cloneMap(m *countmap.CountMap) *countmap.CountMap {
	out := countmap.New()

	for k, v := range m.All() {
		out.Set(k, v)
	}

	return out
}

// dirCensus counts the top-shard directory plus every hex-named
// sub-shard directory actually present on disk.
func dirCensus(layout poollayout.Layout, c poollayout.Class, s int) int64 {
	dirCnt := int64(1)

	entries, err := os.ReadDir(layout.PoolShardDir(c, s))
	if err != nil {
		return dirCnt
	}

	for _, e := range entries {
		if e.IsDir() {
			dirCnt++
		}
	}

	return dirCnt
}

func sumHost(
	mc *maintctx.Context,
	layout poollayout.Layout,
	c poollayout.Class,
	s int,
	host string,
	curr, newMap, copyMap *countmap.CountMap,
	stats *maintctx.Stats,
) {
	hostMap, err := countmap.ReadOrEmpty(layout.ShardCountPath(host, c, s))
	if err != nil {
		return
	}

	for key, k := range hostMap.All() {
		prior, existed := curr.Get(key)

		if !existed || prior == 0 {
			accountNewObject(mc, layout, c, s, key, !existed, k > 0, stats)
		}

		newMap.Incr(key, k)
		copyMap.Incr(key, k)
		curr.Incr(key, k)
	}
}

// accountNewObject accumulates the on-disk block count for a digest
// newly appearing in curr, regardless of the sign or value of its
// incoming count: the object's size must be counted the first time it
// is discovered during the host-sum step, or the shard's BlkCnt
// silently undercounts until the next full scan recomputes it from
// scratch. countBlocks is false for a digest already in curr with a
// zero count, whose blocks are not counted again. clearMark gates only
// the S_IXOTH mark-for-delete bit, which is cleared solely when the
// object just gained a positive referrer.
func accountNewObject(
	mc *maintctx.Context,
	layout poollayout.Layout,
	c poollayout.Class,
	s int,
	key []byte,
	countBlocks, clearMark bool,
	stats *maintctx.Stats,
) {
	ext, err := digest.FromBytes(key)
	if err != nil {
		return
	}

	path := layout.ObjectPath(c, s, ext)

	info, err := os.Stat(path)
	if err != nil {
		return
	}

	if countBlocks {
		stats.BlkCnt += blocksFor(info.Size())
	}

	if clearMark && !mc.DryRun && info.Mode().Perm()&0o001 != 0 {
		_ = os.Chmod(path, 0o444)
	}
}

func blocksFor(size int64) int64 {
	return (size + blockSize - 1) / blockSize
}

// carryForwardZeroEntries inserts a zero entry for every digest
// present in the pass's starting poolCnt but absent from this pass's
// newly summed map: a host no longer references it, but the object
// itself may still exist and be reclaimable.
func carryForwardZeroEntries(origCurr, newMap, copyMap *countmap.CountMap) {
	for key := range origCurr.All() {
		if _, ok := newMap.Get(key); !ok {
			newMap.Set(key, 0)
			copyMap.Set(key, 0)
		}
	}
}

var validDigestName = func(name string) bool {
	if len(name) < 32 || len(name) > 48 {
		return false
	}

	for _, r := range name {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}

	return true
}

// reconcileFilesystem walks every sub-shard directory of (c, s),
// deleting files that are not validly named or validly placed
// pool objects, and registers zero-count entries for on-disk objects
// the host sum never referenced.
func reconcileFilesystem(
	mc *maintctx.Context,
	layout poollayout.Layout,
	c poollayout.Class,
	s int,
	newMap, copyMap *countmap.CountMap,
	stats *maintctx.Stats,
) error {
	for subShard := range digest.NumShards {
		dir := layout.SubShardDir(c, s, subShard)

		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		for _, e := range entries {
			if e.IsDir() || e.Name() == poollayout.LockFileName {
				continue
			}

			if err := reconcileEntry(mc, layout, c, s, subShard, dir, e.Name(), newMap, copyMap, stats); err != nil {
				return err
			}
		}
	}

	return nil
}

func reconcileEntry(
	mc *maintctx.Context,
	layout poollayout.Layout,
	c poollayout.Class,
	s, subShard int,
	dir, name string,
	newMap, copyMap *countmap.CountMap,
	stats *maintctx.Stats,
) error {
	path := filepath.Join(dir, name)

	if !validDigestName(name) {
		mc.AddError(maintctx.UnknownPoolObject, shardKey(c, s), fmt.Errorf("unknown pool file removed: %s", path))

		return removeUnlessDryRun(mc, path)
	}

	ext, err := digest.Parse(name)
	if err != nil {
		mc.AddError(maintctx.UnknownPoolObject, shardKey(c, s), fmt.Errorf("unknown pool file removed: %s", path))

		return removeUnlessDryRun(mc, path)
	}

	if ext.Primary.Shard() != s || ext.Primary.SubShard() != subShard {
		mc.AddError(maintctx.UnknownPoolObject, shardKey(c, s), fmt.Errorf("unexpected pool file removed: %s", path))

		return removeUnlessDryRun(mc, path)
	}

	key := ext.Bytes()

	if _, ok := newMap.Get(key); !ok {
		newMap.Set(key, 0)

		if info, err := os.Stat(path); err == nil {
			stats.BlkCnt += blocksFor(info.Size())
		}
	} else {
		copyMap.Delete(key)
	}

	return nil
}

// fullScanDue computes the scheduling math: shard s is in this pass's
// full-scan slice iff floor(s/8) mod period == phase mod period.
func fullScanDue(s, period, phase int) bool {
	if period <= 0 {
		return false
	}

	return (s/8)%period == phase%period
}

// fullScan re-stats every entry in newMap and replaces the
// incrementally accumulated block count with the exact sum.
func fullScan(newMap *countmap.CountMap, layout poollayout.Layout, c poollayout.Class, s int, stats *maintctx.Stats) {
	var total int64

	for key := range newMap.All() {
		ext, err := digest.FromBytes(key)
		if err != nil {
			continue
		}

		info, err := os.Stat(layout.ObjectPath(c, s, ext))
		if err != nil {
			continue
		}

		total += blocksFor(info.Size())
	}

	stats.BlkCnt = total
}

// deriveStats derives the per-shard file/link/replication stats from
// newMap's accumulated counts.
func deriveStats(newMap *countmap.CountMap, stats *maintctx.Stats) {
	var fileCnt, fileLinkTotal, fileLinkMax, fileCntRep, fileRepMax int64

	for key, k := range newMap.All() {
		fileCnt++
		fileLinkTotal += k

		ext, err := digest.FromBytes(key)
		if err != nil {
			continue
		}

		if !ext.Primary.IsEmpty() && k > fileLinkMax {
			fileLinkMax = k
		}

		if ext.Index > 0 {
			fileCntRep++

			if int64(ext.Index) > fileRepMax {
				fileRepMax = int64(ext.Index)
			}
		}
	}

	stats.FileCnt = fileCnt
	stats.FileLinkTotal = fileLinkTotal
	stats.FileLinkMax = fileLinkMax
	stats.FileCntRep = fileCntRep
	stats.FileRepMax = fileRepMax
}

// missingFileCheck reports whatever remains in copyMap that was never
// found on disk during the filesystem walk. Zero-count survivors are
// silently dropped (the object was gone); positive counts (other than
// EmptyMD5) are reported missing.
func missingFileCheck(mc *maintctx.Context, c poollayout.Class, s int, newMap, copyMap *countmap.CountMap) {
	for key, k := range copyMap.All() {
		if k == 0 {
			newMap.Delete(key)

			continue
		}

		ext, err := digest.FromBytes(key)
		if err == nil && ext.Primary.IsEmpty() {
			continue
		}

		mc.AddError(maintctx.MissingPoolObject, shardKey(c, s), fmt.Errorf("missing pool file %x count %d", key, k))
	}
}

// removeUnlessDryRun deletes path unless mc.DryRun is set, in which
// case the caller's already-recorded error still reports what would
// have been removed.
func removeUnlessDryRun(mc *maintctx.Context, path string) error {
	if mc.DryRun {
		return nil
	}

	return os.Remove(path)
}

// publish serializes newMap to a staging file and renames it over the
// authoritative poolCnt, creating the shard directory if it is absent.
func publish(layout poollayout.Layout, c poollayout.Class, s int, newMap *countmap.CountMap) error {
	stagingPath := layout.PoolCountStagingPath(c, s, os.Getpid())

	if err := os.MkdirAll(filepath.Dir(stagingPath), 0o755); err != nil {
		return fmt.Errorf("creating shard directory: %w", err)
	}

	if err := newMap.Write(stagingPath); err != nil {
		return fmt.Errorf("writing staging file: %w", err)
	}

	if err := os.Rename(stagingPath, layout.PoolCountPath(c, s)); err != nil {
		os.Remove(stagingPath)

		return fmt.Errorf("renaming staging file into place: %w", err)
	}

	return nil
}
