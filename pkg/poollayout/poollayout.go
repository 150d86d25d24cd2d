// Package poollayout centralizes the on-disk path conventions for
// per-host and per-pool maintenance state, so that pkg/hostrecon,
// pkg/poolaggregator and pkg/poolcleaner never hand-build a path.
//
// Layout keeps one small pure-function package owning every path
// shape, rather than scattering filepath.Join calls across
// components.
package poollayout

import (
	"fmt"
	"path/filepath"

	"github.com/kalbasit/poolrefcnt/pkg/digest"
)

const (
	// HostStateDir is the per-host subdirectory holding refcount state.
	HostStateDir = "refCnt"

	// LockFileName is the name of the advisory lock file within a host
	// or pool-shard directory.
	LockFileName = "LOCK"

	hostShardFilePrefix    = "poolCnt"
	hostShardNewSuffix     = "New"
	deltaFilePrefix        = "poolCntDelta_"
	fsckMarkerPrefix       = "needFsck"
	refCountUpdateMarker   = "needFsck.refCountUpdate"
	poolCountFileName      = "poolCnt"
)

// Class identifies the compression class a digest belongs to: classes
// are disjoint namespaces within both the per-host and per-pool
// layout.
type Class int

const (
	// Uncompressed is compression class 0.
	Uncompressed Class = 0
	// Compressed is compression class 1.
	Compressed Class = 1
)

// String renders the class as the single digit used in file names.
func (c Class) String() string { return fmt.Sprintf("%d", int(c)) }

// Layout resolves the three directories supplied by the configuration
// collaborator (TopDir, PoolDir, CPoolDir) into concrete paths.
type Layout struct {
	// TopDir is the root containing one directory per host.
	TopDir string
	// PoolDir is the root of the uncompressed (class 0) pool object tree.
	PoolDir string
	// CPoolDir is the root of the compressed (class 1) pool object tree.
	CPoolDir string
}

// HostDir returns the refCnt state directory for host.
func (l Layout) HostDir(host string) string {
	return filepath.Join(l.TopDir, host, HostStateDir)
}

// HostLockPath returns the host lock file path, range [0,1) of which
// HostReconciler takes exclusively.
func (l Layout) HostLockPath(host string) string {
	return filepath.Join(l.HostDir(host), LockFileName)
}

// DeltaFilePrefix returns the filename prefix used for delta files of
// the given class, so callers can glob "<prefix>*".
func DeltaFilePrefix(c Class) string {
	return deltaFilePrefix + c.String() + "_"
}

// DeltaFilePath builds a fresh delta file path for the given class and
// unique suffix (typically a random token from the digest package's
// caller, or a PID/timestamp combination).
func (l Layout) DeltaFilePath(host string, c Class, suffix string) string {
	return filepath.Join(l.HostDir(host), DeltaFilePrefix(c)+suffix)
}

// ShardCountPath returns the authoritative host shard file poolCnt.<c>.<ss>.
func (l Layout) ShardCountPath(host string, c Class, shard int) string {
	return filepath.Join(l.HostDir(host), fmt.Sprintf("%s.%s.%s", hostShardFilePrefix, c, digest.ShardHex(shard)))
}

// ShardCountNewPath returns the transient host shard file poolCntNew.<c>.<ss>.
func (l Layout) ShardCountNewPath(host string, c Class, shard int) string {
	return filepath.Join(
		l.HostDir(host),
		fmt.Sprintf("%s%s.%s.%s", hostShardFilePrefix, hostShardNewSuffix, c, digest.ShardHex(shard)),
	)
}

// FsckMarkerGlob returns the glob pattern matching every needFsck*
// marker in a host's state directory.
func (l Layout) FsckMarkerGlob(host string) string {
	return filepath.Join(l.HostDir(host), fsckMarkerPrefix+"*")
}

// RefCountUpdateMarkerPath returns the path of the transient marker
// created before an incremental merge, forcing a rebuild on the next
// pass if the process crashes mid-merge.
func (l Layout) RefCountUpdateMarkerPath(host string) string {
	return filepath.Join(l.HostDir(host), refCountUpdateMarker)
}

// ShardNewGlob returns the glob pattern matching every transient
// poolCntNew.* file in a host's state directory, used to clean up
// stale files left by a crash.
func (l Layout) ShardNewGlob(host string) string {
	return filepath.Join(l.HostDir(host), hostShardFilePrefix+hostShardNewSuffix+".*")
}

// poolBase returns PoolDir or CPoolDir depending on class.
func (l Layout) poolBase(c Class) string {
	if c == Compressed {
		return l.CPoolDir
	}

	return l.PoolDir
}

// PoolShardDir returns the top-shard directory for (class, shard).
func (l Layout) PoolShardDir(c Class, shard int) string {
	return filepath.Join(l.poolBase(c), digest.ShardHex(shard))
}

// PoolCountPath returns the authoritative pool-shard count file.
func (l Layout) PoolCountPath(c Class, shard int) string {
	return filepath.Join(l.PoolShardDir(c, shard), poolCountFileName)
}

// PoolCountStagingPath returns the <file>.<pid> staging name used for
// the atomic rewrite of a pool-shard count file.
func (l Layout) PoolCountStagingPath(c Class, shard, pid int) string {
	return fmt.Sprintf("%s.%d", l.PoolCountPath(c, shard), pid)
}

// PoolLockPath returns the shard lock file path that PoolCleaner takes
// exclusively.
func (l Layout) PoolLockPath(c Class, shard int) string {
	return filepath.Join(l.PoolShardDir(c, shard), LockFileName)
}

// SubShardDir returns the sub-shard directory for (class, shard, subShard).
func (l Layout) SubShardDir(c Class, shard, subShard int) string {
	return filepath.Join(l.PoolShardDir(c, shard), digest.ShardHex(subShard))
}

// ObjectPath returns the path of the pool object file for the given
// chain extension within (class, shard).
func (l Layout) ObjectPath(c Class, shard int, e digest.Ext) string {
	d := e.Primary

	return filepath.Join(l.SubShardDir(c, shard, d.SubShard()), e.String())
}
