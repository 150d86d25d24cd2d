package poollayout_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/poolrefcnt/pkg/digest"
	"github.com/kalbasit/poolrefcnt/pkg/poollayout"
)

func newLayout() poollayout.Layout {
	return poollayout.Layout{
		TopDir:   "/backuppc",
		PoolDir:  "/backuppc/pool",
		CPoolDir: "/backuppc/cpool",
	}
}

func TestHostPaths(t *testing.T) {
	t.Parallel()

	l := newLayout()

	assert.Equal(t, "/backuppc/myhost/refCnt", l.HostDir("myhost"))
	assert.Equal(t, "/backuppc/myhost/refCnt/LOCK", l.HostLockPath("myhost"))
	assert.Equal(
		t,
		"/backuppc/myhost/refCnt/poolCnt.0.00",
		l.ShardCountPath("myhost", poollayout.Uncompressed, 0),
	)
	assert.Equal(
		t,
		"/backuppc/myhost/refCnt/poolCntNew.1.FE",
		l.ShardCountNewPath("myhost", poollayout.Compressed, 127),
	)
}

func TestPoolPathsSeparateByClass(t *testing.T) {
	t.Parallel()

	l := newLayout()

	assert.Equal(t, "/backuppc/pool/FE/poolCnt", l.PoolCountPath(poollayout.Uncompressed, 127))
	assert.Equal(t, "/backuppc/cpool/FE/poolCnt", l.PoolCountPath(poollayout.Compressed, 127))
	assert.NotEqual(t, l.PoolCountPath(poollayout.Uncompressed, 5), l.PoolCountPath(poollayout.Compressed, 5))
}

func TestObjectPathUsesSubShardFromSecondByte(t *testing.T) {
	t.Parallel()

	l := newLayout()

	e, err := digest.Parse("00aa0000000000000000000000000000")
	require.NoError(t, err)

	want := filepath.Join("/backuppc/pool", "00", "AA", e.String())
	assert.Equal(t, want, l.ObjectPath(poollayout.Uncompressed, e.Primary.Shard(), e))
}

func TestPoolCountStagingPathIncludesPID(t *testing.T) {
	t.Parallel()

	l := newLayout()

	assert.Equal(t, "/backuppc/pool/00/poolCnt.4242", l.PoolCountStagingPath(poollayout.Uncompressed, 0, 4242))
}
