package backupwalker_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/poolrefcnt/pkg/backupwalker"
	"github.com/kalbasit/poolrefcnt/pkg/digest"
	"github.com/kalbasit/poolrefcnt/pkg/poollayout"
)

func TestFSWalkerWalkEmitsReferences(t *testing.T) {
	t.Parallel()

	top := t.TempDir()
	hostDir := filepath.Join(top, "myhost")
	require.NoError(t, os.MkdirAll(hostDir, 0o755))

	manifest := "0 00aa0000000000000000000000000000\n" +
		"# a comment\n\n" +
		"1 ffbb0000000000000000000000000000\n"
	require.NoError(t, os.WriteFile(filepath.Join(hostDir, "1.filelist"), []byte(manifest), 0o644))

	w := backupwalker.NewFSWalker(poollayout.Layout{TopDir: top})

	var refs []backupwalker.Reference

	err := w.Walk(context.Background(), "myhost", func(r backupwalker.Reference) error {
		refs = append(refs, r)

		return nil
	})
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, poollayout.Uncompressed, refs[0].Class)
	assert.Equal(t, poollayout.Compressed, refs[1].Class)
}

func TestFSWalkerWalkRejectsMalformedLine(t *testing.T) {
	t.Parallel()

	top := t.TempDir()
	hostDir := filepath.Join(top, "myhost")
	require.NoError(t, os.MkdirAll(hostDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hostDir, "1.filelist"), []byte("garbage\n"), 0o644))

	w := backupwalker.NewFSWalker(poollayout.Layout{TopDir: top})

	err := w.Walk(context.Background(), "myhost", func(backupwalker.Reference) error { return nil })
	assert.Error(t, err)
}

func TestStatObjectUncompressedNoProbe(t *testing.T) {
	t.Parallel()

	top := t.TempDir()
	layout := poollayout.Layout{PoolDir: filepath.Join(top, "pool")}

	e, err := digest.Parse("00aa0000000000000000000000000000")
	require.NoError(t, err)

	objPath := layout.ObjectPath(poollayout.Uncompressed, e.Primary.Shard(), e)
	require.NoError(t, os.MkdirAll(filepath.Dir(objPath), 0o755))
	require.NoError(t, os.WriteFile(objPath, []byte("hello"), 0o444))

	info, err := backupwalker.StatObject(layout, e.Primary.Shard(), backupwalker.Reference{Digest: e, Class: poollayout.Uncompressed})
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size())
}
