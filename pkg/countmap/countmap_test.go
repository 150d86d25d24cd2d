package countmap_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/poolrefcnt/pkg/countmap"
)

func TestIncrDefinesMissingKey(t *testing.T) {
	t.Parallel()

	m := countmap.New()

	got := m.Incr([]byte("A"), 2)
	assert.Equal(t, int64(2), got)

	got = m.Incr([]byte("A"), 3)
	assert.Equal(t, int64(5), got)
}

func TestGetUndefinedForAbsentKey(t *testing.T) {
	t.Parallel()

	m := countmap.New()

	_, ok := m.Get([]byte("missing"))
	assert.False(t, ok)

	m.Incr([]byte("present"), 0)

	c, ok := m.Get([]byte("present"))
	assert.True(t, ok)
	assert.Equal(t, int64(0), c)
}

func TestDeleteRemovesFromIteration(t *testing.T) {
	t.Parallel()

	m := countmap.New()
	m.Incr([]byte("A"), 1)
	m.Incr([]byte("B"), 2)
	m.Delete([]byte("A"))

	var keys []string
	for k := range m.All() {
		keys = append(keys, string(k))
	}

	assert.Equal(t, []string{"B"}, keys)
	assert.Equal(t, 1, m.Len())
}

func TestIterationOrderStableWithinPass(t *testing.T) {
	t.Parallel()

	m := countmap.New()
	m.Incr([]byte("C"), 1)
	m.Incr([]byte("A"), 1)
	m.Incr([]byte("B"), 1)

	var first, second []string
	for k := range m.All() {
		first = append(first, string(k))
	}

	for k := range m.All() {
		second = append(second, string(k))
	}

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"C", "A", "B"}, first)
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	m := countmap.New()
	m.Incr([]byte{0xAB, 0xCD}, 42)
	m.Incr([]byte{0x01}, 0)
	m.Incr([]byte{0xFF, 0xEE, 0xDD}, -7)

	path := filepath.Join(t.TempDir(), "poolCnt.0.00")
	require.NoError(t, m.Write(path))

	got, err := countmap.Read(path)
	require.NoError(t, err)
	assert.Equal(t, m.Len(), got.Len())

	for k, v := range m.All() {
		gv, ok := got.Get(k)
		assert.True(t, ok)
		assert.Equal(t, v, gv)
	}
}

func TestWriteIsByteIdenticalOnRewrite(t *testing.T) {
	t.Parallel()

	m := countmap.New()
	m.Incr([]byte{0x01, 0x02}, 5)
	m.Incr([]byte{0x03}, 0)

	path := filepath.Join(t.TempDir(), "poolCnt.0.00")
	require.NoError(t, m.Write(path))

	b1, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, m.Write(path))

	b2, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, b1, b2)
}

func TestReadNonExistentIsPlainOSError(t *testing.T) {
	t.Parallel()

	_, err := countmap.Read(filepath.Join(t.TempDir(), "missing"))
	assert.True(t, os.IsNotExist(err))
}

func TestReadOrEmptyForMissingFile(t *testing.T) {
	t.Parallel()

	m, err := countmap.ReadOrEmpty(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Equal(t, 0, m.Len())
}

func TestReadMalformedFileIsCorrupt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad")
	require.NoError(t, os.WriteFile(path, []byte("not a count file"), 0o600))

	_, err := countmap.Read(path)
	assert.ErrorIs(t, err, countmap.ErrCorrupt)
}

func TestReadEmptyFileIsCorrupt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	_, err := countmap.Read(path)
	assert.ErrorIs(t, err, countmap.ErrCorrupt)
}

func TestDeltaThenReverseDeltaIsByteEqual(t *testing.T) {
	t.Parallel()

	base := countmap.New()
	base.Incr([]byte{0x01}, 3)
	base.Incr([]byte{0x02}, 1)

	path := filepath.Join(t.TempDir(), "poolCnt.0.00")
	require.NoError(t, base.Write(path))

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	working, err := countmap.Read(path)
	require.NoError(t, err)

	working.Incr([]byte{0x03}, 5)
	working.Incr([]byte{0x03}, -5)
	working.Delete([]byte{0x03})

	require.NoError(t, working.Write(path))

	after, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, before, after)
}
