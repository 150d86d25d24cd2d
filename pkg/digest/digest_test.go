package digest_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/poolrefcnt/pkg/digest"
)

func TestParsePrimary(t *testing.T) {
	t.Parallel()

	e, err := digest.Parse("d41d8cd98f00b204e9800998ecf8427e")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), e.Index)
	assert.True(t, e.Primary.IsEmpty())
}

func TestParseChained(t *testing.T) {
	t.Parallel()

	e, err := digest.Parse("d41d8cd98f00b204e9800998ecf8427e01")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), e.Index)
}

func TestParseTooShort(t *testing.T) {
	t.Parallel()

	_, err := digest.Parse("aabb")
	assert.ErrorIs(t, err, digest.ErrTooShort)
}

func TestParseEmpty(t *testing.T) {
	t.Parallel()

	_, err := digest.Parse("")
	assert.ErrorIs(t, err, digest.ErrEmpty)
}

func TestShardMath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		hexByte  byte
		wantShrd int
	}{
		{0x00, 0},
		{0x01, 0},
		{0x02, 1},
		{0xFE, 127},
		{0xFF, 127},
	}

	for _, tt := range tests {
		d := digest.Digest{tt.hexByte}
		assert.Equal(t, tt.wantShrd, d.Shard())
	}
}

func TestShardHex(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "00", digest.ShardHex(0))
	assert.Equal(t, "FE", digest.ShardHex(127))
}

func TestNext(t *testing.T) {
	t.Parallel()

	e, err := digest.Parse("d41d8cd98f00b204e9800998ecf8427e")
	require.NoError(t, err)

	n := e.Next()
	assert.Equal(t, uint32(1), n.Index)
	assert.Equal(t, e.Primary, n.Primary)

	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e01", n.String())
}

func TestEmptySentinelNeverMissing(t *testing.T) {
	t.Parallel()

	assert.True(t, digest.Empty.IsEmpty())
}
