package statsemitter_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/poolrefcnt/pkg/maintctx"
	"github.com/kalbasit/poolrefcnt/pkg/statsemitter"
)

func TestLineFormat(t *testing.T) {
	t.Parallel()

	s := maintctx.Stats{
		FileCnt: 3, DirCnt: 2, BlkCnt: 5, BlkCntRm: -5,
		FileCntRm: 1, FileCntRep: 0, FileRepMax: 0, FileLinkMax: 2, FileLinkTotal: 3,
	}

	got := statsemitter.Line("pool", 5, s)
	assert.Equal(t, "BackupPC_stats4 5 = pool,3,2,3,-3,1,0,0,2,3", got)
}

func TestRoundKBSignAware(t *testing.T) {
	t.Parallel()

	cases := []struct {
		blkCnt int64
		kb     string
	}{
		{4, "2"}, {5, "3"}, {-4, "-2"}, {-5, "-3"}, {0, "0"},
	}

	for _, c := range cases {
		line := statsemitter.Line("p", 0, maintctx.Stats{BlkCnt: c.blkCnt})
		assert.Contains(t, line, ","+c.kb+",")
	}
}

func TestEmitWritesNewlineTerminatedLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, statsemitter.Emit(&buf, "pool", 0, maintctx.Stats{}))
	assert.Equal(t, "BackupPC_stats4 0 = pool,0,0,0,0,0,0,0,0,0\n", buf.String())
}

func TestTableWritesHeaderAndRows(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	rows := map[int]maintctx.Stats{0: {FileCnt: 1}, 1: {FileCnt: 2}}
	require.NoError(t, statsemitter.Table(&buf, "pool", rows, []int{0, 1}))

	out := buf.String()
	assert.Contains(t, out, "SHARD")
	assert.Contains(t, out, "FILES")
}
