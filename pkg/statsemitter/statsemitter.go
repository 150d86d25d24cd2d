// Package statsemitter renders the per-shard pool accounting line, in
// the exact field order and kilobyte rounding convention a
// shell-based consumer (e.g. a nightly report script) expects.
package statsemitter

import (
	"fmt"
	"io"
	"math"
	"text/tabwriter"

	"github.com/kalbasit/poolrefcnt/pkg/maintctx"
)

// Line formats one shard's accounting record in the
// "BackupPC_stats4 <shard> = ..." format.
func Line(poolName string, shard int, s maintctx.Stats) string {
	return fmt.Sprintf(
		"BackupPC_stats4 %d = %s,%d,%d,%d,%d,%d,%d,%d,%d,%d",
		shard,
		poolName,
		s.FileCnt,
		s.DirCnt,
		roundKB(s.BlkCnt),
		roundKB(s.BlkCntRm),
		s.FileCntRm,
		s.FileCntRep,
		s.FileRepMax,
		s.FileLinkMax,
		s.FileLinkTotal,
	)
}

// Emit writes one shard's accounting line to w, followed by a
// newline.
func Emit(w io.Writer, poolName string, shard int, s maintctx.Stats) error {
	if _, err := fmt.Fprintln(w, Line(poolName, shard, s)); err != nil {
		return fmt.Errorf("statsemitter: writing stats line: %w", err)
	}

	return nil
}

// Table writes a tab-aligned multi-shard summary to w, one row per
// (shard, Stats) pair, as a human-readable companion to the
// machine-parsable Line format; the maintain command's "-s" output
// is written through Emit, not Table. No corpus dependency covers
// fixed-width column alignment, so this one piece uses the standard
// library's text/tabwriter rather than a third-party table renderer.
func Table(w io.Writer, poolName string, rows map[int]maintctx.Stats, shards []int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "SHARD\tFILES\tDIRS\tKB\tKBRM\tFILESRM\tFILESREP\tREPMAX\tLINKMAX\tLINKTOTAL")

	for _, shard := range shards {
		s := rows[shard]

		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			shard, s.FileCnt, s.DirCnt, roundKB(s.BlkCnt), roundKB(s.BlkCntRm),
			s.FileCntRm, s.FileCntRep, s.FileRepMax, s.FileLinkMax, s.FileLinkTotal)
	}

	if err := tw.Flush(); err != nil {
		return fmt.Errorf("statsemitter: flushing table: %w", err)
	}

	return nil
}

// roundKB converts a signed 512-byte block count into kilobytes,
// rounding at the 0.5 boundary away from zero: positive values round
// up, negative values round down (more negative).
func roundKB(blkCnt int64) int64 {
	f := float64(blkCnt) / 2.0

	if blkCnt >= 0 {
		return int64(math.Floor(f + 0.5))
	}

	return int64(math.Ceil(f - 0.5))
}
