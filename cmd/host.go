package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/kalbasit/poolrefcnt/pkg/backupwalker"
	"github.com/kalbasit/poolrefcnt/pkg/hostrecon"
	"github.com/kalbasit/poolrefcnt/pkg/lock/file"
	"github.com/kalbasit/poolrefcnt/pkg/maintctx"
	"github.com/kalbasit/poolrefcnt/pkg/poollayout"
)

// hostCommand reconciles a single host: merge pending deltas, or
// rebuild it from scratch.
func hostCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:  "host",
		Usage: "Reconcile one host's reference counts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "h",
				Usage:    "the host to reconcile",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "f",
				Usage: "force a walk-based rebuild instead of merging pending deltas",
			},
			&cli.BoolFlag{
				Name:  "c",
				Usage: "with -f, compare the rebuilt count against the existing one",
			},
			&cli.BoolFlag{
				Name:  "p",
				Usage: "suppress progress lines",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "compute and report stats but skip renames, unlinks, chmods and writes",
			},
			&cli.BoolFlag{
				Name:  "v",
				Usage: "raise log verbosity",
			},
			&cli.StringFlag{
				Name:    "top-dir",
				Usage:   "root directory containing one directory per host",
				Sources: flagSources("paths.top-dir", "POOLREFCNT_TOP_DIR"),
			},
			&cli.StringFlag{
				Name:    "pool-dir",
				Usage:   "root of the uncompressed pool object tree",
				Sources: flagSources("paths.pool-dir", "POOLREFCNT_POOL_DIR"),
			},
			&cli.StringFlag{
				Name:    "cpool-dir",
				Usage:   "root of the compressed pool object tree",
				Sources: flagSources("paths.cpool-dir", "POOLREFCNT_CPOOL_DIR"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runHost(ctx, cmd)
		},
	}
}

func runHost(ctx context.Context, cmd *cli.Command) error {
	host := cmd.String("h")
	if host == "" {
		return fmt.Errorf("%w: -h HOST is required", errBadArgs)
	}

	if cmd.Bool("v") {
		ctx = zerolog.Ctx(ctx).Level(zerolog.DebugLevel).WithContext(ctx)
	}

	layout := poollayout.Layout{
		TopDir:   cmd.String("top-dir"),
		PoolDir:  cmd.String("pool-dir"),
		CPoolDir: cmd.String("cpool-dir"),
	}

	mc := maintctx.New(ctx)
	mc.DryRun = cmd.Bool("dry-run")

	if cmd.Bool("p") {
		mc.Progress = maintctx.NoopProgress
	} else {
		mc.Progress = stdoutProgress
	}

	walker := backupwalker.NewFSWalker(layout)
	locker := file.NewLocker()

	opts := hostrecon.Options{
		ForceRebuild:  cmd.Bool("f"),
		CheckHostPool: cmd.Bool("c"),
	}

	if !cmd.Bool("p") {
		fmt.Fprintf(os.Stdout, "xferPids %d\n", os.Getpid())
	}

	err := hostrecon.Reconcile(mc, layout, locker, walker, host, opts)

	if !cmd.Bool("p") {
		fmt.Fprintln(os.Stdout, "xferPids")
	}

	if err != nil {
		return fmt.Errorf("reconciling host %q: %w", host, err)
	}

	reportErrors(ctx, mc)

	if mc.HasErrors() {
		os.Exit(1)
	}

	return nil
}

// stdoutProgress emits the __bpc_progress_state__/__bpc_progress_fileCnt__
// halves of the progress protocol; the xferPids lines bracketing the whole
// run are written directly by runHost.
func stdoutProgress(label string, i, n int) {
	if i == 0 && n == 0 {
		fmt.Fprintf(os.Stdout, "__bpc_progress_state__ %s\n", label)

		return
	}

	fmt.Fprintf(os.Stdout, "__bpc_progress_fileCnt__ %d/%d\n", i, n)
}

func reportErrors(ctx context.Context, mc *maintctx.Context) {
	log := zerolog.Ctx(ctx)

	for _, e := range mc.Errors() {
		log.Error().Str("kind", string(e.Kind)).Str("scope", e.Scope).Err(e.Err).Msg("maintenance error")
	}

	fmt.Fprintf(os.Stdout, "total errors: %d\n", mc.ErrorCount())
}
