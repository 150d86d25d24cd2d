package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/kalbasit/poolrefcnt/pkg/backupwalker"
	"github.com/kalbasit/poolrefcnt/pkg/config"
	"github.com/kalbasit/poolrefcnt/pkg/database"
	"github.com/kalbasit/poolrefcnt/pkg/hostrecon"
	"github.com/kalbasit/poolrefcnt/pkg/lock/file"
	"github.com/kalbasit/poolrefcnt/pkg/lock/local"
	"github.com/kalbasit/poolrefcnt/pkg/maintctx"
	"github.com/kalbasit/poolrefcnt/pkg/poolaggregator"
	"github.com/kalbasit/poolrefcnt/pkg/poolcleaner"
	"github.com/kalbasit/poolrefcnt/pkg/poollayout"
	"github.com/kalbasit/poolrefcnt/pkg/statsemitter"
)

// errBadArgs marks an invocation refused outright, exit 1 immediately.
var errBadArgs = errors.New("cmd: invalid arguments")

// maintainCommand runs a pool-wide maintenance pass: it always
// aggregates the pool; -f first rebuilds every host, -c cleans the
// pool, and stats are reported with -s or -c.
func maintainCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:  "maintain",
		Usage: "Run a pool-wide maintenance pass",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "f",
				Usage: "rebuild every host first",
			},
			&cli.BoolFlag{
				Name:  "c",
				Usage: "clean pool files (implies -s)",
			},
			&cli.BoolFlag{
				Name:  "s",
				Usage: "print stats",
			},
			&cli.StringFlag{
				Name:  "r",
				Usage: "restrict the shard range, \"N-M\" with 0 <= N <= M <= 255, mapped to [N/2, M/2]",
			},
			&cli.IntFlag{
				Name:  "P",
				Usage: "full-scan phase (0-15)",
			},
			&cli.StringFlag{
				Name:  "hosts",
				Usage: "comma-separated list of hosts to reconcile (default: every subdirectory of top-dir)",
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
			&cli.IntFlag{
				Name:    "period",
				Usage:   "Conf.PoolSizeNightlyUpdatePeriod: 0 disables scheduled full scans",
				Sources: flagSources("pool.nightly-update-period", "POOLREFCNT_NIGHTLY_UPDATE_PERIOD"),
			},
			&cli.StringFlag{
				Name:  "cron",
				Usage: "run repeatedly on this cron schedule instead of once",
			},
			&cli.StringFlag{
				Name:    "db-url",
				Usage:   "sqlite/postgres/mysql URL backing the cluster UUID and nightly-update-period/full-scan-phase state; empty disables persistence",
				Sources: flagSources("database.url", "POOLREFCNT_DB_URL"),
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "compute and report stats but skip renames, unlinks, chmods and writes",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runMaintain(ctx, cmd)
		},
	}
}

func runMaintain(ctx context.Context, cmd *cli.Command) error {
	shardStart, shardEnd, err := parseShardRange(cmd.String("r"))
	if err != nil {
		return err
	}

	phase := cmd.Int("P")
	if phase < 0 || phase > 15 {
		return fmt.Errorf("%w: -P must be between 0 and 15, got %d", errBadArgs, phase)
	}

	layout := poollayout.Layout{
		TopDir:   cmd.String("top-dir"),
		PoolDir:  cmd.String("pool-dir"),
		CPoolDir: cmd.String("cpool-dir"),
	}

	hosts, err := resolveHosts(cmd.String("hosts"), layout.TopDir)
	if err != nil {
		return err
	}

	var cfg *config.Config

	if dbURL := cmd.String("db-url"); dbURL != "" {
		db, err := database.Open(dbURL, nil)
		if err != nil {
			return fmt.Errorf("opening maintenance database %q: %w", dbURL, err)
		}
		defer db.DB().Close() //nolint:errcheck

		cfg = config.New(db, local.NewRWLocker())

		clusterUUID, err := getOrSetClusterUUID(ctx, cfg)
		if err != nil {
			return fmt.Errorf("resolving cluster UUID: %w", err)
		}

		zerolog.Ctx(ctx).Info().Str("cluster_uuid", clusterUUID).Msg("maintenance database opened")
	}

	periodSet, phaseSet := cmd.IsSet("period"), cmd.IsSet("P")

	run := func(runCtx context.Context) error {
		runPeriod, runPhase, err := resolvePeriodAndPhase(runCtx, cfg, cmd.Int("period"), phase, periodSet, phaseSet)
		if err != nil {
			return err
		}

		if err := runMaintainPass(runCtx, layout, hosts, maintainOptions{
			rebuild:    cmd.Bool("f"),
			clean:      cmd.Bool("c"),
			stats:      cmd.Bool("s"),
			dryRun:     cmd.Bool("dry-run"),
			shardStart: shardStart,
			shardEnd:   shardEnd,
			period:     runPeriod,
			phase:      runPhase,
		}); err != nil {
			return err
		}

		if cfg != nil && runPeriod > 0 {
			if err := cfg.SetLastFullScanPhase(runCtx, strconv.Itoa(runPhase)); err != nil {
				zerolog.Ctx(runCtx).Error().Err(err).Msg("failed to persist the full-scan phase")
			}
		}

		return nil
	}

	schedule := cmd.String("cron")
	if schedule == "" {
		return run(ctx)
	}

	return runOnCron(ctx, schedule, run)
}

// getOrSetClusterUUID returns the cluster's persistent identity, minting
// one on first use.
func getOrSetClusterUUID(ctx context.Context, cfg *config.Config) (string, error) {
	cu, err := cfg.GetClusterUUID(ctx)
	if err != nil {
		if errors.Is(err, config.ErrConfigNotFound) {
			return setClusterUUID(ctx, cfg)
		}

		return "", err
	}

	return cu, nil
}

func setClusterUUID(ctx context.Context, cfg *config.Config) (string, error) {
	cu := uuid.New().String()
	if err := cfg.SetClusterUUID(ctx, cu); err != nil {
		return "", fmt.Errorf("error setting the new cluster UUID: %w", err)
	}

	return cu, nil
}

// resolvePeriodAndPhase applies an explicit -P/--period flag when given,
// otherwise falls back to the persisted Conf.PoolSizeNightlyUpdatePeriod and
// advances the cyclic full-scan phase past whatever the last pass recorded.
func resolvePeriodAndPhase(
	ctx context.Context, cfg *config.Config, flagPeriod, flagPhase int, periodSet, phaseSet bool,
) (period, phaseOut int, err error) {
	period = flagPeriod
	phaseOut = flagPhase

	if cfg == nil {
		return period, phaseOut, nil
	}

	if !periodSet {
		v, err := cfg.GetNightlyUpdatePeriod(ctx)
		switch {
		case errors.Is(err, config.ErrConfigNotFound):
		case err != nil:
			return 0, 0, fmt.Errorf("reading the nightly update period: %w", err)
		default:
			if parsed, convErr := strconv.Atoi(v); convErr == nil {
				period = parsed
			}
		}
	}

	if !phaseSet {
		v, err := cfg.GetLastFullScanPhase(ctx)
		switch {
		case errors.Is(err, config.ErrConfigNotFound):
			phaseOut = 0
		case err != nil:
			return 0, 0, fmt.Errorf("reading the last full-scan phase: %w", err)
		default:
			last, _ := strconv.Atoi(v)
			if period > 0 {
				phaseOut = (last + 1) % period
			} else {
				phaseOut = 0
			}
		}
	}

	return period, phaseOut, nil
}

type maintainOptions struct {
	rebuild    bool
	clean      bool
	stats      bool
	dryRun     bool
	shardStart int
	shardEnd   int
	period     int
	phase      int
}

func runMaintainPass(ctx context.Context, layout poollayout.Layout, hosts []string, opts maintainOptions) error {
	mc := maintctx.New(ctx)
	mc.DryRun = opts.dryRun
	walker := backupwalker.NewFSWalker(layout)
	hostLocker := file.NewLocker()

	if opts.rebuild {
		for _, host := range hosts {
			if err := hostrecon.Reconcile(mc, layout, hostLocker, walker, host, hostrecon.Options{
				ForceRebuild:  true,
				CheckHostPool: opts.clean,
			}); err != nil {
				return fmt.Errorf("reconciling host %q: %w", host, err)
			}
		}
	}

	aggOpts := poolaggregator.Options{
		ShardStart: opts.shardStart,
		ShardEnd:   opts.shardEnd,
		Period:     opts.period,
		Phase:      opts.phase,
	}
	if err := poolaggregator.Aggregate(mc, layout, hosts, aggOpts); err != nil {
		return fmt.Errorf("aggregating pool: %w", err)
	}

	if opts.clean {
		shardLocker := file.NewLocker()
		if err := poolcleaner.Clean(mc, layout, shardLocker, opts.shardStart, opts.shardEnd); err != nil {
			return fmt.Errorf("cleaning pool: %w", err)
		}
	}

	if opts.stats || opts.clean {
		if err := emitStats(os.Stdout, mc.Stats); err != nil {
			return err
		}
	}

	reportErrors(ctx, mc)

	if mc.HasErrors() {
		os.Exit(1)
	}

	return nil
}

// maxProcsRecheckInterval is how often a long-running cron-scheduled
// maintenance daemon re-checks its container CPU quota, since it may
// change for the lifetime of the process in a way a one-shot
// invocation never observes.
const maxProcsRecheckInterval = 30 * time.Minute

func runOnCron(ctx context.Context, schedule string, run func(context.Context) error) error {
	go func() {
		if err := autoMaxProcs(ctx, maxProcsRecheckInterval); err != nil {
			zerolog.Ctx(ctx).Debug().Err(err).Msg("auto-max-procs loop stopped")
		}
	}()

	c := cron.New()

	_, err := c.AddFunc(schedule, func() {
		if err := run(ctx); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("scheduled maintenance pass failed")
		}
	})
	if err != nil {
		return fmt.Errorf("parsing cron schedule %q: %w", schedule, err)
	}

	zerolog.Ctx(ctx).Info().Str("schedule", schedule).Msg("maintenance cron scheduled")

	c.Run()

	return nil
}

// parseShardRange parses the "-r N-M" flag, 0 <= N <= M <= 255, and
// maps it to the top-shard range [N/2, M/2] via lossy integer
// division.
func parseShardRange(r string) (start, end int, err error) {
	if r == "" {
		return 0, 127, nil
	}

	parts := strings.SplitN(r, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: -r must be \"N-M\", got %q", errBadArgs, r)
	}

	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid -r lower bound %q: %w", errBadArgs, parts[0], err)
	}

	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid -r upper bound %q: %w", errBadArgs, parts[1], err)
	}

	if n < 0 || m > 255 || n > m {
		return 0, 0, fmt.Errorf("%w: -r range must satisfy 0 <= N <= M <= 255, got %q", errBadArgs, r)
	}

	return n / 2, m / 2, nil
}

// emitStats renders every "<class>/<shard>" entry accumulated in mc.Stats
// via statsemitter, in the BackupPC_stats4 line format.
func emitStats(w io.Writer, stats map[string]maintctx.Stats) error {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, key := range keys {
		class, shardStr, ok := strings.Cut(key, "/")
		if !ok {
			continue
		}

		shard, err := strconv.Atoi(shardStr)
		if err != nil {
			continue
		}

		if err := statsemitter.Emit(w, class, shard, stats[key]); err != nil {
			return err
		}
	}

	return nil
}

func resolveHosts(flag, topDir string) ([]string, error) {
	if flag != "" {
		return strings.Split(flag, ","), nil
	}

	entries, err := os.ReadDir(topDir)
	if err != nil {
		return nil, fmt.Errorf("listing hosts under %q: %w", topDir, err)
	}

	var hosts []string

	for _, e := range entries {
		if e.IsDir() {
			hosts = append(hosts, e.Name())
		}
	}

	return hosts, nil
}
