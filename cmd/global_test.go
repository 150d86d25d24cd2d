//nolint:testpackage
package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/poolrefcnt/pkg/config"
	"github.com/kalbasit/poolrefcnt/pkg/database"
	"github.com/kalbasit/poolrefcnt/pkg/lock/local"
)

func TestParseShardRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		r         string
		wantStart int
		wantEnd   int
		wantErr   bool
	}{
		{name: "empty defaults to full range", r: "", wantStart: 0, wantEnd: 127},
		{name: "even bounds", r: "0-255", wantStart: 0, wantEnd: 127},
		{name: "lossy division", r: "1-3", wantStart: 0, wantEnd: 1},
		{name: "single shard", r: "10-10", wantStart: 5, wantEnd: 5},
		{name: "missing dash", r: "10", wantErr: true},
		{name: "non numeric", r: "a-b", wantErr: true},
		{name: "out of order", r: "10-5", wantErr: true},
		{name: "out of bounds", r: "0-256", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			start, end, err := parseShardRange(tt.r)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errBadArgs)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, end)
		})
	}
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()

	dbFile := filepath.Join(t.TempDir(), "config.sqlite")

	db, err := database.Open("sqlite://"+dbFile, nil)
	require.NoError(t, err)

	t.Cleanup(func() { db.DB().Close() }) //nolint:errcheck

	return config.New(db, local.NewRWLocker())
}

func TestGetOrSetClusterUUID(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	ctx := context.Background()

	first, err := getOrSetClusterUUID(ctx, cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	second, err := getOrSetClusterUUID(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolvePeriodAndPhase(t *testing.T) {
	t.Parallel()

	t.Run("nil config passes flags through unchanged", func(t *testing.T) {
		t.Parallel()

		period, phase, err := resolvePeriodAndPhase(context.Background(), nil, 7, 3, false, false)
		require.NoError(t, err)
		assert.Equal(t, 7, period)
		assert.Equal(t, 3, phase)
	})

	t.Run("explicit flags win over persisted state", func(t *testing.T) {
		t.Parallel()

		cfg := newTestConfig(t)
		ctx := context.Background()

		require.NoError(t, cfg.SetNightlyUpdatePeriod(ctx, "16"))
		require.NoError(t, cfg.SetLastFullScanPhase(ctx, "5"))

		period, phase, err := resolvePeriodAndPhase(ctx, cfg, 4, 2, true, true)
		require.NoError(t, err)
		assert.Equal(t, 4, period)
		assert.Equal(t, 2, phase)
	})

	t.Run("falls back to persisted period and advances the phase", func(t *testing.T) {
		t.Parallel()

		cfg := newTestConfig(t)
		ctx := context.Background()

		require.NoError(t, cfg.SetNightlyUpdatePeriod(ctx, "16"))
		require.NoError(t, cfg.SetLastFullScanPhase(ctx, "5"))

		period, phase, err := resolvePeriodAndPhase(ctx, cfg, 0, 0, false, false)
		require.NoError(t, err)
		assert.Equal(t, 16, period)
		assert.Equal(t, 6, phase)
	})

	t.Run("wraps the phase around the period", func(t *testing.T) {
		t.Parallel()

		cfg := newTestConfig(t)
		ctx := context.Background()

		require.NoError(t, cfg.SetNightlyUpdatePeriod(ctx, "16"))
		require.NoError(t, cfg.SetLastFullScanPhase(ctx, "15"))

		_, phase, err := resolvePeriodAndPhase(ctx, cfg, 0, 0, false, false)
		require.NoError(t, err)
		assert.Equal(t, 0, phase)
	})

	t.Run("no persisted state defaults phase to zero", func(t *testing.T) {
		t.Parallel()

		cfg := newTestConfig(t)

		period, phase, err := resolvePeriodAndPhase(context.Background(), cfg, 0, 0, false, false)
		require.NoError(t, err)
		assert.Equal(t, 0, period)
		assert.Equal(t, 0, phase)
	})
}
