package config_test

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

func setupDatabase(t *testing.T) (database.Querier, func()) {
	t.Helper()

	dbFile := filepath.Join(t.TempDir(), "config.sqlite")

	db, err := database.Open("sqlite://"+dbFile, nil)
	require.NoError(t, err)

	return db, func() { db.DB().Close() } //nolint:errcheck
}

func TestGetClusterUUID(t *testing.T) {
	t.Parallel()

	t.Run("config not existing", func(t *testing.T) {
		t.Parallel()

		db, cleanup := setupDatabase(t)
		t.Cleanup(cleanup)

		c := config.New(db, local.NewRWLocker())

		_, err := c.GetClusterUUID(context.Background())
		assert.ErrorIs(t, err, config.ErrConfigNotFound)
	})

	t.Run("key existing", func(t *testing.T) {
		t.Parallel()

		db, cleanup := setupDatabase(t)
		t.Cleanup(cleanup)

		c := config.New(db, local.NewRWLocker())

		const expectedUUID = "abc-123"

		_, err := db.CreateConfig(context.Background(), database.CreateConfigParams{
			Key:   config.KeyClusterUUID,
			Value: expectedUUID,
		})
		require.NoError(t, err)

		actualUUID, err := c.GetClusterUUID(context.Background())
		require.NoError(t, err)
		assert.Equal(t, expectedUUID, actualUUID)
	})
}

func TestSetClusterUUID(t *testing.T) {
	t.Parallel()

	t.Run("config not existing", func(t *testing.T) {
		t.Parallel()

		db, cleanup := setupDatabase(t)
		t.Cleanup(cleanup)

		c := config.New(db, local.NewRWLocker())

		err := c.SetClusterUUID(context.Background(), "abc-123")
		require.NoError(t, err)

		conf, err := db.GetConfigByKey(context.Background(), config.KeyClusterUUID)
		require.NoError(t, err)

		assert.Equal(t, config.KeyClusterUUID, conf.Key)
		assert.Equal(t, "abc-123", conf.Value)
	})

	t.Run("key existing", func(t *testing.T) {
		t.Parallel()

		db, cleanup := setupDatabase(t)
		t.Cleanup(cleanup)

		c := config.New(db, local.NewRWLocker())

		err := c.SetClusterUUID(context.Background(), "abc-123")
		require.NoError(t, err)

		err = c.SetClusterUUID(context.Background(), "def-456")
		require.NoError(t, err)

		conf, err := db.GetConfigByKey(context.Background(), config.KeyClusterUUID)
		require.NoError(t, err)

		assert.Equal(t, config.KeyClusterUUID, conf.Key)
		assert.Equal(t, "def-456", conf.Value)
	})
}
