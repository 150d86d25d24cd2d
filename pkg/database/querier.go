package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
)

// Querier is the persistence surface pkg/config drives: a small key/value
// configuration store, backed by whichever of SQLite, PostgreSQL or MySQL
// Open resolved the URL to.
type Querier interface {
	CreateConfig(ctx context.Context, arg CreateConfigParams) (Config, error)
	GetConfigByKey(ctx context.Context, key string) (Config, error)
	SetConfig(ctx context.Context, arg SetConfigParams) error

	// RunInTx runs fn against a Querier bound to a single transaction,
	// committing on a nil return and rolling back otherwise.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Querier) error) error

	// DB returns the underlying connection pool.
	DB() *sql.DB
}

type queryier struct {
	bun     *bun.DB
	dialect Type
}

func newQueryier(db *bun.DB, dialect Type) *queryier {
	return &queryier{bun: db, dialect: dialect}
}

func (q *queryier) DB() *sql.DB { return q.bun.DB }

func (q *queryier) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Querier) error) error {
	return q.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &txQueryier{tx: tx, dialect: q.dialect})
	})
}

func (q *queryier) CreateConfig(ctx context.Context, arg CreateConfigParams) (Config, error) {
	return createConfig(ctx, q.bun, arg)
}

func (q *queryier) GetConfigByKey(ctx context.Context, key string) (Config, error) {
	return getConfigByKey(ctx, q.bun, key)
}

func (q *queryier) SetConfig(ctx context.Context, arg SetConfigParams) error {
	return setConfig(ctx, q.bun, q.dialect, arg)
}

// txQueryier is the Querier handed to RunInTx's callback, bound to a
// single bun.Tx instead of the shared connection pool.
type txQueryier struct {
	tx      bun.Tx
	dialect Type
}

func (q *txQueryier) DB() *sql.DB { return q.tx.DB().DB }

func (q *txQueryier) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Querier) error) error {
	return fn(ctx, q)
}

func (q *txQueryier) CreateConfig(ctx context.Context, arg CreateConfigParams) (Config, error) {
	return createConfig(ctx, q.tx, arg)
}

func (q *txQueryier) GetConfigByKey(ctx context.Context, key string) (Config, error) {
	return getConfigByKey(ctx, q.tx, key)
}

func (q *txQueryier) SetConfig(ctx context.Context, arg SetConfigParams) error {
	return setConfig(ctx, q.tx, q.dialect, arg)
}

func createConfig(ctx context.Context, db bun.IDB, arg CreateConfigParams) (Config, error) {
	c := Config{Key: arg.Key, Value: arg.Value}

	if _, err := db.NewInsert().Model(&c).Exec(ctx); err != nil {
		if IsDuplicateKeyError(err) {
			return Config{}, fmt.Errorf("%w: %s", ErrDuplicateKey, arg.Key)
		}

		return Config{}, fmt.Errorf("error inserting config %q: %w", arg.Key, err)
	}

	return getConfigByKey(ctx, db, arg.Key)
}

func getConfigByKey(ctx context.Context, db bun.IDB, key string) (Config, error) {
	var c Config

	err := db.NewSelect().Model(&c).Where("key = ?", key).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Config{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		return Config{}, fmt.Errorf("error querying config %q: %w", key, err)
	}

	return c, nil
}

// setConfig upserts a config row. The conflict clause is dialect-specific:
// MySQL has no "ON CONFLICT", only "ON DUPLICATE KEY UPDATE".
func setConfig(ctx context.Context, db bun.IDB, dialect Type, arg SetConfigParams) error {
	c := Config{Key: arg.Key, Value: arg.Value}

	q := db.NewInsert().Model(&c)

	if dialect == TypeMySQL {
		q = q.On("DUPLICATE KEY UPDATE value = VALUES(value), updated_at = CURRENT_TIMESTAMP")
	} else {
		q = q.On("CONFLICT (key) DO UPDATE").Set("value = EXCLUDED.value").Set("updated_at = CURRENT_TIMESTAMP")
	}

	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("error upserting config %q: %w", arg.Key, err)
	}

	return nil
}
