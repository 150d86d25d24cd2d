package database

import (
	"database/sql"
	"time"

	"github.com/uptrace/bun"
)

// Config is a single key/value row in the persistent configuration store:
// the cluster UUID, the nightly full-scan period, and the last completed
// full-scan phase all live here.
type Config struct {
	bun.BaseModel `bun:"table:config,alias:c"`

	ID        int64        `bun:",pk,autoincrement"`
	Key       string       `bun:"key,unique,notnull"`
	Value     string       `bun:"value,notnull"`
	CreatedAt time.Time    `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt sql.NullTime `bun:""`
}

// CreateConfigParams holds parameters for creating a configuration row.
type CreateConfigParams struct {
	Key   string
	Value string
}

// SetConfigParams holds parameters for an upsert of a configuration row.
type SetConfigParams struct {
	Key   string
	Value string
}
