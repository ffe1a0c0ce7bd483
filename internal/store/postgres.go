package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Pool defaults for PostgreSQL, overridable with WithPool.
const (
	DefaultMaxOpenConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists conversations, leads and the alert outbox in PostgreSQL. Each message
// is its own row, so concurrent appends to one conversation never overwrite each other.
type PostgresStore struct {
	*sqlStore
}

var (
	_ Store      = (*PostgresStore)(nil)
	_ OutboxRepo = (*PostgresStore)(nil)
)

var postgresDialect = sqlDialect{
	name:       "PostgresStore",
	driver:     "postgres",
	migrations: postgresMigrations,
	rebind:     rebindDollar,
	postgres:   true,
	pool: func(db *sql.DB, cfg Opts) {
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = DefaultMaxOpenConns
		}
		lifetime := cfg.ConnLifetime
		if lifetime <= 0 {
			lifetime = DefaultConnMaxLifetime
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen)
		db.SetConnMaxLifetime(lifetime)
	},
}

// NewPostgresStore connects with the DSN from WithPostgresDSN and applies the schema.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	cfg := applyOpts(opts)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("PostgresStore: %w", ErrDSNNotSet)
	}
	slog.Debug("NewPostgresStore: connecting", "max_open_conns", cfg.MaxOpenConns)
	core, err := openSQL(postgresDialect, cfg.DSN, cfg)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{sqlStore: core}, nil
}
