package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// ErrDSNNotSet is returned by the SQL backends when no DSN was configured.
var ErrDSNNotSet = errors.New("database DSN not set")

// sqlDialect is what differs between the SQL backends.
type sqlDialect struct {
	name       string // log prefix and store name
	driver     string
	migrations string
	rebind     func(string) string
	postgres   bool
	pool       func(db *sql.DB, cfg Opts)
}

// openSQL opens dsn with d's driver, verifies the connection and applies the schema.
func openSQL(d sqlDialect, dsn string, cfg Opts) (*sqlStore, error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		slog.Error(d.name+": failed to open connection", "error", err)
		return nil, fmt.Errorf("%s: open: %w", d.name, err)
	}
	d.pool(db, cfg)

	if err := db.Ping(); err != nil {
		slog.Error(d.name+": ping failed", "error", err)
		db.Close()
		return nil, fmt.Errorf("%s: ping: %w", d.name, err)
	}
	if _, err := db.Exec(d.migrations); err != nil {
		slog.Error(d.name+": failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("%s: failed to run migrations: %w", d.name, err)
	}
	slog.Debug(d.name+": schema ready", "driver", d.driver)
	return &sqlStore{db: db, name: d.name, rebind: d.rebind, postgres: d.postgres}, nil
}
