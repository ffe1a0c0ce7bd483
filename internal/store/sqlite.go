package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDirPermissions is used when creating the database directory.
	DefaultDirPermissions = 0o755
	// sqliteDefaultParams are appended to DSNs that carry no query of their own.
	sqliteDefaultParams = "_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists conversations, leads and the alert outbox in a SQLite file.
type SQLiteStore struct {
	*sqlStore
}

var (
	_ Store      = (*SQLiteStore)(nil)
	_ OutboxRepo = (*SQLiteStore)(nil)
)

var sqliteDialect = sqlDialect{
	name:       "SQLiteStore",
	driver:     "sqlite3",
	migrations: sqliteMigrations,
	rebind:     rebindNone,
	pool: func(db *sql.DB, _ Opts) {
		db.SetMaxOpenConns(1)
	},
}

// NewSQLiteStore opens the file named by WithSQLiteDSN, creating its directory if needed.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := applyOpts(opts)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("SQLiteStore: %w", ErrDSNNotSet)
	}

	if path := sqliteFilePath(cfg.DSN); path != "" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			return nil, fmt.Errorf("SQLiteStore: failed to create database directory %s: %w", dir, err)
		}
	}
	dsn := cfg.DSN
	if !strings.Contains(dsn, "?") {
		dsn = "file:" + strings.TrimPrefix(dsn, "file:") + "?" + sqliteDefaultParams
	}
	slog.Debug("NewSQLiteStore: opening", "path", sqliteFilePath(dsn))

	core, err := openSQL(sqliteDialect, dsn, cfg)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{sqlStore: core}, nil
}

// sqliteFilePath extracts the file path from a DSN, or "" for in-memory databases.
func sqliteFilePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}
