package store

import "time"

// Opts holds configuration for store backends.
type Opts struct {
	DSN           string        // SQL DSN or file path
	BoltTimeout   time.Duration // how long to wait for the bolt file lock
	MongoURI      string
	MongoDatabase string
	MongoTimeout  time.Duration
	MaxOpenConns  int // Postgres pool size; SQLite always uses one writer
	ConnLifetime  time.Duration
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithBoltPath sets the bbolt database file path.
func WithBoltPath(path string) Option {
	return func(o *Opts) { o.DSN = path }
}

// WithBoltTimeout bounds the wait for the bbolt file lock.
func WithBoltTimeout(d time.Duration) Option {
	return func(o *Opts) { o.BoltTimeout = d }
}

// WithMongoURI sets the MongoDB connection URI.
func WithMongoURI(uri string) Option {
	return func(o *Opts) { o.MongoURI = uri }
}

// WithMongoDatabase overrides the MongoDB database name (default "leadpipe").
func WithMongoDatabase(name string) Option {
	return func(o *Opts) { o.MongoDatabase = name }
}

// WithMongoTimeout bounds connect and ping against MongoDB.
func WithMongoTimeout(d time.Duration) Option {
	return func(o *Opts) { o.MongoTimeout = d }
}

// WithPool sizes the Postgres connection pool.
func WithPool(maxOpen int, lifetime time.Duration) Option {
	return func(o *Opts) {
		o.MaxOpenConns = maxOpen
		o.ConnLifetime = lifetime
	}
}

func applyOpts(opts []Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
