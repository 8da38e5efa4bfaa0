// Package database opens and migrates the local store. The engine runs
// against SQLite (pure-Go driver, the default) or PostgreSQL; the DSN
// decides which, and everything above this package speaks database/sql
// plus a dialect name.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/unitgrid/mastr-engine/pkg/apperrors"
	"github.com/unitgrid/mastr-engine/pkg/retry"
)

// Dialect names as carried on DB and used to pick migration sets.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// DB wraps a database/sql handle together with its resolved dialect.
type DB struct {
	*sql.DB
	Dialect string
}

// Config holds store connection configuration.
type Config struct {
	// DSN selects the store: postgres:// or postgresql:// URLs open
	// PostgreSQL via pgx; anything else (a file path, file: URL, or
	// :memory:) opens SQLite.
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Querier is the statement-execution subset shared by *sql.DB and *sql.Tx,
// so repositories and the store adapter compose into whatever transaction
// scope the caller holds.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Tx)(nil)
)

// Open connects to the store and verifies the connection. The initial ping
// is retried with backoff so a database container that is still starting up
// is tolerated.
func Open(ctx context.Context, cfg *Config) (*DB, error) {
	dialect := DialectFromDSN(cfg.DSN)

	driver := "sqlite"
	dsn := cfg.DSN
	if dialect == DialectPostgres {
		driver = "pgx"
	} else {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	if dialect == DialectSQLite {
		// SQLite allows one writer; a single pooled connection also keeps
		// :memory: databases coherent across calls.
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)

	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}
	db.SetMaxIdleConns(maxIdle)

	lifetime := cfg.ConnMaxLifetime
	if lifetime == 0 {
		lifetime = time.Hour
	}
	db.SetConnMaxLifetime(lifetime)

	idleTime := cfg.ConnMaxIdleTime
	if idleTime == 0 {
		idleTime = 30 * time.Minute
	}
	db.SetConnMaxIdleTime(idleTime)

	pingCfg := &retry.Config{
		MaxRetries:   10,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
	// A container still starting up or a locked file is worth waiting out;
	// bad credentials or an unopenable path fail on the first ping.
	if err := retry.DoIfRetryable(ctx, pingCfg, func() error { return db.PingContext(ctx) }); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
	}

	return &DB{DB: db, Dialect: dialect}, nil
}

// DialectFromDSN resolves the dialect a DSN addresses.
func DialectFromDSN(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

// sqliteDSN makes the driver write time.Time values in sqlite's own text
// format (the default Go formatting does not parse back), and gives
// concurrent openers a busy timeout instead of immediate lock errors.
func sqliteDSN(dsn string) string {
	if !strings.Contains(dsn, "_time_format=") {
		dsn = appendDSNParam(dsn, "_time_format=sqlite")
	}
	if !strings.Contains(dsn, "busy_timeout") {
		dsn = appendDSNParam(dsn, "_pragma=busy_timeout(10000)")
	}
	return dsn
}

func appendDSNParam(dsn, param string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + param
	}
	return dsn + "?" + param
}
