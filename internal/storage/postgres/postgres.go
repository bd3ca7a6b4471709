package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/steveyegge/unduplicator/internal/storage/migrations"
	"github.com/steveyegge/unduplicator/internal/types"
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// queries implements the record operations on top of a querier
type queries struct {
	q       querier
	columns *columnCache
}

// PostgresStorage implements the record store using PostgreSQL
type PostgresStorage struct {
	*queries
	pool *pgxpool.Pool
}

// Tx is a PostgresStorage bound to one open transaction
type Tx struct {
	*queries
}

// Config holds PostgreSQL connection configuration
type Config struct {
	// DSN, if set, is used as is and the individual connection fields are ignored
	DSN             string
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	HealthCheck     time.Duration
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		Database:        "cms",
		User:            "cms",
		SSLMode:         "prefer",
		MaxConns:        4,
		MinConns:        1,
		MaxConnLifetime: 1 * time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		HealthCheck:     1 * time.Minute,
	}
}

// ConnString returns the connection string for the config
func (c *Config) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

// New creates a new PostgreSQL storage backend with connection pooling
func New(ctx context.Context, cfg *Config) (*PostgresStorage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// Configure connection pool
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Apply pool configuration
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = cfg.HealthCheck

	// Create connection pool
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection with ping
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize schema
	if err := migrations.NewManager(schemaMigrations...).ApplyPostgreSQL(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &PostgresStorage{
		queries: &queries{q: pool, columns: newColumnCache()},
		pool:    pool,
	}, nil
}

// WithTx runs fn in a transaction that commits if fn returns nil
func (s *PostgresStorage) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&Tx{queries: &queries{q: tx, columns: s.columns}}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Pool exposes the connection pool for tests and tooling
func (s *PostgresStorage) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the connection pool and releases all resources
func (s *PostgresStorage) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// columnCache remembers column types per table. Values are passed as text
// and cast to the column type in SQL, since referencing columns may be
// integers or text depending on the table.
type columnCache struct {
	mu     sync.Mutex
	tables map[string]map[string]string
}

func newColumnCache() *columnCache {
	return &columnCache{tables: make(map[string]map[string]string)}
}

func (q *queries) tableColumns(ctx context.Context, table string) (map[string]string, error) {
	q.columns.mu.Lock()
	defer q.columns.mu.Unlock()

	if cols, ok := q.columns.tables[table]; ok {
		return cols, nil
	}

	rows, err := q.q.Query(ctx, `
		SELECT a.attname, format_type(a.atttypid, a.atttypmod)
		FROM pg_attribute a
		WHERE a.attrelid = to_regclass($1) AND a.attnum > 0 AND NOT a.attisdropped
	`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", table, err)
		}
		cols[name] = typ
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}

	q.columns.tables[table] = cols
	return cols, nil
}

// castParam returns a placeholder that converts a text parameter to the column's type
func (q *queries) castParam(ctx context.Context, table, column string, n int) (string, error) {
	cols, err := q.tableColumns(ctx, table)
	if err != nil {
		return "", err
	}
	typ, ok := cols[column]
	if !ok {
		return "", fmt.Errorf("column %s.%s does not exist", table, column)
	}
	return fmt.Sprintf("CAST($%d::text AS %s)", n, typ), nil
}

// quoteIdent validates and quotes a table or column name
func quoteIdent(name string) (string, error) {
	if !types.ValidName(name) {
		return "", fmt.Errorf("invalid table or column name %q", name)
	}
	return pgx.Identifier{name}.Sanitize(), nil
}

// expectAffected turns "no rows touched" into types.ErrNotFound
func expectAffected(tag pgconn.CommandTag, what string, uid int64) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %d: %w", what, uid, types.ErrNotFound)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
