package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/steveyegge/unduplicator/internal/storage/migrations"
	"github.com/steveyegge/unduplicator/internal/types"
)

// querier is satisfied by *sql.DB and *sql.Conn so the same queries run
// inside and outside a transaction
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements the record operations on top of a querier
type queries struct {
	q       querier
	columns *columnCache
}

// SQLiteStorage implements the record store using SQLite
type SQLiteStorage struct {
	*queries
	db *sql.DB
}

// Tx is a SQLiteStorage bound to one open transaction
type Tx struct {
	*queries
}

// New creates a new SQLite storage backend
func New(path string) (*SQLiteStorage, error) {
	memory := path == ":memory:"
	if !memory {
		// Ensure directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize schema
	if err := migrations.NewManager(schemaMigrations...).ApplySQLite(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{
		queries: &queries{q: db, columns: newColumnCache()},
		db:      db,
	}, nil
}

// WithTx runs fn in an IMMEDIATE transaction on a dedicated connection.
// The transaction is committed if fn returns nil and rolled back otherwise.
func (s *SQLiteStorage) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	// Acquire a dedicated connection for the transaction.
	// This is necessary because we need to execute raw SQL ("BEGIN IMMEDIATE", "COMMIT")
	// on the same connection, and database/sql's connection pool would otherwise
	// use different connections for different queries.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	// The sqlite3 driver's BeginTx always uses DEFERRED mode, so the write
	// lock is taken explicitly up front.
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to begin immediate transaction: %w", err)
	}

	// Use context.Background() for ROLLBACK to ensure cleanup happens even if ctx is canceled
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(&Tx{queries: &queries{q: conn, columns: s.columns}}); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	return nil
}

// DB exposes the underlying handle for tests and tooling
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// columnCache remembers the column names of tables, which don't change during a run
type columnCache struct {
	mu     sync.Mutex
	tables map[string]map[string]bool
}

func newColumnCache() *columnCache {
	return &columnCache{tables: make(map[string]map[string]bool)}
}

func (q *queries) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	q.columns.mu.Lock()
	defer q.columns.mu.Unlock()

	if cols, ok := q.columns.tables[table]; ok {
		return cols, nil
	}

	name, err := quoteIdent(table)
	if err != nil {
		return nil, err
	}
	rows, err := q.q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", name))
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			colName   string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", table, err)
		}
		cols[colName] = true
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

// quoteIdent validates and quotes a table or column name
func quoteIdent(name string) (string, error) {
	if !types.ValidName(name) {
		return "", fmt.Errorf("invalid table or column name %q", name)
	}
	return `"` + name + `"`, nil
}

// expectAffected turns "no rows touched" into types.ErrNotFound
func expectAffected(res sql.Result, what string, uid int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, uid, types.ErrNotFound)
	}
	return nil
}
