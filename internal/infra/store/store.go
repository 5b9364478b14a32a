// Package store persists the payment core's records over database/sql.
//
// Two backends share one schema and one set of queries:
//   - SQLite (modernc.org/sqlite, pure Go) for development, tests and
//     single-node deployments. Write transactions are BEGIN IMMEDIATE, so they
//     are serialized database-wide.
//   - PostgreSQL (lib/pq) for production. Row locks are SELECT … FOR UPDATE.
//
// Queries are written with ? placeholders and rebound per dialect.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver
)

// Dialect selects placeholder style and locking clauses.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// ParseDialect maps a driver name from configuration to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	}
	return DialectSQLite, fmt.Errorf("unknown database driver %q", driver)
}

// ─── Connection ─────────────────────────────────────────────────────────────

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn carries the query helpers shared by DB and Tx.
type conn struct {
	q       querier
	dialect Dialect
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.rebind(query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.rebind(query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.rebind(query), args...)
}

// forUpdate returns the row-lock suffix. SQLite has no row locks; its
// IMMEDIATE transactions already hold the database write lock.
func (c conn) forUpdate() string {
	if c.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (c conn) rebind(query string) string {
	if c.dialect != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// DB is the store handle. It is safe for concurrent use.
type DB struct {
	conn
	db *sql.DB
}

// Tx is an open transaction. Everything done through a Tx commits or rolls
// back together; row reads ending in Lock hold the row until then.
type Tx struct {
	conn
	tx          *sql.Tx
	afterCommit []func()
}

// AfterCommit registers fn to run once the transaction has committed.
// Nothing runs if the transaction rolls back.
func (tx *Tx) AfterCommit(fn func()) {
	tx.afterCommit = append(tx.afterCommit, fn)
}

// Open opens a database for the given driver and DSN and migrates it.
// For SQLite the DSN is a directory; the database file lives inside it.
func Open(driver, dsn string) (*DB, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	if dialect == DialectPostgres {
		return OpenPostgres(dsn)
	}
	return OpenSQLite(dsn)
}

// OpenSQLite opens (creating if needed) paycore.db under dir.
func OpenSQLite(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, "paycore.db")
	dsn := "file:" + path +
		"?_pragma=busy_timeout(10000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps SQLite writers from racing for the write lock.
	sqlDB.SetMaxOpenConns(1)

	return finishOpen(sqlDB, DialectSQLite)
}

// OpenPostgres opens a PostgreSQL database from a connection URL.
func OpenPostgres(dsn string) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is empty")
	}
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(20)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	return finishOpen(sqlDB, DialectPostgres)
}

func finishOpen(sqlDB *sql.DB, dialect Dialect) (*DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	db := &DB{conn: conn{q: sqlDB, dialect: dialect}, db: sqlDB}
	if err := db.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the connection pool.
func (db *DB) Close() error { return db.db.Close() }

// Dialect reports the backend in use.
func (db *DB) Dialect() Dialect { return db.dialect }

// Ping checks the database is reachable.
func (db *DB) Ping(ctx context.Context) error { return db.db.PingContext(ctx) }

func (db *DB) migrate(ctx context.Context) error {
	for i, stmt := range Migrations() {
		if _, err := db.exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// WithTx runs fn inside a transaction. It commits when fn returns nil and
// rolls back otherwise (including on panic). AfterCommit hooks run after a
// successful commit.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	tx := &Tx{conn: conn{q: sqlTx, dialect: db.dialect}, tx: sqlTx}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	for _, hook := range tx.afterCommit {
		hook()
	}
	return nil
}

// ─── Encoding Helpers ───────────────────────────────────────────────────────

// timeLayout is fixed-width so that text order equals time order.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
