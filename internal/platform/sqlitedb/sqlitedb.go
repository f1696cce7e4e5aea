// Package sqlitedb is the embedded storage backend. It mirrors the
// transaction-in-context contract of package db on top of database/sql and
// the pure Go modernc.org/sqlite driver.
package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/caseload/caseload/internal/platform/db"
)

type contextKey string

const txKey contextKey = "sqlite_tx"

// DB wraps the sql.DB handle of an opened sqlite file.
type DB struct {
	*sql.DB
	path string
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Open opens (creating if needed) the sqlite database at path and applies
// the given migrations. Foreign keys are enforced on every connection.
func Open(ctx context.Context, path string, migrations fs.FS) (*DB, error) {
	if path == "" {
		path = "caseload.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}

	handle, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite serialises writers; one connection keeps transactions and
	// the statements issued through them on the same handle.
	handle.SetMaxOpenConns(1)

	d := &DB{DB: handle, path: path}
	if err := d.Ping(ctx); err != nil {
		handle.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if migrations != nil {
		if _, err := d.Migrate(ctx, migrations); err != nil {
			handle.Close()
			return nil, err
		}
	}
	return d, nil
}

func dsn(path string) string {
	params := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if strings.Contains(path, "?") {
		return "file:" + path + "&" + params
	}
	return "file:" + path + "?" + params
}

// Ping satisfies db.Pinger.
func (d *DB) Ping(ctx context.Context) error {
	return d.DB.PingContext(ctx)
}

// Path returns the file the database was opened from.
func (d *DB) Path() string { return d.path }

// Migrate applies pending migrations from fsys, each in its own transaction.
func (d *DB) Migrate(ctx context.Context, fsys fs.FS) (int, error) {
	if _, err := d.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS _migrations (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
)`); err != nil {
		return 0, fmt.Errorf("create _migrations table: %w", err)
	}

	all, err := db.LoadMigrations(fsys)
	if err != nil {
		return 0, err
	}

	rows, err := d.QueryContext(ctx, `SELECT version FROM _migrations`)
	if err != nil {
		return 0, fmt.Errorf("query applied versions: %w", err)
	}
	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate applied versions: %w", err)
	}

	count := 0
	for _, mig := range db.PendingMigrations(all, applied, 0) {
		mig := mig
		err := NewTransactor(d).InTx(ctx, func(ctx context.Context) error {
			q := d.Conn(ctx)
			if _, err := q.ExecContext(ctx, mig.SQL); err != nil {
				return fmt.Errorf("execute SQL: %w", err)
			}
			_, err := q.ExecContext(ctx, `INSERT INTO _migrations (version, name) VALUES (?, ?)`, mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return count, fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		count++
	}
	return count, nil
}

// MigrationStatus lists the migrations in fsys with their applied time.
func (d *DB) MigrationStatus(ctx context.Context, fsys fs.FS) ([]db.MigrationStatus, error) {
	all, err := db.LoadMigrations(fsys)
	if err != nil {
		return nil, err
	}

	rows, err := d.QueryContext(ctx, `SELECT version, applied_at FROM _migrations`)
	if err != nil {
		return nil, fmt.Errorf("query migration status: %w", err)
	}
	defer rows.Close()

	appliedAt := make(map[int]time.Time)
	for rows.Next() {
		var v int
		var raw string
		if err := rows.Scan(&v, &raw); err != nil {
			return nil, fmt.Errorf("scan migration status: %w", err)
		}
		at, _ := time.Parse(time.DateTime, raw)
		appliedAt[v] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migration status: %w", err)
	}
	return db.BuildStatus(all, appliedAt), nil
}

// TxFromContext returns the transaction opened by InTx, if any.
func TxFromContext(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey).(*sql.Tx)
	return tx
}

// Conn returns the transaction carried by ctx, or the database handle.
func (d *DB) Conn(ctx context.Context) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return d.DB
}

// Transactor runs functions inside a single sqlite transaction.
type Transactor struct {
	db *DB
}

func NewTransactor(d *DB) *Transactor {
	return &Transactor{db: d}
}

// InTx behaves like db.Transactor.InTx: nested calls join the open
// transaction, and any error, panic or cancellation rolls back.
func (t *Transactor) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) && err == nil {
			err = fmt.Errorf("rollback: %w", rbErr)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
