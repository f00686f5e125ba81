// Package db provides persistence for the steward engine.
//
// All engine state (tickets, tasks, agents, leases, events) lives in a
// single relational store behind a dialect driver. SQLite is the default;
// PostgreSQL is supported for server deployments.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/steward-dev/steward/internal/db/driver"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// schemaPrefix names the engine migration chain (engine_001.sql, ...).
const schemaPrefix = "engine"

// embedFSAdapter wraps embed.FS to implement driver.SchemaFS.
type embedFSAdapter struct {
	fs embed.FS
}

func (e *embedFSAdapter) ReadDir(name string) ([]driver.DirEntry, error) {
	entries, err := e.fs.ReadDir(name)
	if err != nil {
		return nil, err
	}
	result := make([]driver.DirEntry, len(entries))
	for i, entry := range entries {
		result[i] = dirEntryAdapter{entry}
	}
	return result, nil
}

func (e *embedFSAdapter) ReadFile(name string) ([]byte, error) {
	return e.fs.ReadFile(name)
}

type dirEntryAdapter struct {
	fs.DirEntry
}

func (d dirEntryAdapter) Name() string {
	return d.DirEntry.Name()
}

func (d dirEntryAdapter) IsDir() bool {
	return d.DirEntry.IsDir()
}

// Store wraps a database connection with driver abstraction.
type Store struct {
	driver driver.Driver
	dsn    string
}

// Open opens a store with the given dialect and DSN.
func Open(dialect driver.Dialect, dsn string) (*Store, error) {
	drv, err := driver.New(dialect)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(dsn); err != nil {
		return nil, err
	}
	return &Store{driver: drv, dsn: dsn}, nil
}

// OpenInMemory opens an in-memory SQLite store. Each call creates a new
// isolated database; intended for tests.
func OpenInMemory() (*Store, error) {
	return Open(driver.DialectSQLite, ":memory:")
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.driver.Close()
}

// Migrate applies all pending engine migrations.
func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx, &embedFSAdapter{fs: schemaFS}, schemaPrefix)
}

// Dialect returns the database dialect.
func (s *Store) Dialect() driver.Dialect {
	return s.driver.Dialect()
}

// DB returns the underlying sql.DB for advanced operations.
func (s *Store) DB() *sql.DB {
	return s.driver.DB()
}

// Exec executes a query without returning rows.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.driver.Exec(ctx, query, args...)
}

// Query executes a query that returns rows.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.driver.Query(ctx, query, args...)
}

// QueryRow executes a query that returns at most one row.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.driver.QueryRow(ctx, query, args...)
}

// --- Transactions ---

// TxOps exposes query operations bound to an open transaction.
type TxOps struct {
	tx      driver.Tx
	ctx     context.Context
	dialect driver.Dialect
}

// Exec executes a query within the transaction.
func (t *TxOps) Exec(query string, args ...any) (sql.Result, error) {
	return t.tx.Exec(t.ctx, query, args...)
}

// Query executes a query within the transaction.
func (t *TxOps) Query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.Query(t.ctx, query, args...)
}

// QueryRow executes a single-row query within the transaction.
func (t *TxOps) QueryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRow(t.ctx, query, args...)
}

// Dialect returns the dialect of the transaction's store.
func (t *TxOps) Dialect() driver.Dialect {
	return t.dialect
}

// RunInTx runs fn within a transaction, committing on nil error and rolling
// back otherwise.
func (s *Store) RunInTx(ctx context.Context, fn func(tx *TxOps) error) error {
	return s.runInTx(ctx, nil, fn)
}

// RunInTxOpts runs fn within a transaction with explicit options (used by
// the lease coordinator for serializable acquisition).
func (s *Store) RunInTxOpts(ctx context.Context, opts *sql.TxOptions, fn func(tx *TxOps) error) error {
	return s.runInTx(ctx, opts, fn)
}

func (s *Store) runInTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *TxOps) error) error {
	tx, err := s.driver.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	ops := &TxOps{tx: tx, ctx: ctx, dialect: s.driver.Dialect()}
	if err := fn(ops); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// --- Timestamp helpers ---

// timeLayout stores timestamps as sortable UTC text with nanosecond
// precision (nanoseconds distinguish events created in quick succession).
const timeLayout = "2006-01-02 15:04:05.000000000"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := fmtTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func parseTimeNull(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
