// Package db persists poll cycles, hourly delay statistics and route health in SQLite.
package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// tuning applied after the connection is up. Failures only warn.
var tuning = []string{
	"PRAGMA synchronous = NORMAL",
	"PRAGMA cache_size = 10000",
	"PRAGMA temp_store = MEMORY",
}

// DB is a single-connection SQLite store. Writes go through one mutex so the poll
// loop and cleanup never race for the write lock.
type DB struct {
	conn    *sql.DB
	writeMu sync.Mutex
}

// Connect opens (or creates) the database at path in WAL mode with foreign keys on
func Connect(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", path, err)
	}
	for _, pragma := range tuning {
		if _, err := conn.Exec(pragma); err != nil {
			log.Printf("Warning: DB: %s failed: %v", pragma, err)
		}
	}

	log.Printf("DB: connected to %s", path)
	return &DB{conn: conn}, nil
}

func dsn(path string) string {
	return path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the pool for ad-hoc reads
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// EnsureSchema applies the embedded schema. Every statement is idempotent.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if err := db.exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	log.Println("DB: schema ensured")
	return nil
}

// exec runs one write statement under the write lock
func (db *DB) exec(ctx context.Context, query string, args ...any) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	_, err := db.conn.ExecContext(ctx, query, args...)
	return err
}

// inTx runs fn in a transaction under the write lock, committing when fn returns nil
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// timestamps are stored as RFC 3339 UTC text so they sort lexically
func formatUTC(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
