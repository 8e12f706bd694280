package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hemantsingh443/remote-commit/internal/fault"
)

// DB wraps the SQLite connection
type DB struct {
	Conn *sql.DB
	path string
}

// Open opens the SQLite database at dbPath and applies the migrations found
// under the "migrations" directory of fsys. A file that is not a usable
// database is reported as a configuration fault; it is never recreated.
func Open(dbPath string, fsys fs.FS) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fault.E(fault.Configuration, "open "+dbPath, fmt.Errorf("failed to create database directory: %w", err))
	}

	// FULL sync: a mutation is on disk before the call that made it returns.
	conn, err := sql.Open("sqlite3", dbPath+"?_synchronous=FULL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fault.E(fault.Configuration, "open "+dbPath, fmt.Errorf("failed to open database: %w", err))
	}
	// A single connection serializes every statement issued through this handle.
	conn.SetMaxOpenConns(1)

	// Test connection
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fault.E(fault.Configuration, "open "+dbPath, fmt.Errorf("failed to ping database: %w", err))
	}

	db := &DB{Conn: conn, path: dbPath}
	if err := db.migrate(fsys); err != nil {
		conn.Close()
		return nil, fault.E(fault.Configuration, "open "+dbPath, err)
	}

	if err := db.check(); err != nil {
		conn.Close()
		return nil, fault.E(fault.Configuration, "open "+dbPath, err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	if db == nil || db.Conn == nil {
		return nil
	}
	return db.Conn.Close()
}

// Path returns the file backing the database.
func (db *DB) Path() string { return db.path }

// migrate runs the embedded migrations
func (db *DB) migrate(fsys fs.FS) error {
	src, err := iofs.New(fsys, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	driver, err := sqlite3.WithInstance(db.Conn, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	// m.Close would close db.Conn through the driver, so only the source is released.
	defer src.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// check runs SQLite's quick integrity check so a damaged file fails at startup.
func (db *DB) check() error {
	var result string
	if err := db.Conn.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("failed to check database integrity: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database integrity check failed: %s", result)
	}
	return nil
}
