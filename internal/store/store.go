// Package store is the metadata/quota store: a persistent relational
// store for users and their file lists, with quota always recomputed as
// the sum of a user's file sizes inside the same transaction as the
// mutation that changed it.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultQuotaLimit is the default per-user byte quota (100 MiB).
const DefaultQuotaLimit = 100 * 1024 * 1024

// Config configures the SQLite-backed store.
type Config struct {
	// Path is the database file path, e.g. "storage/stash.db".
	Path string
}

// Store is a GORM-backed implementation of the metadata/quota store.
// All methods are safe for concurrent use from multiple worker goroutines;
// GORM serializes access to the single underlying *sql.DB connection pool
// and every mutating method runs inside its own transaction.
type Store struct {
	db *gorm.DB
}

// Open creates or opens the SQLite database at cfg.Path, enabling
// write-ahead logging and a busy timeout so concurrent workers don't
// immediately fail on "database is locked", and runs schema migration.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create database directory: %w", err)
		}
	}

	// journal_mode(WAL): concurrent readers alongside a single writer.
	// busy_timeout(5000): wait up to 5s instead of failing immediately
	// when another worker's transaction holds the write lock.
	dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("store: migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB returns the underlying GORM handle, for tests that need to inspect
// state the Store interface doesn't expose directly.
func (s *Store) DB() *gorm.DB {
	return s.db
}
