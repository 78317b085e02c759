package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	sqlitePrefix       = "sqlite://"
	defaultFilePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
)

// ErrDSNRequired is returned when no database DSN is configured.
var ErrDSNRequired = errors.New("store: database dsn must be configured")

// Open connects to Postgres, or to SQLite when the DSN uses the sqlite://
// scheme (local development only; SQLite has no row locks).
func Open(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrDSNRequired
	}
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	if strings.HasPrefix(trimmed, sqlitePrefix) {
		fileDSN, err := FileDSN(strings.TrimPrefix(trimmed, sqlitePrefix))
		if err != nil {
			return nil, err
		}
		db, err := gorm.Open(sqlite.Open(fileDSN), cfg)
		if err != nil {
			return nil, fmt.Errorf("store: open sqlite: %w", err)
		}
		return db, nil
	}
	db, err := gorm.Open(postgres.Open(trimmed), cfg)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	return db, nil
}

// FileDSN converts a filesystem path into an on-disk SQLite DSN.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrDSNRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve sqlite path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}
