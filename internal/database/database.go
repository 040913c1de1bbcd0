package database

import (
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const sqlitePrefix = "sqlite://"

// NewDatabase opens a postgres database, or a sqlite database when the url has
// the form sqlite://<path>.
func NewDatabase(databaseURL string) (*gorm.DB, error) {
	if path, ok := strings.CutPrefix(databaseURL, sqlitePrefix); ok {
		return openSqlite(path)
	}

	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("unable to connect to postgres: %w", err)
	}
	return db, nil
}

func openSqlite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unable to access sqlite connection pool: %w", err)
	}
	// SQLite only supports one writer at a time, and each connection to an
	// in-memory database is a separate database, so the pool is a single connection.
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		slog.Error("error enabling foreign keys for SQLite", "error", err)
	}

	return db, nil
}
