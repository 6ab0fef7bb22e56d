package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	// import sqlite3 driver
	_ "github.com/mattn/go-sqlite3"
	"github.com/thrasher-corp/withdrawer/database"
)

// Connect opens a connection to a sqlite database file
func Connect(cfg *database.Config) (*database.Instance, error) {
	if cfg == nil || strings.TrimSpace(cfg.ConnectionString) == "" {
		return nil, database.ErrNoDatabaseProvided
	}
	path := cfg.ConnectionString
	if !strings.HasPrefix(path, "file:") && !strings.Contains(path, ":memory:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("cannot create database directory: %w", err)
			}
		}
	}
	inst, err := database.NewInstance(cfg)
	if err != nil {
		return nil, err
	}
	dbConn, err := sql.Open(database.DBSQLite3, dsn(path))
	if err != nil {
		return nil, err
	}
	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, err
	}
	inst.SetSQLiteConnection(dbConn)
	return inst, nil
}

// dsn enables a busy timeout so a second process writing the same file waits
// for the lock instead of failing immediately
func dsn(path string) string {
	if strings.Contains(path, "_busy_timeout") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000"
}
