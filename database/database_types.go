package database

import (
	"database/sql"
	"errors"
	"sync"
	"time"
)

// Supported database drivers
const (
	DBPostgreSQL = "postgres"
	DBSQLite3    = "sqlite3"
)

// DefaultQueryTimeout bounds every store operation when none is configured
const DefaultQueryTimeout = 5 * time.Second

var (
	// ErrNoDatabaseProvided is returned when no connection string is configured
	ErrNoDatabaseProvided = errors.New("no database provided")
	// ErrUnsupportedDriver is returned for unknown drivers
	ErrUnsupportedDriver = errors.New("unsupported database driver")
	// ErrDatabaseNotConnected is returned when the instance has no connection
	ErrDatabaseNotConnected = errors.New("database not connected")

	errNilInstance = errors.New("database instance is nil")
	errNilConfig   = errors.New("database config is nil")
	errNilSQL      = errors.New("database SQL connection is nil")
)

// Config holds the database connection settings
type Config struct {
	Driver           string        `json:"driver" mapstructure:"driver"`
	ConnectionString string        `json:"connectionString" mapstructure:"connection_string"`
	Verbose          bool          `json:"verbose" mapstructure:"verbose"`
	QueryTimeout     time.Duration `json:"queryTimeout" mapstructure:"query_timeout"`
}

// Instance holds a database connection and its config
type Instance struct {
	SQL       *sql.DB
	config    *Config
	connected bool
	m         sync.RWMutex
}
