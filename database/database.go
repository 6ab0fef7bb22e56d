package database

import (
	"database/sql"
	"time"

	"github.com/thrasher-corp/sqlboiler/boil"
)

// NewInstance returns an unconnected instance for the supplied config
func NewInstance(cfg *Config) (*Instance, error) {
	i := &Instance{}
	if err := i.SetConfig(cfg); err != nil {
		return nil, err
	}
	return i, nil
}

// SetConfig safely sets the database instance's config and SQL debug output
func (i *Instance) SetConfig(cfg *Config) error {
	if i == nil {
		return errNilInstance
	}
	if cfg == nil {
		return errNilConfig
	}
	i.m.Lock()
	i.config = cfg
	if i.config.Verbose {
		boil.DebugMode = true
		boil.DebugWriter = Logger{}
	}
	i.m.Unlock()
	return nil
}

// SetSQLiteConnection safely sets the instance's connection to use SQLite
func (i *Instance) SetSQLiteConnection(con *sql.DB) {
	i.m.Lock()
	defer i.m.Unlock()
	i.SQL = con
	i.SQL.SetMaxOpenConns(1)
	i.connected = true
}

// SetPostgresConnection safely sets the instance's connection to use Postgres
func (i *Instance) SetPostgresConnection(con *sql.DB) error {
	if err := con.Ping(); err != nil {
		return err
	}
	i.m.Lock()
	defer i.m.Unlock()
	i.SQL = con
	i.SQL.SetMaxOpenConns(10)
	i.SQL.SetMaxIdleConns(2)
	i.SQL.SetConnMaxLifetime(time.Hour)
	i.connected = true
	return nil
}

// CloseConnection safely disconnects the database instance
func (i *Instance) CloseConnection() error {
	if i == nil {
		return errNilInstance
	}
	i.m.Lock()
	defer i.m.Unlock()
	if i.SQL == nil {
		return errNilSQL
	}
	i.connected = false
	return i.SQL.Close()
}

// IsConnected safely checks the SQL connection status
func (i *Instance) IsConnected() bool {
	if i == nil {
		return false
	}
	i.m.RLock()
	defer i.m.RUnlock()
	return i.connected
}

// GetConfig safely returns a copy of the config
func (i *Instance) GetConfig() Config {
	i.m.RLock()
	defer i.m.RUnlock()
	if i.config == nil {
		return Config{}
	}
	return *i.config
}

// Ping pings the database
func (i *Instance) Ping() error {
	if i == nil {
		return errNilInstance
	}
	i.m.RLock()
	defer i.m.RUnlock()
	if i.SQL == nil {
		return errNilSQL
	}
	return i.SQL.Ping()
}

// GetSQL returns the connection, or nil when not connected
func (i *Instance) GetSQL() (*sql.DB, error) {
	if i == nil {
		return nil, errNilInstance
	}
	i.m.RLock()
	defer i.m.RUnlock()
	if !i.connected || i.SQL == nil {
		return nil, ErrDatabaseNotConnected
	}
	return i.SQL, nil
}

// QueryTimeout returns the configured per operation budget
func (i *Instance) QueryTimeout() time.Duration {
	cfg := i.GetConfig()
	if cfg.QueryTimeout <= 0 {
		return DefaultQueryTimeout
	}
	return cfg.QueryTimeout
}

// Dialect returns the configured driver name
func (i *Instance) Dialect() string {
	return i.GetConfig().Driver
}
