package postgres

import (
	"database/sql"
	"strings"

	// import postgres driver
	_ "github.com/lib/pq"
	"github.com/thrasher-corp/withdrawer/database"
)

// Connect establishes a connection pool to the database
func Connect(cfg *database.Config) (*database.Instance, error) {
	if cfg == nil || strings.TrimSpace(cfg.ConnectionString) == "" {
		return nil, database.ErrNoDatabaseProvided
	}
	inst, err := database.NewInstance(cfg)
	if err != nil {
		return nil, err
	}
	dbConn, err := sql.Open(database.DBPostgreSQL, cfg.ConnectionString)
	if err != nil {
		return nil, err
	}
	if err := inst.SetPostgresConnection(dbConn); err != nil {
		_ = dbConn.Close()
		return nil, err
	}
	return inst, nil
}
