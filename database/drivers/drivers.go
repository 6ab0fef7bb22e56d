package drivers

import (
	"fmt"

	"github.com/thrasher-corp/withdrawer/database"
	"github.com/thrasher-corp/withdrawer/database/drivers/postgres"
	sqlite "github.com/thrasher-corp/withdrawer/database/drivers/sqlite3"
)

// Connect opens a connection using the configured driver
func Connect(cfg *database.Config) (*database.Instance, error) {
	if cfg == nil {
		return nil, database.ErrNoDatabaseProvided
	}
	var (
		inst *database.Instance
		err  error
	)
	switch cfg.Driver {
	case database.DBPostgreSQL:
		inst, err = postgres.Connect(cfg)
	case database.DBSQLite3:
		inst, err = sqlite.Connect(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", database.ErrUnsupportedDriver, cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("database failed to connect: %w", err)
	}
	return inst, nil
}
