// Package migrations holds the schema migrations, registered with goose as Go
// migrations so the binary carries its own schema.
package migrations

import (
	"errors"
	"fmt"

	"github.com/thrasher-corp/goose"
	"github.com/thrasher-corp/withdrawer/database"
	"github.com/thrasher-corp/withdrawer/log"
)

// Goose commands accepted by Migrate
const (
	CommandUp     = "up"
	CommandDown   = "down"
	CommandStatus = "status"
	CommandReset  = "reset"
)

// migrationDir is only scanned for additional .sql files, the schema itself
// is compiled in
const migrationDir = "."

var errUnsupportedCommand = errors.New("unsupported migration command")

// Migrate runs a goose command against the instance
func Migrate(inst *database.Instance, command, args string) error {
	switch command {
	case CommandUp, CommandDown, CommandStatus, CommandReset:
	default:
		return fmt.Errorf("%w: %q", errUnsupportedCommand, command)
	}
	db, err := inst.GetSQL()
	if err != nil {
		return err
	}
	log.Debugf(log.DatabaseMgr, "Running migration command %q against %s", command, inst.Dialect())
	if err := goose.Run(command, db, inst.Dialect(), migrationDir, args); err != nil {
		return fmt.Errorf("migration %s failed: %w", command, err)
	}
	return nil
}
