package migrations

import (
	"database/sql"

	"github.com/thrasher-corp/goose"
)

func init() {
	goose.AddMigration(upCreateProcessingRecords, downCreateProcessingRecords)
}

// The statement is shared by postgres and sqlite3, request_id being the
// primary key is the uniqueness constraint claims rely on.
func upCreateProcessingRecords(tx *sql.Tx) error {
	_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS processing_records (
		request_id       VARCHAR(128) NOT NULL PRIMARY KEY,
		status           VARCHAR(16)  NOT NULL,
		backend_used     VARCHAR(32),
		result_reference TEXT,
		created_at       TIMESTAMP    NOT NULL,
		updated_at       TIMESTAMP    NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS processing_records_status_idx ON processing_records (status)`)
	return err
}

func downCreateProcessingRecords(tx *sql.Tx) error {
	_, err := tx.Exec(`DROP TABLE IF EXISTS processing_records`)
	return err
}
