package processing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/thrasher-corp/sqlboiler/queries"
	"github.com/thrasher-corp/withdrawer/database"
	"github.com/thrasher-corp/withdrawer/log"
	"github.com/thrasher-corp/withdrawer/withdraw"
	"github.com/volatiletech/null"
)

const recordColumns = `request_id, status, backend_used, result_reference, created_at, updated_at`

// New returns a store using the connected instance
func New(inst *database.Instance) (*Store, error) {
	if inst == nil {
		return nil, errInstanceIsNil
	}
	dialect := inst.Dialect()
	switch dialect {
	case database.DBPostgreSQL, database.DBSQLite3:
	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedStore, dialect)
	}
	return &Store{
		db:      inst,
		dialect: dialect,
		timeout: inst.QueryTimeout(),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Claim atomically inserts a Pending record for requestID unless one exists.
// The insert relies on the primary key so concurrent callers in any number of
// processes get exactly one Fresh result.
func (s *Store) Claim(ctx context.Context, requestID string) (ClaimResult, error) {
	if requestID == "" {
		return ClaimResult{}, errEmptyRequestID
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	db, err := s.db.GetSQL()
	if err != nil {
		return ClaimResult{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	now := s.now()
	res, err := db.ExecContext(ctx, s.rebind(`INSERT INTO processing_records
		(request_id, status, created_at, updated_at) VALUES ($1, $2, $3, $3)
		ON CONFLICT (request_id) DO NOTHING`), requestID, string(withdraw.Pending), now)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("%w: claim %s: %w", ErrStoreUnavailable, requestID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ClaimResult{}, fmt.Errorf("%w: claim %s: %w", ErrStoreUnavailable, requestID, err)
	}
	if n == 1 {
		log.Debugf(log.DatabaseMgr, "Claimed withdrawal request %s", requestID)
		return ClaimResult{Fresh: true}, nil
	}
	existing, err := s.lookup(ctx, db, requestID)
	if err != nil {
		return ClaimResult{}, err
	}
	return ClaimResult{Existing: existing}, nil
}

// Start records the backend about to execute a Pending request. It returns
// true for exactly one caller per request, every other caller, including
// callers racing from another process, gets false.
func (s *Store) Start(ctx context.Context, requestID, backend string) (bool, error) {
	if requestID == "" {
		return false, errEmptyRequestID
	}
	if backend == "" {
		return false, errEmptyBackend
	}
	n, err := s.exec(ctx, `UPDATE processing_records SET backend_used = $2, updated_at = $3
		WHERE request_id = $1 AND status = $4 AND backend_used IS NULL`,
		requestID, backend, s.now(), string(withdraw.Pending))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release clears the backend of a started Pending record whose payout never
// left the process, so a redelivery can start it again
func (s *Store) Release(ctx context.Context, requestID, backend string) error {
	if requestID == "" {
		return errEmptyRequestID
	}
	if backend == "" {
		return errEmptyBackend
	}
	n, err := s.exec(ctx, `UPDATE processing_records SET backend_used = NULL, updated_at = $3
		WHERE request_id = $1 AND status = $4 AND backend_used = $2`,
		requestID, backend, s.now(), string(withdraw.Pending))
	if err != nil {
		return err
	}
	if n == 1 {
		log.Debugf(log.DatabaseMgr, "Released withdrawal request %s from %s", requestID, backend)
		return nil
	}
	rec, err := s.Lookup(ctx, requestID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s started by %q, refusing release from %s",
		ErrInconsistentState, requestID, rec.Status, rec.BackendUsed.String, backend)
}

// Hold stores the reference of a payout with an uncertain outcome. The record
// stays Pending until an operator reconciles it.
func (s *Store) Hold(ctx context.Context, requestID, reference string) error {
	if requestID == "" {
		return errEmptyRequestID
	}
	n, err := s.exec(ctx, `UPDATE processing_records SET result_reference = $2, updated_at = $3
		WHERE request_id = $1 AND status = $4`,
		requestID, nullString(reference), s.now(), string(withdraw.Pending))
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	return s.transitionRefused(ctx, requestID, withdraw.Pending)
}

// Complete moves a Pending record to a terminal status. A record that is
// absent or already terminal is left untouched and an error is returned.
func (s *Store) Complete(ctx context.Context, requestID string, status withdraw.Status, backend, reference string) (*withdraw.Record, error) {
	if requestID == "" {
		return nil, errEmptyRequestID
	}
	if !status.IsTerminal() {
		return nil, fmt.Errorf("%w: %q", errNotTerminal, status)
	}
	n, err := s.exec(ctx, `UPDATE processing_records
		SET status = $2, backend_used = COALESCE($3, backend_used), result_reference = $4, updated_at = $5
		WHERE request_id = $1 AND status = $6`,
		requestID, string(status), nullString(backend), nullString(reference), s.now(), string(withdraw.Pending))
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, s.transitionRefused(ctx, requestID, status)
	}
	return s.Lookup(ctx, requestID)
}

// Lookup returns the record for requestID or ErrRecordNotFound
func (s *Store) Lookup(ctx context.Context, requestID string) (*withdraw.Record, error) {
	if requestID == "" {
		return nil, errEmptyRequestID
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	db, err := s.db.GetSQL()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return s.lookup(ctx, db, requestID)
}

// ListPending returns every Pending record, oldest first
func (s *Store) ListPending(ctx context.Context) ([]withdraw.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	db, err := s.db.GetSQL()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	var records []withdraw.Record
	err = queries.Raw(s.rebind(`SELECT `+recordColumns+` FROM processing_records
		WHERE status = $1 ORDER BY created_at, request_id`), string(withdraw.Pending)).Bind(ctx, db, &records)
	if err != nil {
		return nil, fmt.Errorf("%w: list pending: %w", ErrStoreUnavailable, err)
	}
	return records, nil
}

func (s *Store) lookup(ctx context.Context, db *sql.DB, requestID string) (*withdraw.Record, error) {
	var rec withdraw.Record
	err := queries.Raw(s.rebind(`SELECT `+recordColumns+` FROM processing_records WHERE request_id = $1`),
		requestID).Bind(ctx, db, &rec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, requestID)
		}
		return nil, fmt.Errorf("%w: lookup %s: %w", ErrStoreUnavailable, requestID, err)
	}
	return &rec, nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	db, err := s.db.GetSQL()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	res, err := db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return n, nil
}

// transitionRefused explains why a conditional update touched no rows
func (s *Store) transitionRefused(ctx context.Context, requestID string, target withdraw.Status) error {
	rec, err := s.Lookup(ctx, requestID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, refusing %s", ErrInconsistentState, requestID, rec.Status, target)
}

// rebind converts postgres style placeholders to sqlite numbered parameters
func (s *Store) rebind(query string) string {
	if s.dialect == database.DBSQLite3 {
		return strings.ReplaceAll(query, "$", "?")
	}
	return query
}

func nullString(s string) null.String {
	return null.NewString(s, s != "")
}
