package processing

import (
	"errors"
	"time"

	"github.com/thrasher-corp/withdrawer/database"
	"github.com/thrasher-corp/withdrawer/withdraw"
)

var (
	// ErrStoreUnavailable wraps any failure to reach the durable store. Callers
	// must not make forward progress on a request when they see it.
	ErrStoreUnavailable = errors.New("processing store unavailable")
	// ErrInconsistentState is returned when a transition is attempted on a
	// record that is not Pending
	ErrInconsistentState = errors.New("processing record is not pending")
	// ErrRecordNotFound is returned when no record exists for a request id
	ErrRecordNotFound = errors.New("processing record not found")

	errEmptyRequestID   = errors.New("request id cannot be empty")
	errNotTerminal      = errors.New("completion status must be terminal")
	errEmptyBackend     = errors.New("backend cannot be empty")
	errInstanceIsNil    = errors.New("database instance is nil")
	errUnsupportedStore = errors.New("unsupported store dialect")
)

// ClaimResult is returned by Claim. Fresh is true when this call created the
// Pending record, otherwise Existing holds the record found.
type ClaimResult struct {
	Fresh    bool
	Existing *withdraw.Record
}

// Store is the idempotency store backed by the processing_records table
type Store struct {
	db      *database.Instance
	dialect string
	timeout time.Duration
	now     func() time.Time
}
