package withdraw

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/volatiletech/null"
)

// Status is the processing state of a withdrawal request
type Status string

// Processing statuses, Pending is the only non terminal state
const (
	Pending  Status = "pending"
	Paid     Status = "paid"
	Rejected Status = "rejected"
	Failed   Status = "failed"
)

// Outcome is the terminal classification of a payout attempt
type Outcome uint8

// Payout outcomes
const (
	Succeeded Outcome = iota + 1
	// Failure means nothing was paid and the request can be safely retried by
	// the exchange under a new id
	Failure
	// Uncertain means money may have moved and a human must reconcile
	Uncertain
)

// Reason codes used when a request is not paid
const (
	ReasonBlockedAccount      = "blocked_account"
	ReasonUnsupportedCurrency = "unsupported_currency"
	ReasonUnsupportedMethod   = "unsupported_method"
	ReasonInvalidRequest      = "invalid_request"
	ReasonPayoutFailed        = "payout_failed"
)

var (
	// ErrRequestCannotBeNil is returned when a nil request is supplied
	ErrRequestCannotBeNil = errors.New("request cannot be nil")
	// ErrInvalidRequest is returned when a request is missing required fields
	ErrInvalidRequest = errors.New("invalid withdrawal request")
)

// Request is a withdrawal request as received from the exchange. It is never
// mutated after decoding.
type Request struct {
	ID          string
	AccountID   string
	BrokerID    string
	Currency    string
	Method      string
	Amount      decimal.Decimal
	Destination map[string]string
	// ExchangeStatus is the exchange side status code the request arrived with
	ExchangeStatus string
	ReceivedAt     time.Time
}

// Record is the durable processing outcome of a request
type Record struct {
	RequestID string `boil:"request_id"`
	Status    Status `boil:"status"`
	// BackendUsed is set once an executor has been started for the request
	BackendUsed null.String `boil:"backend_used"`
	// ResultReference holds a transaction hash or message id for payouts, or
	// the reason code for rejected and failed requests
	ResultReference null.String `boil:"result_reference"`
	CreatedAt       time.Time   `boil:"created_at"`
	UpdatedAt       time.Time   `boil:"updated_at"`
}

// PayoutResult is returned by a backend executor
type PayoutResult struct {
	Reference string
	Outcome   Outcome
	Err       error
}
