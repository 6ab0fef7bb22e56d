package withdraw

import (
	"fmt"
	"strings"
)

// IsTerminal returns true for statuses that can never change again
func (s Status) IsTerminal() bool {
	switch s {
	case Paid, Rejected, Failed:
		return true
	}
	return false
}

// IsValid returns true for known statuses
func (s Status) IsValid() bool {
	return s == Pending || s.IsTerminal()
}

// CanTransitionTo reports whether a record in status s may move to next.
// Only Pending may move, and only forward.
func (s Status) CanTransitionTo(next Status) bool {
	return s == Pending && next.IsTerminal()
}

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failure:
		return "failed"
	case Uncertain:
		return "uncertain"
	}
	return "unknown"
}

// Succeeded returns true when the payout is confirmed
func (p *PayoutResult) Succeeded() bool {
	return p.Outcome == Succeeded
}

// Started returns true when an executor has been launched for the record
func (r *Record) Started() bool {
	return r.BackendUsed.Valid && r.BackendUsed.String != ""
}

// Reference returns the result reference or an empty string
func (r *Record) Reference() string {
	if !r.ResultReference.Valid {
		return ""
	}
	return r.ResultReference.String
}

// Validate checks the request carries everything needed to decide on it
func (r *Request) Validate() error {
	if r == nil {
		return ErrRequestCannotBeNil
	}
	var missing []string
	if strings.TrimSpace(r.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(r.AccountID) == "" {
		missing = append(missing, "account")
	}
	if strings.TrimSpace(r.Currency) == "" {
		missing = append(missing, "currency")
	}
	if strings.TrimSpace(r.Method) == "" {
		missing = append(missing, "method")
	}
	if !r.Amount.IsPositive() {
		missing = append(missing, "positive amount")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// DestinationValue returns the destination metadata value for key, matching
// the key case insensitively
func (r *Request) DestinationValue(key string) string {
	if v, ok := r.Destination[key]; ok {
		return v
	}
	for k, v := range r.Destination {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}
