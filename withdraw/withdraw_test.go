package withdraw

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null"
)

func TestStatusTransitions(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		from, to Status
		allowed  bool
	}{
		{Pending, Paid, true},
		{Pending, Rejected, true},
		{Pending, Failed, true},
		{Pending, Pending, false},
		{Paid, Failed, false},
		{Paid, Pending, false},
		{Rejected, Paid, false},
		{Failed, Paid, false},
	} {
		assert.Equalf(t, tc.allowed, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
	assert.False(t, Status("bogus").IsValid())
	assert.True(t, Pending.IsValid())
	assert.False(t, Pending.IsTerminal())
}

func TestValidate(t *testing.T) {
	t.Parallel()
	var r *Request
	require.ErrorIs(t, r.Validate(), ErrRequestCannotBeNil)

	r = &Request{}
	err := r.Validate()
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "id, account, currency, method, positive amount")

	r = &Request{ID: "R1", AccountID: "A1", Currency: "BTC", Method: "bitcoin", Amount: decimal.RequireFromString("0.5")}
	require.NoError(t, r.Validate())

	r.Amount = decimal.Zero
	require.ErrorIs(t, r.Validate(), ErrInvalidRequest)
}

func TestRecordHelpers(t *testing.T) {
	t.Parallel()
	rec := Record{RequestID: "R1", Status: Pending}
	assert.False(t, rec.Started())
	assert.Empty(t, rec.Reference())

	rec.BackendUsed = null.StringFrom("onchain")
	rec.ResultReference = null.StringFrom("tx123")
	assert.True(t, rec.Started())
	assert.Equal(t, "tx123", rec.Reference())
}

func TestDestinationValue(t *testing.T) {
	t.Parallel()
	r := &Request{Destination: map[string]string{"Wallet": "1abc"}}
	assert.Equal(t, "1abc", r.DestinationValue("Wallet"))
	assert.Equal(t, "1abc", r.DestinationValue("wallet"))
	assert.Empty(t, r.DestinationValue("Email"))
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "succeeded", Succeeded.String())
	assert.Equal(t, "failed", Failure.String())
	assert.Equal(t, "uncertain", Uncertain.String())
	assert.Equal(t, "unknown", Outcome(0).String())
	p := PayoutResult{Outcome: Succeeded}
	assert.True(t, p.Succeeded())
}
