package dispatch

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thrasher-corp/withdrawer/payout"
	"github.com/thrasher-corp/withdrawer/withdraw"
)

func testPolicy(t *testing.T) *Policy {
	t.Helper()
	p, err := NewPolicy(&Config{
		Currencies:      []string{"BTC", "usd"},
		Methods:         []string{"onchain", "voucher"},
		BlockedAccounts: []string{"A2"},
		Routes:          map[string]string{"onchain": "onchain", "VOUCHER": "voucher"},
	})
	require.NoError(t, err)
	return p
}

func request(id, account, currency, method string) *withdraw.Request {
	return &withdraw.Request{
		ID:        id,
		AccountID: account,
		Currency:  currency,
		Method:    method,
		Amount:    decimal.RequireFromString("0.1"),
	}
}

func TestNewPolicy(t *testing.T) {
	t.Parallel()
	_, err := NewPolicy(nil)
	require.ErrorIs(t, err, errPolicyConfigIsNil)

	_, err = NewPolicy(&Config{Methods: []string{"onchain"}})
	require.ErrorIs(t, err, errNoCurrencies)

	_, err = NewPolicy(&Config{Currencies: []string{"BTC"}})
	require.ErrorIs(t, err, errNoMethods)

	_, err = NewPolicy(&Config{Currencies: []string{"BTC"}, Methods: []string{"onchain"}})
	require.ErrorIs(t, err, errMethodHasNoRoute)

	_, err = NewPolicy(&Config{
		Currencies: []string{"BTC"},
		Methods:    []string{"onchain"},
		Routes:     map[string]string{"onchain": "onchain", "wire": "voucher"},
	})
	require.ErrorIs(t, err, errRouteForUnknownMeth)

	_, err = NewPolicy(&Config{
		Currencies: []string{"BTC"},
		Methods:    []string{"onchain"},
		Routes:     map[string]string{"onchain": "teleport"},
	})
	require.Error(t, err)
}

func TestDecide(t *testing.T) {
	t.Parallel()
	p := testPolicy(t)
	for _, tc := range []struct {
		name string
		req  *withdraw.Request
		exp  Decision
	}{
		{"accept onchain", request("R1", "A1", "BTC", "onchain"), Accept(payout.OnChain)},
		{"accept voucher case insensitive", request("R5", "A1", "Usd", "Voucher"), Accept(payout.Voucher)},
		{"blocked account", request("R2", "A2", "BTC", "onchain"), Reject(withdraw.ReasonBlockedAccount)},
		{"blocked wins over currency", request("R6", "A2", "XYZ", "wire"), Reject(withdraw.ReasonBlockedAccount)},
		{"unsupported currency", request("R3", "A1", "XYZ", "onchain"), Reject(withdraw.ReasonUnsupportedCurrency)},
		{"currency wins over method", request("R7", "A1", "XYZ", "wire"), Reject(withdraw.ReasonUnsupportedCurrency)},
		{"unsupported method", request("R4", "A1", "BTC", "wire"), Reject(withdraw.ReasonUnsupportedMethod)},
		{"nil request", nil, Reject(withdraw.ReasonInvalidRequest)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.exp, p.Decide(tc.req))
		})
	}

	zero := request("R8", "A1", "BTC", "onchain")
	zero.Amount = decimal.Zero
	assert.Equal(t, Reject(withdraw.ReasonInvalidRequest), p.Decide(zero))
}

func TestDecideIsDeterministic(t *testing.T) {
	t.Parallel()
	p := testPolicy(t)
	reqs := []*withdraw.Request{
		request("R1", "A1", "BTC", "onchain"),
		request("R2", "A2", "BTC", "onchain"),
		request("R3", "A1", "XYZ", "onchain"),
		request("R4", "A1", "USD", "voucher"),
	}
	for _, r := range reqs {
		first := p.Decide(r)
		for range 50 {
			same := request("other-id", r.AccountID, r.Currency, r.Method)
			require.Equal(t, first, p.Decide(same), "decision must only depend on account, currency and method")
		}
	}
}

func TestDecisionString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "accept(onchain)", Accept(payout.OnChain).String())
	assert.Equal(t, "reject(blocked_account)", Reject(withdraw.ReasonBlockedAccount).String())
}

func TestKinds(t *testing.T) {
	t.Parallel()
	assert.ElementsMatch(t, []payout.Kind{payout.OnChain, payout.Voucher}, testPolicy(t).Kinds())
}
