package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/thrasher-corp/withdrawer/common"
	"github.com/thrasher-corp/withdrawer/payout"
	"github.com/thrasher-corp/withdrawer/withdraw"
)

var (
	errPolicyConfigIsNil   = errors.New("policy config is nil")
	errNoCurrencies        = errors.New("no allowed currencies configured")
	errNoMethods           = errors.New("no allowed methods configured")
	errMethodHasNoRoute    = errors.New("allowed method has no backend route")
	errRouteForUnknownMeth = errors.New("route configured for a method that is not allowed")
)

// Config is the immutable policy configuration
type Config struct {
	Currencies      []string `json:"currencies" mapstructure:"currencies"`
	Methods         []string `json:"methods" mapstructure:"methods"`
	BlockedAccounts []string `json:"blockedAccounts" mapstructure:"blocked_accounts"`
	// Routes maps a withdrawal method to the backend that pays it
	Routes map[string]string `json:"routes" mapstructure:"routes"`
}

// Decision is the outcome of evaluating a request against the policy
type Decision struct {
	Accepted bool
	Kind     payout.Kind
	Reason   string
}

// Accept returns an accepting decision for a backend kind
func Accept(k payout.Kind) Decision {
	return Decision{Accepted: true, Kind: k}
}

// Reject returns a rejecting decision with a reason code
func Reject(reason string) Decision {
	return Decision{Reason: reason}
}

func (d Decision) String() string {
	if d.Accepted {
		return "accept(" + string(d.Kind) + ")"
	}
	return "reject(" + d.Reason + ")"
}

// Policy decides what happens to a withdrawal request. It holds no mutable
// state so the same request always gets the same decision.
type Policy struct {
	currencies map[string]struct{}
	methods    map[string]struct{}
	blocked    map[string]struct{}
	routes     map[string]payout.Kind
}

// NewPolicy builds a policy from config, refusing partial configuration
func NewPolicy(cfg *Config) (*Policy, error) {
	if cfg == nil {
		return nil, errPolicyConfigIsNil
	}
	p := &Policy{
		currencies: common.NormaliseSet(cfg.Currencies),
		methods:    common.NormaliseSet(cfg.Methods),
		blocked:    make(map[string]struct{}, len(cfg.BlockedAccounts)),
		routes:     make(map[string]payout.Kind, len(cfg.Routes)),
	}
	if len(p.currencies) == 0 {
		return nil, errNoCurrencies
	}
	if len(p.methods) == 0 {
		return nil, errNoMethods
	}
	for x := range cfg.BlockedAccounts {
		if acc := strings.TrimSpace(cfg.BlockedAccounts[x]); acc != "" {
			p.blocked[acc] = struct{}{}
		}
	}
	for method, backend := range cfg.Routes {
		m := strings.ToUpper(strings.TrimSpace(method))
		if _, ok := p.methods[m]; !ok {
			return nil, fmt.Errorf("%w: %s", errRouteForUnknownMeth, method)
		}
		k, err := payout.ParseKind(backend)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", method, err)
		}
		p.routes[m] = k
	}
	for m := range p.methods {
		if _, ok := p.routes[m]; !ok {
			return nil, fmt.Errorf("%w: %s", errMethodHasNoRoute, m)
		}
	}
	return p, nil
}

// Decide evaluates the rules in order, first match wins:
// blocked account, unsupported currency, unsupported method, malformed
// request, otherwise accept with the backend routed for the method.
func (p *Policy) Decide(r *withdraw.Request) Decision {
	if r == nil {
		return Reject(withdraw.ReasonInvalidRequest)
	}
	if _, ok := p.blocked[strings.TrimSpace(r.AccountID)]; ok {
		return Reject(withdraw.ReasonBlockedAccount)
	}
	currency := strings.ToUpper(strings.TrimSpace(r.Currency))
	if _, ok := p.currencies[currency]; !ok {
		return Reject(withdraw.ReasonUnsupportedCurrency)
	}
	method := strings.ToUpper(strings.TrimSpace(r.Method))
	if _, ok := p.methods[method]; !ok {
		return Reject(withdraw.ReasonUnsupportedMethod)
	}
	if err := r.Validate(); err != nil {
		return Reject(withdraw.ReasonInvalidRequest)
	}
	return Accept(p.routes[method])
}

// Kinds returns every backend kind the policy can route to
func (p *Policy) Kinds() []payout.Kind {
	seen := make(map[payout.Kind]struct{})
	var kinds []payout.Kind
	for _, k := range p.routes {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		kinds = append(kinds, k)
	}
	return kinds
}
