package payout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/thrasher-corp/withdrawer/withdraw"
)

// Kind names a payout backend
type Kind string

// Supported payout backends
const (
	OnChain Kind = "onchain"
	Voucher Kind = "voucher"
)

var (
	errUnknownKind        = errors.New("unknown payout backend")
	errExecutorIsNil      = errors.New("executor is nil")
	errDuplicateExecutor  = errors.New("executor already registered")
	errExecutorNotPresent = errors.New("no executor registered for backend")
)

// Executor performs a payout for a validated, claimed request. Execute is
// called at most once per request and must report a single terminal
// outcome; transient sub failures are retried internally.
type Executor interface {
	Kind() Kind
	Execute(ctx context.Context, r *withdraw.Request) withdraw.PayoutResult
}

// ParseKind converts a configured backend name into a Kind
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case OnChain, Voucher:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", errUnknownKind, s)
}

// Registry maps backend kinds to executors. It is built once while wiring and
// read only afterwards.
type Registry struct {
	executors map[Kind]Executor
}

// NewRegistry returns a registry holding the supplied executors
func NewRegistry(executors ...Executor) (*Registry, error) {
	r := &Registry{executors: make(map[Kind]Executor, len(executors))}
	for _, e := range executors {
		if e == nil {
			return nil, errExecutorIsNil
		}
		if _, ok := r.executors[e.Kind()]; ok {
			return nil, fmt.Errorf("%w: %s", errDuplicateExecutor, e.Kind())
		}
		r.executors[e.Kind()] = e
	}
	return r, nil
}

// Get returns the executor for a kind
func (r *Registry) Get(k Kind) (Executor, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s", errExecutorNotPresent, k)
	}
	e, ok := r.executors[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errExecutorNotPresent, k)
	}
	return e, nil
}

// Kinds returns every registered backend kind
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	return kinds
}
