package engine

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/thrasher-corp/withdrawer/config"
	"github.com/thrasher-corp/withdrawer/database"
	"github.com/thrasher-corp/withdrawer/database/repository/processing"
	"github.com/thrasher-corp/withdrawer/dispatch"
	"github.com/thrasher-corp/withdrawer/payout"
	"github.com/thrasher-corp/withdrawer/session"
	"github.com/thrasher-corp/withdrawer/vault"
	"github.com/thrasher-corp/withdrawer/withdraw"
	"golang.org/x/sync/semaphore"
)

// drainCancelWait bounds the wait for cancelled executions to record their
// outcome once the shutdown grace period has passed
const drainCancelWait = 5 * time.Second

// Writes of a payout outcome refused by an unavailable store are retried with
// a doubling backoff for at most recordRetryWindow, or recordGrace once the
// pool has been cancelled
const (
	recordRetryBackoff    = 100 * time.Millisecond
	recordRetryMaxBackoff = 5 * time.Second
	recordRetryWindow     = 2 * time.Minute
	recordGrace           = 3 * time.Second
)

var (
	// ErrBackpressure is returned when no execution slot frees up within the
	// submit timeout. Nothing is claimed and the session backs off.
	ErrBackpressure = errors.New("execution pool saturated")

	errNilConfig         = errors.New("config is nil")
	errNilPolicy         = errors.New("policy is nil")
	errNilStore          = errors.New("store is nil")
	errNilRegistry       = errors.New("executor registry is nil")
	errNilPool           = errors.New("execution pool is nil")
	errPoolStopped       = errors.New("execution pool stopped")
	errInvalidPoolSize   = errors.New("execution pool size must be greater than zero")
	errPassphraseMissing = errors.New("passphrase is required to open sealed secrets")
)

// Store is the subset of the idempotency store the pipeline drives
type Store interface {
	Claim(ctx context.Context, requestID string) (processing.ClaimResult, error)
	Start(ctx context.Context, requestID, backend string) (bool, error)
	Hold(ctx context.Context, requestID, reference string) error
	Release(ctx context.Context, requestID, backend string) error
	Complete(ctx context.Context, requestID string, status withdraw.Status, backend, reference string) (*withdraw.Record, error)
}

// Decider maps a request to an accept or reject decision
type Decider interface {
	Decide(r *withdraw.Request) dispatch.Decision
	Kinds() []payout.Kind
}

// Pipeline takes every eligible request from the session through decision,
// claim, execution and recording
type Pipeline struct {
	decider          Decider
	store            Store
	registry         *payout.Registry
	pool             *Pool
	metrics          *Metrics
	executionTimeout time.Duration
}

// Pool bounds the number of payouts executing at once
type Pool struct {
	sem           *semaphore.Weighted
	submitTimeout time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	stopped       atomic.Bool
	inFlight      prometheus.Gauge
}

// Metrics holds the prometheus collectors on a dedicated registry
type Metrics struct {
	registry  *prometheus.Registry
	frames    *prometheus.CounterVec
	decisions *prometheus.CounterVec
	payouts   *prometheus.CounterVec
	backoffs  *prometheus.CounterVec
	inFlight  prometheus.Gauge
}

// Supervisor wires every component from config and owns their lifetime
type Supervisor struct {
	cfg      *config.Config
	vault    *vault.Vault
	db       *database.Instance
	store    *processing.Store
	pool     *Pool
	pipeline *Pipeline
	session  *session.Session
	metrics  *Metrics
	server   *http.Server

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	m       sync.Mutex
}
