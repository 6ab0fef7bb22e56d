// Package engine runs the withdrawal pipeline. The Supervisor wires the
// vault, policy, store, executors and session from config and drains them on
// shutdown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thrasher-corp/withdrawer/common"
	"github.com/thrasher-corp/withdrawer/config"
	"github.com/thrasher-corp/withdrawer/database/drivers"
	"github.com/thrasher-corp/withdrawer/database/migrations"
	"github.com/thrasher-corp/withdrawer/database/repository/processing"
	"github.com/thrasher-corp/withdrawer/dispatch"
	"github.com/thrasher-corp/withdrawer/log"
	"github.com/thrasher-corp/withdrawer/payout"
	"github.com/thrasher-corp/withdrawer/payout/onchain"
	"github.com/thrasher-corp/withdrawer/payout/voucher"
	"github.com/thrasher-corp/withdrawer/session"
	"github.com/thrasher-corp/withdrawer/vault"
)

const metricsReadHeaderTimeout = 5 * time.Second

// New opens the sealed secrets and builds every component. Any failure here
// is fatal, nothing is left running or holding plaintext.
func New(cfg *config.Config, passphrase []byte) (s *Supervisor, err error) {
	if cfg == nil {
		return nil, errNilConfig
	}
	if len(passphrase) == 0 {
		return nil, errPassphraseMissing
	}
	s = &Supervisor{cfg: cfg}
	defer func() {
		if err != nil {
			s.release()
			s = nil
		}
	}()

	if s.vault, err = vault.New(passphrase, cfg.SealedSecrets()); err != nil {
		return s, fmt.Errorf("unable to open sealed secrets: %w", err)
	}
	if _, err = s.vault.Credentials(); err != nil {
		return s, fmt.Errorf("exchange credentials: %w", err)
	}
	policy, err := dispatch.NewPolicy(&cfg.Policy)
	if err != nil {
		return s, fmt.Errorf("%w: %w", config.ErrMissingPolicy, err)
	}
	registry, err := s.buildRegistry(policy.Kinds())
	if err != nil {
		return s, err
	}

	if s.db, err = drivers.Connect(&cfg.Database); err != nil {
		return s, err
	}
	if err = migrations.Migrate(s.db, migrations.CommandUp, ""); err != nil {
		return s, err
	}
	if s.store, err = processing.New(s.db); err != nil {
		return s, err
	}

	s.metrics = NewMetrics()
	if s.pool, err = NewPool(cfg.Engine.MaxInFlight, cfg.Engine.SubmitTimeout, s.metrics.inFlight); err != nil {
		return s, err
	}
	if s.pipeline, err = NewPipeline(policy, s.store, registry, s.pool, s.metrics, cfg.Engine.ExecutionTimeout); err != nil {
		return s, err
	}
	if s.session, err = session.New(&cfg.Exchange.Config, s.vault, s.pipeline, s.metrics); err != nil {
		return s, err
	}
	return s, nil
}

// buildRegistry creates an executor for every backend the policy routes to
func (s *Supervisor) buildRegistry(kinds []payout.Kind) (*payout.Registry, error) {
	client := &http.Client{Timeout: s.cfg.Engine.ExecutionTimeout}
	executors := make([]payout.Executor, 0, len(kinds))
	for _, k := range kinds {
		var (
			e   payout.Executor
			err error
		)
		switch k {
		case payout.OnChain:
			e, err = s.newOnChain(client)
		case payout.Voucher:
			e, err = s.newVoucher(client)
		default:
			err = fmt.Errorf("no executor for backend %s", k)
		}
		if err != nil {
			return nil, fmt.Errorf("%s executor: %w", k, err)
		}
		executors = append(executors, e)
	}
	return payout.NewRegistry(executors...)
}

func (s *Supervisor) newOnChain(client *http.Client) (payout.Executor, error) {
	if s.cfg.OnChain == nil {
		return nil, common.ErrNilPointer
	}
	var creds onchain.Credentials
	var err error
	if creds.GUID, err = s.vault.Secret(config.SecretOnChainGUID); err != nil {
		return nil, err
	}
	if creds.MainPassword, err = s.vault.Secret(config.SecretOnChainMainPassword); err != nil {
		return nil, err
	}
	if s.vault.Has(config.SecretOnChainSecondPassword) {
		if creds.SecondPassword, err = s.vault.Secret(config.SecretOnChainSecondPassword); err != nil {
			return nil, err
		}
	}
	return onchain.New(&s.cfg.OnChain.Settings, creds, client)
}

func (s *Supervisor) newVoucher(client *http.Client) (payout.Executor, error) {
	if s.cfg.Voucher == nil {
		return nil, common.ErrNilPointer
	}
	key, err := s.vault.Secret(config.SecretVoucherAPIKey)
	if err != nil {
		return nil, err
	}
	return voucher.New(&s.cfg.Voucher.Settings, key, client)
}

// Start runs the session and, when configured, the metrics listener
func (s *Supervisor) Start() error {
	if s == nil {
		return common.ErrNilSubsystem
	}
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("withdrawer %w", common.ErrSubSystemAlreadyStarted)
	}
	log.Debugf(log.EngineMgr, "Withdrawer %s %s", s.cfg.Name, common.MsgSubSystemStarting)

	ctx, cancel := context.WithCancel(context.Background())
	s.m.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.m.Unlock()

	if addr := s.cfg.Engine.MetricsListenAddress; addr != "" {
		s.server = &http.Server{
			Addr:              addr,
			Handler:           s.metrics.Handler(),
			ReadHeaderTimeout: metricsReadHeaderTimeout,
		}
		go func() {
			log.Infof(log.EngineMgr, "Metrics listening on %s", addr)
			if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf(log.EngineMgr, "Metrics listener failed: %v", err)
			}
		}()
	}

	go func() {
		defer close(s.done)
		if err := s.session.Run(ctx); err != nil {
			log.Errorf(log.SessionMgr, "Session stopped: %v", err)
		}
	}()
	ep := s.session.Endpoint()
	log.Infof(log.EngineMgr, "Withdrawer %s %s Exchange %s tls %t, store %s, max in flight %d",
		s.cfg.Name, common.MsgSubSystemStarted, ep.URL, ep.TLS, s.db.Dialect(), s.cfg.Engine.MaxInFlight)
	return nil
}

// Stop stops reading frames, waits for in flight payouts up to the shutdown
// grace, then closes the transport and the store and zeroes the secrets
func (s *Supervisor) Stop() error {
	if s == nil {
		return common.ErrNilSubsystem
	}
	if !s.started.CompareAndSwap(true, false) {
		return fmt.Errorf("withdrawer %w", common.ErrSubSystemNotStarted)
	}
	log.Debugf(log.EngineMgr, "Withdrawer %s", common.MsgSubSystemShuttingDown)

	s.m.Lock()
	cancel, done := s.cancel, s.done
	s.m.Unlock()
	cancel()
	<-done

	if !s.pool.Drain(s.cfg.Engine.ShutdownGrace) {
		log.Warnf(log.EngineMgr, "Payouts still running after %s, their records stay pending", s.cfg.Engine.ShutdownGrace)
	}
	if s.server != nil {
		ctx, stop := context.WithTimeout(context.Background(), metricsReadHeaderTimeout)
		if err := s.server.Shutdown(ctx); err != nil {
			log.Errorf(log.EngineMgr, "Metrics listener unable to stop: %v", err)
		}
		stop()
	}
	s.release()
	log.Debugf(log.EngineMgr, "Withdrawer %s", common.MsgSubSystemShutdown)
	return nil
}

// release closes the transport and the store and zeroes the vault
func (s *Supervisor) release() {
	if s.session != nil {
		s.session.Close()
	}
	if s.db != nil && s.db.IsConnected() {
		if err := s.db.CloseConnection(); err != nil {
			log.Errorf(log.DatabaseMgr, "Failed to close database: %v", err)
		}
	}
	if s.vault != nil {
		s.vault.Zero()
	}
}
