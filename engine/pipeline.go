package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thrasher-corp/withdrawer/common"
	"github.com/thrasher-corp/withdrawer/database/repository/processing"
	"github.com/thrasher-corp/withdrawer/log"
	"github.com/thrasher-corp/withdrawer/payout"
	"github.com/thrasher-corp/withdrawer/payout/request"
	"github.com/thrasher-corp/withdrawer/session"
	"github.com/thrasher-corp/withdrawer/withdraw"
)

// NewPipeline returns a pipeline. Every backend the decider can route to
// must be present in the registry.
func NewPipeline(d Decider, s Store, r *payout.Registry, p *Pool, m *Metrics, executionTimeout time.Duration) (*Pipeline, error) {
	switch {
	case d == nil:
		return nil, errNilPolicy
	case s == nil:
		return nil, errNilStore
	case r == nil:
		return nil, errNilRegistry
	case p == nil:
		return nil, errNilPool
	}
	for _, k := range d.Kinds() {
		if _, err := r.Get(k); err != nil {
			return nil, err
		}
	}
	if m == nil {
		m = NewMetrics()
	}
	if executionTimeout <= 0 {
		executionTimeout = time.Minute
	}
	return &Pipeline{
		decider:          d,
		store:            s,
		registry:         r,
		pool:             p,
		metrics:          m,
		executionTimeout: executionTimeout,
	}, nil
}

// Handle processes one withdrawal request. An error means the request made no
// forward progress and the session should back off, the exchange redelivers
// it on the next session.
func (p *Pipeline) Handle(ctx context.Context, r *withdraw.Request, a session.Acknowledger) error {
	if r == nil {
		return withdraw.ErrRequestCannotBeNil
	}
	d := p.decider.Decide(r)
	p.metrics.decision(d)
	log.Debugf(log.DispatchMgr, "Withdrawal %s account %s %s %s via %s: %s",
		r.ID, r.AccountID, r.Amount, r.Currency, r.Method, d)

	if err := p.pool.Reserve(ctx); err != nil {
		return fmt.Errorf("withdrawal %s: %w", r.ID, err)
	}
	claim, err := p.store.Claim(ctx, r.ID)
	if err != nil {
		p.pool.Release()
		return fmt.Errorf("withdrawal %s: %w", r.ID, err)
	}
	if !claim.Fresh && (claim.Existing.Status.IsTerminal() || claim.Existing.Started()) {
		p.pool.Release()
		log.Debugf(log.DispatchMgr, "Withdrawal %s already claimed, status %s", r.ID, claim.Existing.Status)
		p.acknowledge(ctx, a, ackFor(claim.Existing))
		return nil
	}
	if !d.Accepted {
		p.pool.Release()
		rec, err := p.store.Complete(ctx, r.ID, withdraw.Rejected, "", d.Reason)
		if err != nil {
			return p.recordFailed(r.ID, err)
		}
		log.Infof(log.DispatchMgr, "Withdrawal %s rejected: %s", r.ID, d.Reason)
		p.acknowledge(ctx, a, ackFor(rec))
		return nil
	}
	exec, err := p.registry.Get(d.Kind)
	if err != nil {
		p.pool.Release()
		return fmt.Errorf("withdrawal %s: %w", r.ID, err)
	}
	won, err := p.store.Start(ctx, r.ID, string(d.Kind))
	if err != nil {
		p.pool.Release()
		return fmt.Errorf("withdrawal %s: %w", r.ID, err)
	}
	if !won {
		p.pool.Release()
		p.acknowledge(ctx, a, &session.Ack{RequestID: r.ID, Action: session.ActionProgress})
		return nil
	}
	p.pool.Go(func(pctx context.Context) {
		p.execute(pctx, exec, r, a)
	})
	return nil
}

func (p *Pipeline) execute(pctx context.Context, exec payout.Executor, r *withdraw.Request, a session.Acknowledger) {
	ctx, cancel := context.WithTimeout(pctx, p.executionTimeout)
	start := time.Now()
	res := exec.Execute(ctx, r)
	cancel()
	log.Debugf(log.PayoutMgr, "Withdrawal %s %s payout %s in %s", r.ID, exec.Kind(), res.Outcome, time.Since(start))

	if pctx.Err() != nil && errors.Is(res.Err, request.ErrNotSent) {
		p.abandon(pctx, exec.Kind(), r.ID, res.Err)
		return
	}
	p.metrics.payout(exec.Kind(), res.Outcome)
	if err := p.finish(pctx, exec.Kind(), r, &res, a); err != nil {
		log.Errorf(log.DispatchMgr, "Withdrawal %s %s payout outcome %s reference %q not recorded, reconcile manually: %v",
			r.ID, exec.Kind(), res.Outcome, res.Reference, err)
	}
}

// abandon returns a payout cancelled by shutdown before it left the process
// to Pending without a backend. It is not acknowledged and runs again when
// the exchange redelivers it.
func (p *Pipeline) abandon(pctx context.Context, k payout.Kind, id string, cause error) {
	ctx := context.WithoutCancel(pctx)
	err := p.persist(pctx, id, func() error {
		return p.store.Release(ctx, id, string(k))
	})
	if err != nil {
		log.Errorf(log.DispatchMgr, "Withdrawal %s %s payout was never sent but stays started, reconcile manually: %v", id, k, err)
		return
	}
	log.Warnf(log.DispatchMgr, "Withdrawal %s %s payout abandoned on shutdown, left pending for redelivery: %v", id, k, cause)
}

// finish records the outcome and acknowledges it. Writes use a context
// detached from pctx so a drain that ran out of grace still records.
func (p *Pipeline) finish(pctx context.Context, k payout.Kind, r *withdraw.Request, res *withdraw.PayoutResult, a session.Acknowledger) error {
	ctx := context.WithoutCancel(pctx)
	var rec *withdraw.Record
	complete := func(status withdraw.Status, reference string) error {
		return p.persist(pctx, r.ID, func() (err error) {
			rec, err = p.store.Complete(ctx, r.ID, status, string(k), reference)
			return err
		})
	}
	var err error
	switch res.Outcome {
	case withdraw.Succeeded:
		err = complete(withdraw.Paid, res.Reference)
	case withdraw.Uncertain:
		err = p.persist(pctx, r.ID, func() error {
			return p.store.Hold(ctx, r.ID, res.Reference)
		})
		if err != nil {
			return err
		}
		log.Warnf(log.DispatchMgr, "Withdrawal %s left pending with uncertain outcome, reference %q: %v", r.ID, res.Reference, res.Err)
		p.acknowledge(ctx, a, &session.Ack{RequestID: r.ID, Action: session.ActionProgress})
		return nil
	default:
		err = complete(withdraw.Failed, withdraw.ReasonPayoutFailed)
	}
	if err != nil {
		return err
	}
	log.Infof(log.DispatchMgr, "Withdrawal %s %s via %s", r.ID, rec.Status, k)
	p.acknowledge(ctx, a, ackFor(rec))
	return nil
}

// persist runs write until it succeeds or fails for a reason other than an
// unavailable store. Retries stop after recordRetryWindow, or recordGrace
// after pctx is cancelled.
func (p *Pipeline) persist(pctx context.Context, id string, write func() error) error {
	deadline := time.Now().Add(recordRetryWindow)
	cancelled := pctx.Done()
	delay := recordRetryBackoff
	for attempt := 1; ; attempt++ {
		err := write()
		if err == nil || !errors.Is(err, processing.ErrStoreUnavailable) {
			return err
		}
		wait := min(delay, time.Until(deadline))
		if wait <= 0 {
			return err
		}
		log.Warnf(log.DatabaseMgr, "Withdrawal %s record attempt %d failed, retrying in %s: %v", id, attempt, wait, err)
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-cancelled:
			t.Stop()
			cancelled = nil
			if grace := time.Now().Add(recordGrace); grace.Before(deadline) {
				deadline = grace
			}
		}
		delay = min(delay*2, recordRetryMaxBackoff)
	}
}

// recordFailed decides whether a failed write stalls the session. An
// inconsistent record is left alone for an operator and is never acked.
func (p *Pipeline) recordFailed(id string, err error) error {
	if errors.Is(err, processing.ErrInconsistentState) {
		log.Errorf(log.DispatchMgr, "Withdrawal %s: %v", id, err)
		return nil
	}
	return fmt.Errorf("withdrawal %s: %w", id, err)
}

func (p *Pipeline) acknowledge(ctx context.Context, a session.Acknowledger, ack *session.Ack) {
	if a == nil {
		log.Warnf(log.DispatchMgr, "Withdrawal %s %s not acknowledged: %v", ack.RequestID, ack.Action, common.ErrNilPointer)
		return
	}
	if err := a.Acknowledge(ctx, ack); err != nil {
		log.Warnf(log.DispatchMgr, "Withdrawal %s %s not acknowledged: %v", ack.RequestID, ack.Action, err)
	}
}

// ackFor returns the acknowledgement for a record, a terminal record always
// produces the same acknowledgement
func ackFor(rec *withdraw.Record) *session.Ack {
	a := &session.Ack{RequestID: rec.RequestID}
	switch rec.Status {
	case withdraw.Paid:
		a.Action = session.ActionComplete
		a.Reference = rec.Reference()
	case withdraw.Rejected, withdraw.Failed:
		a.Action = session.ActionCancel
		a.Reason = rec.Reference()
	default:
		a.Action = session.ActionProgress
	}
	return a
}
