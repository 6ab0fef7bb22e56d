// Package session maintains the authenticated websocket session with the
// exchange's withdrawal channel and hands eligible withdrawal requests to a
// Handler in arrival order.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/thrasher-corp/withdrawer/log"
	"github.com/thrasher-corp/withdrawer/vault"
)

// New validates the config and returns a session in the Disconnected state
func New(cfg *Config, creds CredentialSource, h Handler, o Observer) (*Session, error) {
	if cfg == nil {
		return nil, errConfigIsNil
	}
	if creds == nil {
		return nil, errCredentialsAreNil
	}
	if h == nil {
		return nil, errHandlerIsNil
	}
	c := *cfg
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	ep, err := ResolveEndpoint(c.URL)
	if err != nil {
		return nil, err
	}
	d, err := newDialer(ep, c.ProxyURL, c.HandshakeTimeout)
	if err != nil {
		return nil, err
	}
	fp, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	if o == nil {
		o = nopObserver{}
	}
	return &Session{
		cfg:         c,
		endpoint:    ep,
		creds:       creds,
		handler:     h,
		observer:    o,
		dialer:      d,
		backoff:     NewReconnectBackoff(c.BackoffBase, c.BackoffCap),
		fingerprint: fp.String(),
	}, nil
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.TrafficTimeout <= 0 {
		c.TrafficTimeout = DefaultTrafficTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.BrokerID) == "" {
		return errEmptyBrokerID
	}
	if c.TrafficTimeout <= c.HeartbeatInterval {
		return errInvalidTimeouts
	}
	if c.BackoffBase > c.BackoffCap {
		return errInvalidBackoff
	}
	return nil
}

// Endpoint returns the resolved transport target
func (s *Session) Endpoint() Endpoint {
	return s.endpoint
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	if prev := State(s.state.Swap(uint32(st))); prev != st && s.cfg.Verbose {
		log.Debugf(log.SessionMgr, "Session state %s -> %s", prev, st)
	}
}

// Run connects, authenticates and processes frames until ctx is cancelled,
// reconnecting with backoff after every failure. When ctx is cancelled the
// current connection is left open for outstanding acknowledgements until
// Close is called.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errSessionRunning
	}
	defer s.running.Store(false)
	for {
		readyAt, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !readyAt.IsZero() && time.Since(readyAt) >= s.cfg.BackoffCap {
			s.backoff.Reset()
		}
		s.setState(Backoff)
		reason := ReasonOf(err)
		delay := s.backoff.Next()
		if errors.Is(err, ErrHandshakeRejected) {
			log.Errorf(log.SessionMgr, "Exchange rejected the login, check the configured credentials. Retrying in %s: %v", delay, err)
		} else {
			log.Warnf(log.SessionMgr, "Session backing off for %s, reason %s: %v", delay, reason, err)
		}
		s.observer.BackingOff(reason, delay)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			s.setState(Disconnected)
			return nil
		case <-t.C:
		}
	}
}

// runOnce performs a single connect, authenticate and read cycle. It returns
// the time the session became Ready, if it did.
func (s *Session) runOnce(ctx context.Context) (time.Time, error) {
	s.setState(Connecting)
	conn, err := dial(ctx, s.dialer, s.endpoint, s.cfg.Verbose)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", errConnectFailed, err)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.interrupt()
		case <-done:
		}
	}()

	s.setState(Authenticating)
	if err := s.authenticate(ctx, conn); err != nil {
		conn.close()
		return time.Time{}, err
	}
	s.m.Lock()
	s.conn = conn
	s.m.Unlock()
	s.setState(Ready)
	readyAt := time.Now()
	log.Infof(log.SessionMgr, "Session ready on connection %s", conn.id)

	go s.heartbeat(conn, done)
	err = s.readLoop(ctx, conn)
	if ctx.Err() != nil {
		return readyAt, nil
	}
	s.m.Lock()
	s.conn = nil
	s.m.Unlock()
	conn.close()
	return readyAt, err
}

// authenticate sends the login request and waits for its response, then
// subscribes to withdrawal updates
func (s *Session) authenticate(ctx context.Context, conn *connection) error {
	creds, err := s.creds.Credentials()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeRejected, err)
	}
	code, err := s.creds.SecondFactor(time.Now())
	if err != nil && !errors.Is(err, vault.ErrNoSecondFactor) {
		return fmt.Errorf("%w: second factor: %w", ErrHandshakeRejected, err)
	}
	login := newLoginRequest(s.reqID.Add(1), s.cfg.BrokerID, creds.Identity, creds.Secret, s.fingerprint, code)
	if err := conn.writeJSON(login); err != nil {
		return err
	}
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: no login response within %s", errHandshakeIncomplete, s.cfg.HandshakeTimeout)
		}
		msg, err := conn.read(ctx, remaining)
		if err != nil {
			if errors.Is(err, ErrTrafficTimeout) {
				return fmt.Errorf("%w: no login response within %s", errHandshakeIncomplete, s.cfg.HandshakeTimeout)
			}
			return err
		}
		f, err := Decode(msg, time.Now())
		if err != nil {
			return err
		}
		s.observer.FrameReceived(f.MsgType)
		switch f.MsgType {
		case MsgLoginResponse:
			if !f.Login.LoggedIn() {
				if f.Login.NeedSecondFactor {
					return fmt.Errorf("%w: second factor required: %s", ErrHandshakeRejected, f.Login.UserStatusText)
				}
				return fmt.Errorf("%w: status %d: %s", ErrHandshakeRejected, f.Login.UserStatus, f.Login.UserStatusText)
			}
			log.Infof(log.SessionMgr, "Logged in to broker %s as user %s", s.cfg.BrokerID, f.Login.UserID)
			return conn.writeJSON(newWithdrawListRequest(s.reqID.Add(1)))
		case MsgError:
			return fmt.Errorf("%w: %s", ErrHandshakeRejected, f.Text)
		case MsgTestRequest:
			if err := conn.writeJSON(newHeartbeat(f.TestReqID, time.Now())); err != nil {
				return err
			}
		}
	}
}

// readLoop decodes frames and hands eligible requests to the handler one at
// a time
func (s *Session) readLoop(ctx context.Context, conn *connection) error {
	for {
		msg, err := conn.read(ctx, s.cfg.TrafficTimeout)
		if err != nil {
			return err
		}
		f, err := Decode(msg, time.Now())
		if err != nil {
			return err
		}
		s.observer.FrameReceived(f.MsgType)
		switch f.MsgType {
		case MsgWithdrawRefresh:
			if !Eligible(f.WithdrawStatus) {
				log.Debugf(log.SessionMgr, "Withdrawal %s has status %q, ignoring", f.Request.ID, f.WithdrawStatus)
				continue
			}
			if err := s.handler.Handle(ctx, f.Request, s); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: withdrawal %s: %w", errHandlerFailed, f.Request.ID, err)
			}
		case MsgTestRequest:
			if err := conn.writeJSON(newHeartbeat(f.TestReqID, time.Now())); err != nil {
				return err
			}
		case MsgHeartbeat, MsgWithdrawListResponse:
		case MsgProcessWithdrawResponse:
			log.Debugf(log.SessionMgr, "Process withdraw response: %s", f.Text)
		case MsgError:
			if isAuthError(f.Text) {
				return fmt.Errorf("%w: %s", ErrHandshakeRejected, f.Text)
			}
			log.Errorf(log.SessionMgr, "Exchange reported an error: %s", f.Text)
		default:
			if s.cfg.Verbose {
				log.Debugf(log.SessionMgr, "Unhandled message type %q", f.MsgType)
			}
		}
	}
}

// heartbeat sends a test request every heartbeat interval
func (s *Session) heartbeat(conn *connection, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.writeJSON(newTestRequest(s.reqID.Add(1), time.Now())); err != nil {
				log.Warnf(log.SessionMgr, "Connection %s heartbeat failed: %v", conn.id, err)
				return
			}
		}
	}
}

// Acknowledge writes a process withdraw message on the current connection.
// When there is no connection the acknowledgement is dropped and an error is
// returned, the exchange redelivers unacknowledged requests.
func (s *Session) Acknowledge(_ context.Context, a *Ack) error {
	msg, err := newProcessWithdraw(s.reqID.Add(1), a)
	if err != nil {
		return err
	}
	s.m.Lock()
	conn := s.conn
	s.m.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: dropping %s acknowledgement for %s", errNotConnected, a.Action, a.RequestID)
	}
	if err := conn.writeJSON(msg); err != nil {
		return fmt.Errorf("acknowledgement for %s: %w", a.RequestID, err)
	}
	log.Infof(log.SessionMgr, "Acknowledged withdrawal %s with %s", a.RequestID, a.Action)
	return nil
}

// Close closes the current connection
func (s *Session) Close() {
	s.m.Lock()
	conn := s.conn
	s.conn = nil
	s.m.Unlock()
	if conn != nil {
		conn.close()
	}
	s.setState(Disconnected)
}

// ReasonOf classifies the cause of a session failure
func ReasonOf(err error) string {
	switch {
	case errors.Is(err, ErrHandshakeRejected), errors.Is(err, errHandshakeIncomplete):
		return ReasonHandshakeRejected
	case errors.Is(err, ErrTrafficTimeout):
		return ReasonTrafficTimeout
	case errors.Is(err, ErrDecode):
		return ReasonDecodeError
	case errors.Is(err, errHandlerFailed):
		return ReasonHandlerError
	case errors.Is(err, errConnectFailed):
		return ReasonConnectFailed
	}
	return ReasonConnectionReset
}

func isAuthError(text string) bool {
	t := strings.ToLower(text)
	return strings.Contains(t, "not authorized") || strings.Contains(t, "not logged") || strings.Contains(t, "authentication")
}

func (st State) String() string {
	switch st {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	case Backoff:
		return "backoff"
	}
	return fmt.Sprintf("state(%d)", uint32(st))
}

type nopObserver struct{}

func (nopObserver) FrameReceived(string) {}

func (nopObserver) BackingOff(string, time.Duration) {}
