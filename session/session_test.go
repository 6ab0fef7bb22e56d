package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thrasher-corp/withdrawer/vault"
	"github.com/thrasher-corp/withdrawer/withdraw"
)

const waitFor = 5 * time.Second

var upgrader = websocket.Upgrader{}

// stubExchange is a minimal broker websocket endpoint. Every successful login
// is followed by the onLogin frames, which models the exchange redelivering
// outstanding withdrawals to each new session.
type stubExchange struct {
	srv      *httptest.Server
	password string
	onLogin  []string
	logins   atomic.Int32
	received chan map[string]any
}

func newStubExchange(t *testing.T, onLogin ...string) *stubExchange {
	t.Helper()
	x := &stubExchange{
		password: "pass",
		onLogin:  onLogin,
		received: make(chan map[string]any, 256),
	}
	x.srv = httptest.NewServer(http.HandlerFunc(x.serve))
	t.Cleanup(x.srv.Close)
	return x
}

func (x *stubExchange) url() string {
	return "ws" + strings.TrimPrefix(x.srv.URL, "http")
}

func (x *stubExchange) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	var login map[string]any
	if err := conn.ReadJSON(&login); err != nil || login["MsgType"] != MsgLogin {
		return
	}
	x.logins.Add(1)
	status, text := 1, "Logged in"
	if login["Password"] != x.password {
		status, text = 3, "Invalid username or password"
	}
	if err := conn.WriteJSON(map[string]any{
		"MsgType": MsgLoginResponse, "UserID": 90000001, "UserStatus": status, "UserStatusText": text,
	}); err != nil {
		return
	}
	if status == 1 {
		for _, f := range x.onLogin {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
	}
	for {
		var m map[string]any
		if err := conn.ReadJSON(&m); err != nil {
			return
		}
		select {
		case x.received <- m:
		default:
		}
	}
}

// next returns the next received frame of msgType
func (x *stubExchange) next(t *testing.T, msgType string) map[string]any {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case m := <-x.received:
			if m["MsgType"] == msgType {
				return m
			}
		case <-timeout:
			require.FailNowf(t, "frame not received", "message type %s", msgType)
		}
	}
}

type fakeCreds struct {
	password string
}

func (f fakeCreds) Credentials() (vault.SessionCredentials, error) {
	return vault.SessionCredentials{Identity: "user", Secret: f.password}, nil
}

func (fakeCreds) SecondFactor(time.Time) (string, error) {
	return "", vault.ErrNoSecondFactor
}

type recordingHandler struct {
	mu       sync.Mutex
	requests []*withdraw.Request
	failures int
}

func (h *recordingHandler) Handle(ctx context.Context, r *withdraw.Request, a Acknowledger) error {
	h.mu.Lock()
	h.requests = append(h.requests, r)
	n := len(h.requests)
	h.mu.Unlock()
	if n <= h.failures {
		return errors.New("store unavailable")
	}
	return a.Acknowledge(ctx, &Ack{RequestID: r.ID, Action: ActionComplete, Reference: "tx-" + r.ID})
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

type recordingObserver struct {
	mu      sync.Mutex
	frames  map[string]int
	reasons []string
}

func (o *recordingObserver) FrameReceived(msgType string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.frames == nil {
		o.frames = make(map[string]int)
	}
	o.frames[msgType]++
}

func (o *recordingObserver) BackingOff(reason string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reasons = append(o.reasons, reason)
}

func (o *recordingObserver) hasReason(reason string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.reasons {
		if r == reason {
			return true
		}
	}
	return false
}

func testConfig(url string) *Config {
	return &Config{
		URL:               url,
		BrokerID:          "5",
		HeartbeatInterval: time.Second,
		TrafficTimeout:    5 * time.Second,
		HandshakeTimeout:  2 * time.Second,
		BackoffBase:       10 * time.Millisecond,
		BackoffCap:        50 * time.Millisecond,
	}
}

// start runs the session until the test ends
func start(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			assert.Fail(t, "session did not stop")
		}
		s.Close()
	})
}

func TestNew(t *testing.T) {
	t.Parallel()
	h := &recordingHandler{}
	_, err := New(nil, fakeCreds{}, h, nil)
	require.ErrorIs(t, err, errConfigIsNil)
	_, err = New(testConfig("ws://127.0.0.1:1"), nil, h, nil)
	require.ErrorIs(t, err, errCredentialsAreNil)
	_, err = New(testConfig("ws://127.0.0.1:1"), fakeCreds{}, nil, nil)
	require.ErrorIs(t, err, errHandlerIsNil)

	cfg := testConfig("ws://127.0.0.1:1")
	cfg.BrokerID = ""
	_, err = New(cfg, fakeCreds{}, h, nil)
	require.ErrorIs(t, err, errEmptyBrokerID)

	cfg = testConfig("ws://127.0.0.1:1")
	cfg.TrafficTimeout = cfg.HeartbeatInterval
	_, err = New(cfg, fakeCreds{}, h, nil)
	require.ErrorIs(t, err, errInvalidTimeouts)

	cfg = testConfig("ws://127.0.0.1:1")
	cfg.BackoffBase = time.Hour
	_, err = New(cfg, fakeCreds{}, h, nil)
	require.ErrorIs(t, err, errInvalidBackoff)

	cfg = testConfig("ws://127.0.0.1:1")
	cfg.ProxyURL = "ftp://proxy:21"
	_, err = New(cfg, fakeCreds{}, h, nil)
	require.ErrorIs(t, err, errUnsupportedProxy)

	cfg = testConfig("ws://127.0.0.1:1")
	cfg.ProxyURL = "socks5://127.0.0.1:1080"
	s, err := New(cfg, fakeCreds{}, h, nil)
	require.NoError(t, err)
	assert.NotNil(t, s.dialer.NetDialContext)
	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, "ws://127.0.0.1:1", s.Endpoint().URL)

	s, err = New(&Config{URL: "wss://exchange.example", BrokerID: "5"}, fakeCreds{}, h, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultHeartbeatInterval, s.cfg.HeartbeatInterval)
	assert.True(t, s.Endpoint().TLS)
	assert.NotNil(t, s.dialer.TLSClientConfig)
}

func TestSessionDeliversRequests(t *testing.T) {
	t.Parallel()
	x := newStubExchange(t,
		`{"MsgType":"U9","WithdrawID":5521,"UserID":90000002,"Currency":"BTC","Amount":10000000,"Method":"bitcoin","Status":"1"}`,
		`{"MsgType":"U9","WithdrawID":5522,"UserID":90000002,"Currency":"BTC","Amount":10000000,"Method":"bitcoin","Status":"4"}`,
		`{"MsgType":"1","TestReqID":42}`,
	)
	h := &recordingHandler{}
	o := &recordingObserver{}
	s, err := New(testConfig(x.url()), fakeCreds{password: "pass"}, h, o)
	require.NoError(t, err)
	start(t, s)

	sub := x.next(t, MsgWithdrawList)
	assert.Equal(t, []any{"1", "2"}, sub["StatusList"])

	ack := x.next(t, MsgProcessWithdraw)
	assert.EqualValues(t, 5521, ack["WithdrawID"])
	assert.Equal(t, string(ActionComplete), ack["Action"])
	assert.Equal(t, map[string]any{"TransactionID": "tx-5521"}, ack["Data"])

	hb := x.next(t, MsgHeartbeat)
	assert.EqualValues(t, 42, hb["TestReqID"])

	assert.Equal(t, Ready, s.State())
	assert.Equal(t, 1, h.count(), "only eligible statuses reach the handler")
	assert.EqualValues(t, 1, x.logins.Load())
}

func TestSessionHandshakeRejected(t *testing.T) {
	t.Parallel()
	x := newStubExchange(t)
	o := &recordingObserver{}
	s, err := New(testConfig(x.url()), fakeCreds{password: "wrong"}, &recordingHandler{}, o)
	require.NoError(t, err)
	start(t, s)

	assert.Eventually(t, func() bool { return x.logins.Load() >= 3 }, waitFor, 10*time.Millisecond,
		"a rejected login keeps retrying")
	assert.True(t, o.hasReason(ReasonHandshakeRejected))
	assert.NotEqual(t, Ready, s.State())
}

func TestSessionHandlerErrorDemotesToBackoff(t *testing.T) {
	t.Parallel()
	x := newStubExchange(t,
		`{"MsgType":"U9","WithdrawID":"R4","UserID":"A1","Currency":"BTC","Amount":1,"Method":"bitcoin","Status":"1"}`)
	h := &recordingHandler{failures: 1}
	o := &recordingObserver{}
	s, err := New(testConfig(x.url()), fakeCreds{password: "pass"}, h, o)
	require.NoError(t, err)
	start(t, s)

	ack := x.next(t, MsgProcessWithdraw)
	assert.Equal(t, "R4", ack["WithdrawID"])
	assert.Equal(t, 2, h.count(), "the request is redelivered on the next session")
	assert.EqualValues(t, 2, x.logins.Load())
	assert.True(t, o.hasReason(ReasonHandlerError))
}

func TestSessionDecodeErrorDemotesToBackoff(t *testing.T) {
	t.Parallel()
	x := newStubExchange(t, `not json`)
	o := &recordingObserver{}
	s, err := New(testConfig(x.url()), fakeCreds{password: "pass"}, &recordingHandler{}, o)
	require.NoError(t, err)
	start(t, s)

	assert.Eventually(t, func() bool { return o.hasReason(ReasonDecodeError) }, waitFor, 10*time.Millisecond)
}

func TestSessionTrafficTimeout(t *testing.T) {
	t.Parallel()
	x := newStubExchange(t)
	o := &recordingObserver{}
	cfg := testConfig(x.url())
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.TrafficTimeout = 200 * time.Millisecond
	s, err := New(cfg, fakeCreds{password: "pass"}, &recordingHandler{}, o)
	require.NoError(t, err)
	start(t, s)

	x.next(t, MsgTestRequest)
	assert.Eventually(t, func() bool { return o.hasReason(ReasonTrafficTimeout) }, waitFor, 10*time.Millisecond)
}

func TestSessionConnectFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()
	o := &recordingObserver{}
	s, err := New(testConfig(url), fakeCreds{password: "pass"}, &recordingHandler{}, o)
	require.NoError(t, err)
	start(t, s)
	assert.Eventually(t, func() bool { return o.hasReason(ReasonConnectFailed) }, waitFor, 10*time.Millisecond)
}

func TestRunTwice(t *testing.T) {
	t.Parallel()
	s, err := New(testConfig("ws://127.0.0.1:1"), fakeCreds{}, &recordingHandler{}, nil)
	require.NoError(t, err)
	s.running.Store(true)
	require.ErrorIs(t, s.Run(context.Background()), errSessionRunning)
}

func TestAcknowledgeWithoutConnection(t *testing.T) {
	t.Parallel()
	s, err := New(testConfig("ws://127.0.0.1:1"), fakeCreds{}, &recordingHandler{}, nil)
	require.NoError(t, err)
	err = s.Acknowledge(context.Background(), &Ack{RequestID: "R1", Action: ActionProgress})
	require.ErrorIs(t, err, errNotConnected)
	err = s.Acknowledge(context.Background(), &Ack{RequestID: "R1", Action: "NOPE"})
	require.ErrorIs(t, err, errUnknownAction)
}

func TestReasonOf(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ReasonHandshakeRejected, ReasonOf(ErrHandshakeRejected))
	assert.Equal(t, ReasonHandshakeRejected, ReasonOf(errHandshakeIncomplete))
	assert.Equal(t, ReasonTrafficTimeout, ReasonOf(ErrTrafficTimeout))
	assert.Equal(t, ReasonDecodeError, ReasonOf(ErrDecode))
	assert.Equal(t, ReasonHandlerError, ReasonOf(errHandlerFailed))
	assert.Equal(t, ReasonConnectFailed, ReasonOf(errConnectFailed))
	assert.Equal(t, ReasonConnectionReset, ReasonOf(errors.New("EOF")))
	assert.Equal(t, "backoff", Backoff.String())
}

func TestMarshalAckShape(t *testing.T) {
	t.Parallel()
	p, err := newProcessWithdraw(1, &Ack{RequestID: "R1", Action: ActionCancel, Reason: withdraw.ReasonPayoutFailed})
	require.NoError(t, err)
	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"Reason":"payout_failed"`)
}
