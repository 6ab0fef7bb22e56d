package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/thrasher-corp/withdrawer/vault"
	"github.com/thrasher-corp/withdrawer/withdraw"
)

// State is a session lifecycle state
type State uint32

// Session states
const (
	Disconnected State = iota
	Connecting
	Authenticating
	Ready
	Backoff
)

// Defaults applied to unset durations
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultTrafficTimeout    = 90 * time.Second
	DefaultHandshakeTimeout  = 15 * time.Second
	DefaultBackoffBase       = time.Second
	DefaultBackoffCap        = time.Minute

	writeTimeout = 10 * time.Second
)

// Backoff reasons, used in logs and metrics
const (
	ReasonConnectFailed     = "connect_failed"
	ReasonHandshakeRejected = "handshake_rejected"
	ReasonTrafficTimeout    = "traffic_timeout"
	ReasonDecodeError       = "decode_error"
	ReasonHandlerError      = "handler_error"
	ReasonConnectionReset   = "connection_reset"
)

var (
	// ErrHandshakeRejected is returned when the exchange refuses the login
	ErrHandshakeRejected = errors.New("handshake rejected")
	// ErrTrafficTimeout is returned when nothing was received within the
	// traffic timeout
	ErrTrafficTimeout = errors.New("websocket traffic timeout")
	// ErrDecode is returned for frames that cannot be decoded
	ErrDecode = errors.New("frame decode error")

	errConfigIsNil         = errors.New("session config is nil")
	errEmptyURL            = errors.New("exchange url cannot be empty")
	errUnsupportedScheme   = errors.New("unsupported endpoint scheme")
	errEmptyBrokerID       = errors.New("broker id cannot be empty")
	errInvalidTimeouts     = errors.New("traffic timeout must exceed heartbeat interval")
	errInvalidBackoff      = errors.New("backoff base must be positive and not exceed cap")
	errHandlerIsNil        = errors.New("request handler is nil")
	errCredentialsAreNil   = errors.New("credential source is nil")
	errUnsupportedProxy    = errors.New("unsupported proxy scheme")
	errNotConnected        = errors.New("session is not connected")
	errConnectionClosed    = errors.New("connection closed by exchange")
	errUnknownAction       = errors.New("unknown acknowledgement action")
	errSessionRunning      = errors.New("session is already running")
	errHandshakeIncomplete = errors.New("handshake did not complete")
	errConnectFailed       = errors.New("connect failed")
	errHandlerFailed       = errors.New("request handler failed")
)

// Config holds the exchange session settings
type Config struct {
	URL               string        `json:"url" mapstructure:"url"`
	BrokerID          string        `json:"brokerID" mapstructure:"broker_id"`
	ProxyURL          string        `json:"proxyURL" mapstructure:"proxy_url"`
	Verbose           bool          `json:"verbose" mapstructure:"verbose"`
	HeartbeatInterval time.Duration `json:"heartbeatInterval" mapstructure:"heartbeat_interval"`
	TrafficTimeout    time.Duration `json:"trafficTimeout" mapstructure:"traffic_timeout"`
	HandshakeTimeout  time.Duration `json:"handshakeTimeout" mapstructure:"handshake_timeout"`
	BackoffBase       time.Duration `json:"backoffBase" mapstructure:"backoff_base"`
	BackoffCap        time.Duration `json:"backoffCap" mapstructure:"backoff_cap"`
}

// Endpoint is the resolved transport target. Whether TLS is used is decided
// once, when the endpoint is resolved.
type Endpoint struct {
	URL  string
	Host string
	Port string
	TLS  bool
}

// CredentialSource supplies the login material
type CredentialSource interface {
	Credentials() (vault.SessionCredentials, error)
	SecondFactor(t time.Time) (string, error)
}

// Acknowledger sends processing acknowledgements to the exchange
type Acknowledger interface {
	Acknowledge(ctx context.Context, a *Ack) error
}

// Handler receives every eligible withdrawal request in arrival order. A
// returned error demotes the session to Backoff, the request is expected to
// be redelivered on the next session.
type Handler interface {
	Handle(ctx context.Context, r *withdraw.Request, a Acknowledger) error
}

// Observer is notified of session activity
type Observer interface {
	FrameReceived(msgType string)
	BackingOff(reason string, delay time.Duration)
}

// Action is the processing action reported back to the exchange
type Action string

// Acknowledgement actions
const (
	ActionProgress Action = "PROGRESS"
	ActionComplete Action = "COMPLETE"
	ActionCancel   Action = "CANCEL"
)

// Ack is an acknowledgement of a withdrawal request
type Ack struct {
	RequestID string
	Action    Action
	// Reason is the reason code for cancelled requests
	Reason string
	// Reference is the payout reference for completed requests
	Reference string
}

// Session maintains an authenticated websocket session with the exchange
type Session struct {
	cfg         Config
	endpoint    Endpoint
	creds       CredentialSource
	handler     Handler
	observer    Observer
	dialer      *websocket.Dialer
	backoff     *ReconnectBackoff
	fingerprint string

	state   atomic.Uint32
	running atomic.Bool
	reqID   atomic.Int64

	m    sync.Mutex
	conn *connection
}

// connection is a single websocket connection. Writes are serialised as
// gorilla connections support one concurrent writer.
type connection struct {
	id      string
	ws      *websocket.Conn
	verbose bool
	writeMu sync.Mutex
}
