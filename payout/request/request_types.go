package request

import (
	"errors"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Defaults used when a requester option is not supplied
const (
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 250 * time.Millisecond
	maxResponseBody     = 1 << 20
	contentType         = "Content-Type"
	userAgent           = "User-Agent"
)

var (
	// ErrNotSent is returned when a request provably never reached the remote
	// host, it is always safe to treat the operation as not performed
	ErrNotSent = errors.New("request was not sent")
	// ErrAmbiguous is returned when a request may have reached the remote
	// host but no usable response came back
	ErrAmbiguous = errors.New("request outcome unknown")

	errRequestSystemIsNil = errors.New("request system is nil")
	errRequestItemNil     = errors.New("request item is nil")
	errInvalidPath        = errors.New("invalid path")
)

// Requester sends HTTP requests for a payout backend under a rate limit,
// retrying only attempts that could not have been delivered
type Requester struct {
	Name       string
	HTTPClient *http.Client
	UserAgent  string
	Verbose    bool

	limiter    *rate.Limiter
	maxRetries int
	backoff    Backoff
}

// RequesterOption configures a Requester
type RequesterOption func(*Requester)

// Backoff returns the delay to wait before retry attempt n
type Backoff func(n int) time.Duration

// Item is a single HTTP request
type Item struct {
	Method      string
	Path        string
	Headers     map[string]string
	Body        []byte
	ContentType string
}

// Response is a fully read HTTP response
type Response struct {
	StatusCode int
	Body       []byte
}
