package request

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/thrasher-corp/withdrawer/log"
	"golang.org/x/time/rate"
)

// New returns a new Requester
func New(name string, httpRequester *http.Client, opts ...RequesterOption) *Requester {
	if httpRequester == nil {
		httpRequester = &http.Client{Timeout: 30 * time.Second}
	}
	r := &Requester{
		Name:       name,
		HTTPClient: httpRequester,
		limiter:    NewRateLimit(0),
		maxRetries: DefaultMaxRetries,
		backoff:    LinearBackoff(DefaultRetryBackoff),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// WithLimiter sets the outbound request rate
func WithLimiter(l *rate.Limiter) RequesterOption {
	return func(r *Requester) {
		if l != nil {
			r.limiter = l
		}
	}
}

// WithMaxRetries sets how many times an undelivered request is retried
func WithMaxRetries(n int) RequesterOption {
	return func(r *Requester) {
		if n >= 0 {
			r.maxRetries = n
		}
	}
}

// WithBackoff sets the delay between retries
func WithBackoff(b Backoff) RequesterOption {
	return func(r *Requester) {
		if b != nil {
			r.backoff = b
		}
	}
}

// WithVerbose enables request and response logging
func WithVerbose(v bool) RequesterOption {
	return func(r *Requester) {
		r.Verbose = v
	}
}

// NewRateLimit returns a limiter allowing rps requests per second, a zero or
// negative rate returns an unrestricted limiter. Burst is kept at one as
// payouts are never batched.
func NewRateLimit(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}

// LinearBackoff waits base multiplied by the attempt number
func LinearBackoff(base time.Duration) Backoff {
	return func(n int) time.Duration {
		return time.Duration(n) * base
	}
}

// SendPayload sends the item and returns the fully read response for any
// HTTP status. Attempts that never left this host are retried, once a
// request may have been delivered it is never resent.
func (r *Requester) SendPayload(ctx context.Context, item *Item) (*Response, error) {
	if r == nil {
		return nil, errRequestSystemIsNil
	}
	if item == nil {
		return nil, errRequestItemNil
	}
	if item.Path == "" {
		return nil, errInvalidPath
	}
	for attempt := 1; ; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %s rate limit: %w", ErrNotSent, r.Name, err)
		}
		req, err := r.newRequest(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotSent, err)
		}
		if r.Verbose {
			log.Debugf(log.PayoutMgr, "%s attempt %d request: %s %s", r.Name, attempt, item.Method, item.Path)
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrNotSent, r.Name, err)
		}
		resp, err := r.HTTPClient.Do(req)
		if err != nil {
			if !notDelivered(err) {
				return nil, fmt.Errorf("%w: %s: %w", ErrAmbiguous, r.Name, err)
			}
			if attempt > r.maxRetries {
				return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrNotSent, r.Name, attempt, err)
			}
			delay := r.backoff(attempt)
			log.Warnf(log.PayoutMgr, "%s request could not be delivered. Retrying in %s, attempt %d: %v",
				r.Name, delay, attempt, err)
			if err := sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrNotSent, r.Name, err)
			}
			continue
		}
		contents, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %s reading response: %w", ErrAmbiguous, r.Name, err)
		}
		if r.Verbose {
			log.Debugf(log.PayoutMgr, "%s HTTP status: %s raw response: %s", r.Name, resp.Status, contents)
		}
		return &Response{StatusCode: resp.StatusCode, Body: contents}, nil
	}
}

func (r *Requester) newRequest(ctx context.Context, item *Item) (*http.Request, error) {
	method := item.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, item.Path, bytes.NewReader(item.Body))
	if err != nil {
		return nil, err
	}
	for k, v := range item.Headers {
		req.Header.Add(k, v)
	}
	if item.ContentType != "" {
		req.Header.Set(contentType, item.ContentType)
	}
	if r.UserAgent != "" && req.Header.Get(userAgent) == "" {
		req.Header.Add(userAgent, r.UserAgent)
	}
	return req, nil
}

// notDelivered reports whether err happened before any byte of the request
// could have reached the remote host
func notDelivered(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
