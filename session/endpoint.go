package session

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/thrasher-corp/withdrawer/log"
)

const (
	defaultPlainPort = "80"
	defaultTLSPort   = "443"
)

// ResolveEndpoint parses the configured exchange url and decides whether the
// transport is encrypted. wss and https use TLS, ws and http are plain unless
// they name the TLS port explicitly. Missing ports are filled in so the
// returned URL is the exact dial target.
func ResolveEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, errEmptyURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid exchange url: %w", err)
	}
	if u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("%w: %q has no host", errEmptyURL, raw)
	}
	port := u.Port()
	var useTLS bool
	switch strings.ToLower(u.Scheme) {
	case "wss", "https":
		useTLS = true
		if port == "" {
			port = defaultTLSPort
		}
	case "ws", "http":
		if port == "" {
			port = defaultPlainPort
		}
		if port == defaultTLSPort {
			log.Warnf(log.SessionMgr, "Exchange url %s names port %s, using TLS", raw, port)
			useTLS = true
		}
	default:
		return Endpoint{}, fmt.Errorf("%w: %q", errUnsupportedScheme, u.Scheme)
	}
	u.Scheme = "ws"
	if useTLS {
		u.Scheme = "wss"
	}
	u.Host = net.JoinHostPort(u.Hostname(), port)
	return Endpoint{
		URL:  u.String(),
		Host: u.Hostname(),
		Port: port,
		TLS:  useTLS,
	}, nil
}
