package session

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	"github.com/thrasher-corp/withdrawer/log"
	"golang.org/x/net/proxy"
)

// newDialer returns a dialer for the endpoint, routed through the proxy when
// one is configured
func newDialer(ep Endpoint, proxyURL string, handshakeTimeout time.Duration) (*websocket.Dialer, error) {
	d := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if ep.TLS {
		d.TLSClientConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: ep.Host,
		}
	}
	if proxyURL == "" {
		return d, nil
	}
	p, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}
	switch strings.ToLower(p.Scheme) {
	case "http", "https":
		d.Proxy = http.ProxyURL(p)
	case "socks5", "socks5h":
		pd, err := proxy.FromURL(p, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("invalid socks proxy: %w", err)
		}
		d.Proxy = nil
		if cd, ok := pd.(proxy.ContextDialer); ok {
			d.NetDialContext = cd.DialContext
		} else {
			d.NetDial = pd.Dial
		}
	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedProxy, p.Scheme)
	}
	return d, nil
}

// dial opens a websocket connection to the endpoint
func dial(ctx context.Context, d *websocket.Dialer, ep Endpoint, verbose bool) (*connection, error) {
	ws, resp, err := d.DialContext(ctx, ep.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket connection to %s: status %d: %w", ep.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connection to %s: %w", ep.URL, err)
	}
	resp.Body.Close()
	id, err := uuid.NewV4()
	if err != nil {
		ws.Close()
		return nil, err
	}
	c := &connection{id: id.String(), ws: ws, verbose: verbose}
	log.Infof(log.SessionMgr, "Websocket connection %s established to %s", c.id, ep.URL)
	return c, nil
}

// writeJSON sends a JSON encoded message
func (c *connection) writeJSON(v any) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if c.verbose {
		log.Debugf(log.SessionMgr, "Connection %s sending message: %s", c.id, redact(msg))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

// read returns the next text frame, failing with ErrTrafficTimeout when
// nothing arrives within timeout
func (c *connection) read(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := c.ws.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for {
		mType, msg, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, fmt.Errorf("%w: nothing received for %s", ErrTrafficTimeout, timeout)
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, fmt.Errorf("%w: %w", errConnectionClosed, err)
			}
			return nil, err
		}
		if mType != websocket.TextMessage && mType != websocket.BinaryMessage {
			continue
		}
		if c.verbose {
			log.Debugf(log.SessionMgr, "Connection %s received message: %s", c.id, msg)
		}
		return msg, nil
	}
}

// interrupt unblocks a pending read without closing the connection so that
// acknowledgements can still be written
func (c *connection) interrupt() {
	if err := c.ws.SetReadDeadline(time.Now()); err != nil {
		log.Debugf(log.SessionMgr, "Connection %s read interrupt: %v", c.id, err)
	}
}

// close sends a close frame and closes the connection
func (c *connection) close() {
	c.writeMu.Lock()
	err := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.Debugf(log.SessionMgr, "Connection %s close frame: %v", c.id, err)
	}
	if err := c.ws.Close(); err != nil {
		log.Debugf(log.SessionMgr, "Connection %s close: %v", c.id, err)
	}
	log.Infof(log.SessionMgr, "Websocket connection %s closed", c.id)
}

// redact masks login secrets in verbose output
func redact(msg []byte) string {
	s := string(msg)
	for _, field := range []string{`"Password":"`, `"SecondFactor":"`} {
		i := strings.Index(s, field)
		if i < 0 {
			continue
		}
		start := i + len(field)
		end := strings.IndexByte(s[start:], '"')
		if end < 0 {
			continue
		}
		s = s[:start] + "***" + s[start+end:]
	}
	return s
}
