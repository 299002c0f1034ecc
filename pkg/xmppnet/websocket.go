package xmppnet

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// wsSubprotocol is the registered subprotocol name for XMPP framing
// over WebSocket.
const wsSubprotocol = "xmpp"

// WebSocketConfig describes the WebSocket transport variant. The stream
// is carried as one complete XML element per text message, with
// <open/>/<close/> framing instead of the stream-open tag, and TLS
// supplied by the wss scheme instead of an in-band upgrade.
type WebSocketConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// ProxyURL optionally routes the connection through an HTTP CONNECT
	// proxy.
	ProxyURL string

	// HandshakeTimeout bounds the dial plus WebSocket upgrade.
	HandshakeTimeout time.Duration
}

// WSConn adapts a WebSocket connection to the byte-stream surface the
// stream parser consumes: reads concatenate successive message payloads,
// writes emit one message per call (the session writes whole elements
// per call, which preserves the message-per-element framing rule).
type WSConn struct {
	*asyncobj.Helper
	ws     *websocket.Conn
	reader io.Reader
	name   string
}

// DialWebSocket connects and upgrades to the XMPP subprotocol. When
// tlsCfg is nil, certificate verification is relaxed the same way the
// STARTTLS path relaxes it.
func DialWebSocket(log logger.Logger, cfg WebSocketConfig, tlsCfg *tls.Config) (*WSConn, error) {
	d := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		Subprotocols:     []string{wsSubprotocol},
	}
	if tlsCfg != nil {
		d.TLSClientConfig = tlsCfg.Clone()
	} else {
		d.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		log.WLogf("TLS certificate verification disabled for WebSocket registration connection to %s", cfg.URL)
	}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.ProxyURL, err)
		}
		d.Proxy = func(*http.Request) (*url.URL, error) {
			return proxyURL, nil
		}
	}

	ws, resp, err := d.Dial(cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket dial to %s failed: %w (HTTP %s)", cfg.URL, err, resp.Status)
		}
		return nil, fmt.Errorf("WebSocket dial to %s failed: %w", cfg.URL, err)
	}

	name := fmt.Sprintf("<WSConn %s>", cfg.URL)
	c := &WSConn{
		ws:   ws,
		name: name,
	}
	c.Helper = asyncobj.NewHelper(log.ForkLogStr(name), c)
	c.SetIsActivated()
	return c, nil
}

func (c *WSConn) String() string {
	return c.name
}

// Read returns bytes from the current inbound message, advancing to the
// next message on exhaustion. A clean WebSocket close surfaces as EOF so
// upstream code sees the same closed-connection signal as on TCP.
func (c *WSConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				if _, closed := err.(*websocket.CloseError); closed {
					return 0, io.EOF
				}
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as one WebSocket text message.
func (c *WSConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetReadDeadline bounds NextReader and Read calls.
func (c *WSConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// SetWriteDeadline bounds writes.
func (c *WSConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// HandleOnceShutdown will be called exactly once, in its own goroutine.
// It closes the WebSocket and reports the close error unless an advisory
// completion error is already present.
func (c *WSConn) HandleOnceShutdown(completionErr error) error {
	err := c.ws.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Close shuts the connection down and waits for shutdown to complete.
func (c *WSConn) Close() error {
	return c.Helper.Close()
}
