package xmppnet

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// Conn owns one transport connection for the lifetime of a single
// stream. It carries the per-connection stream state (whether TLS has
// been applied) and performs the in-place security upgrade over the
// existing socket. Callers must serialize Read/Write/StartTLS; Close may
// race with them.
type Conn struct {
	*asyncobj.Helper

	// mu guards netConn, which is swapped in place by StartTLS
	mu         sync.Mutex
	netConn    net.Conn
	tlsApplied bool
	name       string
}

// NewConn wraps an established net.Conn. The Conn becomes the owner and
// is responsible for closing it.
func NewConn(log logger.Logger, netConn net.Conn) *Conn {
	name := fmt.Sprintf("<Conn %v>", netConn.RemoteAddr())
	c := &Conn{
		netConn: netConn,
		name:    name,
	}
	c.Helper = asyncobj.NewHelper(log.ForkLogStr(name), c)
	c.SetIsActivated()
	return c
}

func (c *Conn) String() string {
	return c.name
}

func (c *Conn) current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.netConn
}

func (c *Conn) Read(p []byte) (int, error) {
	return c.current().Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	return c.current().Write(p)
}

// SetReadDeadline sets the absolute deadline for blocking reads.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.current().SetReadDeadline(t)
}

// SetWriteDeadline sets the absolute deadline for blocking writes.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.current().SetWriteDeadline(t)
}

// TLSApplied returns true once the in-place upgrade has completed.
func (c *Conn) TLSApplied() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tlsApplied
}

// StartTLS performs the TLS client handshake over the existing socket,
// replacing the plaintext reader/writer with TLS-wrapped ones for all
// subsequent I/O. No new connection is opened. The caller must already
// have received the proceed marker from the server.
//
// When cfg is nil, certificate verification is relaxed: the registration
// path carries no durable credentials beyond a password the caller is
// about to choose, so the original design accepts any certificate here.
// Callers that want full verification pass their own tls.Config.
func (c *Conn) StartTLS(serverName string, cfg *tls.Config, timeout time.Duration) error {
	c.mu.Lock()
	if c.tlsApplied {
		c.mu.Unlock()
		return fmt.Errorf("TLS already applied on %s", c.name)
	}
	plain := c.netConn
	c.mu.Unlock()

	if cfg == nil {
		cfg = &tls.Config{InsecureSkipVerify: true}
		c.WLogf("TLS certificate verification disabled for registration connection to %s", serverName)
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}

	tlsConn := tls.Client(plain, cfg)
	_ = tlsConn.SetDeadline(time.Now().Add(timeout))
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("TLS handshake with %s failed: %w", serverName, err)
	}
	_ = tlsConn.SetDeadline(time.Time{})

	c.mu.Lock()
	c.netConn = tlsConn
	c.tlsApplied = true
	c.mu.Unlock()
	c.DLogf("TLS handshake complete")
	return nil
}

// HandleOnceShutdown will be called exactly once, in its own goroutine.
// It closes the underlying socket and reports the close error unless an
// advisory completion error is already present.
func (c *Conn) HandleOnceShutdown(completionErr error) error {
	c.mu.Lock()
	netConn := c.netConn
	c.mu.Unlock()
	err := netConn.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Close shuts the connection down and waits for shutdown to complete.
func (c *Conn) Close() error {
	return c.Helper.Close()
}
