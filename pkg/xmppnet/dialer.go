package xmppnet

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sammck-go/logger"
	"golang.org/x/net/proxy"
)

// ProxyType selects the forward proxy protocol.
type ProxyType string

const (
	// ProxyHTTP tunnels through an HTTP CONNECT proxy.
	ProxyHTTP ProxyType = "http"

	// ProxySOCKS5 tunnels through a SOCKS5 proxy.
	ProxySOCKS5 ProxyType = "socks5"
)

// ProxyConfig describes an optional forward proxy for the registration
// connection. Credentials are optional.
type ProxyConfig struct {
	Type     ProxyType
	Host     string
	Port     int
	Username string
	Password string
}

// Addr returns the proxy's host:port.
func (p *ProxyConfig) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Validate checks a proxy configuration before use.
func (p *ProxyConfig) Validate() error {
	if p.Type != ProxyHTTP && p.Type != ProxySOCKS5 {
		return fmt.Errorf("unknown proxy type %q", p.Type)
	}
	if p.Host == "" || p.Port == 0 {
		return fmt.Errorf("incomplete proxy settings (host %q, port %d)", p.Host, p.Port)
	}
	return nil
}

// Dialer opens the byte-stream connection to a resolved endpoint, either
// directly or through a forward proxy. It performs no protocol work
// beyond the proxy handshake.
type Dialer struct {
	log     logger.Logger
	proxy   *ProxyConfig
	timeout time.Duration
}

// NewDialer creates a Dialer. proxy may be nil for a direct connection.
func NewDialer(log logger.Logger, proxyCfg *ProxyConfig, timeout time.Duration) *Dialer {
	return &Dialer{
		log:     log.ForkLogStr("dialer"),
		proxy:   proxyCfg,
		timeout: timeout,
	}
}

// Dial connects to host:port, tunneling through the configured proxy if
// one was supplied. The caller owns the returned conn.
func (d *Dialer) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if d.proxy == nil {
		d.log.DLogf("Dialing %s directly", addr)
		nd := net.Dialer{Timeout: d.timeout}
		conn, err := nd.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("connect to %s failed: %w", addr, err)
		}
		return conn, nil
	}

	if err := d.proxy.Validate(); err != nil {
		return nil, err
	}
	d.log.DLogf("Dialing %s via %s proxy %s", addr, d.proxy.Type, d.proxy.Addr())
	switch d.proxy.Type {
	case ProxySOCKS5:
		return d.dialSOCKS5(ctx, addr)
	case ProxyHTTP:
		return d.dialHTTPConnect(ctx, addr)
	}
	return nil, fmt.Errorf("unknown proxy type %q", d.proxy.Type)
}

func (d *Dialer) dialSOCKS5(ctx context.Context, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if d.proxy.Username != "" {
		auth = &proxy.Auth{User: d.proxy.Username, Password: d.proxy.Password}
	}
	forward := &net.Dialer{Timeout: d.timeout}
	socksDialer, err := proxy.SOCKS5("tcp", d.proxy.Addr(), auth, forward)
	if err != nil {
		return nil, fmt.Errorf("SOCKS5 proxy setup failed: %w", err)
	}
	ctxDialer, ok := socksDialer.(proxy.ContextDialer)
	if !ok {
		// the x/net SOCKS5 dialer has implemented ContextDialer for years
		conn, err := socksDialer.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("SOCKS5 connect to %s failed: %w", addr, err)
		}
		return conn, nil
	}
	conn, err := ctxDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("SOCKS5 connect to %s failed: %w", addr, err)
	}
	return conn, nil
}

func (d *Dialer) dialHTTPConnect(ctx context.Context, addr string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.timeout}
	conn, err := nd.DialContext(ctx, "tcp", d.proxy.Addr())
	if err != nil {
		return nil, fmt.Errorf("connect to proxy %s failed: %w", d.proxy.Addr(), err)
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if d.proxy.Username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(d.proxy.Username + ":" + d.proxy.Password))
		req += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	req += "\r\n"

	deadline := time.Now().Add(d.timeout)
	_ = conn.SetDeadline(deadline)
	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT write failed: %w", err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT response read failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy refused CONNECT to %s: %s", addr, resp.Status)
	}
	_ = conn.SetDeadline(time.Time{})

	// bufio may have read ahead past the response headers; anything
	// buffered belongs to the tunneled stream and must not be dropped
	if n := br.Buffered(); n > 0 {
		head, _ := br.Peek(n)
		buffered := make([]byte, n)
		copy(buffered, head)
		return &bufferedConn{Conn: conn, head: buffered}, nil
	}
	return conn, nil
}

// bufferedConn replays bytes the proxy handshake over-read before
// handing reads back to the underlying conn.
type bufferedConn struct {
	net.Conn
	head []byte
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if len(c.head) > 0 {
		n := copy(p, c.head)
		c.head = c.head[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

var _ io.Reader = (*bufferedConn)(nil)
