package xmppnet

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	socks5 "github.com/armon/go-socks5"
	"github.com/stretchr/testify/require"
)

// echoListener accepts one connection and echoes a greeting followed by
// whatever arrives.
func echoListener(t *testing.T) (net.Listener, string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("hello\n"))
		buf := make([]byte, 1024)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			conn.Write(buf[:n])
		}
	}()
	addr := l.Addr().(*net.TCPAddr)
	return l, addr.IP.String(), addr.Port
}

func requireGreeting(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "hello\n", line)
}

func TestDialDirect(t *testing.T) {
	_, host, port := echoListener(t)

	d := NewDialer(testLogger(t), nil, 2*time.Second)
	conn, err := d.Dial(context.Background(), host, port)
	require.NoError(t, err)
	defer conn.Close()
	requireGreeting(t, conn)
}

func TestDialDirectRefused(t *testing.T) {
	// grab a port and close it so nothing is listening
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	d := NewDialer(testLogger(t), nil, 2*time.Second)
	_, err = d.Dial(context.Background(), "127.0.0.1", port)
	require.Error(t, err)
}

func startSOCKS5(t *testing.T, cfg *socks5.Config) (string, int) {
	t.Helper()
	srv, err := socks5.New(cfg)
	require.NoError(t, err)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go srv.Serve(l)
	addr := l.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestDialViaSOCKS5(t *testing.T) {
	_, host, port := echoListener(t)
	proxyHost, proxyPort := startSOCKS5(t, &socks5.Config{})

	d := NewDialer(testLogger(t), &ProxyConfig{
		Type: ProxySOCKS5,
		Host: proxyHost,
		Port: proxyPort,
	}, 2*time.Second)
	conn, err := d.Dial(context.Background(), host, port)
	require.NoError(t, err)
	defer conn.Close()
	requireGreeting(t, conn)
}

func TestDialViaSOCKS5WithAuth(t *testing.T) {
	_, host, port := echoListener(t)
	creds := socks5.StaticCredentials{"scott": "tiger"}
	proxyHost, proxyPort := startSOCKS5(t, &socks5.Config{
		AuthMethods: []socks5.Authenticator{socks5.UserPassAuthenticator{Credentials: creds}},
	})

	d := NewDialer(testLogger(t), &ProxyConfig{
		Type:     ProxySOCKS5,
		Host:     proxyHost,
		Port:     proxyPort,
		Username: "scott",
		Password: "tiger",
	}, 2*time.Second)
	conn, err := d.Dial(context.Background(), host, port)
	require.NoError(t, err)
	defer conn.Close()
	requireGreeting(t, conn)

	bad := NewDialer(testLogger(t), &ProxyConfig{
		Type:     ProxySOCKS5,
		Host:     proxyHost,
		Port:     proxyPort,
		Username: "scott",
		Password: "wrong",
	}, 2*time.Second)
	_, err = bad.Dial(context.Background(), host, port)
	require.Error(t, err)
}

// startConnectProxy runs a minimal CONNECT-only HTTP proxy. It responds
// to the tunnel request and then splices bytes in both directions. The
// extra byte written immediately after the response headers exercises
// the read-ahead replay path in the dialer.
func startConnectProxy(t *testing.T, wantAuth string) (string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go serveConnect(conn, wantAuth)
		}
	}()
	addr := l.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func serveConnect(conn net.Conn, wantAuth string) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	requestLine, err := br.ReadString('\n')
	if err != nil || !strings.HasPrefix(requestLine, "CONNECT ") {
		return
	}
	target := strings.Fields(requestLine)[1]
	var gotAuth string
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "Proxy-Authorization: ") {
			gotAuth = strings.TrimPrefix(line, "Proxy-Authorization: ")
		}
	}
	if wantAuth != "" && gotAuth != wantAuth {
		fmt.Fprintf(conn, "HTTP/1.1 407 Proxy Authentication Required\r\nContent-Length: 0\r\n\r\n")
		return
	}
	upstream, err := net.DialTimeout("tcp", target, 2*time.Second)
	if err != nil {
		fmt.Fprintf(conn, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")
		return
	}
	defer upstream.Close()
	fmt.Fprintf(conn, "HTTP/1.1 200 Connection established\r\n\r\n")
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := br.Read(buf)
			if n > 0 {
				upstream.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	buf := make([]byte, 4096)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			conn.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func TestDialViaHTTPConnect(t *testing.T) {
	_, host, port := echoListener(t)
	proxyHost, proxyPort := startConnectProxy(t, "")

	d := NewDialer(testLogger(t), &ProxyConfig{
		Type: ProxyHTTP,
		Host: proxyHost,
		Port: proxyPort,
	}, 2*time.Second)
	conn, err := d.Dial(context.Background(), host, port)
	require.NoError(t, err)
	defer conn.Close()
	requireGreeting(t, conn)

	// tunnel carries data both ways
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

func TestDialViaHTTPConnectAuth(t *testing.T) {
	_, host, port := echoListener(t)
	// scott:tiger in basic auth
	proxyHost, proxyPort := startConnectProxy(t, "Basic c2NvdHQ6dGlnZXI=")

	bad := NewDialer(testLogger(t), &ProxyConfig{
		Type: ProxyHTTP,
		Host: proxyHost,
		Port: proxyPort,
	}, 2*time.Second)
	_, err := bad.Dial(context.Background(), host, port)
	require.Error(t, err)
	require.Contains(t, err.Error(), "407")

	good := NewDialer(testLogger(t), &ProxyConfig{
		Type:     ProxyHTTP,
		Host:     proxyHost,
		Port:     proxyPort,
		Username: "scott",
		Password: "tiger",
	}, 2*time.Second)
	conn, err := good.Dial(context.Background(), host, port)
	require.NoError(t, err)
	defer conn.Close()
	requireGreeting(t, conn)
}

func TestProxyConfigValidate(t *testing.T) {
	require.Error(t, (&ProxyConfig{Type: "ftp", Host: "h", Port: 1}).Validate())
	require.Error(t, (&ProxyConfig{Type: ProxyHTTP}).Validate())
	require.NoError(t, (&ProxyConfig{Type: ProxySOCKS5, Host: "h", Port: 1080}).Validate())
	require.Equal(t, "h:1080", (&ProxyConfig{Host: "h", Port: 1080}).Addr())
}
