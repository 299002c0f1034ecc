package xmppnet

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// selfSignedCert generates a throwaway server certificate for the
// handshake tests.
func selfSignedCert(t *testing.T, host string) tls.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
}

// startTLSServer accepts one plaintext connection, exchanges one line in
// the clear, then performs the server side of an in-place TLS upgrade
// and echoes one encrypted line.
func startTLSServer(t *testing.T, cert tls.Certificate) (string, int) {
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

		br := bufio.NewReader(conn)
		if _, err := br.ReadString('\n'); err != nil {
			return
		}
		if _, err := conn.Write([]byte("proceed\n")); err != nil {
			return
		}

		tlsConn := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err := tlsConn.Handshake(); err != nil {
			return
		}
		tbr := bufio.NewReader(tlsConn)
		line, err := tbr.ReadString('\n')
		if err != nil {
			return
		}
		tlsConn.Write([]byte(line))
	}()
	addr := l.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestStartTLSInPlaceUpgrade(t *testing.T) {
	host, port := startTLSServer(t, selfSignedCert(t, "localhost"))

	netConn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), 2*time.Second)
	require.NoError(t, err)
	conn := NewConn(testLogger(t), netConn)
	defer conn.Close()

	require.False(t, conn.TLSApplied())

	// plaintext phase
	_, err = conn.Write([]byte("starttls\n"))
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "proceed\n", line)

	// nil config relaxes verification, so the self-signed cert passes
	require.NoError(t, conn.StartTLS("localhost", nil, 2*time.Second))
	require.True(t, conn.TLSApplied())

	// encrypted phase over the same socket
	_, err = conn.Write([]byte("secret\n"))
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err = bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "secret\n", line)
}

func TestStartTLSStrictVerificationRejectsSelfSigned(t *testing.T) {
	host, port := startTLSServer(t, selfSignedCert(t, "localhost"))

	netConn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), 2*time.Second)
	require.NoError(t, err)
	conn := NewConn(testLogger(t), netConn)
	defer conn.Close()

	_, err = conn.Write([]byte("starttls\n"))
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)

	err = conn.StartTLS("localhost", &tls.Config{}, 2*time.Second)
	require.Error(t, err)
}

func TestStartTLSTwiceFails(t *testing.T) {
	host, port := startTLSServer(t, selfSignedCert(t, "localhost"))

	netConn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), 2*time.Second)
	require.NoError(t, err)
	conn := NewConn(testLogger(t), netConn)
	defer conn.Close()

	_, err = conn.Write([]byte("starttls\n"))
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)

	require.NoError(t, conn.StartTLS("localhost", nil, 2*time.Second))
	require.Error(t, conn.StartTLS("localhost", nil, 2*time.Second))
}
