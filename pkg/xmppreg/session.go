package xmppreg

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/sreutter/siproxylin-sub001/pkg/xmppnet"
	"github.com/sreutter/siproxylin-sub001/pkg/xmppwire"
)

// Default per-phase timeouts. Submit gets a little longer because some
// servers do real work (or rate limiting) before answering it.
const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultQueryTimeout   = 15 * time.Second
	DefaultSubmitTimeout  = 20 * time.Second
)

// Transport selects how the registration stream reaches the server.
type Transport string

const (
	// TransportTCP is a raw TCP stream with an in-band STARTTLS upgrade.
	TransportTCP Transport = "tcp"

	// TransportWebSocket carries the stream over WebSocket framing with
	// TLS supplied by the wss scheme.
	TransportWebSocket Transport = "websocket"
)

// Config is the per-session configuration surface. Nothing in it is
// persisted by this package.
type Config struct {
	// Proxy optionally tunnels the connection through a forward proxy.
	Proxy *xmppnet.ProxyConfig

	// ConnectTimeout bounds resolution + dial + stream negotiation,
	// including the TLS upgrade. Defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// TLSConfig overrides the deliberately relaxed default certificate
	// handling of the registration path. Leave nil to accept any
	// certificate (the original design decision; revisit before reusing
	// this engine for anything that carries durable secrets).
	TLSConfig *tls.Config

	// Transport defaults to TransportTCP.
	Transport Transport

	// WebSocket configures the WebSocket variant. An empty URL derives
	// the conventional wss://<domain>/xmpp-websocket endpoint.
	WebSocket xmppnet.WebSocketConfig

	// SRVLookup overrides service record resolution. Leave nil for the
	// system resolver.
	SRVLookup xmppnet.SRVLookupFunc
}

// State is the session lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateConnected
	StateDisconnected
	StateClosed
)

var stateNames = [...]string{"uninitialized", "connected", "disconnected", "closed"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Credentials is the caller-supplied input to the submit phase.
type Credentials struct {
	Username string
	Password string

	// Email is optional.
	Email string

	// ChallengeAnswer is the solved CAPTCHA answer, when the queried
	// form carried a challenge. It is submitted under the same field
	// variable name the server used.
	ChallengeAnswer string

	// Extra carries any additional form field values keyed by field
	// variable name. The reserved names above win on conflict.
	Extra map[string]string
}

func (c *Credentials) values() map[string]string {
	values := make(map[string]string)
	for k, v := range c.Extra {
		values[k] = v
	}
	values["username"] = c.Username
	values["password"] = c.Password
	if c.Email != "" {
		values["email"] = c.Email
	}
	if c.ChallengeAnswer != "" {
		values[xmppwire.CaptchaFieldVar] = c.ChallengeAnswer
	}
	return values
}

// streamConn is the transport surface the session drives; satisfied by
// both the TCP and the WebSocket connection types.
type streamConn interface {
	io.ReadWriter
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session drives the two-phase registration protocol against one
// server. It owns exactly one transport connection at a time and is the
// keeper of the queried form across the deliberate disconnect/reconnect
// boundary between query and submit.
//
// Operations on a Session are not safe for concurrent invocation; the
// caller must serialize QueryForm/Submit/Disconnect per session.
// Independent sessions are fully concurrent.
type Session struct {
	*asyncobj.Helper

	log      logger.Logger
	id       string
	domain   string
	cfg      Config
	resolver *xmppnet.Resolver

	mu       sync.Mutex
	state    State
	conn     streamConn
	parser   *xmppwire.StreamParser
	wsMode   bool
	streamID string

	// form is the preserved query response; it must outlive the TCP
	// connection that produced it
	form *xmppwire.FormResponse
}

// NewSession creates a Session for one registration attempt against
// domain. The session starts uninitialized; Connect (or the first
// QueryForm) opens the transport.
func NewSession(log logger.Logger, domain string, cfg Config) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportTCP
	}
	id := uuid.NewString()
	sessionLog := log.ForkLogStr(fmt.Sprintf("session %.8s", id))
	s := &Session{
		log:    sessionLog,
		id:     id,
		domain: domain,
		cfg:    cfg,
	}
	if cfg.SRVLookup != nil {
		s.resolver = xmppnet.NewResolverWithLookup(sessionLog, cfg.SRVLookup)
	} else {
		s.resolver = xmppnet.NewResolver(sessionLog)
	}
	s.Helper = asyncobj.NewHelper(sessionLog, s)
	s.SetIsActivated()
	return s
}

// ID returns the opaque session handle.
func (s *Session) ID() string {
	return s.id
}

// Domain returns the registration target domain.
func (s *Session) Domain() string {
	return s.domain
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StreamID returns the server-assigned stream identifier of the current
// connection, if any. Diagnostic only.
func (s *Session) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

// requestID generates a fresh caller-chosen request identifier.
func requestID(prefix string) string {
	u := uuid.New()
	return fmt.Sprintf("%s%x", prefix, u[0:4])
}

// Connect opens the transport and negotiates the stream until features
// are read without a further security upgrade being offered.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Session) connectLocked(ctx context.Context) error {
	if s.state == StateClosed {
		return stateError("connect", "session is closed")
	}
	if s.state == StateConnected {
		return nil
	}
	if s.cfg.Transport == TransportWebSocket {
		return s.connectWebSocketLocked(ctx)
	}
	return s.connectTCPLocked(ctx)
}

func (s *Session) connectTCPLocked(ctx context.Context) error {
	timeout := s.cfg.ConnectTimeout
	host, port := s.resolver.Resolve(ctx, s.domain)
	s.log.ILogf("Connecting to %s:%d (for %s)", host, port, s.domain)

	dialer := xmppnet.NewDialer(s.log, s.cfg.Proxy, timeout)
	netConn, err := dialer.Dial(ctx, host, port)
	if err != nil {
		return newError(KindConnection, "connect", err)
	}
	conn := xmppnet.NewConn(s.log, netConn)

	// Negotiate, restarting the stream after a TLS upgrade. The
	// plaintext feature advertisement is never trusted past the upgrade
	// decision itself; features are re-read over the encrypted channel.
	for {
		parser := xmppwire.NewStreamParser(s.log, conn)
		if err := s.write(conn, xmppwire.StreamHeader(s.domain), timeout); err != nil {
			conn.Close()
			return newError(KindConnection, "connect", err)
		}
		features, err := parser.ReadFeatures(timeout)
		if err != nil {
			conn.Close()
			return s.classify("connect", err)
		}
		offersTLS := features.Child(xmppwire.NSTLS, "starttls") != nil
		if !offersTLS || conn.TLSApplied() {
			s.conn = conn
			s.parser = parser
			s.wsMode = false
			s.streamID = parser.StreamID()
			s.state = StateConnected
			s.log.ILogf("Stream ready (id %q, tls=%v)", s.streamID, conn.TLSApplied())
			return nil
		}

		if err := s.write(conn, xmppwire.StartTLSRequest(), timeout); err != nil {
			conn.Close()
			return newError(KindTLS, "starttls", err)
		}
		if err := parser.AwaitProceed(timeout); err != nil {
			conn.Close()
			return newError(KindTLS, "starttls", err)
		}
		if err := conn.StartTLS(s.domain, s.cfg.TLSConfig, timeout); err != nil {
			conn.Close()
			return newError(KindTLS, "starttls", err)
		}
	}
}

func (s *Session) connectWebSocketLocked(ctx context.Context) error {
	timeout := s.cfg.ConnectTimeout
	wsCfg := s.cfg.WebSocket
	if wsCfg.URL == "" {
		wsCfg.URL = "wss://" + s.domain + "/xmpp-websocket"
	}
	if wsCfg.HandshakeTimeout <= 0 {
		wsCfg.HandshakeTimeout = timeout
	}
	s.log.ILogf("Connecting to %s (for %s)", wsCfg.URL, s.domain)

	conn, err := xmppnet.DialWebSocket(s.log, wsCfg, s.cfg.TLSConfig)
	if err != nil {
		return newError(KindConnection, "connect", err)
	}
	parser := xmppwire.NewStreamParser(s.log, conn)
	if err := s.write(conn, xmppwire.OpenFrame(s.domain), timeout); err != nil {
		conn.Close()
		return newError(KindConnection, "connect", err)
	}
	features, err := parser.ReadFeatures(timeout)
	if err != nil {
		conn.Close()
		return s.classify("connect", err)
	}
	// the wss scheme already supplied TLS; an advertised in-band
	// upgrade is meaningless on this transport
	_ = features

	s.conn = conn
	s.parser = parser
	s.wsMode = true
	s.streamID = parser.StreamID()
	s.state = StateConnected
	s.log.ILogf("WebSocket stream ready (id %q)", s.streamID)
	return nil
}

// QueryForm requests the registration form, parses it (including any
// CAPTCHA challenge), stores the raw response for later replay, and then
// deliberately disconnects: the caller (typically a human solving a
// challenge out-of-band) may take unbounded time before submitting, and
// holding the connection open risks the server invalidating the
// challenge or timing the client out. Submit reconnects from scratch.
func (s *Session) QueryForm(ctx context.Context, timeout time.Duration) (*xmppwire.FormResponse, error) {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil, stateError("query", "session is closed")
	}
	if s.state != StateConnected {
		if err := s.connectLocked(ctx); err != nil {
			return nil, err
		}
	}

	id := requestID("reg_")
	iq := xmppwire.NewIQ("get", id, s.domain, xmppwire.RegisterQuery())
	s.log.ILogf("Querying registration form from %s (iq %s)", s.domain, id)
	if err := s.write(s.conn, iq.XML(), timeout); err != nil {
		s.disconnectLocked()
		return nil, newError(KindConnection, "query", err)
	}

	resp, err := s.parser.ReadStanza(id, timeout)
	if err != nil {
		s.disconnectLocked()
		return nil, s.classify("query", err)
	}
	if resp.Attr("type") == "error" {
		se := xmppwire.DecodeStanzaError(resp)
		s.disconnectLocked()
		return nil, rejectedError("query", se.Condition, se.Text)
	}

	form, err := xmppwire.ParseFormResponse(s.log, resp)
	if err != nil {
		s.disconnectLocked()
		return nil, newError(KindProtocol, "query", err)
	}
	s.form = form
	if form.Captcha != nil {
		s.log.ILogf("Form received: %d fields, CAPTCHA challenge present (%d media)",
			len(form.Fields), len(form.Captcha.Media))
	} else {
		s.log.ILogf("Form received: %d fields", len(form.Fields))
	}

	s.log.DLogf("Closing connection after query (submit reconnects fresh)")
	s.disconnectLocked()
	return form, nil
}

// Submit performs the second phase: reconnect on a fresh socket, replay
// the preserved form with the caller's values filled in, and correlate
// the server's verdict. A stale socket from the query phase is never
// reused; silent socket death during the human-paced gap between query
// and submit is the primary failure this reconnect avoids. The session
// disconnects unconditionally afterwards, success or failure.
//
// Submit fails fast with a state error, before any network I/O, if no
// form was queried on this session.
func (s *Session) Submit(ctx context.Context, creds Credentials, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return "", stateError("submit", "session is closed")
	}
	if s.form == nil {
		return "", stateError("submit", "no form queried - query the registration form first")
	}
	if creds.Username == "" || creds.Password == "" {
		return "", stateError("submit", "username and password are required")
	}

	if s.state == StateConnected {
		s.disconnectLocked()
	}
	if err := s.connectLocked(ctx); err != nil {
		return "", err
	}
	defer s.disconnectLocked()

	id := requestID("reg_submit_")
	payload := s.form.BuildSubmission(creds.values())
	iq := xmppwire.NewIQ("set", id, s.domain, payload)
	s.log.ILogf("Submitting registration for %s@%s (iq %s)", creds.Username, s.domain, id)
	if err := s.write(s.conn, iq.XML(), timeout); err != nil {
		return "", newError(KindConnection, "submit", err)
	}

	resp, err := s.parser.ReadStanza(id, timeout)
	if err != nil {
		return "", s.classify("submit", err)
	}
	switch resp.Attr("type") {
	case "result":
		account := creds.Username + "@" + s.domain
		s.log.ILogf("Registration successful: %s", account)
		return account, nil
	case "error":
		se := xmppwire.DecodeStanzaError(resp)
		s.log.WLogf("Registration rejected: %s", se)
		return "", rejectedError("submit", se.Condition, se.Text)
	}
	return "", newError(KindProtocol, "submit",
		fmt.Errorf("unexpected iq type %q in response", resp.Attr("type")))
}

// Form returns the preserved query response, or nil before a successful
// query.
func (s *Session) Form() *xmppwire.FormResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.form
}

// Disconnect releases the current transport connection, if any. The
// preserved form survives; the session can reconnect for submission.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectLocked()
}

func (s *Session) disconnectLocked() {
	if s.conn == nil {
		return
	}
	// best-effort stream close framing; the peer may already be gone
	trailer := xmppwire.StreamTrailer()
	if s.wsMode {
		trailer = xmppwire.CloseFrame()
	}
	_ = s.write(s.conn, trailer, 2*time.Second)
	if err := s.conn.Close(); err != nil {
		s.log.DLogf("Disconnect error (ignored): %s", err)
	}
	s.conn = nil
	s.parser = nil
	s.streamID = ""
	if s.state != StateClosed {
		s.state = StateDisconnected
	}
	s.log.DLogf("Disconnected from %s", s.domain)
}

// write sends text with a bounded write deadline.
func (s *Session) write(conn streamConn, text string, timeout time.Duration) error {
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	_, err := conn.Write([]byte(text))
	_ = conn.SetWriteDeadline(time.Time{})
	return err
}

// classify converts parser- and transport-level failures into the typed
// error taxonomy. Nothing raw escapes to the caller.
func (s *Session) classify(op string, err error) error {
	switch {
	case xmppwire.IsTimeout(err):
		return newError(KindTimeout, op, err)
	case xmppwire.IsClosed(err):
		return newError(KindConnection, op, err)
	}
	var streamErr *xmppwire.StreamError
	if errors.As(err, &streamErr) {
		// the server terminated the stream on us
		return newError(KindConnection, op, streamErr)
	}
	var syntaxErr *xml.SyntaxError
	if errors.As(err, &syntaxErr) {
		return newError(KindProtocol, op, err)
	}
	return newError(KindConnection, op, err)
}

// HandleOnceShutdown will be called exactly once, in its own goroutine.
// It releases the transport and moves the session to its terminal state.
func (s *Session) HandleOnceShutdown(completionErr error) error {
	s.mu.Lock()
	s.disconnectLocked()
	s.state = StateClosed
	s.mu.Unlock()
	return completionErr
}

// Close shuts the session down and waits for the transport to be
// released. Close must be invoked on every exit path, success or
// failure, or the underlying socket leaks.
func (s *Session) Close() error {
	return s.Helper.Close()
}
