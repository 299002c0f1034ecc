package xmppwire

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sammck-go/logger"
)

// ErrStreamClosed indicates the peer closed the connection (or sent the
// stream-close framing) before a terminating parse event fired.
var ErrStreamClosed = errors.New("stream closed by peer")

// ErrDeadlineExceeded indicates no terminating parse event fired before
// the caller's deadline.
var ErrDeadlineExceeded = errors.New("read deadline exceeded")

// IsTimeout returns true if err is a parser deadline expiry.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrDeadlineExceeded)
}

// IsClosed returns true if err is a peer-initiated stream/connection
// close.
func IsClosed(err error) bool {
	return errors.Is(err, ErrStreamClosed)
}

// DeadlineReader is the minimal connection surface the parser needs: a
// byte stream with an absolute read deadline. Both the TCP and the
// WebSocket transports satisfy it.
type DeadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// StreamParser incrementally parses the inbound byte stream into
// discrete protocol elements. It never buffers the full stream: elements
// are surfaced as soon as their end tag arrives, and every blocking read
// is bounded by a per-call deadline.
//
// A StreamParser is bound to one plaintext or one encrypted phase of a
// connection. After an in-place TLS upgrade the caller must create a
// fresh parser over the upgraded connection; the old parser's buffered
// state is meaningless across the handshake boundary.
type StreamParser struct {
	log      logger.Logger
	conn     DeadlineReader
	dec      *xml.Decoder
	streamID string
}

// NewStreamParser creates a parser reading from conn.
func NewStreamParser(log logger.Logger, conn DeadlineReader) *StreamParser {
	return &StreamParser{
		log:  log.ForkLogStr("parser"),
		conn: conn,
		dec:  xml.NewDecoder(conn),
	}
}

// StreamID returns the server-assigned stream identifier captured from
// the stream-open element, if any. Diagnostic only.
func (p *StreamParser) StreamID() string {
	return p.streamID
}

// token reads the next raw token, converting transport-level failures
// into the parser's stable error kinds.
func (p *StreamParser) token() (xml.Token, error) {
	tok, err := p.dec.Token()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %v", ErrDeadlineExceeded, err)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: EOF", ErrStreamClosed)
		}
		return nil, err
	}
	return tok, nil
}

func (p *StreamParser) setDeadline(timeout time.Duration) error {
	return p.conn.SetReadDeadline(time.Now().Add(timeout))
}

func (p *StreamParser) clearDeadline() {
	// best effort; a dead conn fails on the next read anyway
	_ = p.conn.SetReadDeadline(time.Time{})
}

// ReadFeatures consumes the stream-open framing (capturing the
// server-assigned stream id) and returns the feature-advertisement
// element that follows it. This is the call that unblocks the initial
// connect sequence and reveals whether a security upgrade is offered.
func (p *StreamParser) ReadFeatures(timeout time.Duration) (*Element, error) {
	if err := p.setDeadline(timeout); err != nil {
		return nil, err
	}
	for {
		tok, err := p.token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Space == NSStreams && t.Name.Local == "stream":
				// stream envelope: record the id and descend
				p.captureStreamID(t)
			case t.Name.Space == NSFraming && t.Name.Local == "open":
				// WebSocket framing: open marker is a complete element
				p.captureStreamID(t)
				if _, err := parseElement(p.dec, t); err != nil {
					return nil, err
				}
			case t.Name.Space == NSStreams && t.Name.Local == "features":
				el, err := parseElement(p.dec, t)
				if err != nil {
					return nil, err
				}
				p.clearDeadline()
				p.log.DLogf("Received stream features (stream id %q)", p.streamID)
				return el, nil
			default:
				el, err := parseElement(p.dec, t)
				if err != nil {
					return nil, err
				}
				p.log.DLogf("Ignoring pre-features element <%s>", el.Local)
			}
		case xml.EndElement:
			if t.Name.Space == NSStreams && t.Name.Local == "stream" {
				return nil, fmt.Errorf("%w: stream closed before features", ErrStreamClosed)
			}
		}
	}
}

func (p *StreamParser) captureStreamID(t xml.StartElement) {
	if p.streamID != "" {
		return
	}
	for _, a := range t.Attr {
		if a.Name.Local == "id" && a.Name.Space != "xmlns" {
			p.streamID = a.Value
			return
		}
	}
}

// AwaitProceed blocks until the one-token proceed marker that authorizes
// the TLS upgrade arrives, or the server refuses the upgrade.
func (p *StreamParser) AwaitProceed(timeout time.Duration) error {
	if err := p.setDeadline(timeout); err != nil {
		return err
	}
	for {
		tok, err := p.token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			el, err := parseElement(p.dec, t)
			if err != nil {
				return err
			}
			if el.Space == NSTLS && el.Local == "proceed" {
				p.clearDeadline()
				return nil
			}
			if el.Space == NSTLS && el.Local == "failure" {
				return fmt.Errorf("server refused TLS upgrade")
			}
			p.log.DLogf("Ignoring element <%s> while awaiting proceed", el.Local)
		case xml.EndElement:
			if t.Name.Space == NSStreams && t.Name.Local == "stream" {
				return fmt.Errorf("%w: stream closed during TLS negotiation", ErrStreamClosed)
			}
		}
	}
}

// ReadStanza blocks until an iq stanza whose id attribute equals id
// arrives, and returns it. Responses with a non-matching id belong to a
// different request on a shared connection and are ignored. A
// stream-level error element or a peer close terminates the wait with a
// distinct error; expiry of the deadline yields ErrDeadlineExceeded.
func (p *StreamParser) ReadStanza(id string, timeout time.Duration) (*Element, error) {
	if err := p.setDeadline(timeout); err != nil {
		return nil, err
	}
	for {
		tok, err := p.token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space == NSFraming && t.Name.Local == "close" {
				return nil, fmt.Errorf("%w: close frame", ErrStreamClosed)
			}
			el, err := parseElement(p.dec, t)
			if err != nil {
				return nil, err
			}
			if el.Space == NSStreams && el.Local == "error" {
				return nil, decodeStreamError(el)
			}
			if el.Local == "iq" {
				if el.Attr("id") == id {
					p.clearDeadline()
					return el, nil
				}
				p.log.DLogf("Ignoring iq with foreign id %q (want %q)", el.Attr("id"), id)
				continue
			}
			p.log.DLogf("Ignoring stanza <%s> while awaiting iq %q", el.Local, id)
		case xml.EndElement:
			if t.Name.Space == NSStreams && t.Name.Local == "stream" {
				return nil, fmt.Errorf("%w: stream closed awaiting iq %q", ErrStreamClosed, id)
			}
		}
	}
}
