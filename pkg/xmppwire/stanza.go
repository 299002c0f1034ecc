package xmppwire

import (
	"fmt"
	"strings"
)

// Namespaces used by the registration subset of the protocol.
const (
	NSClient       = "jabber:client"
	NSStreams      = "http://etherx.jabber.org/streams"
	NSTLS          = "urn:ietf:params:xml:ns:xmpp-tls"
	NSRegister     = "jabber:iq:register"
	NSData         = "jabber:x:data"
	NSMediaElement = "urn:xmpp:media-element"
	NSMedia0       = "urn:xmpp:media:0"
	NSFraming      = "urn:ietf:params:xml:ns:xmpp-framing"
	NSStanzaError  = "urn:ietf:params:xml:ns:xmpp-stanzas"
	NSStreamError  = "urn:ietf:params:xml:ns:xmpp-streams"
)

// StreamHeader returns the stream-open framing for a raw TCP stream to
// the given domain. The stream element is never closed until disconnect,
// so this is emitted as raw text rather than through Element.
func StreamHeader(domain string) string {
	return fmt.Sprintf(
		"<?xml version='1.0'?>"+
			"<stream:stream to='%s' xmlns='%s' xmlns:stream='%s' version='1.0'>",
		escapeXML(domain), NSClient, NSStreams)
}

// StreamTrailer returns the stream-close framing for a raw TCP stream.
func StreamTrailer() string {
	return "</stream:stream>"
}

// OpenFrame returns the stream-open framing element for a WebSocket
// stream, where the open marker is a complete element of its own.
func OpenFrame(domain string) string {
	return fmt.Sprintf("<open xmlns=\"%s\" to=\"%s\" version=\"1.0\"/>",
		NSFraming, escapeXML(domain))
}

// CloseFrame returns the stream-close framing element for a WebSocket
// stream.
func CloseFrame() string {
	return fmt.Sprintf("<close xmlns=\"%s\"/>", NSFraming)
}

// StartTLSRequest returns the security upgrade request element.
func StartTLSRequest() string {
	return fmt.Sprintf("<starttls xmlns=\"%s\"/>", NSTLS)
}

// NewIQ builds an iq stanza of the given type with a caller-chosen
// request identifier. payload may be nil for an empty iq.
func NewIQ(iqType string, id string, to string, payload *Element) *Element {
	iq := NewElement(NSClient, "iq")
	iq.SetAttr("type", iqType)
	iq.SetAttr("id", id)
	if to != "" {
		iq.SetAttr("to", to)
	}
	if payload != nil {
		iq.AddChild(payload)
	}
	return iq
}

// RegisterQuery returns an empty jabber:iq:register query payload, used
// to request the registration form.
func RegisterQuery() *Element {
	return NewElement(NSRegister, "query")
}

// RemoveQuery returns the jabber:iq:register removal payload used to
// permanently delete an account.
func RemoveQuery() *Element {
	q := NewElement(NSRegister, "query")
	q.AddChild(NewElement(NSRegister, "remove"))
	return q
}

// StanzaError is a decoded error response to an iq request: the defined
// condition plus any human-readable text the server attached.
type StanzaError struct {
	Condition string
	Text      string
}

func (e *StanzaError) Error() string {
	switch {
	case e.Condition != "" && e.Text != "":
		return e.Condition + ": " + e.Text
	case e.Condition != "":
		return e.Condition
	case e.Text != "":
		return e.Text
	}
	return "registration failed (unknown error)"
}

// DecodeStanzaError extracts the error condition and text from an iq of
// type "error". The first non-text child of the error element is the
// condition; a text child supplies the human-readable message. Returns a
// generic error value when the server sent a bare error element.
func DecodeStanzaError(iq *Element) *StanzaError {
	se := &StanzaError{}
	errElem := iq.Find("", "error")
	if errElem == nil {
		return se
	}
	for _, c := range errElem.Children {
		if c.Local == "text" {
			se.Text = strings.TrimSpace(c.Text)
		} else if se.Condition == "" {
			se.Condition = c.Local
		}
	}
	return se
}

// StreamError is a terminating stream-level error element sent by the
// server before it closes the connection.
type StreamError struct {
	Condition string
	Text      string
}

func (e *StreamError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("stream error: %s (%s)", e.Condition, e.Text)
	}
	return fmt.Sprintf("stream error: %s", e.Condition)
}

// decodeStreamError extracts the closure reason from a stream:error
// element.
func decodeStreamError(el *Element) *StreamError {
	se := &StreamError{}
	for _, c := range el.Children {
		if c.Local == "text" {
			se.Text = strings.TrimSpace(c.Text)
		} else if se.Condition == "" {
			se.Condition = c.Local
		}
	}
	return se
}
