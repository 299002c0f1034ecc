package xmppreg

import (
	"context"
	"strings"
	"time"

	"github.com/sammck-go/logger"

	"github.com/sreutter/siproxylin-sub001/pkg/xmppwire"
)

// DefaultDeleteTimeout bounds the whole account-deletion exchange.
const DefaultDeleteTimeout = 15 * time.Second

// StreamClosure describes why an authenticated stream was closed by the
// peer: the stream-error condition (empty for a clean close) and any
// human-readable text that accompanied it.
type StreamClosure struct {
	Condition string
	Text      string
}

// IQReply is one correlated response from an AuthTransport: either the
// response element or the error that ended the wait.
type IQReply struct {
	Stanza *xmppwire.Element
	Err    error
}

// AuthTransport is the already-authenticated stream that account-level
// management requests are sent over. It is implemented by the embedding
// client, not by this package: registration sessions are unauthenticated
// by design, while deletion and password change require a logged-in
// stream.
type AuthTransport interface {
	// SendIQ transmits the request and returns a channel that yields
	// exactly one reply (the correlated response, or an error once the
	// stream dies).
	SendIQ(ctx context.Context, iq *xmppwire.Element) <-chan IQReply

	// Closures yields stream-closure notifications. The channel must
	// not block the transport; buffered delivery is fine.
	Closures() <-chan StreamClosure
}

// ClosureMeansDeleted reports whether a stream closure is the server's
// way of confirming account deletion. Servers tear the stream down the
// moment the account ceases to exist, so the "error" often IS the
// success signal:
//
//   - not-authorized: the standard post-deletion kick (the credentials
//     the stream was authenticated with no longer exist);
//   - conflict with text mentioning "user removed": the variant the
//     conversations.im family of servers emits.
func ClosureMeansDeleted(c StreamClosure) bool {
	switch c.Condition {
	case "not-authorized":
		return true
	case "conflict":
		return strings.Contains(strings.ToLower(c.Text), "user removed")
	}
	return false
}

// DeleteAccount removes the account behind t. It sends the removal
// request and then races two outcomes: a correlated IQ result, or the
// server killing the stream in a way that means the account is gone.
// Whichever arrives first decides; when deletion is confirmed by a
// closure, the losing reply path is drained in the background so the
// transport never blocks delivering an answer nobody is waiting for.
//
// A closure that does not signal deletion keeps the wait alive: a
// flapping connection should surface as a timeout at the full deadline,
// not as an instant spurious failure.
func DeleteAccount(ctx context.Context, log logger.Logger, t AuthTransport, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultDeleteTimeout
	}
	log = log.ForkLogStr("delete-account")

	iq := xmppwire.NewIQ("set", requestID("unreg_"), "", xmppwire.RemoveQuery())
	replyCh := t.SendIQ(ctx, iq)
	closures := t.Closures()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case reply := <-replyCh:
			if reply.Err != nil {
				return newError(KindConnection, "delete", reply.Err)
			}
			switch reply.Stanza.Attr("type") {
			case "result":
				log.ILogf("Account deletion confirmed by IQ result")
				return nil
			case "error":
				se := xmppwire.DecodeStanzaError(reply.Stanza)
				log.WLogf("Account deletion rejected: %s", se)
				return rejectedError("delete", se.Condition, se.Text)
			}
			return newError(KindProtocol, "delete", nil)

		case closure := <-closures:
			if ClosureMeansDeleted(closure) {
				log.ILogf("Account deletion confirmed by stream closure (%s)", closure.Condition)
				go drainReply(log, replyCh)
				return nil
			}
			// unrelated closure; the IQ reply path will surface the
			// stream death if nothing better arrives
			log.DLogf("Ignoring unrelated stream closure (%s %q)", closure.Condition, closure.Text)

		case <-timer.C:
			return &Error{Kind: KindTimeout, Op: "delete", Text: "no deletion confirmation within deadline"}

		case <-ctx.Done():
			return newError(KindConnection, "delete", ctx.Err())
		}
	}
}

// drainReply consumes the abandoned reply so the transport's send side
// never wedges on it.
func drainReply(log logger.Logger, replyCh <-chan IQReply) {
	reply, ok := <-replyCh
	if !ok {
		return
	}
	if reply.Err != nil {
		log.DLogf("Discarding late reply after deletion already confirmed: %s", reply.Err)
	} else {
		log.DLogf("Discarding late reply after deletion already confirmed (type %q)", reply.Stanza.Attr("type"))
	}
}
