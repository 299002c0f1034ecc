package xmppreg

import (
	"context"
	"time"

	"github.com/sammck-go/logger"

	"github.com/sreutter/siproxylin-sub001/pkg/xmppwire"
)

// DefaultPasswordTimeout bounds the password-change exchange.
const DefaultPasswordTimeout = 15 * time.Second

// ChangePassword sets a new password for the account behind t, using the
// same registration namespace the signup flow uses but over an
// authenticated stream. Unlike deletion there is no termination race:
// servers answer with a plain IQ result and keep the stream alive.
func ChangePassword(ctx context.Context, log logger.Logger, t AuthTransport, username string, newPassword string, timeout time.Duration) error {
	if username == "" || newPassword == "" {
		return stateError("change-password", "username and new password are required")
	}
	if timeout <= 0 {
		timeout = DefaultPasswordTimeout
	}
	log = log.ForkLogStr("change-password")

	query := xmppwire.RegisterQuery()
	user := &xmppwire.Element{Space: xmppwire.NSRegister, Local: "username", Text: username}
	pass := &xmppwire.Element{Space: xmppwire.NSRegister, Local: "password", Text: newPassword}
	query.AddChild(user)
	query.AddChild(pass)
	iq := xmppwire.NewIQ("set", requestID("passwd_"), "", query)

	replyCh := t.SendIQ(ctx, iq)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		if reply.Err != nil {
			return newError(KindConnection, "change-password", reply.Err)
		}
		switch reply.Stanza.Attr("type") {
		case "result":
			log.ILogf("Password change confirmed")
			return nil
		case "error":
			se := xmppwire.DecodeStanzaError(reply.Stanza)
			log.WLogf("Password change rejected: %s", se)
			return rejectedError("change-password", se.Condition, se.Text)
		}
		return newError(KindProtocol, "change-password", nil)

	case <-timer.C:
		return &Error{Kind: KindTimeout, Op: "change-password", Text: "no confirmation within deadline"}

	case <-ctx.Done():
		return newError(KindConnection, "change-password", ctx.Err())
	}
}
