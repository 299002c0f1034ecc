package xmppnet

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// startWSServer runs an in-process WebSocket endpoint that answers the
// stream-open frame and echoes back any iq it receives as a result.
func startWSServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{
		Subprotocols: []string{"xmpp"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			text := string(msg)
			switch {
			case strings.HasPrefix(text, "<open "):
				ws.WriteMessage(websocket.TextMessage,
					[]byte(`<open xmlns='urn:ietf:params:xml:ns:xmpp-framing' id='ws-1' version='1.0'/>`))
				ws.WriteMessage(websocket.TextMessage,
					[]byte(`<stream:features xmlns:stream='http://etherx.jabber.org/streams'/>`))
			case strings.HasPrefix(text, "<close "):
				ws.WriteMessage(websocket.TextMessage,
					[]byte(`<close xmlns='urn:ietf:params:xml:ns:xmpp-framing'/>`))
				return
			default:
				ws.WriteMessage(websocket.TextMessage, []byte("<echo/>"))
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialWebSocketFraming(t *testing.T) {
	url := startWSServer(t)

	conn, err := DialWebSocket(testLogger(t), WebSocketConfig{
		URL:              url,
		HandshakeTimeout: 2 * time.Second,
	}, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`<open xmlns='urn:ietf:params:xml:ns:xmpp-framing' to='example.org' version='1.0'/>`))
	require.NoError(t, err)

	// reads concatenate successive messages into one byte stream
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	var got string
	for !strings.Contains(got, "features") {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		got += string(buf[:n])
	}
	require.Contains(t, got, "id='ws-1'")
	require.Contains(t, got, "stream:features")
}

func TestDialWebSocketBadURL(t *testing.T) {
	_, err := DialWebSocket(testLogger(t), WebSocketConfig{
		URL:              "ws://127.0.0.1:1/xmpp-websocket",
		HandshakeTimeout: time.Second,
	}, nil)
	require.Error(t, err)
}
