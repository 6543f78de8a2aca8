package proxy

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/homieproxy/homieproxy/internal/instance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsTestTimeout bounds each read in the relay tests.
const wsTestTimeout = 5 * time.Second

// newEchoWSServer starts a WebSocket upstream that echoes every data frame
// and records the headers of the handshake request.
func newEchoWSServer(tb testing.TB, hdr *http.Header) (srv *httptest.Server) {
	tb.Helper()

	up := &websocket.Upgrader{
		Subprotocols: []string{"chat"},
	}

	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hdr != nil {
			*hdr = r.Header.Clone()
		}

		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		for {
			msgType, data, readErr := conn.ReadMessage()
			if readErr != nil {
				return
			}

			writeErr := conn.WriteMessage(msgType, data)
			if writeErr != nil {
				return
			}
		}
	}))
	tb.Cleanup(srv.Close)

	return srv
}

func TestProxy_relayWebSocket(t *testing.T) {
	var upstreamHdr http.Header
	upstream := newEchoWSServer(t, &upstreamHdr)

	p := newTestProxy(t, nil)
	inst := newTestInstance(t, nil)
	front, _ := newRelayTest(t, p, inst)

	wsTarget := "ws" + strings.TrimPrefix(upstream.URL, "http")
	frontWS := "ws" + strings.TrimPrefix(front.URL, "http")

	dialer := &websocket.Dialer{
		Subprotocols:     []string{"chat", "log"},
		HandshakeTimeout: wsTestTimeout,
	}

	reqHdr := http.Header{}
	reqHdr.Set("X-Session", "abc")

	conn, resp, err := dialer.Dial(
		frontWS+"/?url="+url.QueryEscape(wsTarget),
		reqHdr,
	)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	defer resp.Body.Close()

	assert.Equal(t, "chat", resp.Header.Get("Sec-Websocket-Protocol"))
	assert.Equal(t, "chat", conn.Subprotocol())
	assert.Equal(t, "abc", upstreamHdr.Get("X-Session"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wsTestTimeout)))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping-text")))

	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Equal(t, "ping-text", string(data))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0xff, 0x10}))

	msgType, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, []byte{0x00, 0xff, 0x10}, data)

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	require.NoError(t, conn.WriteControl(
		websocket.CloseMessage,
		closeMsg,
		time.Now().Add(wsTestTimeout),
	))
}

func TestProxy_relayWebSocket_denied(t *testing.T) {
	p := newTestProxy(t, nil)
	inst := newTestInstance(t, func(c *instance.Config) {
		c.Tokens = []string{"secret"}
	})
	front, _ := newRelayTest(t, p, inst)

	frontWS := "ws" + strings.TrimPrefix(front.URL, "http")

	dialer := &websocket.Dialer{HandshakeTimeout: wsTestTimeout}

	conn, resp, err := dialer.Dial(
		frontWS+"/?url="+url.QueryEscape("ws://example.com/socket"),
		nil,
	)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
