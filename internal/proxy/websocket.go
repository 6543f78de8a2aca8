package proxy

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/gorilla/websocket"
	"github.com/homieproxy/homieproxy/internal/instance"
	"github.com/homieproxy/homieproxy/internal/metrics"
)

// wsHandshakeHeaders are the handshake headers owned by the WebSocket
// libraries on both legs; forwarding them would corrupt the handshakes.
var wsHandshakeHeaders = []string{
	"Connection",
	"Upgrade",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Protocol",
}

// wsCloseGrace is how long a close frame is given to reach the peer.
const wsCloseGrace = 5 * time.Second

// relayWebSocket connects to the upstream WebSocket endpoint, completes the
// client-side upgrade with the subprotocol negotiated upstream, and relays
// frames in both directions until either side closes.
func (p *Proxy) relayWebSocket(
	ctx context.Context,
	w http.ResponseWriter,
	r *http.Request,
	inst *instance.Config,
	params *requestParams,
) (perr *Error) {
	target := *params.targetURL
	target.Scheme = wsSchemeFor(target.Scheme)

	pinned, perr := p.resolveTarget(ctx, inst, &target)
	if perr != nil {
		return perr
	}

	dialer := &websocket.Dialer{
		NetDialContext:   p.dialContext,
		TLSClientConfig:  params.skipTLS.clientConfig(target.Hostname()),
		Subprotocols:     clientSubprotocols(r),
		HandshakeTimeout: defaultDialTimeout,
	}

	upHeader := http.Header{}
	copyClientHeaders(upHeader, r.Header)
	for _, name := range wsHandshakeHeaders {
		upHeader.Del(name)
	}

	for _, o := range params.reqHeaders {
		// The gorilla dialer takes the Host override as a pseudo-header.
		upHeader.Set(o.name, o.value)
	}

	upConn, upResp, err := dialer.DialContext(withPinnedAddr(ctx, pinned), target.String(), upHeader)
	if err != nil {
		if upResp != nil {
			closeBody(upResp)

			return wrapError(KindUpstreamProtocol, "upstream rejected websocket upgrade", err)
		}

		return classifyUpstreamError(err)
	}
	defer func() { _ = upConn.Close() }()

	respHeader := http.Header{}
	if proto := upConn.Subprotocol(); proto != "" {
		respHeader.Set("Sec-Websocket-Protocol", proto)
	}

	for _, o := range params.respHeaders {
		respHeader.Set(o.name, o.value)
	}

	upgrader := &websocket.Upgrader{
		ReadBufferSize:  copyBufSize,
		WriteBufferSize: copyBufSize,
		// The proxy endpoint is cross-origin by design.
		CheckOrigin: func(_ *http.Request) (ok bool) { return true },
	}

	clConn, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgrade has already written its own response.
		p.logger.DebugContext(ctx, "client upgrade failed",
			"instance", inst.Name,
			slogutil.KeyError, err,
		)

		return nil
	}
	defer func() { _ = clConn.Close() }()

	metrics.WebSocketSessions.Inc()
	defer metrics.WebSocketSessions.Dec()

	p.logger.DebugContext(ctx, "websocket established",
		"instance", inst.Name,
		"target", target.Redacted(),
		"subprotocol", upConn.Subprotocol(),
	)

	p.pumpWebSocket(ctx, inst, clConn, upConn)

	return nil
}

// pumpWebSocket runs the two relay directions and waits for both to finish.
// Cancellation, including the effective timeout, closes both connections,
// which unblocks pending reads.
func (p *Proxy) pumpWebSocket(ctx context.Context, inst *instance.Config, clConn, upConn *websocket.Conn) {
	forwardControl(clConn, upConn)
	forwardControl(upConn, clConn)

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = clConn.Close()
			_ = upConn.Close()
		case <-done:
		}
	}()

	wg := &sync.WaitGroup{}
	wg.Add(2)

	go func() {
		defer wg.Done()
		pumpFrames(inst.Name, metrics.DirectionUpstream, clConn, upConn)
	}()

	go func() {
		defer wg.Done()
		pumpFrames(inst.Name, metrics.DirectionDownstream, upConn, clConn)
	}()

	wg.Wait()
}

// forwardControl wires the ping, pong, and close frames of src through to
// dst, preserving payloads and close codes.
func forwardControl(src, dst *websocket.Conn) {
	deadline := func() (t time.Time) { return time.Now().Add(wsCloseGrace) }

	src.SetPingHandler(func(data string) (err error) {
		return dst.WriteControl(websocket.PingMessage, []byte(data), deadline())
	})

	src.SetPongHandler(func(data string) (err error) {
		return dst.WriteControl(websocket.PongMessage, []byte(data), deadline())
	})

	src.SetCloseHandler(func(code int, text string) (err error) {
		msg := websocket.FormatCloseMessage(code, text)

		return dst.WriteControl(websocket.CloseMessage, msg, deadline())
	})
}

// pumpFrames relays data frames from src to dst until either side fails or
// closes.  Frame order is preserved within the direction.
func pumpFrames(instName, direction string, src, dst *websocket.Conn) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			// The close handler has already propagated a clean close; an
			// unclean error tears the relay down on the next read or write.
			_ = dst.Close()

			return
		}

		err = dst.WriteMessage(msgType, data)
		if err != nil {
			_ = src.Close()

			return
		}

		metrics.RelayedBytes.WithLabelValues(instName, direction).Add(float64(len(data)))
	}
}

// clientSubprotocols returns the subprotocols offered by the client.
func clientSubprotocols(r *http.Request) (protos []string) {
	for _, field := range r.Header.Values("Sec-Websocket-Protocol") {
		for proto := range strings.SplitSeq(field, ",") {
			if proto = strings.TrimSpace(proto); proto != "" {
				protos = append(protos, proto)
			}
		}
	}

	return protos
}
