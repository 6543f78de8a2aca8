package proxy

import (
	"context"
	"io"
	"net/http"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/homieproxy/homieproxy/internal/instance"
	"github.com/homieproxy/homieproxy/internal/metrics"
)

// relayHTTP dispatches the upstream request and streams the response back to
// the client in bounded chunks.
func (p *Proxy) relayHTTP(
	ctx context.Context,
	w http.ResponseWriter,
	r *http.Request,
	inst *instance.Config,
	params *requestParams,
) (perr *Error) {
	target := *params.targetURL
	switch target.Scheme {
	case "ws":
		target.Scheme = "http"
	case "wss":
		target.Scheme = "https"
	}

	httpParams := *params
	httpParams.targetURL = &target

	resp, perr := p.dispatch(ctx, r, inst, &httpParams)
	if perr != nil {
		return perr
	}
	defer func() { _ = resp.Body.Close() }()

	hdr := w.Header()
	copyResponseHeaders(hdr, resp.Header)
	for _, o := range params.respHeaders {
		hdr.Set(o.name, o.value)
	}

	w.WriteHeader(resp.StatusCode)

	return p.copyBody(ctx, w, resp, inst)
}

// copyResponseHeaders copies the upstream headers into dst minus the
// hop-by-hop ones.
func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		dst[name] = append([]string(nil), values...)
	}

	for _, name := range hopByHopHeaders {
		dst.Del(name)
	}
}

// copyBody streams the response body to the client using one pooled buffer,
// flushing after every chunk.  The buffer size bounds the bytes in flight,
// so arbitrarily large payloads stream in constant memory.  The status line
// is committed before the copy starts, so any upstream failure aborts the
// connection instead of rewriting the status.
func (p *Proxy) copyBody(
	ctx context.Context,
	w http.ResponseWriter,
	resp *http.Response,
	inst *instance.Config,
) (perr *Error) {
	bufp := p.bufPool.Get()
	defer p.bufPool.Put(bufp)
	buf := *bufp

	rc := http.NewResponseController(w)
	written := int64(0)

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			_, writeErr := w.Write(buf[:n])
			if writeErr != nil {
				p.logger.DebugContext(ctx, "client aborted mid-stream",
					"instance", inst.Name,
					"written", written,
					slogutil.KeyError, writeErr,
				)

				return wrapError(KindClientAborted, "client went away", writeErr)
			}

			written += int64(n)
			metrics.RelayedBytes.WithLabelValues(inst.Name, metrics.DirectionDownstream).
				Add(float64(n))

			_ = rc.Flush()
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}

			p.logger.WarnContext(ctx, "upstream failed mid-stream; aborting",
				"instance", inst.Name,
				"written", written,
				slogutil.KeyError, readErr,
			)

			// The status line is long gone, so abort the connection instead
			// of appending an error document to the committed response.
			panic(http.ErrAbortHandler)
		}
	}

	return nil
}
