package proxy

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/netip"
	"net/textproto"
	"net/url"
	"time"

	"github.com/AdguardTeam/golibs/httphdr"
	"github.com/homieproxy/homieproxy/internal/instance"
)

// hopByHopHeaders are dropped in both directions.  See RFC 2616, section
// 13.5.1.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// forwardingHeaders are proxy headers received from the client that are not
// passed upstream.
var forwardingHeaders = []string{
	httphdr.XForwardedFor,
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
	"X-Forwarded-Port",
	httphdr.XRealIP,
	"Forwarded",
}

// newTransport returns an upstream HTTP/1.1 transport using the pinned-IP
// dialer.  tlsConf nil means strict verification.
func (p *Proxy) newTransport(tlsConf *tls.Config) (tr *http.Transport) {
	return &http.Transport{
		DialContext:       p.dialContext,
		TLSClientConfig:   tlsConf,
		ForceAttemptHTTP2: false,
		MaxIdleConns:      100,
		IdleConnTimeout:   90 * time.Second,
	}
}

// strictTransport returns the pooled strict-verification transport for the
// pinned upstream address, creating it on first use.  The pool is keyed by
// the pinned address, never by authority, so an idle connection cannot be
// reused for a different resolved address of the same host.
func (p *Proxy) strictTransport(ap netip.AddrPort) (tr *http.Transport) {
	p.strictMu.Lock()
	defer p.strictMu.Unlock()

	tr, ok := p.strict[ap]
	if ok {
		return tr
	}

	if len(p.strict) >= maxStrictTransports {
		for _, old := range p.strict {
			old.CloseIdleConnections()
		}

		clear(p.strict)
	}

	tr = p.newTransport(nil)
	p.strict[ap] = tr

	return tr
}

// permissiveTransport returns a transport for the request's relaxed TLS
// policy and a cleanup function, or nil when verification is strict.  A
// permissive transport lives for exactly this request so that relaxed
// verification never bleeds into other calls.
func (p *Proxy) permissiveTransport(
	params *requestParams,
	serverName string,
) (tr *http.Transport, cleanup func()) {
	tlsConf := params.skipTLS.clientConfig(serverName)
	if tlsConf == nil {
		return nil, func() {}
	}

	tr = p.newTransport(tlsConf)
	tr.DisableKeepAlives = true

	return tr, tr.CloseIdleConnections
}

// buildUpstreamRequest constructs the upstream request for target from the
// inbound one, applying the header rewriting rules.
func buildUpstreamRequest(
	ctx context.Context,
	r *http.Request,
	params *requestParams,
	target *url.URL,
) (outReq *http.Request, perr *Error) {
	var body io.Reader
	if r.Body != nil && r.ContentLength != 0 {
		body = r.Body
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, wrapError(KindBadTarget, "building upstream request", err)
	}

	// Stream the body; announce the length when the client announced one.
	outReq.ContentLength = r.ContentLength

	copyClientHeaders(outReq.Header, r.Header)
	applyHeaderOverrides(outReq, params.reqHeaders)

	return outReq, nil
}

// copyClientHeaders copies the inbound headers into dst, dropping hop-by-hop
// and forwarding headers.  The inbound Host is not a header in Go and is
// dropped implicitly; User-Agent is suppressed, not synthesized, when the
// client did not send one.
func copyClientHeaders(dst, src http.Header) {
	for name, values := range src {
		dst[name] = append([]string(nil), values...)
	}

	for _, name := range hopByHopHeaders {
		dst.Del(name)
	}

	for _, name := range forwardingHeaders {
		dst.Del(name)
	}

	if _, ok := src[httphdr.UserAgent]; !ok {
		// An empty value stops the default Go client User-Agent from being
		// sent without adding one of our own.
		dst.Set(httphdr.UserAgent, "")
	}
}

// applyHeaderOverrides applies the request_header overrides in query order,
// so that the last occurrence of a name wins.  A Host override replaces the
// authority-derived Host.
func applyHeaderOverrides(outReq *http.Request, overrides []headerOverride) {
	for _, o := range overrides {
		if textproto.CanonicalMIMEHeaderKey(o.name) == "Host" {
			outReq.Host = o.value
		} else {
			outReq.Header.Set(o.name, o.value)
		}
	}
}

// dispatch performs the upstream round trip, following redirects when asked
// to.  Every hop re-runs the outbound policy and pins the approved address.
// The caller owns resp.Body.
func (p *Proxy) dispatch(
	ctx context.Context,
	r *http.Request,
	inst *instance.Config,
	params *requestParams,
) (resp *http.Response, perr *Error) {
	target := params.targetURL
	perm, cleanup := p.permissiveTransport(params, target.Hostname())
	defer cleanup()

	outReq, perr := buildUpstreamRequest(ctx, r, params, target)
	if perr != nil {
		return nil, perr
	}

	for hop := 0; ; hop++ {
		pinned, perr := p.resolveTarget(ctx, inst, outReq.URL)
		if perr != nil {
			return nil, perr
		}

		tr := perm
		if tr == nil {
			tr = p.strictTransport(pinned)
		}

		hopReq := outReq.WithContext(withPinnedAddr(ctx, pinned))

		var err error
		resp, err = tr.RoundTrip(hopReq)
		if err != nil {
			return nil, classifyUpstreamError(err)
		}

		if !params.followRedirects || !isRedirect(resp.StatusCode) {
			return resp, nil
		}

		if hop >= p.maxRedirects {
			closeBody(resp)

			return nil, newError(KindUpstreamProtocol, "too many redirects")
		}

		outReq, perr = redirectedRequest(ctx, outReq, resp)
		closeBody(resp)
		if perr != nil {
			return nil, perr
		}
	}
}

// isRedirect reports whether code is a redirect status with a location.
func isRedirect(code int) (ok bool) {
	switch code {
	case http.StatusMovedPermanently,
		http.StatusFound,
		http.StatusSeeOther,
		http.StatusTemporaryRedirect,
		http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

// redirectedRequest builds the request for the next redirect hop, applying
// the standard method rewriting: 301, 302, and 303 become GET without a
// body, while 307 and 308 preserve the method.  A streamed body cannot be
// replayed, so a 307 or 308 after a non-empty body is a fault.
func redirectedRequest(
	ctx context.Context,
	prev *http.Request,
	resp *http.Response,
) (next *http.Request, perr *Error) {
	loc := resp.Header.Get(httphdr.Location)
	if loc == "" {
		return nil, newError(KindUpstreamProtocol, "redirect without location")
	}

	locURL, err := resp.Request.URL.Parse(loc)
	if err != nil {
		return nil, wrapError(KindUpstreamProtocol, "bad redirect location", err)
	}

	if locURL.Scheme != "http" && locURL.Scheme != "https" {
		return nil, newError(KindUpstreamProtocol, "redirect to non-http location")
	}

	method := prev.Method
	var body io.Reader

	switch resp.StatusCode {
	case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		if prev.Body != nil && prev.ContentLength != 0 {
			return nil, newError(
				KindUpstreamProtocol,
				"cannot follow redirect with a streamed request body",
			)
		}
	default:
		if method != http.MethodHead {
			method = http.MethodGet
		}
	}

	next, err = http.NewRequestWithContext(ctx, method, locURL.String(), body)
	if err != nil {
		return nil, wrapError(KindUpstreamProtocol, "building redirect request", err)
	}

	next.Header = prev.Header.Clone()
	if body == nil {
		next.Header.Del(httphdr.ContentType)
		next.Header.Del("Content-Length")
	}

	// A Host override only applies to the original target.
	next.Host = ""

	return next, nil
}

// closeBody drains and closes the response body so that the connection can
// be reused.
func closeBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// wsSchemeFor maps an HTTP target scheme to its WebSocket counterpart.
func wsSchemeFor(scheme string) (ws string) {
	switch scheme {
	case "https", "wss":
		return "wss"
	default:
		return "ws"
	}
}
