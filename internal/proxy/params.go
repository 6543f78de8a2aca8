package proxy

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/homieproxy/homieproxy/internal/instance"
	"golang.org/x/net/http/httpguts"
)

// Reserved query parameters.  They configure the proxy and are never
// forwarded upstream.
const (
	paramToken           = "token"
	paramURL             = "url"
	paramTimeout         = "timeout"
	paramFollowRedirects = "follow_redirects"
	paramSkipTLSChecks   = "skip_tls_checks"
)

// Bracketed parameter prefixes.  reqHdrPrefixDepr is a deprecated synonym
// kept for backward compatibility.
const (
	reqHdrPrefix     = "request_header["
	reqHdrPrefixDepr = "request_headers["
	respHdrPrefix    = "response_header["
)

// headerOverride is one header name-value pair from a bracketed parameter.
// Pairs are kept in query order; names compare case-insensitively with
// last-occurrence-wins semantics when applied.
type headerOverride struct {
	name  string
	value string
}

// requestParams are the per-request directives decoded from the query
// string.
type requestParams struct {
	// targetURL is the parsed absolute target.
	targetURL *url.URL

	// token is the authentication token, if any.
	token string

	// reqHeaders are the upstream header overrides, in query order.
	reqHeaders []headerOverride

	// respHeaders are the response header injections, in query order.
	respHeaders []headerOverride

	// timeout is the per-request timeout override, zero when absent.
	timeout time.Duration

	// skipTLS is the set of TLS checks to skip.
	skipTLS tlsSkip

	// followRedirects enables following upstream redirects.
	followRedirects bool

	// hasToken reports whether the token parameter was present at all.
	hasToken bool
}

// parseRequestParams decodes the raw query string once, in order, so that
// the last occurrence of a case-insensitively repeated bracketed name wins.
// Target URL faults are of kind [KindBadTarget].
func parseRequestParams(rawQuery string) (params *requestParams, perr *Error) {
	params = &requestParams{}

	var rawTarget string
	var hasTarget bool

	for pair := range strings.SplitSeq(rawQuery, "&") {
		if pair == "" {
			continue
		}

		name, value, _ := strings.Cut(pair, "=")

		name, err := url.QueryUnescape(name)
		if err != nil {
			continue
		}

		value, err = url.QueryUnescape(value)
		if err != nil {
			continue
		}

		switch name {
		case paramToken:
			params.token = value
			params.hasToken = true
		case paramURL:
			rawTarget = value
			hasTarget = true
		case paramTimeout:
			params.timeout = parseTimeout(value)
		case paramFollowRedirects:
			params.followRedirects = parseBool(value)
		case paramSkipTLSChecks:
			params.skipTLS = parseTLSSkip(value)
		default:
			if hdrName, ok := bracketedName(name, reqHdrPrefix, reqHdrPrefixDepr); ok {
				params.reqHeaders = append(params.reqHeaders, headerOverride{
					name:  hdrName,
					value: value,
				})
			} else if hdrName, ok = bracketedName(name, respHdrPrefix); ok {
				params.respHeaders = append(params.respHeaders, headerOverride{
					name:  hdrName,
					value: value,
				})
			}
		}
	}

	if !hasTarget {
		return nil, newError(KindBadTarget, "target url required")
	}

	params.targetURL, perr = parseTargetURL(rawTarget)
	if perr != nil {
		return nil, perr
	}

	return params, nil
}

// parseTargetURL parses and validates the target URL.
func parseTargetURL(raw string) (u *url.URL, perr *Error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, wrapError(KindBadTarget, "invalid target url", err)
	}

	switch u.Scheme {
	case "http", "https", "ws", "wss":
		// Go on.
	default:
		return nil, newError(KindBadTarget, "unsupported target scheme "+strconv.Quote(u.Scheme))
	}

	if u.Hostname() == "" {
		return nil, newError(KindBadTarget, "target url has no host")
	}

	return u, nil
}

// bracketedName extracts NAME from a "prefix[NAME]" query parameter with any
// of the given prefixes.
func bracketedName(param string, prefixes ...string) (name string, ok bool) {
	for _, pref := range prefixes {
		if strings.HasPrefix(param, pref) && strings.HasSuffix(param, "]") {
			name = param[len(pref) : len(param)-1]

			return name, name != ""
		}
	}

	return "", false
}

// parseBool parses the boolean query parameter values true, 1, yes, and on,
// case-insensitively.  Everything else is false.
func parseBool(v string) (b bool) {
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// parseTimeout parses the per-request timeout override in whole seconds,
// clamping it into the valid range.  Malformed values are ignored.
func parseTimeout(v string) (d time.Duration) {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}

	secs = min(secs, instance.MaxTimeout)

	return time.Duration(secs) * time.Second
}

// isWebSocketRequest reports whether r is a WebSocket upgrade request.
func isWebSocketRequest(r *http.Request) (ok bool) {
	return httpguts.HeaderValuesContainsToken(r.Header["Connection"], "Upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
