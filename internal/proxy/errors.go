package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"

	"github.com/AdguardTeam/golibs/errors"
)

// Kind is the classification of a fault produced by the proxy core.
type Kind string

// Kind values.
const (
	// KindInstanceNotFound means that the endpoint name is unknown.
	KindInstanceNotFound Kind = "instance_not_found"

	// KindUnauthorized means a missing or invalid token, or a failed
	// host-framework authentication.
	KindUnauthorized Kind = "unauthorized"

	// KindInboundDenied means that the client IP is outside the allow set.
	KindInboundDenied Kind = "inbound_denied"

	// KindOutboundDenied means that the target violates the outbound policy.
	KindOutboundDenied Kind = "outbound_denied"

	// KindBadTarget means a missing or malformed url parameter.
	KindBadTarget Kind = "bad_target"

	// KindUpstreamTimeout means that the upstream did not respond within the
	// effective timeout.
	KindUpstreamTimeout Kind = "upstream_timeout"

	// KindUpstreamUnreachable means a DNS, connect, or TLS failure.
	KindUpstreamUnreachable Kind = "upstream_unreachable"

	// KindUpstreamProtocol means a malformed upstream response.
	KindUpstreamProtocol Kind = "upstream_protocol"

	// KindClientAborted means that the client disconnected; no response is
	// sent.
	KindClientAborted Kind = "client_aborted"

	// KindInternal is an unexpected fault.
	KindInternal Kind = "internal"
)

// HTTPStatus returns the HTTP status code of the fault kind.  For
// [KindClientAborted] there is no one to respond to, so it returns zero.
func (k Kind) HTTPStatus() (code int) {
	switch k {
	case KindInstanceNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindInboundDenied, KindOutboundDenied:
		return http.StatusForbidden
	case KindBadTarget:
		return http.StatusBadRequest
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamUnreachable, KindUpstreamProtocol:
		return http.StatusBadGateway
	case KindClientAborted:
		return 0
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified proxy fault.  Message is what the client sees; the
// wrapped error is only for logging.
type Error struct {
	// Err is the underlying cause, if any.
	Err error

	// Message is the client-visible description.
	Message string

	// Kind is the fault classification.
	Kind Kind
}

// type check
var _ error = (*Error)(nil)

// Error implements the error interface for *Error.
func (e *Error) Error() (s string) {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}

	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Err)
}

// Unwrap supports [errors.Is] and [errors.As] for *Error.
func (e *Error) Unwrap() (unwrapped error) { return e.Err }

// newError returns a new fault of the given kind.
func newError(k Kind, msg string) (e *Error) {
	return &Error{Kind: k, Message: msg}
}

// wrapError returns a new fault of the given kind caused by err.
func wrapError(k Kind, msg string, err error) (e *Error) {
	return &Error{Kind: k, Message: msg, Err: err}
}

// classifyUpstreamError maps a transport fault to the corresponding kind.
// The untyped fallback is [KindUpstreamUnreachable] since almost every
// round-trip fault is a connectivity one.
func classifyUpstreamError(err error) (e *Error) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return wrapError(KindUpstreamTimeout, "upstream timed out", err)
	case errors.Is(err, context.Canceled):
		return wrapError(KindClientAborted, "client went away", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wrapError(KindUpstreamTimeout, "upstream timed out", err)
	}

	var (
		dnsErr    *net.DNSError
		tlsRecErr tls.RecordHeaderError
		certErr   *tls.CertificateVerificationError
	)
	switch {
	case errors.As(err, &dnsErr):
		return wrapError(KindUpstreamUnreachable, "resolving upstream", err)
	case errors.As(err, &certErr), errors.As(err, &tlsRecErr):
		return wrapError(KindUpstreamUnreachable, "upstream tls handshake", err)
	case errors.Is(err, errMalformedResponse):
		return wrapError(KindUpstreamProtocol, "malformed upstream response", err)
	default:
		return wrapError(KindUpstreamUnreachable, "contacting upstream", err)
	}
}

// errMalformedResponse marks upstream responses the proxy cannot interpret.
const errMalformedResponse errors.Error = "malformed upstream response"
