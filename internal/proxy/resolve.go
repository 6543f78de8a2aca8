package proxy

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/AdguardTeam/golibs/httphdr"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/homieproxy/homieproxy/internal/instance"
)

// pinnedAddrCtxKey carries the policy-approved upstream address through the
// request context into the transport dialer, so that the address classified
// by the policy engine is the one the connection actually uses.
type pinnedAddrCtxKey struct{}

// withPinnedAddr returns a context carrying ap as the dial target.
func withPinnedAddr(ctx context.Context, ap netip.AddrPort) (pinned context.Context) {
	return context.WithValue(ctx, pinnedAddrCtxKey{}, ap)
}

// dialContext dials the address pinned into ctx, falling back to addr when
// there is none, which only happens in tests that bypass the policy engine.
func (p *Proxy) dialContext(ctx context.Context, network, addr string) (conn net.Conn, err error) {
	if ap, ok := ctx.Value(pinnedAddrCtxKey{}).(netip.AddrPort); ok {
		addr = ap.String()
	}

	return p.dialer.DialContext(ctx, network, addr)
}

// resolveTarget resolves the target host of u once, evaluates the outbound
// policy of inst against the selected address, and returns the address to
// pin into the dialer.  Literal IP targets skip resolution.
func (p *Proxy) resolveTarget(
	ctx context.Context,
	inst *instance.Config,
	u *url.URL,
) (ap netip.AddrPort, perr *Error) {
	host := u.Hostname()
	port := targetPort(u)

	var ip netip.Addr
	if netutil.IsValidIPString(host) {
		ip, _ = netip.ParseAddr(host)
	} else {
		ips, err := p.resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return netip.AddrPort{}, wrapError(
				KindUpstreamUnreachable,
				"resolving upstream host",
				err,
			)
		} else if len(ips) == 0 {
			return netip.AddrPort{}, newError(
				KindUpstreamUnreachable,
				"no addresses for upstream host",
			)
		}

		// Prefer IPv4 to match the common resolver behavior, then select the
		// first address.  Only the selected address is dialed.
		slices.SortStableFunc(ips, func(a, b netip.Addr) (r int) {
			aIs4, bIs4 := a.Unmap().Is4(), b.Unmap().Is4()
			switch {
			case aIs4 == bIs4:
				return 0
			case aIs4:
				return -1
			default:
				return 1
			}
		})

		ip = ips[0]
	}

	ip = ip.Unmap()
	if !inst.Outbound().Admits(ip) {
		return netip.AddrPort{}, newError(KindOutboundDenied, "access denied to the target url")
	}

	return netip.AddrPortFrom(ip, port), nil
}

// targetPort returns the explicit port of u or the default for its scheme.
func targetPort(u *url.URL) (port uint16) {
	if ps := u.Port(); ps != "" {
		p64, err := strconv.ParseUint(ps, 10, 16)
		if err == nil {
			return uint16(p64)
		}
	}

	switch u.Scheme {
	case "https", "wss":
		return 443
	default:
		return 80
	}
}

// forwardedClientIP extracts the client address from the forwarding headers
// of a trusted proxy, preferring the first X-Forwarded-For element.
func forwardedClientIP(r *http.Request) (ip netip.Addr) {
	if xff := r.Header.Get(httphdr.XForwardedFor); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return addr.Unmap()
		}
	}

	if xri := r.Header.Get(httphdr.XRealIP); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr.Unmap()
		}
	}

	return netip.Addr{}
}
