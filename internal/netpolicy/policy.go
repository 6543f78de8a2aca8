package netpolicy

import (
	"fmt"
	"net/netip"

	"github.com/AdguardTeam/golibs/netutil"
)

// Outbound is the compiled outbound admission policy of an instance.  The
// zero value admits nothing; use [NewOutbound].
type Outbound struct {
	// cidrs is the admitted prefix set in [ModeCIDR].  It is nil in other
	// modes.
	cidrs netutil.SubnetSet

	// mode is the restriction mode.
	mode Mode
}

// NewOutbound returns an outbound policy for the given mode.  cidrs is only
// used in [ModeCIDR], in which it must not be empty.
func NewOutbound(mode Mode, cidrs []netip.Prefix) (p *Outbound, err error) {
	switch mode {
	case ModeAny, ModeExternal, ModeInternal:
		return &Outbound{mode: mode}, nil
	case ModeCIDR:
		if len(cidrs) == 0 {
			return nil, fmt.Errorf("mode %q: no cidrs", mode)
		}

		return &Outbound{
			mode:  mode,
			cidrs: netutil.SliceSubnetSet(cidrs),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadMode, mode)
	}
}

// Mode returns the restriction mode of p.
func (p *Outbound) Mode() (m Mode) { return p.mode }

// Admits reports whether the policy admits connecting to ip.
func (p *Outbound) Admits(ip netip.Addr) (ok bool) {
	switch p.mode {
	case ModeAny:
		return true
	case ModeExternal:
		return Classify(ip) == ClassPublic
	case ModeInternal:
		return IsLocal(ip)
	case ModeCIDR:
		return p.cidrs.Contains(ip.Unmap())
	default:
		return false
	}
}

// Inbound is the compiled inbound admission policy of an instance.  An empty
// policy admits every client.
type Inbound struct {
	// cidrs is the admitted prefix set, nil when unrestricted.
	cidrs netutil.SubnetSet
}

// NewInbound returns an inbound policy admitting clients within cidrs.  An
// empty cidrs admits all clients.
func NewInbound(cidrs []netip.Prefix) (p *Inbound) {
	if len(cidrs) == 0 {
		return &Inbound{}
	}

	return &Inbound{cidrs: netutil.SliceSubnetSet(cidrs)}
}

// Admits reports whether the policy admits a client at ip.
func (p *Inbound) Admits(ip netip.Addr) (ok bool) {
	if p.cidrs == nil {
		return true
	}

	return p.cidrs.Contains(ip.Unmap())
}
