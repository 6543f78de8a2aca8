// Package netpolicy contains the address classification and network admission
// logic of HomieProxy.  It decides which client addresses may reach an
// instance and which upstream addresses an instance may contact.
package netpolicy

import (
	"fmt"
	"net/netip"

	"github.com/AdguardTeam/golibs/netutil"
)

// Class is the coarse classification of an IP address used by the outbound
// policy modes.
type Class uint8

// Class values.
const (
	// ClassLoopback is 127.0.0.0/8 and ::1/128.
	ClassLoopback Class = iota

	// ClassLinkLocal is 169.254.0.0/16 and fe80::/10.
	ClassLinkLocal

	// ClassPrivate is 10.0.0.0/8, 172.16.0.0/12, 192.168.0.0/16, and fc00::/7.
	ClassPrivate

	// ClassPublic is everything else, including the carrier-grade NAT range
	// 100.64.0.0/10.
	ClassPublic
)

// type check
var _ fmt.Stringer = ClassPublic

// String implements the [fmt.Stringer] interface for Class.
func (c Class) String() (s string) {
	switch c {
	case ClassLoopback:
		return "loopback"
	case ClassLinkLocal:
		return "linklocal"
	case ClassPrivate:
		return "private"
	case ClassPublic:
		return "public"
	default:
		return fmt.Sprintf("!bad_class_%d", c)
	}
}

// privateNets are the prefixes of [ClassPrivate].  The carrier-grade NAT range
// is deliberately absent, so it classifies as public.
var privateNets = netutil.SliceSubnetSet{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("fc00::/7"),
}

// linkLocalNets are the prefixes of [ClassLinkLocal].
var linkLocalNets = netutil.SliceSubnetSet{
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("fe80::/10"),
}

// Classify returns the classification of ip.  IPv4-mapped IPv6 addresses are
// unwrapped to IPv4 before classification.
func Classify(ip netip.Addr) (c Class) {
	ip = ip.Unmap()

	switch {
	case ip.IsLoopback():
		return ClassLoopback
	case linkLocalNets.Contains(ip):
		return ClassLinkLocal
	case privateNets.Contains(ip):
		return ClassPrivate
	default:
		return ClassPublic
	}
}

// IsLocal reports whether ip classifies as private or loopback, which is what
// the internal outbound mode admits.
func IsLocal(ip netip.Addr) (ok bool) {
	c := Classify(ip)

	return c == ClassPrivate || c == ClassLoopback
}
