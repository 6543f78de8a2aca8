package netpolicy_test

import (
	"net/netip"
	"testing"

	"github.com/homieproxy/homieproxy/internal/netpolicy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		want netpolicy.Class
	}{{
		name: "loopback_v4",
		in:   "127.0.0.1",
		want: netpolicy.ClassLoopback,
	}, {
		name: "loopback_v4_high",
		in:   "127.255.255.254",
		want: netpolicy.ClassLoopback,
	}, {
		name: "loopback_v6",
		in:   "::1",
		want: netpolicy.ClassLoopback,
	}, {
		name: "linklocal_v4",
		in:   "169.254.10.10",
		want: netpolicy.ClassLinkLocal,
	}, {
		name: "linklocal_v6",
		in:   "fe80::1",
		want: netpolicy.ClassLinkLocal,
	}, {
		name: "private_10",
		in:   "10.11.12.13",
		want: netpolicy.ClassPrivate,
	}, {
		name: "private_172",
		in:   "172.16.0.1",
		want: netpolicy.ClassPrivate,
	}, {
		name: "private_172_top",
		in:   "172.31.255.255",
		want: netpolicy.ClassPrivate,
	}, {
		name: "private_192",
		in:   "192.168.1.1",
		want: netpolicy.ClassPrivate,
	}, {
		name: "private_ula",
		in:   "fd00::1234",
		want: netpolicy.ClassPrivate,
	}, {
		name: "public",
		in:   "8.8.8.8",
		want: netpolicy.ClassPublic,
	}, {
		name: "public_v6",
		in:   "2001:4860:4860::8888",
		want: netpolicy.ClassPublic,
	}, {
		name: "public_cgnat",
		in:   "100.64.0.1",
		want: netpolicy.ClassPublic,
	}, {
		name: "public_172_33",
		in:   "172.33.0.1",
		want: netpolicy.ClassPublic,
	}, {
		name: "mapped_private",
		in:   "::ffff:192.168.1.1",
		want: netpolicy.ClassPrivate,
	}, {
		name: "mapped_loopback",
		in:   "::ffff:127.0.0.1",
		want: netpolicy.ClassLoopback,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ip, err := netip.ParseAddr(tc.in)
			require.NoError(t, err)

			assert.Equal(t, tc.want, netpolicy.Classify(ip))
		})
	}
}

func TestOutbound_Admits(t *testing.T) {
	cidrs := []netip.Prefix{
		netip.MustParsePrefix("8.8.8.0/24"),
		netip.MustParsePrefix("2001:db8::/32"),
	}

	testCases := []struct {
		name  string
		mode  netpolicy.Mode
		cidrs []netip.Prefix
		in    string
		want  bool
	}{{
		name: "any_public",
		mode: netpolicy.ModeAny,
		in:   "8.8.8.8",
		want: true,
	}, {
		name: "any_private",
		mode: netpolicy.ModeAny,
		in:   "192.168.1.1",
		want: true,
	}, {
		name: "external_public",
		mode: netpolicy.ModeExternal,
		in:   "1.1.1.1",
		want: true,
	}, {
		name: "external_private",
		mode: netpolicy.ModeExternal,
		in:   "192.168.1.1",
		want: false,
	}, {
		name: "external_loopback",
		mode: netpolicy.ModeExternal,
		in:   "127.0.0.1",
		want: false,
	}, {
		name: "external_linklocal",
		mode: netpolicy.ModeExternal,
		in:   "169.254.169.254",
		want: false,
	}, {
		name: "internal_private",
		mode: netpolicy.ModeInternal,
		in:   "10.0.0.1",
		want: true,
	}, {
		name: "internal_loopback",
		mode: netpolicy.ModeInternal,
		in:   "127.0.0.1",
		want: true,
	}, {
		name: "internal_public",
		mode: netpolicy.ModeInternal,
		in:   "8.8.8.8",
		want: false,
	}, {
		name: "internal_linklocal",
		mode: netpolicy.ModeInternal,
		in:   "169.254.0.1",
		want: false,
	}, {
		name:  "cidr_match",
		mode:  netpolicy.ModeCIDR,
		cidrs: cidrs,
		in:    "8.8.8.8",
		want:  true,
	}, {
		name:  "cidr_match_v6",
		mode:  netpolicy.ModeCIDR,
		cidrs: cidrs,
		in:    "2001:db8::1",
		want:  true,
	}, {
		name:  "cidr_miss",
		mode:  netpolicy.ModeCIDR,
		cidrs: cidrs,
		in:    "8.8.9.9",
		want:  false,
	}, {
		name:  "cidr_mapped",
		mode:  netpolicy.ModeCIDR,
		cidrs: cidrs,
		in:    "::ffff:8.8.8.8",
		want:  true,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := netpolicy.NewOutbound(tc.mode, tc.cidrs)
			require.NoError(t, err)

			assert.Equal(t, tc.want, p.Admits(netip.MustParseAddr(tc.in)))
		})
	}
}

func TestNewOutbound_errors(t *testing.T) {
	_, err := netpolicy.NewOutbound(netpolicy.ModeCIDR, nil)
	assert.Error(t, err)

	_, err = netpolicy.NewOutbound(netpolicy.Mode("both"), nil)
	assert.ErrorIs(t, err, netpolicy.ErrBadMode)
}

func TestInbound_Admits(t *testing.T) {
	empty := netpolicy.NewInbound(nil)
	assert.True(t, empty.Admits(netip.MustParseAddr("203.0.113.1")))
	assert.True(t, empty.Admits(netip.MustParseAddr("::1")))

	p := netpolicy.NewInbound([]netip.Prefix{
		netip.MustParsePrefix("192.168.1.0/24"),
	})
	assert.True(t, p.Admits(netip.MustParseAddr("192.168.1.22")))
	assert.False(t, p.Admits(netip.MustParseAddr("192.168.2.22")))
}

func TestMode_UnmarshalText(t *testing.T) {
	var m netpolicy.Mode
	require.NoError(t, m.UnmarshalText([]byte("external")))
	assert.Equal(t, netpolicy.ModeExternal, m)

	err := m.UnmarshalText([]byte("everything"))
	assert.ErrorIs(t, err, netpolicy.ErrBadMode)
}
