// Package instance defines the HomieProxy instance table: the per-endpoint
// configuration entities, the on-disk schema, and the registry that the
// request pipeline reads.
package instance

import (
	"fmt"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/homieproxy/homieproxy/internal/netpolicy"
)

// Timeout limits, in seconds, for the configured per-instance timeout.
const (
	// MinTimeout is the minimum configurable instance timeout.
	MinTimeout = 30

	// MaxTimeout is the maximum configurable instance timeout as well as the
	// maximum per-request override.
	MaxTimeout = 3600

	// DefaultTimeout is the instance timeout used when the configuration
	// leaves it unset.
	DefaultTimeout = 300
)

// Config is the configuration of a single proxy instance.  It is immutable
// after [Config.Validate]; reconfiguration replaces the whole table.
type Config struct {
	// Name is the unique instance identifier making up the endpoint path.  It
	// is the key of the instance in the configuration file and is not
	// serialized itself.
	Name string `json:"-"`

	// Tokens are the opaque authentication tokens.  An empty set means that
	// no token is required.
	Tokens []string `json:"tokens"`

	// RestrictOut is the outbound restriction mode.  An empty value defaults
	// to [netpolicy.ModeAny].
	RestrictOut netpolicy.Mode `json:"restrict_out,omitempty"`

	// RestrictOutCIDRs are the admitted destination prefixes in
	// [netpolicy.ModeCIDR].
	RestrictOutCIDRs []netutil.Prefix `json:"restrict_out_cidrs,omitempty"`

	// RestrictInCIDRs are the admitted client prefixes.  An empty set admits
	// every client.
	RestrictInCIDRs []netutil.Prefix `json:"restrict_in_cidrs,omitempty"`

	// Timeout is the default upstream timeout in seconds.  Zero means
	// [DefaultTimeout].
	Timeout uint `json:"timeout,omitempty"`

	// RequiresAuth requires the host framework's own authentication in
	// addition to the token check.
	RequiresAuth bool `json:"requires_auth,omitempty"`

	// outbound and inbound are the compiled admission policies, set by
	// Validate.
	outbound *netpolicy.Outbound
	inbound  *netpolicy.Inbound
}

// type check
var _ validate.Interface = (*Config)(nil)

// Validate implements the [validate.Interface] interface for *Config.  It
// also compiles the admission policies, so it must be called before
// [Config.Outbound] and [Config.Inbound].
func (c *Config) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	var errs []error

	errs = append(errs, validate.NotEmpty("name", c.Name))

	mode := c.RestrictOut
	if mode == "" {
		mode = netpolicy.ModeAny
	}

	if c.Timeout != 0 && (c.Timeout < MinTimeout || c.Timeout > MaxTimeout) {
		errs = append(errs, fmt.Errorf(
			"timeout: out of range: must be no less than %d and no greater than %d, got %d",
			MinTimeout,
			MaxTimeout,
			c.Timeout,
		))
	}

	out, err := netpolicy.NewOutbound(mode, netutil.UnembedPrefixes(c.RestrictOutCIDRs))
	if err != nil {
		errs = append(errs, fmt.Errorf("restrict_out: %w", err))
	} else {
		c.outbound = out
	}

	c.inbound = netpolicy.NewInbound(netutil.UnembedPrefixes(c.RestrictInCIDRs))

	return errors.Join(errs...)
}

// Outbound returns the compiled outbound policy.  c must be validated.
func (c *Config) Outbound() (p *netpolicy.Outbound) { return c.outbound }

// Inbound returns the compiled inbound policy.  c must be validated.
func (c *Config) Inbound() (p *netpolicy.Inbound) { return c.inbound }

// EffectiveTimeout returns the configured timeout as a duration, applying the
// default.
func (c *Config) EffectiveTimeout() (d time.Duration) {
	if c.Timeout == 0 {
		return DefaultTimeout * time.Second
	}

	return time.Duration(c.Timeout) * time.Second
}
