package netpolicy

import (
	"encoding"
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
)

// Mode is the outbound restriction mode of an instance.
type Mode string

// Mode values.
//
// NOTE: Do not change the string values, they are a part of the configuration
// schema.
const (
	// ModeAny admits every destination.
	ModeAny Mode = "any"

	// ModeExternal admits only public destinations.
	ModeExternal Mode = "external"

	// ModeInternal admits only private and loopback destinations.
	ModeInternal Mode = "internal"

	// ModeCIDR admits destinations within a configured set of prefixes.
	ModeCIDR Mode = "cidr"
)

// ErrBadMode is returned when an unknown outbound mode is used.
const ErrBadMode errors.Error = "bad outbound mode"

// type check
var _ encoding.TextUnmarshaler = (*Mode)(nil)

// UnmarshalText implements the [encoding.TextUnmarshaler] interface for
// *Mode.
func (m *Mode) UnmarshalText(b []byte) (err error) {
	switch v := Mode(b); v {
	case ModeAny, ModeExternal, ModeInternal, ModeCIDR:
		*m = v

		return nil
	default:
		return fmt.Errorf("%w: %q", ErrBadMode, b)
	}
}

// type check
var _ encoding.TextMarshaler = ModeAny

// MarshalText implements the [encoding.TextMarshaler] interface for Mode.
// err is always nil.
func (m Mode) MarshalText() (b []byte, err error) {
	return []byte(m), nil
}
