// Package version contains HomieProxy version information.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Channel constants.
const (
	ChannelDevelopment = "development"
	ChannelEdge        = "edge"
	ChannelRelease     = "release"
)

// These are set by the linker.  Unfortunately we cannot set constants during
// linking, and Go doesn't have a concept of immutable variables, so to be
// thorough we have to only export them through getters.
var (
	channel    string = ChannelDevelopment
	version    string
	committime string
)

// Channel returns the current HomieProxy release channel.
func Channel() (v string) {
	return channel
}

// vFmtFull defines the format of full version output.
const vFmtFull = "HomieProxy, version %s"

// Full returns the full current version of HomieProxy.
func Full() (v string) {
	return fmt.Sprintf(vFmtFull, Version())
}

// Version returns the HomieProxy build version.
func Version() (v string) {
	if version == "" {
		return ChannelDevelopment
	}

	return version
}

// CommitTime returns the commit time of the current build.
func CommitTime() (v string) {
	return committime
}

// Verbose returns a multiline string with detailed build information.
func Verbose() (v string) {
	b := &strings.Builder{}

	_, _ = fmt.Fprintf(b, "%s\n", Full())
	_, _ = fmt.Fprintf(b, "channel: %s\n", Channel())
	_, _ = fmt.Fprintf(b, "go version: %s\n", runtime.Version())

	if committime != "" {
		_, _ = fmt.Fprintf(b, "commit time: %s\n", committime)
	}

	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "(devel)" {
		_, _ = fmt.Fprintf(b, "module version: %s\n", info.Main.Version)
	}

	return b.String()
}
