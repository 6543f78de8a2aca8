// Package cmd is the HomieProxy entry point.  It assembles the instance
// table, the proxy core, the web service, and the signal processing logic.
package cmd

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/homieproxy/homieproxy/internal/instance"
	"github.com/homieproxy/homieproxy/internal/proxy"
	"github.com/homieproxy/homieproxy/internal/version"
	"github.com/homieproxy/homieproxy/internal/websvc"
)

// Service timeouts.
const (
	// readHeaderTimeout bounds reading the head of an inbound request.
	// Relayed transfers themselves are bounded per instance.
	readHeaderTimeout = 60 * time.Second

	// shutdownTimeout bounds a graceful shutdown.
	shutdownTimeout = 5 * time.Second
)

// Main is the entry point of HomieProxy.
func Main() {
	cmdName := os.Args[0]
	opts, err := parseOptions(cmdName, os.Args[1:])
	exitCode, needExit := processOptions(opts, cmdName, err)
	if needExit {
		os.Exit(exitCode)
	}

	logger := newLogger(opts)
	ctx := context.Background()

	logger.InfoContext(ctx, "starting homieproxy",
		"version", version.Version(),
		"pid", os.Getpid(),
	)

	listenAddr, err := listenAddrFromOpts(opts)
	check(err)

	insts, err := instance.Bootstrap(opts.confFile)
	check(err)

	logger.InfoContext(ctx, "instances loaded",
		"path", opts.confFile,
		"count", len(insts),
	)

	registry := instance.NewRegistry(insts)

	watcher, err := instance.NewWatcher(&instance.WatcherConfig{
		Logger:   logger.With(slogutil.KeyPrefix, "watcher"),
		Registry: registry,
		Path:     opts.confFile,
	})
	check(err)

	err = watcher.Start(ctx)
	check(err)

	web := websvc.New(&websvc.Config{
		Logger:   logger.With(slogutil.KeyPrefix, "websvc"),
		Registry: registry,
		Proxy: proxy.New(&proxy.Config{
			Logger:         logger.With(slogutil.KeyPrefix, "proxy"),
			TrustedProxies: loopbackNets,
		}),
		Addresses:   []netip.AddrPort{listenAddr},
		Timeout:     readHeaderTimeout,
		RedactDebug: !opts.plainDebug,
	})

	err = web.Start(ctx)
	check(err)

	sigHdlr := newSignalHandler(
		logger.With(slogutil.KeyPrefix, "sighdlr"),
		watcher,
		opts.pidFile,
		web,
		watcher,
	)

	sigHdlr.handle(ctx)
}

// loopbackNets are the peers whose forwarding headers are trusted.  Only a
// local frontend, such as a TLS terminator on the same host, may speak for
// the client.
var loopbackNets = netutil.SliceSubnetSet{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
}

// listenAddrFromOpts builds the listen address from the host and port
// options.
func listenAddrFromOpts(opts *options) (ap netip.AddrPort, err error) {
	ip, err := netip.ParseAddr(opts.host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("bad host %q: %w", opts.host, err)
	}

	if opts.port == 0 || opts.port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("bad port %d", opts.port)
	}

	return netip.AddrPortFrom(ip, uint16(opts.port)), nil
}

// check is a simple error-checking helper.  It must only be used within
// Main.
func check(err error) {
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)

		os.Exit(osutil.ExitCodeFailure)
	}
}
