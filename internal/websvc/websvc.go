// Package websvc contains the HomieProxy web service: the HTTP admission
// edge that routes per-instance proxy endpoints, the debug endpoint, and the
// metrics endpoint.
//
// NOTE: Packages other than cmd must not import this package, as it imports
// most other packages.
package websvc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/homieproxy/homieproxy/internal/instance"
	"github.com/homieproxy/homieproxy/internal/proxy"
)

// Config is the web service configuration.
type Config struct {
	// Logger is used for logging the operation of the web service.  It must
	// not be nil.
	Logger *slog.Logger

	// Registry is the instance table the service routes by.  It must not be
	// nil.
	Registry *instance.Registry

	// Proxy is the request pipeline behind the instance endpoints.  It must
	// not be nil.
	Proxy *proxy.Proxy

	// Addresses are the addresses to listen on.  There must be at least one.
	Addresses []netip.AddrPort

	// Timeout is the header read timeout of the servers.  Relayed requests
	// themselves are bounded per instance, so the write timeouts stay unset.
	Timeout time.Duration

	// RedactDebug removes token values from the debug endpoint payload.
	RedactDebug bool
}

// Service is the HomieProxy web service.  A nil *Service is a valid
// [service.Interface] that does nothing.
type Service struct {
	logger      *slog.Logger
	registry    *instance.Registry
	proxy       *proxy.Proxy
	start       time.Time
	servers     []*http.Server
	redactDebug bool
}

// New returns a new properly initialized web service.  c must not be nil.
func New(c *Config) (svc *Service) {
	svc = &Service{
		logger:      c.Logger,
		registry:    c.Registry,
		proxy:       c.Proxy,
		start:       time.Now(),
		redactDebug: c.RedactDebug,
	}

	mux := newMux(svc)
	for _, addr := range c.Addresses {
		svc.servers = append(svc.servers, newSrv(addr, mux, c.Timeout))
	}

	return svc
}

// newSrv returns a new *http.Server listening on addr.  The relay holds
// response writers open for the lifetime of upstream transfers, so only the
// header read is bounded here.
func newSrv(addr netip.AddrPort, h http.Handler, timeout time.Duration) (srv *http.Server) {
	return &http.Server{
		Addr:              addr.String(),
		Handler:           h,
		ReadHeaderTimeout: timeout,
	}
}

// type check
var _ service.Interface = (*Service)(nil)

// Start implements the [service.Interface] interface for *Service.  svc may
// be nil.  It binds every listener before returning, so an address already
// in use fails the whole start.  After Start exits successfully, all servers
// have reached their accept loops.
func (svc *Service) Start(ctx context.Context) (err error) {
	if svc == nil {
		return nil
	}

	wg := &sync.WaitGroup{}
	for _, srv := range svc.servers {
		var l net.Listener
		l, err = net.Listen("tcp", srv.Addr)
		if err != nil {
			return fmt.Errorf("binding %s: %w", srv.Addr, err)
		}

		// Addresses with a zero port resolve on bind.
		srv.Addr = l.Addr().String()

		svc.logger.InfoContext(ctx, "listening", "addr", srv.Addr)

		wg.Add(1)
		go svc.serve(ctx, srv, &waitListener{
			Listener:      l,
			firstAcceptWG: wg,
		})
	}

	wg.Wait()

	return nil
}

// serve runs the accept loop of srv and logs its terminal error.
func (svc *Service) serve(ctx context.Context, srv *http.Server, l net.Listener) {
	defer slogutil.RecoverAndLog(ctx, svc.logger)

	err := srv.Serve(l)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		svc.logger.ErrorContext(ctx, "server failed",
			"addr", srv.Addr,
			slogutil.KeyError, err,
		)
	}
}

// Shutdown implements the [service.Interface] interface for *Service.  svc
// may be nil.
func (svc *Service) Shutdown(ctx context.Context) (err error) {
	if svc == nil {
		return nil
	}

	defer func() { err = errors.Annotate(err, "shutting down web service: %w") }()

	var errs []error
	for _, srv := range svc.servers {
		shutdownErr := srv.Shutdown(ctx)
		if shutdownErr != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", srv.Addr, shutdownErr))
		}
	}

	return errors.Join(errs...)
}

// Addrs returns the addresses the service is serving on.  It must not be
// called simultaneously with Start.  Addresses with a zero port are resolved
// once Start has returned.
func (svc *Service) Addrs() (addrs []string) {
	for _, srv := range svc.servers {
		addrs = append(addrs, srv.Addr)
	}

	return addrs
}
