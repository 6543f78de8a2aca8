// Package proxy implements the HomieProxy request pipeline: admission,
// authentication, outbound network policy, upstream dispatch, and the
// streaming relay of HTTP and WebSocket traffic.
package proxy

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/netutil"
	"github.com/AdguardTeam/golibs/syncutil"
	"github.com/homieproxy/homieproxy/internal/instance"
	"github.com/homieproxy/homieproxy/internal/metrics"
)

// Default dispatcher parameters.
const (
	// defaultMaxRedirects is the redirect-following cap.
	defaultMaxRedirects = 10

	// defaultDialTimeout bounds a single upstream TCP connect.
	defaultDialTimeout = 30 * time.Second

	// copyBufSize is the size of one pooled relay buffer.  It is the upper
	// bound of bytes the relay holds in flight per direction.
	copyBufSize = 32 * 1024

	// maxStrictTransports caps the number of per-address strict transports
	// kept warm before their idle connections are dropped.
	maxStrictTransports = 64
)

// Config is the configuration of the proxy core.
type Config struct {
	// Logger is used for logging the operation of the proxy.  It must not be
	// nil.
	Logger *slog.Logger

	// TrustedProxies are the peers whose forwarding headers are honored when
	// extracting the client address.  It may be nil, in which case the
	// socket peer is always used.
	TrustedProxies netutil.SubnetSet

	// FrameworkAuth is the host framework's authentication verdict.  It may
	// be nil; instances requiring framework authentication then deny all
	// requests.
	FrameworkAuth FrameworkAuth

	// Resolver resolves target hostnames.  If nil, [net.DefaultResolver] is
	// used.
	Resolver *net.Resolver

	// MaxRedirects caps redirect following.  If zero, a default of ten is
	// used.
	MaxRedirects int
}

// Proxy is the multi-tenant reverse proxy core.  Its only cross-request
// state is the pool of strict-TLS transports and the relay buffer pool.
type Proxy struct {
	logger         *slog.Logger
	trustedProxies netutil.SubnetSet
	frameworkAuth  FrameworkAuth
	resolver       *net.Resolver
	dialer         *net.Dialer
	strictMu       *sync.Mutex
	strict         map[netip.AddrPort]*http.Transport
	bufPool        *syncutil.Pool[[]byte]
	maxRedirects   int
}

// New returns a new properly initialized proxy.  c must not be nil.
func New(c *Config) (p *Proxy) {
	p = &Proxy{
		logger:         c.Logger,
		trustedProxies: c.TrustedProxies,
		frameworkAuth:  c.FrameworkAuth,
		resolver:       c.Resolver,
		dialer: &net.Dialer{
			Timeout: defaultDialTimeout,
		},
		strictMu:     &sync.Mutex{},
		strict:       map[netip.AddrPort]*http.Transport{},
		bufPool:      syncutil.NewSlicePool[byte](copyBufSize),
		maxRedirects: c.MaxRedirects,
	}

	if p.resolver == nil {
		p.resolver = net.DefaultResolver
	}

	if p.maxRedirects == 0 {
		p.maxRedirects = defaultMaxRedirects
	}

	return p
}

// ServeInstance handles one inbound request that the admission edge has
// already dispatched to inst.  It never returns before both relay directions
// have finished.
func (p *Proxy) ServeInstance(w http.ResponseWriter, r *http.Request, inst *instance.Config) {
	ctx := r.Context()
	start := time.Now()

	perr := p.serve(ctx, w, r, inst)
	result := "ok"
	if perr != nil {
		result = string(perr.Kind)
		p.respondError(ctx, w, inst.Name, perr)
	}

	metrics.ObserveRequest(inst.Name, result, time.Since(start))
}

// serve runs the pipeline up to and including the relay.  A non-nil perr has
// not yet been written to the client.
func (p *Proxy) serve(
	ctx context.Context,
	w http.ResponseWriter,
	r *http.Request,
	inst *instance.Config,
) (perr *Error) {
	clientIP, perr := p.clientIP(r)
	if perr != nil {
		return perr
	}

	if !inst.Inbound().Admits(clientIP) {
		p.logger.InfoContext(ctx, "client denied",
			"instance", inst.Name,
			"client_ip", clientIP,
		)

		return newError(KindInboundDenied, "access denied from your ip")
	}

	params, perr := parseRequestParams(r.URL.RawQuery)
	if perr != nil {
		return perr
	}

	perr = p.checkAuth(r, inst, params)
	if perr != nil {
		return perr
	}

	timeout := params.timeout
	if timeout == 0 {
		timeout = inst.EffectiveTimeout()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p.logger.DebugContext(ctx, "dispatching",
		"instance", inst.Name,
		"client_ip", clientIP,
		"method", r.Method,
		"target", params.targetURL,
		"timeout", timeout,
	)

	if isWebSocketRequest(r) {
		return p.relayWebSocket(ctx, w, r, inst, params)
	}

	return p.relayHTTP(ctx, w, r, inst, params)
}

// clientIP extracts the client address.  Forwarding headers are honored only
// when the socket peer is a trusted proxy.
func (p *Proxy) clientIP(r *http.Request) (ip netip.Addr, perr *Error) {
	peer, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		return netip.Addr{}, wrapError(KindInternal, "bad peer address", err)
	}

	ip = peer.Addr().Unmap()
	if p.trustedProxies == nil || !p.trustedProxies.Contains(ip) {
		return ip, nil
	}

	if fwd := forwardedClientIP(r); fwd.IsValid() {
		return fwd, nil
	}

	return ip, nil
}
