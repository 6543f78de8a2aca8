package websvc

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/httphdr"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	httptreemux "github.com/dimfeld/httptreemux/v5"
	"github.com/homieproxy/homieproxy/internal/instance"
	"github.com/homieproxy/homieproxy/internal/proxy"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Path constants of the web service.
const (
	PathHealthCheck = "/health-check"
	PathDebug       = "/debug"
	PathMetrics     = "/metrics"
	PathInstance    = "/:instance"
)

// instanceMethods are the standard methods routed to the proxy endpoints.
// Nonstandard methods reach the proxy through the method-not-allowed
// fallback of the mux.
var instanceMethods = []string{
	http.MethodGet,
	http.MethodHead,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodOptions,
}

// newMux returns a new HTTP request multiplexer for the web service.
func newMux(svc *Service) (mux *httptreemux.ContextMux) {
	mux = httptreemux.NewContextMux()

	mux.Handle(http.MethodGet, PathHealthCheck, svc.handleGetHealthCheck)
	mux.Handle(http.MethodGet, PathDebug, svc.logMw(svc.handleGetDebug))
	mux.Handle(http.MethodGet, PathMetrics, promhttp.Handler().ServeHTTP)

	for _, method := range instanceMethods {
		mux.Handle(method, PathInstance, svc.logMw(svc.handleInstance))
	}

	mux.NotFoundHandler = func(w http.ResponseWriter, r *http.Request) {
		proxy.WriteError(
			r.Context(),
			svc.logger,
			w,
			"",
			proxy.KindInstanceNotFound,
			"unknown endpoint",
		)
	}

	// The instance endpoints pass arbitrary methods through, so a method the
	// mux has no handler for still goes to the proxy.  The path parameter is
	// not available here and is recovered from the path itself.
	mux.MethodNotAllowedHandler = func(
		w http.ResponseWriter,
		r *http.Request,
		_ map[string]httptreemux.HandlerFunc,
	) {
		svc.logMw(func(w http.ResponseWriter, r *http.Request) {
			svc.serveInstance(w, r, strings.Trim(r.URL.Path, "/"))
		})(w, r)
	}

	return mux
}

// handleGetHealthCheck is the handler for the GET /health-check HTTP API.
func (svc *Service) handleGetHealthCheck(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("OK"))
}

// handleInstance routes the request to the proxy instance named by the path
// parameter.
func (svc *Service) handleInstance(w http.ResponseWriter, r *http.Request) {
	svc.serveInstance(w, r, httptreemux.ContextParams(r.Context())["instance"])
}

// serveInstance hands the request to the named proxy instance.
func (svc *Service) serveInstance(w http.ResponseWriter, r *http.Request, name string) {
	inst := svc.registry.Get(name)
	if inst == nil {
		proxy.WriteError(
			r.Context(),
			svc.logger,
			w,
			name,
			proxy.KindInstanceNotFound,
			"unknown instance",
		)

		return
	}

	svc.proxy.ServeInstance(w, r, inst)
}

// debugResp is the JSON payload of the debug endpoint.
type debugResp struct {
	Instances map[string]*debugInstance `json:"instances"`
	Timestamp string                    `json:"timestamp"`
	Uptime    string                    `json:"uptime"`
}

// debugInstance is the per-instance part of the debug payload.
type debugInstance struct {
	RestrictOut      string   `json:"restrict_out"`
	Tokens           []string `json:"tokens"`
	RestrictOutCIDRs []string `json:"restrict_out_cidrs,omitempty"`
	RestrictInCIDRs  []string `json:"restrict_in_cidrs,omitempty"`
	Timeout          uint     `json:"timeout"`
	RequiresAuth     bool     `json:"requires_auth"`
}

// redactedToken replaces token values in the debug payload.
const redactedToken = "REDACTED"

// handleGetDebug is the handler for the GET /debug HTTP API.  It dumps the
// active instance table.
func (svc *Service) handleGetDebug(w http.ResponseWriter, r *http.Request) {
	resp := &debugResp{
		Instances: map[string]*debugInstance{},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(svc.start).Truncate(time.Second).String(),
	}

	for _, inst := range svc.registry.All() {
		resp.Instances[inst.Name] = svc.newDebugInstance(inst)
	}

	w.Header().Set(httphdr.ContentType, "application/json")

	err := json.NewEncoder(w).Encode(resp)
	if err != nil {
		svc.logger.DebugContext(r.Context(), "writing debug response", slogutil.KeyError, err)
	}
}

// newDebugInstance converts inst into its debug payload form, redacting
// token values when configured to.
func (svc *Service) newDebugInstance(inst *instance.Config) (di *debugInstance) {
	di = &debugInstance{
		RestrictOut:  string(inst.RestrictOut),
		Tokens:       make([]string, 0, len(inst.Tokens)),
		Timeout:      inst.Timeout,
		RequiresAuth: inst.RequiresAuth,
	}

	for _, tok := range inst.Tokens {
		if svc.redactDebug {
			tok = redactedToken
		}

		di.Tokens = append(di.Tokens, tok)
	}

	for _, p := range inst.RestrictOutCIDRs {
		di.RestrictOutCIDRs = append(di.RestrictOutCIDRs, p.String())
	}

	for _, p := range inst.RestrictInCIDRs {
		di.RestrictInCIDRs = append(di.RestrictInCIDRs, p.String())
	}

	return di
}
