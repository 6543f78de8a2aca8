package proxy

import (
	"crypto/subtle"
	"net/http"

	"github.com/homieproxy/homieproxy/internal/instance"
)

// FrameworkAuth is the verdict of the host framework's own authentication
// for instances that require it.  Implementations must be safe for
// concurrent use.
type FrameworkAuth interface {
	// Authenticated reports whether the host framework has authenticated r.
	Authenticated(r *http.Request) (ok bool)
}

// checkAuth authorizes the request against the instance token set and, when
// the instance requires it, the host framework.  Token comparison is
// constant-time per candidate so that the check does not leak token bytes.
// An empty token set admits without a token.
func (p *Proxy) checkAuth(r *http.Request, inst *instance.Config, params *requestParams) (perr *Error) {
	if len(inst.Tokens) > 0 {
		if !params.hasToken {
			return newError(KindUnauthorized, "missing authentication token")
		}

		if !tokenMatches(params.token, inst.Tokens) {
			return newError(KindUnauthorized, "invalid authentication token")
		}
	}

	if inst.RequiresAuth {
		// With no framework attached, instances that require framework
		// authentication fail closed.
		if p.frameworkAuth == nil || !p.frameworkAuth.Authenticated(r) {
			return newError(KindUnauthorized, "authentication required")
		}
	}

	return nil
}

// tokenMatches reports whether token equals one of tokens under a
// constant-time comparison.  Every candidate is compared to keep the timing
// independent of the match position.
func tokenMatches(token string, tokens []string) (ok bool) {
	tokenB := []byte(token)
	for _, t := range tokens {
		if subtle.ConstantTimeCompare(tokenB, []byte(t)) == 1 {
			ok = true
		}
	}

	return ok
}
