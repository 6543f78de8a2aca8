package websvc

import (
	"net/http"
	"time"
)

// logMw logs the request at debug level with its handling duration.
func (svc *Service) logMw(h http.HandlerFunc) (wrapped http.HandlerFunc) {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		h.ServeHTTP(w, r)

		svc.logger.DebugContext(r.Context(), "handled",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"elapsed", time.Since(start),
		)
	}
}
