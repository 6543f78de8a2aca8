package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/AdguardTeam/golibs/httphdr"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/homieproxy/homieproxy/internal/version"
)

// errorResp is the JSON error document sent to clients.
type errorResp struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
	Instance  string `json:"instance,omitempty"`
	Code      int    `json:"code"`
}

// WriteError writes the JSON error document of kind k to w.  inst may be
// empty when no instance has been resolved.  l must not be nil.
func WriteError(
	ctx context.Context,
	l *slog.Logger,
	w http.ResponseWriter,
	inst string,
	k Kind,
	msg string,
) {
	code := k.HTTPStatus()
	if code == 0 {
		// Client is gone, nothing to write.
		return
	}

	h := w.Header()
	h.Set(httphdr.ContentType, "application/json")
	h.Set(httphdr.Server, "HomieProxy/"+version.Version())

	w.WriteHeader(code)

	err := json.NewEncoder(w).Encode(&errorResp{
		Error:     msg,
		Code:      code,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Instance:  inst,
	})
	if err != nil {
		l.DebugContext(ctx, "writing error response", slogutil.KeyError, err)
	}
}

// respondError logs the full fault and sends its client-visible part.
func (p *Proxy) respondError(
	ctx context.Context,
	w http.ResponseWriter,
	inst string,
	perr *Error,
) {
	lvl := slog.LevelWarn
	if perr.Kind == KindInternal {
		lvl = slog.LevelError
	}

	p.logger.Log(ctx, lvl, "request failed",
		"instance", inst,
		"kind", perr.Kind,
		slogutil.KeyError, perr,
	)

	WriteError(ctx, p.logger, w, inst, perr.Kind, perr.Message)
}
