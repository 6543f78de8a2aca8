package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/google/renameio/v2/maybe"
	"github.com/homieproxy/homieproxy/internal/instance"
)

// signalHandler processes incoming signals: SIGHUP reloads the instance
// table, SIGINT and SIGTERM shut the services down.
type signalHandler struct {
	logger *slog.Logger

	// watcher reloads the instance table on SIGHUP.
	watcher *instance.Watcher

	// signal is the channel to which OS signals are sent.
	signal chan os.Signal

	// pidFile is the path to the file where to store the PID, if any.
	pidFile string

	// services are the services that are shut down before exiting.
	services []service.Interface
}

// newSignalHandler returns a new signalHandler that shuts down svcs.
func newSignalHandler(
	logger *slog.Logger,
	watcher *instance.Watcher,
	pidFile string,
	svcs ...service.Interface,
) (h *signalHandler) {
	h = &signalHandler{
		logger:   logger,
		watcher:  watcher,
		signal:   make(chan os.Signal, 1),
		pidFile:  pidFile,
		services: svcs,
	}

	signal.Notify(h.signal, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	return h
}

// handle processes OS signals.  It does not return until a shutdown signal
// arrives.
func (h *signalHandler) handle(ctx context.Context) {
	defer slogutil.RecoverAndLog(ctx, h.logger)

	h.writePID(ctx)

	for sig := range h.signal {
		h.logger.InfoContext(ctx, "received signal", "signal", sig.String())

		if sig == syscall.SIGHUP {
			h.reload(ctx)

			continue
		}

		status := h.shutdown(ctx)
		h.removePID(ctx)

		h.logger.InfoContext(ctx, "exiting", "status", status)

		os.Exit(status)
	}
}

// reload rereads the instance table in place.  A failed reload keeps the
// previous table.
func (h *signalHandler) reload(ctx context.Context) {
	err := h.watcher.Reload(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "reloading instances", slogutil.KeyError, err)
	}
}

// shutdown gracefully shuts down all services.
func (h *signalHandler) shutdown(ctx context.Context) (status int) {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	status = osutil.ExitCodeSuccess

	h.logger.InfoContext(ctx, "shutting down services")
	for _, svc := range h.services {
		err := svc.Shutdown(ctx)
		if err != nil {
			h.logger.ErrorContext(ctx, "shutting down service", slogutil.KeyError, err)
			status = osutil.ExitCodeFailure
		}
	}

	return status
}

// writePID writes the PID to the file, if needed.  Any errors are reported
// to the log.
func (h *signalHandler) writePID(ctx context.Context) {
	if h.pidFile == "" {
		return
	}

	// Use 8, since most PIDs will fit.
	data := make([]byte, 0, 8)
	data = strconv.AppendInt(data, int64(os.Getpid()), 10)
	data = append(data, '\n')

	err := maybe.WriteFile(h.pidFile, data, 0o644)
	if err != nil {
		h.logger.ErrorContext(ctx, "writing pidfile", slogutil.KeyError, err)

		return
	}

	h.logger.DebugContext(ctx, "wrote pid", "path", h.pidFile)
}

// removePID removes the PID file, if any.
func (h *signalHandler) removePID(ctx context.Context) {
	if h.pidFile == "" {
		return
	}

	err := os.Remove(h.pidFile)
	if err != nil {
		h.logger.ErrorContext(ctx, "removing pidfile", slogutil.KeyError, err)

		return
	}

	h.logger.DebugContext(ctx, "removed pidfile", "path", h.pidFile)
}
