package cmd

import (
	"io"
	"log/slog"
	"os"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log file rotation parameters.
const (
	logFileMaxSizeMB = 100
	logFileMaxBackup = 3
)

// newLogger builds the logger from the command-line options.  Rotated file
// output is used for anything that is not stdout or stderr.
func newLogger(opts *options) (l *slog.Logger) {
	var output io.Writer
	switch opts.logFile {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		output = &lumberjack.Logger{
			Filename:   opts.logFile,
			MaxSize:    logFileMaxSizeMB,
			MaxBackups: logFileMaxBackup,
			Compress:   true,
		}
	}

	lvl := slog.LevelInfo
	if opts.verbose {
		lvl = slog.LevelDebug
	}

	return slogutil.New(&slogutil.Config{
		Output:       output,
		Format:       slogutil.FormatDefault,
		Level:        lvl,
		AddTimestamp: true,
	})
}
