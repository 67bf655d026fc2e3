// Package logging builds the go-kit logger shared by all components.
package logging

import (
	"io"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// New returns a logger writing to w in the given format ("json" or
// logfmt) that drops records below lvl. Every record carries a UTC
// timestamp and the caller.
func New(w io.Writer, format, lvl string) log.Logger {
	var logger log.Logger
	if format == "json" {
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}
	logger = log.With(logger,
		"ts", log.DefaultTimestampUTC,
		"caller", log.DefaultCaller,
	)

	switch lvl {
	case "info":
		logger = level.NewFilter(logger, level.AllowInfo())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowDebug())
	}
	return logger
}

// StdWriter adapts a logger to an io.Writer for libraries that log
// through the standard log package. Lines are logged at warn level.
type StdWriter struct {
	logger log.Logger
}

// NewStdWriter returns an io.Writer that forwards each write as one
// record.
func NewStdWriter(logger log.Logger) *StdWriter {
	return &StdWriter{logger: logger}
}

func (w *StdWriter) Write(p []byte) (int, error) {
	msg := string(p)
	for len(msg) > 0 && (msg[len(msg)-1] == '\n' || msg[len(msg)-1] == '\r') {
		msg = msg[:len(msg)-1]
	}
	level.Warn(w.logger).Log("msg", msg)
	return len(p), nil
}
