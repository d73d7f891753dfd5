// Package logutil adds a Trace level below slog.LevelDebug, gated by the
// DOPPLER_TRACE environment variable, matching the call-site shape the
// layer runner relies on (logutil.Trace("msg", "k", v)).
package logutil

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

// LevelTrace sits one step below slog.LevelDebug so `slog.SetLogLoggerLevel`
// style filtering still works for callers that only care about Debug/Info.
const LevelTrace = slog.LevelDebug - 4

var (
	once    sync.Once
	enabled bool
)

func traceEnabled() bool {
	once.Do(func() {
		v := os.Getenv("DOPPLER_TRACE")
		enabled = v != "" && v != "0" && v != "false"
	})
	return enabled
}

// Trace logs at LevelTrace if DOPPLER_TRACE is set; otherwise it is a no-op,
// so hot decode-loop call sites can leave Trace calls in place without
// paying slog's formatting cost when tracing is off.
func Trace(msg string, args ...any) {
	if !traceEnabled() {
		return
	}
	slog.Log(context.Background(), LevelTrace, msg, args...)
}

// TraceContext is the context-aware variant, used where a request-scoped
// context carries a derived logger.
func TraceContext(ctx context.Context, msg string, args ...any) {
	if !traceEnabled() {
		return
	}
	slog.Default().Log(ctx, LevelTrace, msg, args...)
}
