// Package recovery keeps a panic in one agent connection from taking the
// whole hub down.
//
// Each long-lived goroutine defers one of these helpers first:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "correlator.deliver")
//	    ...
//	}()
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers a panic and logs it under name.
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		LogPanic(logger, name, r)
	}
}

// RecoverWithCallback is RecoverWithLog followed by onPanic, if set. The
// transport uses onPanic to count the failure.
func RecoverWithCallback(logger *slog.Logger, name string, onPanic func(recovered any)) {
	r := recover()
	if r == nil {
		return
	}
	LogPanic(logger, name, r)
	if onPanic != nil {
		onPanic(r)
	}
}

// LogPanic logs a value obtained from recover together with the stack of
// the calling goroutine. Workers that recover inline call it directly.
func LogPanic(logger *slog.Logger, name string, recovered any) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprint(recovered),
		"stack", string(debug.Stack()))
}
