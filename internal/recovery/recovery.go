// Package recovery keeps a panicking relay session from taking down the
// loop that spawned it.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Counter is incremented once per recovered panic. prometheus.Counter
// satisfies it.
type Counter interface {
	Inc()
}

// RecoverWithLog recovers from a panic and logs it with its stack.
// It must be deferred directly:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "tunnel.Ingress.session")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverAndCount is RecoverWithLog that also bumps c, which may be nil.
func RecoverAndCount(logger *slog.Logger, name string, c Counter) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if c != nil {
			c.Inc()
		}
	}
}

func logPanic(logger *slog.Logger, name string, r any) {
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
