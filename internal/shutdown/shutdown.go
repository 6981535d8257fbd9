// Package shutdown runs ordered cleanup hooks when the process is told to stop.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"

	"github.com/postalsys/udptun/internal/logging"
	"github.com/postalsys/udptun/internal/recovery"
)

// Hook is a named cleanup step.
type Hook struct {
	Name string
	Run  func(ctx context.Context) error
}

// Hooks runs registered cleanup steps in registration order, exactly once.
type Hooks struct {
	logger *slog.Logger

	mu    sync.Mutex
	hooks []Hook
	ran   bool
}

// NewHooks creates an empty hook list.
func NewHooks(logger *slog.Logger) *Hooks {
	return &Hooks{logger: logging.ForComponent(logger, "shutdown")}
}

// Add registers a hook. Hooks added after Run are ignored.
func (h *Hooks) Add(name string, fn func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ran {
		return
	}
	h.hooks = append(h.hooks, Hook{Name: name, Run: fn})
}

// Run executes every hook in order. A failing or panicking hook is logged and
// does not prevent later hooks from running. Only the first call does work.
func (h *Hooks) Run(ctx context.Context) {
	h.mu.Lock()
	if h.ran {
		h.mu.Unlock()
		return
	}
	h.ran = true
	hooks := h.hooks
	h.mu.Unlock()

	for _, hook := range hooks {
		h.runOne(ctx, hook)
	}
}

func (h *Hooks) runOne(ctx context.Context, hook Hook) {
	defer recovery.RecoverWithLog(h.logger, "shutdown."+hook.Name)

	if err := hook.Run(ctx); err != nil {
		h.logger.Warn("shutdown hook failed", "hook", hook.Name, logging.KeyError, err)
		return
	}
	h.logger.Debug("shutdown hook done", "hook", hook.Name)
}

// NotifyContext returns a context canceled on the first termination signal,
// along with a channel that receives that signal.
func NotifyContext(parent context.Context) (context.Context, <-chan os.Signal, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	received := make(chan os.Signal, 1)
	signal.Notify(sigCh, Signals()...)

	go func() {
		select {
		case sig := <-sigCh:
			received <- sig
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, received, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
