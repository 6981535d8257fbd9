// Package cli holds the plumbing shared by the relay binaries: global flags,
// configuration loading, the optional health endpoint and signal handling.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/postalsys/udptun/internal/config"
	"github.com/postalsys/udptun/internal/health"
	"github.com/postalsys/udptun/internal/logging"
	"github.com/postalsys/udptun/internal/metrics"
	"github.com/postalsys/udptun/internal/redirect"
	"github.com/postalsys/udptun/internal/shutdown"
)

// ShutdownTimeout bounds the shutdown hooks as a whole.
const ShutdownTimeout = 10 * time.Second

// UsageError carries the one-line corrective usage message for a bad spec.
type UsageError struct {
	Usage string
	Err   error
}

func (e *UsageError) Error() string { return e.Usage }
func (e *UsageError) Unwrap() error { return e.Err }

// ExactlyOneSpec accepts exactly one positional redirect spec.
func ExactlyOneSpec(usage string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return &UsageError{Usage: usage, Err: redirect.ErrMalformed}
		}
		return nil
	}
}

// Exit prints err and exits with status 1. Usage errors print only the usage
// line.
func Exit(err error) {
	var ue *UsageError
	if errors.As(err, &ue) {
		fmt.Fprintln(os.Stderr, ue.Usage)
	} else {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(1)
}

// Options are the flags every relay binary accepts.
type Options struct {
	ConfigPath     string
	LogLevel       string
	LogFormat      string
	MetricsAddress string
}

// Bind registers the options on fs.
func (o *Options) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.ConfigPath, "config", "c", "", "Path to YAML configuration file")
	fs.StringVar(&o.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&o.LogFormat, "log-format", "", "Log format: text, json")
	fs.StringVar(&o.MetricsAddress, "metrics", "", "Serve /healthz and /metrics on this address")
}

// Load reads the configuration file, if any, and applies flag overrides.
func (o *Options) Load() (*config.Config, error) {
	cfg := config.Default()
	if o.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(o.ConfigPath); err != nil {
			return nil, err
		}
	}

	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Log.Format = o.LogFormat
	}
	if o.MetricsAddress != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = o.MetricsAddress
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Runtime is the process scaffolding around the relay components.
type Runtime struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Hooks   *shutdown.Hooks

	health   *health.Server
	stopping atomic.Bool

	sigOnce sync.Once
	sigCtx  context.Context
	sigs    <-chan os.Signal
	sigStop context.CancelFunc
}

// NewRuntime builds the logger, metrics and hooks for cfg.
func NewRuntime(cfg *config.Config) *Runtime {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	rt := &Runtime{
		Config: cfg,
		Logger: logger,
		Hooks:  shutdown.NewHooks(logger),
	}

	if cfg.Metrics.Enabled {
		rt.Metrics = metrics.Default()
		hc := health.DefaultServerConfig()
		hc.Address = cfg.Metrics.Address
		hc.Logger = logger
		rt.health = health.NewServer(hc)
	} else {
		rt.Metrics = metrics.Unregistered()
	}

	return rt
}

// Watch reports c on the health endpoint, when enabled.
func (rt *Runtime) Watch(c health.Component) {
	if rt.health != nil {
		rt.health.Register(c)
	}
}

// StartHealth starts the health endpoint, when enabled, and registers its
// shutdown.
func (rt *Runtime) StartHealth() error {
	if rt.health == nil {
		return nil
	}
	if err := rt.health.Start(); err != nil {
		return fmt.Errorf("start health server: %w", err)
	}
	rt.Hooks.Add("health", func(context.Context) error { return rt.health.Stop() })
	return nil
}

// Stopping reports whether shutdown has begun.
func (rt *Runtime) Stopping() bool {
	return rt.stopping.Load()
}

// HandleSignals installs the termination signal handler and returns a
// context that ends on the first signal or when ctx ends. Only the first call
// installs it; Wait calls it too. Call it before starting anything that
// shutdown hooks must undo, so an early signal still runs them.
func (rt *Runtime) HandleSignals(ctx context.Context) context.Context {
	rt.sigOnce.Do(func() {
		rt.sigCtx, rt.sigs, rt.sigStop = shutdown.NotifyContext(ctx)
	})
	return rt.sigCtx
}

// Wait blocks until a termination signal arrives or ctx ends, then runs the
// shutdown hooks.
func (rt *Runtime) Wait(ctx context.Context) {
	sigCtx := rt.HandleSignals(ctx)
	defer rt.sigStop()

	select {
	case <-sigCtx.Done():
	case <-ctx.Done():
	}

	select {
	case sig := <-rt.sigs:
		rt.Logger.Info("received signal, shutting down", "signal", sig.String())
	default:
		rt.Logger.Info("shutting down")
	}

	rt.stopping.Store(true)

	hookCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	rt.Hooks.Run(hookCtx)
}
