package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/postalsys/udptun/internal/redirect"
)

func TestExactlyOneSpec(t *testing.T) {
	check := ExactlyOneSpec(redirect.Usage)
	cmd := &cobra.Command{}

	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{"none", nil, true},
		{"one", []string{"7000:localhost:88"}, false},
		{"two", []string{"7000:localhost:88", "extra"}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := check(cmd, tc.args)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if err == nil {
				return
			}
			var ue *UsageError
			if !errors.As(err, &ue) || ue.Error() != redirect.Usage {
				t.Errorf("err = %v, want usage line", err)
			}
			if !errors.Is(err, redirect.ErrMalformed) {
				t.Error("usage error should wrap ErrMalformed")
			}
		})
	}
}

func TestOptions_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: warn\n  format: json\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var o Options
	o.Bind(fs)
	if err := fs.Parse([]string{"--config", path, "--log-level", "debug", "--metrics", "127.0.0.1:9999"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := o.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want flag override debug", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %s, want file value json", cfg.Log.Format)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Address != "127.0.0.1:9999" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
}

func TestOptions_LoadInvalidOverride(t *testing.T) {
	o := Options{LogFormat: "xml"}
	if _, err := o.Load(); err == nil {
		t.Fatal("expected validation error for bad log format")
	}
}

func TestRuntime_WaitRunsHooksOnCancel(t *testing.T) {
	o := Options{}
	cfg, err := o.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rt := NewRuntime(cfg)

	ran := make(chan struct{})
	rt.Hooks.Add("test", func(context.Context) error {
		if !rt.Stopping() {
			t.Error("Stopping should be set while hooks run")
		}
		close(ran)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rt.Wait(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Wait did not return after cancel")
	}
	select {
	case <-ran:
	default:
		t.Error("shutdown hook did not run")
	}
}
