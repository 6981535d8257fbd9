//go:build !windows

package cli

import (
	"context"
	"syscall"
	"testing"
	"time"
)

func TestRuntime_SignalBeforeWaitRunsHooks(t *testing.T) {
	o := Options{}
	cfg, err := o.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rt := NewRuntime(cfg)

	ran := make(chan struct{})
	rt.Hooks.Add("terminate", func(context.Context) error {
		close(ran)
		return nil
	})

	ctx := rt.HandleSignals(context.Background())
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatalf("kill: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("signal did not end the context")
	}

	done := make(chan struct{})
	go func() {
		rt.Wait(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Wait did not return for a signal received before it was called")
	}
	select {
	case <-ran:
	default:
		t.Error("shutdown hook did not run")
	}
	if !rt.Stopping() {
		t.Error("Stopping should be set after Wait")
	}
}
