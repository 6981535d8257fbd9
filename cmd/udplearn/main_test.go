package main

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/postalsys/udptun/internal/cli"
	"github.com/postalsys/udptun/internal/redirect"
)

func TestRootCmd_MalformedSpec(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no argument", nil},
		{"two arguments", []string{"7000:localhost:88", "extra"}},
		{"non-numeric local port", []string{"abc:host:123"}},
		{"non-numeric remote port", []string{"7000:host:kdc"}},
		{"too few fields", []string{"7000:host"}},
		{"too many fields", []string{"7000:host:88:99"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cmd := newRootCmd()
			cmd.SetArgs(tc.args)

			err := cmd.Execute()
			var ue *cli.UsageError
			if !errors.As(err, &ue) {
				t.Fatalf("Execute() = %v, want usage error", err)
			}
			if ue.Usage != redirect.Usage {
				t.Errorf("usage = %q, want %q", ue.Usage, redirect.Usage)
			}
		})
	}
}

func TestRootCmd_BindFailure(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()
	port := pc.LocalAddr().(*net.UDPAddr).Port

	cmd := newRootCmd()
	cmd.SetArgs([]string{
		strconv.Itoa(port) + ":127.0.0.1:88",
		"--log-level", "error",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = cmd.ExecuteContext(ctx)
	if err == nil {
		t.Fatal("Execute() succeeded on a port that is already bound")
	}
	var ue *cli.UsageError
	if errors.As(err, &ue) {
		t.Errorf("bind failure reported as usage error: %v", err)
	}
}

func TestRootCmd_RelaysUntilCanceled(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"0:127.0.0.1:1", "--log-level", "error"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	// The relay runs until its context ends.
	select {
	case err := <-done:
		t.Fatalf("relay exited early: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Execute() = %v after cancel, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop after cancel")
	}
}
