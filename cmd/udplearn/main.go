// Package main provides the udplearn CLI, a datagram relay between a fixed
// server and a client learned from traffic.
package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/udptun/internal/cli"
	"github.com/postalsys/udptun/internal/health"
	"github.com/postalsys/udptun/internal/learn"
	"github.com/postalsys/udptun/internal/redirect"
	"github.com/postalsys/udptun/internal/sockopt"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		cli.Exit(err)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cli.Options{}

	cmd := &cobra.Command{
		Use:   "udplearn LOCAL-PORT:HOST:REMOTE-PORT",
		Short: "udplearn - endpoint-learning datagram relay",
		Long: `udplearn listens for datagrams on LOCAL-PORT. Datagrams from HOST:REMOTE-PORT
go to the most recent other sender; datagrams from anyone else go to
HOST:REMOTE-PORT and make their sender the client.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cli.ExactlyOneSpec(redirect.Usage),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := redirect.Parse(args[0])
			if err != nil {
				if errors.Is(err, redirect.ErrMalformed) {
					return &cli.UsageError{Usage: redirect.Usage, Err: err}
				}
				return err
			}

			cfg, err := opts.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			rt := cli.NewRuntime(cfg)

			r := learn.New(learn.Config{
				BindHost:        cfg.Learn.BindHost,
				BindPort:        spec.LocalPort,
				RemoteHost:      spec.Host,
				RemotePort:      spec.RemotePort,
				MaxDatagramSize: cfg.Learn.MaxDatagramSize,
				Socket: sockopt.Options{
					ReuseAddr:   cfg.Socket.ReuseAddr,
					ReadBuffer:  cfg.Socket.ReadBuffer,
					WriteBuffer: cfg.Socket.WriteBuffer,
				},
				Logger:  rt.Logger,
				Metrics: rt.Metrics,
			})
			if err := r.Start(cmd.Context()); err != nil {
				return fmt.Errorf("failed to bind on port %d: %w", spec.LocalPort, err)
			}

			rt.Watch(health.Component{
				Name:    "learn",
				Running: r.IsRunning,
				Stats:   func() any { return r.Stats() },
			})
			rt.Hooks.Add("learn", func(context.Context) error {
				err := r.Stop()
				s := r.Stats()
				rt.Logger.Info("learning relay stopped",
					"to_server", s.ToServer,
					"to_client", s.ToClient,
					"dropped", s.Dropped,
					"client_changes", s.ClientChanges,
					"bytes", humanize.Bytes(s.Bytes))
				return err
			})

			if err := rt.StartHealth(); err != nil {
				r.Stop()
				return err
			}

			rt.Wait(cmd.Context())
			return nil
		},
	}

	opts.Bind(cmd.Flags())

	return cmd
}
