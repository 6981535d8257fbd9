package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/postalsys/udptun/internal/cli"
	"github.com/postalsys/udptun/internal/health"
	"github.com/postalsys/udptun/internal/logging"
	"github.com/postalsys/udptun/internal/redirect"
	"github.com/postalsys/udptun/internal/tunnel"
)

func remoteCmd(opts *cli.Options) *cobra.Command {
	var marker string

	cmd := &cobra.Command{
		Use:   "remote LOCAL-PORT:HOST:REMOTE-PORT",
		Short: "Run the Tunnel-Egress",
		Long: `Accept stream connections on 127.0.0.1:LOCAL-PORT. Each connection carries
one request, which is sent as a datagram to HOST:REMOTE-PORT and resent
every reply timeout until a reply arrives. The reply is written back and
the connection closed.`,
		Args: cli.ExactlyOneSpec(redirect.Usage),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := parseSpec(args[0])
			if err != nil {
				return err
			}

			cfg, err := opts.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			rt := cli.NewRuntime(cfg)
			if marker != "" {
				rt.Logger = rt.Logger.With(logging.KeyMarker, marker)
			}

			e := tunnel.NewEgress(tunnel.EgressConfig{
				ListenAddress:       redirect.HostPort("127.0.0.1", spec.LocalPort),
				DestHost:            spec.Host,
				DestPort:            spec.RemotePort,
				MaxDatagramSize:     cfg.Tunnel.MaxDatagramSize,
				ReplyTimeout:        cfg.Tunnel.ReplyTimeout,
				ValidateReplySource: cfg.Tunnel.ValidateReplySource,
				IOTimeout:           cfg.Tunnel.IOTimeout,
				SessionTimeout:      cfg.Tunnel.SessionTimeout,
				MaxSessions:         cfg.Tunnel.EgressMaxSessions,
				Socket:              socketOptions(cfg),
				Logger:              rt.Logger,
				Metrics:             rt.Metrics,
			})
			if err := e.Start(); err != nil {
				return fmt.Errorf("failed to start egress: %w", err)
			}

			rt.Watch(health.Component{
				Name:    "egress",
				Running: e.IsRunning,
				Stats:   func() any { return e.Stats() },
			})
			rt.Hooks.Add("egress", func(context.Context) error {
				err := e.Stop()
				logSummary(rt, "egress stopped", e.Stats())
				return err
			})

			if err := rt.StartHealth(); err != nil {
				e.Stop()
				return err
			}

			rt.Wait(cmd.Context())
			return nil
		},
	}

	cmd.Flags().StringVar(&marker, "marker", "", "Process marker set by the bootstrap controller")

	return cmd
}
