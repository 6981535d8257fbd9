// Package main provides the udptun CLI, which carries datagrams over stream
// connections. The local half (Tunnel-Ingress) turns each datagram into one
// stream exchange; the remote half (Tunnel-Egress) turns each exchange back
// into a datagram query.
package main

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/udptun/internal/cli"
	"github.com/postalsys/udptun/internal/config"
	"github.com/postalsys/udptun/internal/health"
	"github.com/postalsys/udptun/internal/sockopt"
	"github.com/postalsys/udptun/internal/tunnel"
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

	rootCmd := &cobra.Command{
		Use:   "udptun",
		Short: "udptun - datagram relay over stream tunnels",
		Long: `udptun relays datagram queries (such as Kerberos ticket requests)
across networks that only allow stream connections.

Run "udptun remote" next to the datagram server and "udptun local" next
to the client with a stream tunnel (for example an SSH port forward)
between them, or let "udptun auto" start the remote half over SSH.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	opts.Bind(rootCmd.PersistentFlags())

	rootCmd.AddCommand(localCmd(opts))
	rootCmd.AddCommand(remoteCmd(opts))
	rootCmd.AddCommand(autoCmd(opts))

	return rootCmd
}

func socketOptions(cfg *config.Config) sockopt.Options {
	return sockopt.Options{
		ReuseAddr:   cfg.Socket.ReuseAddr,
		ReadBuffer:  cfg.Socket.ReadBuffer,
		WriteBuffer: cfg.Socket.WriteBuffer,
	}
}

// ingressConfig builds the Tunnel-Ingress settings shared by local and auto.
func ingressConfig(rt *cli.Runtime, bind, tunnelAddr string) tunnel.IngressConfig {
	cfg := rt.Config
	return tunnel.IngressConfig{
		BindAddress:     bind,
		TunnelAddress:   tunnelAddr,
		MaxDatagramSize: cfg.Tunnel.MaxDatagramSize,
		DialTimeout:     cfg.Tunnel.DialTimeout,
		IOTimeout:       cfg.Tunnel.IOTimeout,
		MaxSessions:     cfg.Tunnel.MaxSessions,
		RateLimit:       cfg.Tunnel.RateLimit,
		Socket:          socketOptions(cfg),
		Logger:          rt.Logger,
		Metrics:         rt.Metrics,
	}
}

// watchIngress registers in for health reporting and a stopping hook that
// logs a traffic summary.
func watchIngress(rt *cli.Runtime, in *tunnel.Ingress) {
	rt.Watch(health.Component{
		Name:    "ingress",
		Running: in.IsRunning,
		Stats:   func() any { return in.Stats() },
	})
	rt.Hooks.Add("ingress", func(context.Context) error {
		err := in.Stop()
		logSummary(rt, "ingress stopped", in.Stats())
		return err
	})
}

func logSummary(rt *cli.Runtime, msg string, s tunnel.Stats) {
	rt.Logger.Info(msg,
		"sessions", s.Sessions,
		"failed", s.Failed,
		"rejected", s.Rejected,
		"request_bytes", humanize.Bytes(s.RequestBytes),
		"reply_bytes", humanize.Bytes(s.ReplyBytes))
}
