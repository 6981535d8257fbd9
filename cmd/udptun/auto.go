package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/postalsys/udptun/internal/bootstrap"
	"github.com/postalsys/udptun/internal/cli"
	"github.com/postalsys/udptun/internal/config"
	"github.com/postalsys/udptun/internal/health"
	"github.com/postalsys/udptun/internal/redirect"
	"github.com/postalsys/udptun/internal/tunnel"
)

// autoFlags override the ssh and tunnel configuration sections.
type autoFlags struct {
	bind           string
	tunnelPort     uint16
	sshPort        int
	identityFiles  []string
	knownHosts     string
	insecure       bool
	passwordPrompt bool
	remoteBinary   string
	upload         bool
	marker         string
}

func autoCmd(opts *cli.Options) *cobra.Command {
	var f autoFlags

	cmd := &cobra.Command{
		Use:   "auto LOCAL-PORT:USER@TUNNEL-HOST:REMOTE-PORT:DESTINATION-HOST",
		Short: "Start the remote half over SSH and run the local half",
		Long: `Connect to TUNNEL-HOST over SSH as USER, start "udptun remote" there
forwarding to DESTINATION-HOST:REMOTE-PORT, and run the Tunnel-Ingress on
LOCAL-PORT carried over the same SSH connection. On termination the remote
process is killed over a fresh SSH connection.`,
		Args: cli.ExactlyOneSpec(redirect.AutoUsage),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := redirect.ParseAuto(args[0])
			if err != nil {
				if errors.Is(err, redirect.ErrMalformed) {
					return &cli.UsageError{Usage: redirect.AutoUsage, Err: err}
				}
				return err
			}

			cfg, err := opts.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			f.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runAuto(cmd.Context(), cli.NewRuntime(cfg), spec, f.marker)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.bind, "bind", "", "Host the local datagram socket binds to (default from config: 127.0.0.1)")
	flags.Uint16Var(&f.tunnelPort, "tunnel-port", 0, "Remote loopback port for the Tunnel-Egress (default: LOCAL-PORT)")
	flags.IntVarP(&f.sshPort, "ssh-port", "p", 0, "SSH server port")
	flags.StringSliceVarP(&f.identityFiles, "identity", "i", nil, "SSH private key file (repeatable)")
	flags.StringVar(&f.knownHosts, "known-hosts", "", "known_hosts file used to verify the SSH server")
	flags.BoolVar(&f.insecure, "insecure-ignore-host-key", false, "Skip SSH host key verification")
	flags.BoolVar(&f.passwordPrompt, "password", false, "Prompt for an SSH password")
	flags.StringVar(&f.remoteBinary, "remote-binary", "", "Path of udptun on the remote host")
	flags.BoolVar(&f.upload, "upload", false, "Upload this executable instead of using an installed one")
	flags.StringVar(&f.marker, "marker", "", "Remote process marker (default: random)")

	return cmd
}

// apply copies flags the user set onto cfg.
func (f *autoFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed

	if changed("bind") {
		cfg.Tunnel.BindHost = f.bind
	}
	if changed("tunnel-port") {
		cfg.SSH.TunnelPort = int(f.tunnelPort)
	}
	if changed("ssh-port") {
		cfg.SSH.Port = f.sshPort
	}
	if changed("identity") {
		cfg.SSH.IdentityFiles = f.identityFiles
	}
	if changed("known-hosts") {
		cfg.SSH.KnownHosts = f.knownHosts
	}
	if changed("insecure-ignore-host-key") {
		cfg.SSH.InsecureIgnoreHostKey = f.insecure
	}
	if changed("password") {
		cfg.SSH.PasswordPrompt = f.passwordPrompt
	}
	if changed("remote-binary") {
		cfg.SSH.RemoteBinary = f.remoteBinary
	}
	if changed("upload") {
		cfg.SSH.Upload = f.upload
	}
}

// tunnelPort picks the remote egress port: configured, else the local port.
func tunnelPort(cfg *config.Config, spec redirect.AutoSpec) uint16 {
	if cfg.SSH.TunnelPort != 0 {
		return uint16(cfg.SSH.TunnelPort)
	}
	return spec.LocalPort
}

func bootstrapConfig(rt *cli.Runtime, spec redirect.AutoSpec, marker string) bootstrap.Config {
	cfg := rt.Config

	bc := bootstrap.DefaultConfig()
	bc.User = spec.User
	bc.Host = spec.TunnelHost
	bc.Port = cfg.SSH.Port
	bc.Auth = bootstrap.AuthConfig{
		IdentityFiles:  cfg.SSH.IdentityFiles,
		UseAgent:       cfg.SSH.UseAgent,
		Password:       cfg.SSH.Password,
		PasswordPrompt: cfg.SSH.PasswordPrompt,
	}
	bc.KnownHostsFile = cfg.SSH.KnownHosts
	bc.InsecureIgnoreHostKey = cfg.SSH.InsecureIgnoreHostKey
	bc.Egress = spec.EgressSpec(tunnelPort(cfg, spec))
	bc.RemoteBinary = cfg.SSH.RemoteBinary
	bc.Upload = cfg.SSH.Upload
	bc.RemoteDir = cfg.SSH.RemoteDir
	bc.Marker = marker
	bc.ConnectTimeout = cfg.SSH.ConnectTimeout
	bc.TerminateTimeout = cfg.SSH.TerminateTimeout
	bc.Logger = rt.Logger
	bc.Metrics = rt.Metrics
	return bc
}

func runAuto(ctx context.Context, rt *cli.Runtime, spec redirect.AutoSpec, marker string) error {
	if tunnelPort(rt.Config, spec) == 0 {
		return errors.New("a local port of 0 needs --tunnel-port for the remote egress")
	}

	ctrl, err := bootstrap.New(bootstrapConfig(rt, spec, marker))
	if err != nil {
		return fmt.Errorf("failed to configure bootstrap: %w", err)
	}

	// From here on a signal must still reach the shutdown hooks.
	ctx = rt.HandleSignals(ctx)

	if err := ctrl.Start(ctx); err != nil {
		if ctx.Err() != nil {
			// Interrupted mid-start: the remote command may already be running.
			ctrl.TerminateRemote(context.Background())
		}
		ctrl.Close()
		return fmt.Errorf("failed to start remote egress: %w", err)
	}

	// Hooks run in order: stop taking datagrams, kill the remote, drop SSH.
	ingressCfg := ingressConfig(rt, redirect.HostPort(rt.Config.Tunnel.BindHost, spec.LocalPort), ctrl.TunnelAddress())
	ingressCfg.Dialer = ctrl
	in := tunnel.NewIngress(ingressCfg)
	if err := in.Start(); err != nil {
		ctrl.TerminateRemote(context.Background())
		ctrl.Close()
		return fmt.Errorf("failed to start ingress: %w", err)
	}
	watchIngress(rt, in)

	rt.Watch(health.Component{
		Name: "remote",
		Running: func() bool {
			select {
			case <-ctrl.Done():
				return false
			default:
				return true
			}
		},
	})
	rt.Hooks.Add("terminate-remote", ctrl.TerminateRemote)
	rt.Hooks.Add("ssh", func(context.Context) error { return ctrl.Close() })

	if err := rt.StartHealth(); err != nil {
		rt.Hooks.Run(context.Background())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := ctrl.Wait()
		if rt.Stopping() {
			return nil
		}
		if err == nil {
			err = errors.New("exited")
		}
		return fmt.Errorf("remote egress: %w", err)
	})
	g.Go(func() error {
		rt.Wait(gctx)
		return nil
	})

	return g.Wait()
}
