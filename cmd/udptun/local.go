package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/postalsys/udptun/internal/cli"
	"github.com/postalsys/udptun/internal/redirect"
	"github.com/postalsys/udptun/internal/tunnel"
)

func localCmd(opts *cli.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "local LOCAL-PORT:HOST:REMOTE-PORT",
		Short: "Run the Tunnel-Ingress",
		Long: `Listen for datagrams on HOST:LOCAL-PORT and relay each one over a new
stream connection to HOST:REMOTE-PORT, typically the local end of an SSH
port forward to a "udptun remote".`,
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

			in := tunnel.NewIngress(ingressConfig(rt,
				redirect.HostPort(spec.Host, spec.LocalPort),
				redirect.HostPort(spec.Host, spec.RemotePort)))
			if err := in.Start(); err != nil {
				return fmt.Errorf("failed to start ingress: %w", err)
			}
			watchIngress(rt, in)

			if err := rt.StartHealth(); err != nil {
				in.Stop()
				return err
			}

			rt.Wait(cmd.Context())
			return nil
		},
	}
}

// parseSpec parses a three field spec, mapping failures to the usage line.
func parseSpec(s string) (redirect.Spec, error) {
	spec, err := redirect.Parse(s)
	if err != nil {
		if errors.Is(err, redirect.ErrMalformed) {
			return redirect.Spec{}, &cli.UsageError{Usage: redirect.Usage, Err: err}
		}
		return redirect.Spec{}, err
	}
	return spec, nil
}
