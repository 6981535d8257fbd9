// Package redirect parses the colon-separated redirect specs accepted on the
// command line and resolves their hosts to concrete addresses.
//
// Two forms exist:
//
//	LOCAL-PORT:HOST:REMOTE-PORT                          (local, remote, learn)
//	LOCAL-PORT:USER@TUNNEL-HOST:REMOTE-PORT:DEST-HOST    (auto)
//
// Hostnames are resolved once when a relay starts, never per packet.
package redirect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// ErrMalformed wraps every redirect spec parse failure.
var ErrMalformed = errors.New("malformed redirect spec")

// Usage lines printed when a spec does not parse.
const (
	Usage     = "Provide one argument in LOCAL-PORT:HOSTNAME:REMOTE-PORT format"
	AutoUsage = "Provide one argument in LOCAL-PORT:USER@TUNNEL-HOST:REMOTE-PORT:DESTINATION-HOST format"
)

// Spec is the three field LOCAL-PORT:HOST:REMOTE-PORT form.
type Spec struct {
	LocalPort  uint16
	Host       string
	RemotePort uint16
}

// String renders the spec back into its command line form.
func (s Spec) String() string {
	return fmt.Sprintf("%d:%s:%d", s.LocalPort, s.Host, s.RemotePort)
}

// AutoSpec is the four field form used by auto mode.
type AutoSpec struct {
	LocalPort  uint16
	User       string
	TunnelHost string
	RemotePort uint16
	DestHost   string
}

// String renders the spec back into its command line form.
func (a AutoSpec) String() string {
	return fmt.Sprintf("%d:%s@%s:%d:%s", a.LocalPort, a.User, a.TunnelHost, a.RemotePort, a.DestHost)
}

// EgressSpec returns the spec the remote Tunnel-Egress runs with: it listens
// on tunnelPort and forwards datagrams to DestHost:RemotePort.
func (a AutoSpec) EgressSpec(tunnelPort uint16) Spec {
	return Spec{LocalPort: tunnelPort, Host: a.DestHost, RemotePort: a.RemotePort}
}

// Parse parses LOCAL-PORT:HOST:REMOTE-PORT.
func Parse(s string) (Spec, error) {
	fields := strings.Split(s, ":")
	if len(fields) != 3 {
		return Spec{}, fmt.Errorf("%w: expected 3 fields, got %d", ErrMalformed, len(fields))
	}

	local, err := parsePort(fields[0], true)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: local port: %v", ErrMalformed, err)
	}
	if fields[1] == "" {
		return Spec{}, fmt.Errorf("%w: empty host", ErrMalformed)
	}
	remote, err := parsePort(fields[2], false)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: remote port: %v", ErrMalformed, err)
	}

	return Spec{LocalPort: local, Host: fields[1], RemotePort: remote}, nil
}

// ParseAuto parses LOCAL-PORT:USER@TUNNEL-HOST:REMOTE-PORT:DESTINATION-HOST.
func ParseAuto(s string) (AutoSpec, error) {
	fields := strings.Split(s, ":")
	if len(fields) != 4 {
		return AutoSpec{}, fmt.Errorf("%w: expected 4 fields, got %d", ErrMalformed, len(fields))
	}

	local, err := parsePort(fields[0], true)
	if err != nil {
		return AutoSpec{}, fmt.Errorf("%w: local port: %v", ErrMalformed, err)
	}
	if strings.Count(fields[1], "@") != 1 {
		return AutoSpec{}, fmt.Errorf("%w: tunnel host must be USER@HOST", ErrMalformed)
	}
	user, host, _ := strings.Cut(fields[1], "@")
	if user == "" || host == "" {
		return AutoSpec{}, fmt.Errorf("%w: tunnel host must be USER@HOST", ErrMalformed)
	}
	remote, err := parsePort(fields[2], false)
	if err != nil {
		return AutoSpec{}, fmt.Errorf("%w: remote port: %v", ErrMalformed, err)
	}
	if fields[3] == "" {
		return AutoSpec{}, fmt.Errorf("%w: empty destination host", ErrMalformed)
	}

	return AutoSpec{
		LocalPort:  local,
		User:       user,
		TunnelHost: host,
		RemotePort: remote,
		DestHost:   fields[3],
	}, nil
}

// parsePort accepts ASCII digits only; a sign or whitespace is rejected.
// Port 0 is only accepted for a local (bind) port, where it picks an
// ephemeral port.
func parsePort(s string, allowZero bool) (uint16, error) {
	if s == "" {
		return 0, errors.New("empty")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%q is not numeric", s)
		}
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%q is out of range", s)
	}
	if n == 0 && !allowZero {
		return 0, errors.New("port 0 is not a valid destination")
	}
	return uint16(n), nil
}

// Resolve turns host into a concrete IPv4 address paired with port. Literal
// addresses skip the resolver.
func Resolve(ctx context.Context, host string, port uint16) (netip.AddrPort, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(addr.Unmap(), port), nil
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: no IPv4 address", host)
	}
	return netip.AddrPortFrom(addrs[0].Unmap(), port), nil
}

// HostPort joins host and port for net.Dial and net.Listen.
func HostPort(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}
