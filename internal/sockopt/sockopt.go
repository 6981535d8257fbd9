// Package sockopt opens the relay sockets with the configured socket options.
package sockopt

import (
	"context"
	"fmt"
	"net"
)

// Options are applied to every socket a relay binds.
type Options struct {
	// ReuseAddr sets SO_REUSEADDR so a restarted relay can rebind at once.
	ReuseAddr bool

	// ReadBuffer and WriteBuffer set SO_RCVBUF/SO_SNDBUF; 0 keeps the
	// kernel default.
	ReadBuffer  int
	WriteBuffer int
}

// ListenConfig returns a net.ListenConfig that applies o.
func (o Options) ListenConfig() *net.ListenConfig {
	return &net.ListenConfig{Control: o.control}
}

// ListenUDP binds a datagram socket.
func (o Options) ListenUDP(ctx context.Context, address string) (*net.UDPConn, error) {
	pc, err := o.ListenConfig().ListenPacket(ctx, "udp4", address)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", address, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("listen udp %s: unexpected packet conn %T", address, pc)
	}
	return conn, nil
}

// ListenTCP binds a stream listening socket.
func (o Options) ListenTCP(ctx context.Context, address string) (net.Listener, error) {
	ln, err := o.ListenConfig().Listen(ctx, "tcp4", address)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", address, err)
	}
	return ln, nil
}
