// Package learn implements the endpoint-learning datagram relay.
//
// The relay listens on one datagram socket and forwards between a fixed
// server and a client it learns from traffic. There is no handshake: the
// server is configured, and whoever else sends a datagram becomes the client.
// A client that changes address (a NAT rebinding its port, say) is followed
// automatically; two clients at once will steal replies from each other.
package learn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/postalsys/udptun/internal/logging"
	"github.com/postalsys/udptun/internal/metrics"
	"github.com/postalsys/udptun/internal/recovery"
	"github.com/postalsys/udptun/internal/redirect"
	"github.com/postalsys/udptun/internal/sockopt"
)

// DefaultMaxDatagramSize is the largest datagram the relay reads.
const DefaultMaxDatagramSize = 65535

// ErrAlreadyRunning is returned by Start on a running relay.
var ErrAlreadyRunning = errors.New("relay already running")

// Config holds learning relay configuration.
type Config struct {
	// BindHost and BindPort are the local datagram endpoint.
	BindHost string
	BindPort uint16

	// RemoteHost and RemotePort name the server. The host is resolved once
	// at Start.
	RemoteHost string
	RemotePort uint16

	// MaxDatagramSize bounds received datagrams.
	MaxDatagramSize int

	Socket sockopt.Options

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BindHost:        "0.0.0.0",
		MaxDatagramSize: DefaultMaxDatagramSize,
	}
}

// Stats is a snapshot of the relay counters.
type Stats struct {
	ToServer      uint64 `json:"to_server"`
	ToClient      uint64 `json:"to_client"`
	Dropped       uint64 `json:"dropped"`
	ClientChanges uint64 `json:"client_changes"`
	Bytes         uint64 `json:"bytes"`
}

// Relay is the endpoint-learning relay.
type Relay struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	conn  *net.UDPConn
	state *State

	toServer      atomic.Uint64
	toClient      atomic.Uint64
	dropped       atomic.Uint64
	clientChanges atomic.Uint64
	bytes         atomic.Uint64

	running  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new learning relay.
func New(cfg Config) *Relay {
	if cfg.BindHost == "" {
		cfg.BindHost = "0.0.0.0"
	}
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = DefaultMaxDatagramSize
	}

	return &Relay{
		cfg:     cfg,
		logger:  logging.ForComponent(cfg.Logger, "learn"),
		metrics: metrics.OrUnregistered(cfg.Metrics),
	}
}

// Start resolves the server, binds the socket and starts relaying.
func (r *Relay) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	server, err := redirect.Resolve(ctx, r.cfg.RemoteHost, r.cfg.RemotePort)
	if err != nil {
		r.running.Store(false)
		return fmt.Errorf("server: %w", err)
	}
	r.state = NewState(server)

	conn, err := r.cfg.Socket.ListenUDP(ctx, redirect.HostPort(r.cfg.BindHost, r.cfg.BindPort))
	if err != nil {
		r.running.Store(false)
		return err
	}
	r.conn = conn

	r.wg.Add(1)
	go r.receiveLoop()

	r.logger.Info("learning relay started",
		logging.KeyLocalAddr, conn.LocalAddr().String(),
		logging.KeyServerAddr, server.String())

	return nil
}

// Stop closes the socket and waits for the receive loop to exit.
func (r *Relay) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		r.stopping.Store(true)
		r.running.Store(false)
		if r.conn != nil {
			err = r.conn.Close()
		}
	})
	r.wg.Wait()
	return err
}

// Addr returns the bound address, or nil before Start.
func (r *Relay) Addr() net.Addr {
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// State returns the routing state, or nil before Start.
func (r *Relay) State() *State {
	return r.state
}

// IsRunning reports whether the relay is forwarding datagrams.
func (r *Relay) IsRunning() bool {
	return r.running.Load()
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		ToServer:      r.toServer.Load(),
		ToClient:      r.toClient.Load(),
		Dropped:       r.dropped.Load(),
		ClientChanges: r.clientChanges.Load(),
		Bytes:         r.bytes.Load(),
	}
}

func (r *Relay) receiveLoop() {
	defer r.wg.Done()
	defer recovery.RecoverAndCount(r.logger, "learn.Relay.receiveLoop", r.metrics.PanicsRecovered)

	buf := make([]byte, r.cfg.MaxDatagramSize)
	for {
		n, from, err := r.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if r.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Debug("receive error", logging.KeyError, err)
			continue
		}
		r.forward(buf[:n], from)
	}
}

// forward routes one datagram. Failures drop only that datagram.
func (r *Relay) forward(payload []byte, from netip.AddrPort) {
	dst, direction, changed, err := r.state.Route(from)
	if err != nil {
		r.dropped.Add(1)
		r.metrics.RecordDrop(metrics.DropNoClient)
		r.logger.Debug("server datagram dropped",
			logging.KeyServerAddr, from.String(),
			logging.KeyError, err)
		return
	}

	if changed {
		r.clientChanges.Add(1)
		r.metrics.RecordClientChange()
		r.logger.Info("client learned", logging.KeyClientAddr, from.String())
	}

	if _, err := r.conn.WriteToUDPAddrPort(payload, dst); err != nil {
		r.dropped.Add(1)
		r.metrics.RecordDrop(metrics.DropSendError)
		r.logger.Debug("forward failed",
			logging.KeyRemoteAddr, dst.String(),
			logging.KeyError, err)
		return
	}

	if direction == metrics.DirectionToServer {
		r.toServer.Add(1)
	} else {
		r.toClient.Add(1)
	}
	r.bytes.Add(uint64(len(payload)))
	r.metrics.RecordForward(direction)
}
