package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/udptun/internal/logging"
	"github.com/postalsys/udptun/internal/metrics"
	"github.com/postalsys/udptun/internal/recovery"
	"github.com/postalsys/udptun/internal/sockopt"
)

// IngressConfig holds Tunnel-Ingress configuration.
type IngressConfig struct {
	// BindAddress is the local datagram endpoint, host:port.
	BindAddress string

	// TunnelAddress is the stream endpoint each request is sent to, host:port.
	TunnelAddress string

	// Dialer opens tunnel connections. Nil uses a net.Dialer bounded by
	// DialTimeout.
	Dialer Dialer

	// MaxDatagramSize bounds request datagrams. Larger ones are dropped.
	MaxDatagramSize int

	// DialTimeout bounds opening the tunnel connection (0 = no limit).
	DialTimeout time.Duration

	// IOTimeout bounds a whole session once connected (0 = no limit).
	IOTimeout time.Duration

	// MaxSessions limits concurrent sessions (0 = unlimited).
	MaxSessions int

	// RateLimit limits new sessions per second (0 = unlimited).
	RateLimit float64

	// Socket options for the datagram socket.
	Socket sockopt.Options

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultIngressConfig returns sensible defaults.
func DefaultIngressConfig() IngressConfig {
	return IngressConfig{
		MaxDatagramSize: DefaultMaxDatagramSize,
		DialTimeout:     10 * time.Second,
	}
}

// Ingress receives datagrams and relays each one over a fresh stream
// connection, returning whatever the stream answers to the datagram's sender.
type Ingress struct {
	cfg       IngressConfig
	dialer    Dialer
	logger    *slog.Logger
	metrics   *metrics.Metrics
	admission *admission

	conn  *net.UDPConn
	stats counters
	ids   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	running  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewIngress creates a new Tunnel-Ingress.
func NewIngress(cfg IngressConfig) *Ingress {
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = DefaultMaxDatagramSize
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: cfg.DialTimeout}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Ingress{
		cfg:       cfg,
		dialer:    dialer,
		logger:    logging.ForComponent(cfg.Logger, "ingress"),
		metrics:   metrics.OrUnregistered(cfg.Metrics),
		admission: newAdmission(cfg.MaxSessions, cfg.RateLimit),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start binds the datagram socket and starts relaying.
func (in *Ingress) Start() error {
	if !in.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	conn, err := in.cfg.Socket.ListenUDP(in.ctx, in.cfg.BindAddress)
	if err != nil {
		in.running.Store(false)
		return err
	}
	in.conn = conn

	in.wg.Add(1)
	go in.receiveLoop()

	in.logger.Info("ingress started",
		logging.KeyLocalAddr, conn.LocalAddr().String(),
		logging.KeyRemoteAddr, in.cfg.TunnelAddress)

	return nil
}

// Stop closes the datagram socket, aborts in-flight sessions and waits for
// them to finish.
func (in *Ingress) Stop() error {
	var err error
	in.stopOnce.Do(func() {
		in.running.Store(false)
		in.cancel()
		if in.conn != nil {
			err = in.conn.Close()
		}
	})
	in.wg.Wait()
	return err
}

// Addr returns the bound datagram address, or nil before Start.
func (in *Ingress) Addr() net.Addr {
	if in.conn == nil {
		return nil
	}
	return in.conn.LocalAddr()
}

// IsRunning reports whether the ingress is receiving datagrams.
func (in *Ingress) IsRunning() bool {
	return in.running.Load()
}

// Stats returns a snapshot of the relay counters.
func (in *Ingress) Stats() Stats {
	return in.stats.snapshot()
}

func (in *Ingress) receiveLoop() {
	defer in.wg.Done()
	defer recovery.RecoverAndCount(in.logger, "tunnel.Ingress.receiveLoop", in.metrics.PanicsRecovered)

	// One spare byte detects datagrams above the bound.
	buf := make([]byte, in.cfg.MaxDatagramSize+1)
	for {
		n, from, err := in.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if in.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			in.logger.Debug("receive error", logging.KeyError, err)
			continue
		}

		id := in.ids.Add(1)
		if n > in.cfg.MaxDatagramSize {
			in.stats.rejected.Add(1)
			in.metrics.RecordSessionRejected(metrics.RoleIngress)
			in.logger.Debug("datagram dropped",
				logging.KeySessionID, id,
				logging.KeyClientAddr, from.String(),
				logging.KeyBytes, n,
				logging.KeyError, ErrOversize)
			continue
		}
		if !in.admission.tryAcquire() {
			in.stats.rejected.Add(1)
			in.metrics.RecordSessionRejected(metrics.RoleIngress)
			in.logger.Debug("session limit reached, datagram dropped",
				logging.KeySessionID, id,
				logging.KeyClientAddr, from.String())
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		in.wg.Add(1)
		go in.handleDatagram(id, payload, from)
	}
}

// handleDatagram runs one session: dial, write, half-close, read to EOF,
// answer the sender.
func (in *Ingress) handleDatagram(id uint64, payload []byte, from netip.AddrPort) {
	defer in.wg.Done()
	defer in.admission.release()
	defer recovery.RecoverAndCount(in.logger, "tunnel.Ingress.handleDatagram", in.metrics.PanicsRecovered)

	start := time.Now()
	in.stats.sessions.Add(1)
	in.stats.active.Add(1)
	in.metrics.RecordSessionStart(metrics.RoleIngress)

	result := metrics.ResultOK
	defer func() {
		in.stats.active.Add(-1)
		if result != metrics.ResultOK {
			in.stats.failed.Add(1)
		}
		in.metrics.RecordSessionEnd(metrics.RoleIngress, result, time.Since(start).Seconds())
	}()

	log := in.logger.With(logging.KeySessionID, id, logging.KeyClientAddr, from.String())

	reply, err := in.exchange(payload)
	if err != nil {
		result = classify(in.ctx, err)
		log.Debug("session abandoned", logging.KeyError, err)
		return
	}

	if _, err := in.conn.WriteToUDPAddrPort(reply, from); err != nil {
		result = metrics.ResultIO
		log.Debug("reply send failed", logging.KeyError, err)
		return
	}

	in.stats.requestBytes.Add(uint64(len(payload)))
	in.stats.replyBytes.Add(uint64(len(reply)))
	in.metrics.RecordBytes(metrics.RoleIngress, "request", len(payload))
	in.metrics.RecordBytes(metrics.RoleIngress, "reply", len(reply))

	log.Debug("session complete",
		logging.KeyBytes, len(reply),
		logging.KeyDuration, time.Since(start))
}

// dialError marks a failure to open the tunnel connection.
type dialError struct{ err error }

func (e *dialError) Error() string { return "dial tunnel: " + e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }

// exchange performs the stream half of a session. An empty reply is valid.
func (in *Ingress) exchange(payload []byte) ([]byte, error) {
	ctx := in.ctx
	if in.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, in.cfg.DialTimeout)
		defer cancel()
	}

	conn, err := in.dialer.DialContext(ctx, "tcp", in.cfg.TunnelAddress)
	if err != nil {
		return nil, &dialError{err: err}
	}
	defer conn.Close()

	// Stop aborts the session by closing its connection.
	stop := context.AfterFunc(in.ctx, func() { conn.Close() })
	defer stop()

	if in.cfg.IOTimeout > 0 {
		conn.SetDeadline(time.Now().Add(in.cfg.IOTimeout))
	}

	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	if err := closeWrite(conn); err != nil {
		return nil, fmt.Errorf("half-close: %w", err)
	}

	reply, err := io.ReadAll(io.LimitReader(conn, maxReplySize+1))
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	if len(reply) > maxReplySize {
		return nil, fmt.Errorf("read reply: %d bytes does not fit a datagram", len(reply))
	}
	return reply, nil
}

// classify maps a session error onto a metrics result label.
func classify(ctx context.Context, err error) string {
	var de *dialError
	switch {
	case ctx.Err() != nil:
		return metrics.ResultStopped
	case errors.Is(err, ErrOversize):
		return metrics.ResultOversize
	case errors.As(err, &de):
		return metrics.ResultDial
	default:
		return metrics.ResultIO
	}
}
