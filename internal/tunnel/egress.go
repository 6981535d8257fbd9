package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/udptun/internal/logging"
	"github.com/postalsys/udptun/internal/metrics"
	"github.com/postalsys/udptun/internal/recovery"
	"github.com/postalsys/udptun/internal/redirect"
	"github.com/postalsys/udptun/internal/sockopt"
)

// EgressConfig holds Tunnel-Egress configuration.
type EgressConfig struct {
	// ListenAddress is the stream endpoint the tunnel delivers requests to.
	// Loopback is expected since the tunnel terminates locally.
	ListenAddress string

	// DestHost and DestPort name the datagram destination. The host is
	// resolved once at Start.
	DestHost string
	DestPort uint16

	// MaxDatagramSize bounds the request read from the stream.
	MaxDatagramSize int

	// ReplyTimeout is how long to wait for a reply before resending.
	ReplyTimeout time.Duration

	// ValidateReplySource discards replies that do not come from the
	// destination. Off by default: any datagram arriving on the session
	// socket is taken as the reply.
	ValidateReplySource bool

	// IOTimeout bounds reading the request and writing the reply (0 = no
	// limit). Resends are not bounded by it.
	IOTimeout time.Duration

	// SessionTimeout bounds a whole session, resends included (0 = resend
	// until a reply arrives or the egress stops). The stream gives no sign
	// of a client that closed after its half-close, so this is the only way
	// such a session ends before Stop.
	SessionTimeout time.Duration

	// MaxSessions limits concurrent sessions (0 = unlimited).
	MaxSessions int

	// Socket options for the listening and per-session sockets.
	Socket sockopt.Options

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultEgressConfig returns sensible defaults.
func DefaultEgressConfig() EgressConfig {
	return EgressConfig{
		MaxDatagramSize: DefaultMaxDatagramSize,
		ReplyTimeout:    time.Second,
		MaxSessions:     DefaultMaxEgressSessions,
	}
}

// Egress accepts tunnel connections and turns each request into a datagram
// exchange with the destination.
type Egress struct {
	cfg       EgressConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics
	admission *admission

	listener net.Listener
	dest     netip.AddrPort
	stats    counters
	ids      atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	running  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEgress creates a new Tunnel-Egress.
func NewEgress(cfg EgressConfig) *Egress {
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = DefaultMaxDatagramSize
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Egress{
		cfg:       cfg,
		logger:    logging.ForComponent(cfg.Logger, "egress"),
		metrics:   metrics.OrUnregistered(cfg.Metrics),
		admission: newAdmission(cfg.MaxSessions, 0),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start resolves the destination, binds the listener and starts accepting.
func (e *Egress) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	dest, err := redirect.Resolve(e.ctx, e.cfg.DestHost, e.cfg.DestPort)
	if err != nil {
		e.running.Store(false)
		return fmt.Errorf("destination: %w", err)
	}
	e.dest = dest

	ln, err := e.cfg.Socket.ListenTCP(e.ctx, e.cfg.ListenAddress)
	if err != nil {
		e.running.Store(false)
		return err
	}
	e.listener = ln

	e.wg.Add(1)
	go e.acceptLoop()

	e.logger.Info("egress started",
		logging.KeyLocalAddr, ln.Addr().String(),
		logging.KeyRemoteAddr, dest.String())

	return nil
}

// Stop closes the listener, aborts in-flight sessions and waits for them.
func (e *Egress) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		e.running.Store(false)
		e.cancel()
		if e.listener != nil {
			err = e.listener.Close()
		}
	})
	e.wg.Wait()
	return err
}

// Addr returns the listening address, or nil before Start.
func (e *Egress) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Destination returns the resolved datagram destination.
func (e *Egress) Destination() netip.AddrPort {
	return e.dest
}

// IsRunning reports whether the egress is accepting connections.
func (e *Egress) IsRunning() bool {
	return e.running.Load()
}

// Stats returns a snapshot of the relay counters.
func (e *Egress) Stats() Stats {
	return e.stats.snapshot()
}

func (e *Egress) acceptLoop() {
	defer e.wg.Done()
	defer recovery.RecoverAndCount(e.logger, "tunnel.Egress.acceptLoop", e.metrics.PanicsRecovered)

	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if e.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			e.logger.Debug("accept error", logging.KeyError, err)
			continue
		}

		if !e.admission.tryAcquire() {
			e.stats.rejected.Add(1)
			e.metrics.RecordSessionRejected(metrics.RoleEgress)
			e.logger.Debug("session limit reached", logging.KeyRemoteAddr, conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		e.wg.Add(1)
		go e.handleConnection(e.ids.Add(1), conn)
	}
}

func (e *Egress) handleConnection(id uint64, conn net.Conn) {
	defer e.wg.Done()
	defer e.admission.release()
	defer conn.Close()
	defer recovery.RecoverAndCount(e.logger, "tunnel.Egress.handleConnection", e.metrics.PanicsRecovered)

	start := time.Now()
	e.stats.sessions.Add(1)
	e.stats.active.Add(1)
	e.metrics.RecordSessionStart(metrics.RoleEgress)

	result := metrics.ResultOK
	defer func() {
		e.stats.active.Add(-1)
		if result != metrics.ResultOK {
			e.stats.failed.Add(1)
		}
		e.metrics.RecordSessionEnd(metrics.RoleEgress, result, time.Since(start).Seconds())
	}()

	log := e.logger.With(logging.KeySessionID, id, logging.KeyRemoteAddr, conn.RemoteAddr().String())

	pc, err := e.cfg.Socket.ListenUDP(e.ctx, "0.0.0.0:0")
	if err != nil {
		result = classify(e.ctx, err)
		log.Debug("session socket failed", logging.KeyError, err)
		return
	}
	defer pc.Close()

	ctx := e.ctx
	if e.cfg.SessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.SessionTimeout)
		defer cancel()
	}

	// Stop or session expiry aborts the session from any state.
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
		pc.Close()
	})
	defer stop()

	s := &egressSession{
		id:             id,
		conn:           conn,
		pc:             pc,
		dest:           e.dest,
		logger:         log,
		mtr:            e.metrics,
		maxRequest:     e.cfg.MaxDatagramSize,
		replyTimeout:   e.cfg.ReplyTimeout,
		ioTimeout:      e.cfg.IOTimeout,
		validateSource: e.cfg.ValidateReplySource,
	}

	if err := s.run(ctx); err != nil {
		result = classify(e.ctx, err)
		if e.ctx.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result = metrics.ResultExpired
			log.Debug("session expired",
				logging.KeyAttempt, s.attempts,
				logging.KeyDuration, time.Since(start))
		}
		return
	}

	e.stats.requestBytes.Add(uint64(len(s.request)))
	e.stats.replyBytes.Add(uint64(len(s.reply)))
	e.metrics.RecordBytes(metrics.RoleEgress, "request", len(s.request))
	e.metrics.RecordBytes(metrics.RoleEgress, "reply", len(s.reply))

	log.Debug("session complete",
		logging.KeyAttempt, s.attempts,
		logging.KeyBytes, len(s.reply),
		logging.KeyDuration, time.Since(start))
}
