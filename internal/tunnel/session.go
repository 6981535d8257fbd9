package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/postalsys/udptun/internal/logging"
	"github.com/postalsys/udptun/internal/metrics"
)

// SessionState is the position of an egress session in its exchange.
type SessionState int

const (
	// StateAwaitingRequest reads the request from the stream.
	StateAwaitingRequest SessionState = iota
	// StateAwaitingReply sends the datagram and waits for one reply,
	// resending each time the reply timeout expires.
	StateAwaitingReply
	// StateResponding writes the reply to the stream.
	StateResponding
	// StateClosed is terminal.
	StateClosed
)

// String returns a human-readable name for the state.
func (s SessionState) String() string {
	switch s {
	case StateAwaitingRequest:
		return "AWAITING_REQUEST"
	case StateAwaitingReply:
		return "AWAITING_REPLY"
	case StateResponding:
		return "RESPONDING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// egressSession is one request/reply exchange. It owns conn and pc.
type egressSession struct {
	id     uint64
	conn   net.Conn
	pc     *net.UDPConn
	dest   netip.AddrPort
	logger *slog.Logger
	mtr    *metrics.Metrics

	maxRequest     int
	replyTimeout   time.Duration
	ioTimeout      time.Duration
	validateSource bool

	state    SessionState
	request  []byte
	reply    []byte
	attempts int
}

// run drives the session until it is closed. ctx cancellation aborts it
// from any state.
func (s *egressSession) run(ctx context.Context) error {
	for {
		var err error
		switch s.state {
		case StateAwaitingRequest:
			err = s.readRequest()
		case StateAwaitingReply:
			err = s.awaitReply(ctx)
		case StateResponding:
			err = s.respond()
		case StateClosed:
			return nil
		}
		if err != nil {
			s.logger.Debug("session failed",
				logging.KeyState, s.state.String(),
				logging.KeyAttempt, s.attempts,
				logging.KeyError, err)
			s.state = StateClosed
			return err
		}
	}
}

// readRequest reads until EOF or until the size bound is reached, whichever
// comes first. A peer that never half-closes is served once it has sent a
// full-sized request.
func (s *egressSession) readRequest() error {
	if s.ioTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.ioTimeout))
	}

	buf := make([]byte, s.maxRequest)
	n, err := io.ReadFull(s.conn, buf)
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
	default:
		return fmt.Errorf("read request: %w", err)
	}

	s.request = buf[:n]
	s.state = StateAwaitingReply
	return nil
}

// awaitReply makes one send attempt and waits up to replyTimeout. A timeout
// leaves the session in StateAwaitingReply so the next call resends.
func (s *egressSession) awaitReply(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.attempts++
	if s.attempts > 1 {
		s.mtr.RecordResend()
		s.logger.Debug("reply timeout, resending", logging.KeyAttempt, s.attempts)
	}

	// A failed send is treated like a lost datagram: wait out the timeout
	// and try again.
	if _, err := s.pc.WriteToUDPAddrPort(s.request, s.dest); err != nil {
		s.logger.Debug("send request failed", logging.KeyAttempt, s.attempts, logging.KeyError, err)
	}

	if err := s.pc.SetReadDeadline(time.Now().Add(s.replyTimeout)); err != nil {
		return fmt.Errorf("set reply deadline: %w", err)
	}

	buf := make([]byte, maxReplySize)
	for {
		n, from, err := s.pc.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("receive reply: %w", err)
		}

		if s.validateSource && unmapped(from) != s.dest {
			s.logger.Debug("reply from unexpected source ignored", logging.KeyRemoteAddr, from.String())
			continue
		}

		s.reply = buf[:n]
		s.state = StateResponding
		return nil
	}
}

func (s *egressSession) respond() error {
	if s.ioTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.ioTimeout))
	}
	if _, err := s.conn.Write(s.reply); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	s.state = StateClosed
	return nil
}

func unmapped(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
