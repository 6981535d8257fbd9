package tunnel

import (
	"context"
	"errors"
	"net"
	"sync/atomic"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxDatagramSize bounds request datagrams on both halves.
	DefaultMaxDatagramSize = 1500

	// DefaultMaxEgressSessions caps concurrent egress sessions. Each one
	// holds a socket and resends until answered.
	DefaultMaxEgressSessions = 256

	// maxReplySize is the largest payload a single UDP datagram can carry.
	maxReplySize = 65507
)

var (
	// ErrOversize is returned when a request exceeds the size bound.
	ErrOversize = errors.New("request exceeds maximum datagram size")

	// ErrAlreadyRunning is returned by Start on a running relay.
	ErrAlreadyRunning = errors.New("relay already running")

	// ErrNoHalfClose is returned when a stream cannot signal end of output.
	ErrNoHalfClose = errors.New("stream does not support half-close")
)

// Dialer opens the stream connection for one ingress session. *net.Dialer
// satisfies it, as does the bootstrap controller's SSH client.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// halfCloser is implemented by connections that support half-close.
type halfCloser interface {
	CloseWrite() error
}

// closeWrite signals end of output on conn.
func closeWrite(conn net.Conn) error {
	hc, ok := conn.(halfCloser)
	if !ok {
		return ErrNoHalfClose
	}
	return hc.CloseWrite()
}

// Stats is a snapshot of a relay's lifetime counters.
type Stats struct {
	Sessions      uint64 `json:"sessions"`
	Failed        uint64 `json:"failed"`
	Rejected      uint64 `json:"rejected"`
	RequestBytes  uint64 `json:"request_bytes"`
	ReplyBytes    uint64 `json:"reply_bytes"`
	ActiveSession int64  `json:"active_sessions"`
}

type counters struct {
	sessions     atomic.Uint64
	failed       atomic.Uint64
	rejected     atomic.Uint64
	requestBytes atomic.Uint64
	replyBytes   atomic.Uint64
	active       atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Sessions:      c.sessions.Load(),
		Failed:        c.failed.Load(),
		Rejected:      c.rejected.Load(),
		RequestBytes:  c.requestBytes.Load(),
		ReplyBytes:    c.replyBytes.Load(),
		ActiveSession: c.active.Load(),
	}
}

// admission gates new sessions on a concurrency cap and a rate limit.
// Refused requests are dropped; the relayed client retries on its own.
type admission struct {
	limiter *rate.Limiter
	slots   chan struct{}
}

func newAdmission(maxSessions int, perSecond float64) *admission {
	a := &admission{}
	if perSecond > 0 {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	if maxSessions > 0 {
		a.slots = make(chan struct{}, maxSessions)
	}
	return a
}

// tryAcquire reports whether a session may start. Every true result must be
// paired with release. A request refused for lack of a slot spends no rate
// budget.
func (a *admission) tryAcquire() bool {
	if a.slots != nil {
		select {
		case a.slots <- struct{}{}:
		default:
			return false
		}
	}
	if a.limiter != nil && !a.limiter.Allow() {
		if a.slots != nil {
			<-a.slots
		}
		return false
	}
	return true
}

func (a *admission) release() {
	if a.slots == nil {
		return
	}
	<-a.slots
}
