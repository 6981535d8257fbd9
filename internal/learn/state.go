package learn

import (
	"errors"
	"net/netip"
	"sync"

	"github.com/postalsys/udptun/internal/metrics"
)

// ErrNoClient is returned when the server sends before any client has.
var ErrNoClient = errors.New("no client learned yet")

// State is the relay's routing state: a fixed server and the most recently
// seen client. Any datagram not from the server re-teaches the client, last
// writer wins, so at most one client is served at a time.
type State struct {
	server netip.AddrPort

	mu        sync.Mutex
	client    netip.AddrPort
	hasClient bool
}

// NewState creates routing state for server.
func NewState(server netip.AddrPort) *State {
	return &State{server: normalize(server)}
}

// Route decides where a datagram from src goes. changed reports whether src
// replaced the learned client.
func (s *State) Route(src netip.AddrPort) (dst netip.AddrPort, direction string, changed bool, err error) {
	src = normalize(src)

	s.mu.Lock()
	defer s.mu.Unlock()

	if src == s.server {
		if !s.hasClient {
			return netip.AddrPort{}, metrics.DirectionToClient, false, ErrNoClient
		}
		return s.client, metrics.DirectionToClient, false, nil
	}

	changed = !s.hasClient || s.client != src
	s.client = src
	s.hasClient = true
	return s.server, metrics.DirectionToServer, changed, nil
}

// Server returns the fixed server endpoint.
func (s *State) Server() netip.AddrPort {
	return s.server
}

// Client returns the learned client, if any.
func (s *State) Client() (netip.AddrPort, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client, s.hasClient
}

// normalize strips the IPv4-in-IPv6 mapping so both socket families compare
// equal.
func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
