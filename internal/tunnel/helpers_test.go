package tunnel

import (
	"bytes"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/nettest"
)

// udpServer is a datagram destination that answers through handle.
type udpServer struct {
	pc       net.PacketConn
	received atomic.Int64
}

func startUDPServer(t *testing.T, handle func(pc net.PacketConn, data []byte, from net.Addr)) *udpServer {
	t.Helper()

	pc, err := nettest.NewLocalPacketListener("udp4")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	s := &udpServer{pc: pc}
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 65535)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			s.received.Add(1)
			data := append([]byte(nil), buf[:n]...)
			handle(pc, data, from)
		}
	}()
	return s
}

func (s *udpServer) port() uint16 {
	return uint16(s.pc.LocalAddr().(*net.UDPAddr).Port)
}

func prefixReply(prefix string) func(pc net.PacketConn, data []byte, from net.Addr) {
	return func(pc net.PacketConn, data []byte, from net.Addr) {
		pc.WriteTo(append([]byte(prefix), data...), from)
	}
}

// streamServer is a tunnel endpoint that reads a request to EOF and answers
// with reply(request).
type streamServer struct {
	ln       net.Listener
	accepted atomic.Int64

	mu       sync.Mutex
	requests [][]byte
}

func startStreamServer(t *testing.T, reply func(req []byte) []byte) *streamServer {
	t.Helper()

	ln, err := nettest.NewLocalListener("tcp4")
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}
	s := &streamServer{ln: ln}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.accepted.Add(1)
			go func() {
				defer conn.Close()
				req, err := io.ReadAll(conn)
				if err != nil {
					return
				}
				s.mu.Lock()
				s.requests = append(s.requests, req)
				s.mu.Unlock()
				if out := reply(req); len(out) > 0 {
					conn.Write(out)
				}
			}()
		}
	}()
	return s
}

func (s *streamServer) lastRequest() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return nil
	}
	return s.requests[len(s.requests)-1]
}

// udpRoundTrip sends payload from a fresh socket and waits for one reply.
func udpRoundTrip(t *testing.T, addr net.Addr, payload []byte, timeout time.Duration) ([]byte, error) {
	t.Helper()

	conn, err := net.DialUDP("udp4", nil, addr.(*net.UDPAddr))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.Write(payload); err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 65535)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// streamRoundTrip performs one tunnel exchange against an egress.
func streamRoundTrip(t *testing.T, addr net.Addr, payload []byte, halfClose bool) ([]byte, error) {
	t.Helper()

	conn, err := net.DialTimeout("tcp4", addr.String(), 2*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write(payload); err != nil {
		return nil, err
	}
	if halfClose {
		conn.(*net.TCPConn).CloseWrite()
	}
	return io.ReadAll(conn)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func patterned(n int) []byte {
	return bytes.Repeat([]byte("0123456789abcdef"), n/16+1)[:n]
}
