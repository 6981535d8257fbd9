package bootstrap

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/net/nettest"
)

const (
	testUser     = "relay"
	testPassword = "s3cret"
)

// sshServer is an in-process SSH server that records exec requests, swallows
// uploaded stdin, and forwards direct-tcpip channels to local addresses.
type sshServer struct {
	t       *testing.T
	ln      net.Listener
	hostKey ssh.Signer
	config  *ssh.ServerConfig

	connections atomic.Int64

	mu       sync.Mutex
	commands []string
	stdin    map[string][]byte

	// release ends long-running exec sessions with exit status 0.
	release     chan struct{}
	releaseOnce sync.Once
}

func startSSHServer(t *testing.T, authorized ssh.PublicKey) *sshServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostKey, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	s := &sshServer{
		t:       t,
		hostKey: hostKey,
		stdin:   make(map[string][]byte),
		release: make(chan struct{}),
	}

	s.config = &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if meta.User() == testUser && string(pw) == testPassword {
				return nil, nil
			}
			return nil, errAuthFailed
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if authorized != nil && meta.User() == testUser && string(key.Marshal()) == string(authorized.Marshal()) {
				return nil, nil
			}
			return nil, errAuthFailed
		},
	}
	s.config.AddHostKey(hostKey)

	ln, err := nettest.NewLocalListener("tcp4")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.ln = ln
	t.Cleanup(func() {
		ln.Close()
		s.finish()
	})

	go s.serve()
	return s
}

type authError string

func (e authError) Error() string { return string(e) }

const errAuthFailed = authError("authentication failed")

func (s *sshServer) host() string {
	return s.ln.Addr().(*net.TCPAddr).IP.String()
}

func (s *sshServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// finish releases every running exec session.
func (s *sshServer) finish() {
	s.releaseOnce.Do(func() { close(s.release) })
}

func (s *sshServer) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *sshServer) uploaded(command string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdin[command]
}

// writeKnownHosts writes a known_hosts file trusting key for this server.
func (s *sshServer) writeKnownHosts(key ssh.PublicKey) string {
	s.t.Helper()

	addr := net.JoinHostPort(s.host(), strconv.Itoa(s.port()))
	line := knownhosts.Line([]string{addr}, key)
	path := filepath.Join(s.t.TempDir(), "known_hosts")
	if err := os.WriteFile(path, []byte(line+"\n"), 0600); err != nil {
		s.t.Fatalf("write known_hosts: %v", err)
	}
	return path
}

func (s *sshServer) serve() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(nc)
	}
}

func (s *sshServer) handleConn(nc net.Conn) {
	sc, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		nc.Close()
		return
	}
	defer sc.Close()
	s.connections.Add(1)

	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		switch nch.ChannelType() {
		case "session":
			go s.handleSession(nch)
		case "direct-tcpip":
			go s.handleDirect(nch)
		default:
			nch.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

func (s *sshServer) handleSession(nch ssh.NewChannel) {
	ch, reqs, err := nch.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	for req := range reqs {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}

		var exec struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &exec); err != nil {
			req.Reply(false, nil)
			continue
		}
		s.mu.Lock()
		s.commands = append(s.commands, exec.Command)
		s.mu.Unlock()
		req.Reply(true, nil)

		go ssh.DiscardRequests(reqs)
		s.exec(ch, exec.Command)
		return
	}
}

func (s *sshServer) exec(ch ssh.Channel, command string) {
	data, _ := io.ReadAll(ch)
	s.mu.Lock()
	s.stdin[command] = data
	s.mu.Unlock()

	status := uint32(0)
	if strings.HasPrefix(command, "pkill") {
		// pkill reports 1 when nothing matched.
		status = 1
	} else {
		io.WriteString(ch.Stderr(), "egress started\n")
		select {
		case <-s.release:
		case <-time.After(30 * time.Second):
		}
	}

	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
}

func (s *sshServer) handleDirect(nch ssh.NewChannel) {
	var target struct {
		Host     string
		Port     uint32
		OrigHost string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(nch.ExtraData(), &target); err != nil {
		nch.Reject(ssh.ConnectionFailed, "bad direct-tcpip request")
		return
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port))))
	if err != nil {
		nch.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	defer conn.Close()

	ch, reqs, err := nch.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqs)

	done := make(chan struct{})
	go func() {
		io.Copy(conn, ch)
		conn.(*net.TCPConn).CloseWrite()
		close(done)
	}()
	io.Copy(ch, conn)
	ch.CloseWrite()
	<-done
}

// writeClientKey generates a client key, writes it as an OpenSSH private key
// file and returns the path with its public half.
func writeClientKey(t *testing.T) (string, ssh.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("write client key: %v", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return path, sshPub
}
