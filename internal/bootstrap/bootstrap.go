// Package bootstrap starts a Tunnel-Egress on a remote host over SSH, carries
// the tunnel's stream connections to it, and stops it again on shutdown.
//
// The remote process is tagged with a random marker that appears in its
// command line. Remote termination opens a fresh SSH connection and kills
// whatever matches the marker, since the remote side has no other way to
// learn that the local side went away.
package bootstrap

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/ssh"

	"github.com/postalsys/udptun/internal/logging"
	"github.com/postalsys/udptun/internal/metrics"
	"github.com/postalsys/udptun/internal/recovery"
	"github.com/postalsys/udptun/internal/redirect"
)

var (
	// ErrNotStarted is returned by operations that need a running remote.
	ErrNotStarted = errors.New("bootstrap controller not started")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("bootstrap controller already started")
)

// MarkerPrefix starts every generated marker.
const MarkerPrefix = "udptun-"

// markerPattern keeps markers usable inside a pkill pattern and a file name.
var markerPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Config configures a Controller.
type Config struct {
	User string
	Host string
	Port int

	Auth                  AuthConfig
	KnownHostsFile        string
	InsecureIgnoreHostKey bool

	// Egress is the spec the remote Tunnel-Egress runs with.
	Egress redirect.Spec

	// RemoteBinary is the relay executable already installed remotely.
	// Ignored when Upload is set.
	RemoteBinary string

	// Upload streams Payload to RemoteDir before running it.
	Upload    bool
	Payload   *Payload // nil: the running executable
	RemoteDir string

	// Marker tags the remote process. Generated when empty.
	Marker string

	ConnectTimeout   time.Duration
	TerminateTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Port:             22,
		RemoteBinary:     "udptun",
		RemoteDir:        "/tmp",
		ConnectTimeout:   15 * time.Second,
		TerminateTimeout: 5 * time.Second,
	}
}

// Controller owns the SSH connection that runs the remote Tunnel-Egress.
type Controller struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	auth      []ssh.AuthMethod
	authClose func() error
	hostKey   ssh.HostKeyCallback

	mu      sync.Mutex
	client  *ssh.Client
	session *ssh.Session
	payload io.Closer

	started atomic.Bool
	done    chan struct{}
	exitErr error
	drains  sync.WaitGroup

	closeOnce sync.Once
}

// New validates cfg and prepares authentication. It does not connect.
func New(cfg Config) (*Controller, error) {
	if cfg.User == "" || cfg.Host == "" {
		return nil, errors.New("ssh user and host are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Egress.LocalPort == 0 {
		return nil, errors.New("remote tunnel port must be non-zero")
	}
	if !cfg.Upload && cfg.RemoteBinary == "" {
		return nil, errors.New("remote binary required when not uploading")
	}
	if cfg.RemoteDir == "" {
		cfg.RemoteDir = "/tmp"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.TerminateTimeout <= 0 {
		cfg.TerminateTimeout = 5 * time.Second
	}
	if cfg.Marker == "" {
		marker, err := NewMarker()
		if err != nil {
			return nil, err
		}
		cfg.Marker = marker
	}
	if !markerPattern.MatchString(cfg.Marker) {
		return nil, fmt.Errorf("invalid marker %q: must start with a letter or digit and contain only letters, digits, '.', '_' or '-'", cfg.Marker)
	}

	hostKey, err := hostKeyCallback(cfg.KnownHostsFile, cfg.InsecureIgnoreHostKey)
	if err != nil {
		return nil, err
	}
	auth, authClose, err := authMethods(cfg.Auth)
	if err != nil {
		return nil, err
	}

	return &Controller{
		cfg:       cfg,
		logger:    logging.ForComponent(cfg.Logger, "bootstrap").With(logging.KeyMarker, cfg.Marker),
		metrics:   metrics.OrUnregistered(cfg.Metrics),
		auth:      auth,
		authClose: authClose,
		hostKey:   hostKey,
		done:      make(chan struct{}),
	}, nil
}

// NewMarker returns a random process marker.
func NewMarker() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate marker: %w", err)
	}
	return MarkerPrefix + hex.EncodeToString(b[:]), nil
}

// Marker returns the marker tagging the remote process.
func (c *Controller) Marker() string {
	return c.cfg.Marker
}

// TunnelAddress is the remote loopback address the Tunnel-Egress listens on.
func (c *Controller) TunnelAddress() string {
	return redirect.HostPort("127.0.0.1", c.cfg.Egress.LocalPort)
}

// Start connects, optionally uploads the payload, and launches the remote
// Tunnel-Egress. It returns once the remote command is running.
func (c *Controller) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if err := c.start(ctx); err != nil {
		c.metrics.RecordBootstrap(metrics.BootstrapError)
		c.logger.Error("remote bootstrap failed", logging.KeyHost, c.cfg.Host, logging.KeyError, err)
		c.exitErr = err
		close(c.done)
		return err
	}
	return nil
}

func (c *Controller) start(ctx context.Context) error {
	client, err := c.connect(ctx)
	if err != nil {
		return err
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return fmt.Errorf("open session: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		client.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	var payload io.Closer
	if c.cfg.Upload {
		if c.cfg.Payload == nil {
			if c.cfg.Payload, err = ExecutablePayload(); err != nil {
				session.Close()
				client.Close()
				return err
			}
		}
		r, closer, err := c.cfg.Payload.framedReader()
		if err != nil {
			session.Close()
			client.Close()
			return err
		}
		session.Stdin = r
		payload = closer
		c.metrics.RecordBootstrap(metrics.BootstrapUpload)
		c.logger.Info("uploading relay executable", "size", humanize.Bytes(uint64(c.cfg.Payload.Size)), "path", c.uploadPath())
	}

	if err := session.Start(c.remoteCommand()); err != nil {
		if payload != nil {
			payload.Close()
		}
		session.Close()
		client.Close()
		return fmt.Errorf("start remote egress: %w", err)
	}

	c.mu.Lock()
	c.client, c.session, c.payload = client, session, payload
	c.mu.Unlock()

	c.drains.Add(2)
	go c.drain("stdout", stdout)
	go c.drain("stderr", stderr)
	go c.wait(session)

	c.metrics.RecordBootstrap(metrics.BootstrapStart)
	c.logger.Info("remote egress started",
		logging.KeyHost, c.cfg.Host,
		logging.KeyRemoteAddr, c.TunnelAddress())

	return nil
}

// connect dials and authenticates a new SSH connection.
func (c *Controller) connect(ctx context.Context) (*ssh.Client, error) {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// Abort the handshake if ctx ends first.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            c.auth,
		HostKeyCallback: c.hostKey,
		Timeout:         c.cfg.ConnectTimeout,
	})
	if err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctxErr)
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	c.metrics.RecordBootstrap(metrics.BootstrapConnect)
	c.logger.Debug("ssh connected", logging.KeyHost, addr)

	return ssh.NewClient(sc, chans, reqs), nil
}

func (c *Controller) drain(stream string, r io.Reader) {
	defer c.drains.Done()
	defer recovery.RecoverWithLog(c.logger, "bootstrap.Controller.drain")

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.logger.Info("remote output", "stream", stream, "line", scanner.Text())
	}
}

func (c *Controller) wait(session *ssh.Session) {
	defer recovery.RecoverWithLog(c.logger, "bootstrap.Controller.wait")

	err := session.Wait()
	c.drains.Wait()

	c.mu.Lock()
	if c.payload != nil {
		c.payload.Close()
		c.payload = nil
	}
	c.mu.Unlock()

	c.exitErr = err
	c.metrics.RecordBootstrap(metrics.BootstrapExit)
	if err != nil {
		c.logger.Warn("remote egress exited", logging.KeyError, err)
	} else {
		c.logger.Info("remote egress exited")
	}
	close(c.done)
}

// Wait blocks until the remote Tunnel-Egress exits or the controller is
// closed, and returns the remote exit error.
func (c *Controller) Wait() error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	<-c.done
	return c.exitErr
}

// Done is closed when the remote command has ended.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// DialContext opens a stream to addr through the SSH connection. It satisfies
// tunnel.Dialer, so a Tunnel-Ingress can reach the remote egress with it.
func (c *Controller) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil {
		return nil, ErrNotStarted
	}
	return client.DialContext(ctx, network, addr)
}

// TerminateRemote kills the remote process over a new SSH connection and
// removes the uploaded payload. It does not wait for confirmation beyond
// TerminateTimeout and ignores the kill command's exit status.
func (c *Controller) TerminateRemote(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TerminateTimeout)
	defer cancel()

	client, err := c.connect(ctx)
	if err != nil {
		c.metrics.RecordBootstrap(metrics.BootstrapError)
		return fmt.Errorf("terminate remote: %w", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		c.metrics.RecordBootstrap(metrics.BootstrapError)
		return fmt.Errorf("terminate remote: open session: %w", err)
	}
	defer session.Close()

	if err := session.Start(c.killCommand()); err != nil {
		c.metrics.RecordBootstrap(metrics.BootstrapError)
		return fmt.Errorf("terminate remote: %w", err)
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer recovery.RecoverWithLog(c.logger, "bootstrap.Controller.TerminateRemote")
		session.Wait()
	}()

	select {
	case <-finished:
	case <-ctx.Done():
	}

	c.metrics.RecordBootstrap(metrics.BootstrapTerminate)
	c.logger.Info("remote termination requested", logging.KeyHost, c.cfg.Host)
	return nil
}

// Close tears down the SSH connection. The remote process may outlive it;
// use TerminateRemote first to stop it.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		session, client := c.session, c.client
		c.mu.Unlock()

		if session != nil {
			session.Close()
		}
		if client != nil {
			err = client.Close()
		}
		if c.authClose != nil {
			c.authClose()
		}
	})
	return err
}

// uploadPath is where the payload lands remotely. The file name carries the
// marker so the running process matches it.
func (c *Controller) uploadPath() string {
	return path.Join(c.cfg.RemoteDir, c.cfg.Marker)
}

func (c *Controller) remoteCommand() string {
	args := []string{"remote", c.cfg.Egress.String(), "--marker", c.cfg.Marker}

	if !c.cfg.Upload {
		return "exec " + shellJoin(append([]string{c.cfg.RemoteBinary}, args...))
	}

	file := shellQuote(c.uploadPath())
	return fmt.Sprintf("head -c %d > %s && chmod 700 %s && exec %s",
		c.cfg.Payload.Size, file, file, shellJoin(append([]string{c.uploadPath()}, args...)))
}

func (c *Controller) killCommand() string {
	cmd := "pkill -f " + shellQuote(killPattern(c.cfg.Marker))
	if c.cfg.Upload {
		cmd += "; rm -f " + shellQuote(c.uploadPath())
	}
	return cmd
}

// killPattern matches the marker without matching the shell running pkill,
// whose own command line contains the pattern text.
func killPattern(marker string) string {
	if marker == "" {
		return ""
	}
	return "[" + marker[:1] + "]" + regexp.QuoteMeta(marker[1:])
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}
