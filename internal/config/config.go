// Package config provides configuration parsing and validation for the relays.
//
// The redirect spec given on the command line stays the primary input; the
// optional YAML file only tunes the relays around it.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Tunnel  TunnelConfig  `yaml:"tunnel"`
	Learn   LearnConfig   `yaml:"learn"`
	SSH     SSHConfig     `yaml:"ssh"`
	Socket  SocketConfig  `yaml:"socket"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TunnelConfig tunes Tunnel-Ingress and Tunnel-Egress.
type TunnelConfig struct {
	BindHost            string        `yaml:"bind_host"` // auto mode ingress bind host
	MaxDatagramSize     int           `yaml:"max_datagram_size"`
	ReplyTimeout        time.Duration `yaml:"reply_timeout"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	IOTimeout           time.Duration `yaml:"io_timeout"`
	SessionTimeout      time.Duration `yaml:"session_timeout"` // egress, 0 = resend forever
	MaxSessions         int           `yaml:"max_sessions"`
	EgressMaxSessions   int           `yaml:"egress_max_sessions"`
	RateLimit           float64       `yaml:"rate_limit"` // new sessions per second
	ValidateReplySource bool          `yaml:"validate_reply_source"`
}

// LearnConfig tunes the endpoint-learning relay.
type LearnConfig struct {
	BindHost        string `yaml:"bind_host"`
	MaxDatagramSize int    `yaml:"max_datagram_size"`
}

// SSHConfig configures the bootstrap controller's SSH connections.
type SSHConfig struct {
	Port                  int           `yaml:"port"`
	IdentityFiles         []string      `yaml:"identity_files"`
	UseAgent              bool          `yaml:"use_agent"`
	Password              string        `yaml:"password"`
	PasswordPrompt        bool          `yaml:"password_prompt"`
	KnownHosts            string        `yaml:"known_hosts"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	RemoteBinary          string        `yaml:"remote_binary"`
	Upload                bool          `yaml:"upload"`
	RemoteDir             string        `yaml:"remote_dir"`
	TunnelPort            int           `yaml:"tunnel_port"` // 0 = same as the local port
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	TerminateTimeout      time.Duration `yaml:"terminate_timeout"`
}

// SocketConfig sets options on every bound socket.
type SocketConfig struct {
	ReuseAddr   bool `yaml:"reuse_addr"`
	ReadBuffer  int  `yaml:"read_buffer"`
	WriteBuffer int  `yaml:"write_buffer"`
}

// MetricsConfig controls the optional metrics and health endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config with default values.
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tunnel: TunnelConfig{
			BindHost:        "127.0.0.1",
			MaxDatagramSize: 1500,
			ReplyTimeout:    1 * time.Second,
			DialTimeout:       10 * time.Second,
			EgressMaxSessions: 256,
		},
		Learn: LearnConfig{
			BindHost:        "0.0.0.0",
			MaxDatagramSize: 65535,
		},
		SSH: SSHConfig{
			Port:             22,
			UseAgent:         true,
			KnownHosts:       home + "/.ssh/known_hosts",
			RemoteBinary:     "udptun",
			RemoteDir:        "/tmp",
			ConnectTimeout:   15 * time.Second,
			TerminateTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9464",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes layered over the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default when VAR is unset; unknown plain
// references are left as written.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if varName, defaultVal, ok := strings.Cut(name, ":-"); ok {
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.Tunnel.MaxDatagramSize < 1 || c.Tunnel.MaxDatagramSize > 65507 {
		errs = append(errs, "tunnel.max_datagram_size must be between 1 and 65507")
	}
	if c.Tunnel.ReplyTimeout <= 0 {
		errs = append(errs, "tunnel.reply_timeout must be positive")
	}
	if c.Tunnel.DialTimeout < 0 || c.Tunnel.IOTimeout < 0 || c.Tunnel.SessionTimeout < 0 {
		errs = append(errs, "tunnel timeouts must not be negative")
	}
	if c.Tunnel.MaxSessions < 0 || c.Tunnel.EgressMaxSessions < 0 {
		errs = append(errs, "tunnel session limits must not be negative")
	}
	if c.Tunnel.RateLimit < 0 {
		errs = append(errs, "tunnel.rate_limit must not be negative")
	}
	if !isValidHost(c.Tunnel.BindHost) {
		errs = append(errs, fmt.Sprintf("invalid tunnel.bind_host: %q", c.Tunnel.BindHost))
	}

	if c.Learn.MaxDatagramSize < 1 || c.Learn.MaxDatagramSize > 65535 {
		errs = append(errs, "learn.max_datagram_size must be between 1 and 65535")
	}
	if !isValidHost(c.Learn.BindHost) {
		errs = append(errs, fmt.Sprintf("invalid learn.bind_host: %q", c.Learn.BindHost))
	}

	if c.SSH.Port < 1 || c.SSH.Port > 65535 {
		errs = append(errs, "ssh.port must be between 1 and 65535")
	}
	if c.SSH.TunnelPort < 0 || c.SSH.TunnelPort > 65535 {
		errs = append(errs, "ssh.tunnel_port must be between 0 and 65535")
	}
	if c.SSH.RemoteBinary == "" && !c.SSH.Upload {
		errs = append(errs, "ssh.remote_binary is required unless ssh.upload is set")
	}
	if c.SSH.Upload && c.SSH.RemoteDir == "" {
		errs = append(errs, "ssh.remote_dir is required when ssh.upload is set")
	}
	if !c.SSH.InsecureIgnoreHostKey && c.SSH.KnownHosts == "" {
		errs = append(errs, "ssh.known_hosts is required unless ssh.insecure_ignore_host_key is set")
	}
	if c.SSH.ConnectTimeout <= 0 || c.SSH.TerminateTimeout <= 0 {
		errs = append(errs, "ssh timeouts must be positive")
	}

	if c.Socket.ReadBuffer < 0 || c.Socket.WriteBuffer < 0 {
		errs = append(errs, "socket buffer sizes must not be negative")
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
			errs = append(errs, fmt.Sprintf("invalid metrics.address: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidHost(host string) bool {
	return host != "" && !strings.ContainsAny(host, " :/")
}

// String returns a YAML representation of the config with secrets redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
func (c *Config) Redacted() *Config {
	redacted := *c
	redacted.SSH.IdentityFiles = append([]string(nil), c.SSH.IdentityFiles...)

	if redacted.SSH.Password != "" {
		redacted.SSH.Password = redactedValue
	}
	for i := range redacted.SSH.IdentityFiles {
		redacted.SSH.IdentityFiles[i] = redactedValue
	}

	return &redacted
}
