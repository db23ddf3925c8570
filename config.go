package tunneler

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config contains the defaults every hop connection is built from.
type Config struct {
	Signers        []ssh.Signer
	UseAgent       bool
	KnownHostsPath string
	HostKeyCB      ssh.HostKeyCallback // overrides KnownHostsPath
	DefaultUser    string
	DefaultPort    int
	PerHopTimeout  time.Duration
	KeepAlive      time.Duration
	TrackConns     bool
	Logger         *slog.Logger
	Metrics        *Metrics

	agent *agentAuth
}

// Option is a configuration option
type Option func(*Config) error

func defaultConfig() Config {
	return Config{
		KnownHostsPath: "",
		DefaultUser:    currentUser(),
		DefaultPort:    22,
		PerHopTimeout:  10 * time.Second,
		KeepAlive:      30 * time.Second,
		TrackConns:     true,
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			AddSource: true,
		})).With("component", "tunneler"),
	}
}

// NewConfig applies the options on top of the defaults and checks that the
// result can authenticate and verify host keys.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if len(cfg.Signers) == 0 && !cfg.UseAgent {
		return nil, ErrNoAuth
	}

	if cfg.HostKeyCB == nil {
		cb, err := knownHostsCallback(cfg.KnownHostsPath)
		if err != nil {
			return nil, err
		}
		cfg.HostKeyCB = cb
	}

	if cfg.UseAgent {
		cfg.agent = &agentAuth{sock: os.Getenv("SSH_AUTH_SOCK"), logger: cfg.Logger}
	}
	return &cfg, nil
}

// WithSigner adds an in-memory ssh.Signer (private key) to be used for authentication.
func WithSigner(s ssh.Signer) Option {
	return func(c *Config) error {
		c.Signers = append(c.Signers, s)
		return nil
	}
}

// WithKey parses a private key from in-memory PEM data and adds it as an ssh.Signer.
// If passphrase is non-nil, it is used to decrypt the key.
func WithKey(pemBytes []byte, passphrase []byte) Option {
	return func(c *Config) error {
		s, err := parseKey(pemBytes, passphrase)
		if err != nil {
			return fmt.Errorf("parse key: %w", err)
		}
		c.Signers = append(c.Signers, s)
		return nil
	}
}

// WithKeyFile loads a private key from a PEM file on disk and adds it as an ssh.Signer.
// If passphrase is non-nil, it is used to decrypt the key.
func WithKeyFile(path string, passphrase []byte) Option {
	return func(c *Config) error {
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read key %q: %w", path, err)
		}
		s, err := parseKey(b, passphrase)
		if err != nil {
			return fmt.Errorf("parse key %q: %w", path, err)
		}
		c.Signers = append(c.Signers, s)
		return nil
	}
}

// WithAgent enables using the SSH agent for authentication, if SSH_AUTH_SOCK is set.
// If no agent is available, no agent auth method will be added.
func WithAgent() Option {
	return func(c *Config) error {
		c.UseAgent = true
		return nil
	}
}

// WithoutAgent disables SSH agent usage, even if SSH_AUTH_SOCK is set.
func WithoutAgent() Option {
	return func(c *Config) error {
		c.UseAgent = false
		return nil
	}
}

// WithKnownHosts sets the path to a known_hosts file for host key verification.
// If not provided, defaults to ~/.ssh/known_hosts.
func WithKnownHosts(path string) Option {
	return func(c *Config) error {
		c.KnownHostsPath = path
		return nil
	}
}

// WithHostKeyCallback sets a custom ssh.HostKeyCallback for host key verification.
// This overrides known_hosts file configuration.
func WithHostKeyCallback(cb ssh.HostKeyCallback) Option {
	return func(c *Config) error {
		c.HostKeyCB = cb
		return nil
	}
}

// WithDefaultUser sets the user for hops that do not name one. Defaults to
// the current user.
func WithDefaultUser(u string) Option {
	return func(c *Config) error {
		if u == "" {
			return errors.New("default user must not be empty")
		}
		c.DefaultUser = u
		return nil
	}
}

// WithDefaultPort sets the port for hops that do not name one. Defaults to 22.
func WithDefaultPort(port int) Option {
	return func(c *Config) error {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid default port %d", port)
		}
		c.DefaultPort = port
		return nil
	}
}

// WithPerHopTimeout sets the timeout used when dialing each SSH hop.
// Defaults to 10 seconds.
func WithPerHopTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.PerHopTimeout = d
		return nil
	}
}

// WithKeepAlive sets the interval for sending SSH keep-alive requests to each hop.
// Use 0 to disable keep-alives. Default is 30 seconds.
func WithKeepAlive(d time.Duration) Option {
	return func(c *Config) error {
		c.KeepAlive = d
		return nil
	}
}

// WithConnTracking enables or disables connection tracking.
// When enabled, closing a TunnelConnection also closes the forwarded
// connections that are still active.
func WithConnTracking(enable bool) Option {
	return func(c *Config) error {
		c.TrackConns = enable
		return nil
	}
}

// WithLogger replaces the default slog.Logger with a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) error {
		c.Logger = l
		return nil
	}
}

// WithMetrics records tunnel activity in m.
func WithMetrics(m *Metrics) Option {
	return func(c *Config) error {
		c.Metrics = m
		return nil
	}
}

// clientConfig returns the ssh.ClientConfig for a hop with defaults applied.
func (c *Config) clientConfig(h Hop) *ssh.ClientConfig {
	var auth []ssh.AuthMethod
	if len(c.Signers) > 0 {
		auth = append(auth, ssh.PublicKeys(c.Signers...))
	}
	if c.agent != nil {
		auth = append(auth, ssh.PublicKeysCallback(c.agent.signers))
	}

	return &ssh.ClientConfig{
		User:            h.User,
		Auth:            auth,
		HostKeyCallback: c.HostKeyCB,
		Timeout:         c.PerHopTimeout,
	}
}

// close releases the agent connection, if any.
func (c *Config) close() error {
	if c.agent == nil {
		return nil
	}
	return c.agent.Close()
}

// agentAuth connects to the ssh-agent on first use so that a configuration
// can be created without an agent running.
type agentAuth struct {
	sock   string
	logger *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	client agent.ExtendedAgent
}

func (a *agentAuth) signers() ([]ssh.Signer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		if a.sock == "" {
			return nil, nil
		}
		conn, err := net.Dial("unix", a.sock)
		if err != nil {
			a.logger.Warn("ssh-agent not reachable", "sock", a.sock, "err", err)
			return nil, nil
		}
		a.conn = conn
		a.client = agent.NewClient(conn)
	}
	return a.client.Signers()
}

func (a *agentAuth) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn, a.client = nil, nil
	return err
}

func knownHostsCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		path = defaultKnownHostsPath()
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: set a host key callback or known_hosts path", ErrNoHostKeyCheck)
		}
	}

	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %q: %w", path, err)
	}
	return cb, nil
}

func defaultKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func parseKey(pemBytes []byte, passphrase []byte) (ssh.Signer, error) {
	if len(passphrase) > 0 {
		return ssh.ParsePrivateKeyWithPassphrase(pemBytes, passphrase)
	}
	return ssh.ParsePrivateKey(pemBytes)
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return strings.ToLower(u.Username)
	}
	return strings.ToLower(os.Getenv("USER"))
}
