package tunneler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Session is one hop of a resolved chain. It knows how to reach its hop,
// either directly or through its proxy, which is the Session for the
// preceding hop. The SSH connection is made on first use and shared by
// everything that goes through this hop.
type Session struct {
	key    string
	hop    Hop
	proxy  *Session
	config *Config
	logger *slog.Logger

	mu     sync.Mutex
	client *ssh.Client
	refs   int
}

// contextDialer is the signature of net.Dialer.DialContext and ssh.Client.DialContext.
type contextDialer func(ctx context.Context, network, addr string) (net.Conn, error)

func newSession(config *Config, key string, hop Hop, proxy *Session) *Session {
	return &Session{
		key:    key,
		hop:    hop,
		proxy:  proxy,
		config: config,
		logger: config.Logger.With("hop", key),
	}
}

// Hop returns the hop with user and port defaults applied.
func (s *Session) Hop() Hop { return s.hop }

// Proxy returns the session this hop is reached through, or nil for the first hop.
func (s *Session) Proxy() *Session { return s.proxy }

// Connected reports whether the SSH connection for this hop is up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// String returns the normalized chain up to and including this hop.
func (s *Session) String() string { return s.key }

// Connect establishes the chain up to and including this hop.
func (s *Session) Connect(ctx context.Context) error {
	_, err := s.connect(ctx)
	return err
}

// DialContext connects to addr from the far end of the chain.
func (s *Session) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	return client.DialContext(ctx, network, addr)
}

func (s *Session) connect(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}

	dial := contextDialer((&net.Dialer{Timeout: s.config.PerHopTimeout}).DialContext)
	if s.proxy != nil {
		proxyClient, err := s.proxy.connect(ctx)
		if err != nil {
			return nil, err
		}
		dial = proxyClient.DialContext
	}

	if s.config.PerHopTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.PerHopTimeout)
		defer cancel()
	}

	client, err := dialSSH(ctx, dial, s.hop.Addr(), s.config.clientConfig(s.hop))
	if err == nil && ctx.Err() != nil {
		// the caller gave up while the handshake was finishing
		client.Close()
		client, err = nil, ctx.Err()
	}
	s.config.Metrics.recordHopDial(s.key, err)
	if err != nil {
		return nil, &ConnectionError{Hop: s.key, Err: err}
	}

	s.logger.Info("connected", "addr", s.hop.Addr())
	s.client = client
	go s.monitor(client, s.config.KeepAlive)
	return client, nil
}

// dialSSH opens a connection using dial and performs the SSH handshake over
// it. The handshake is abandoned when ctx is done.
func dialSSH(ctx context.Context, dial contextDialer, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)

	go func() {
		ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		if err != nil {
			conn.Close()
			done <- result{nil, err}
			return
		}
		done <- result{ssh.NewClient(ncc, chans, reqs), nil}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	case r := <-done:
		return r.client, r.err
	}
}

// monitor sends keep-alives on client and forgets it once it stops working,
// so that the next use reconnects.
func (s *Session) monitor(client *ssh.Client, interval time.Duration) {
	closed := make(chan struct{})
	go func() {
		client.Wait()
		close(closed)
	}()

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-closed:
			s.drop(client)
			return
		case <-tick:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				s.logger.Warn("keep-alive failed, dropping connection", "err", err)
				s.drop(client)
				return
			}
		}
	}
}

func (s *Session) drop(client *ssh.Client) {
	s.mu.Lock()
	if s.client == client {
		s.client = nil
		s.logger.Debug("disconnected")
	}
	s.mu.Unlock()
	client.Close()
}

// depth is the number of hops before this one.
func (s *Session) depth() int {
	n := 0
	for p := s.proxy; p != nil; p = p.proxy {
		n++
	}
	return n
}

// disconnect closes the SSH connection if there is one.
func (s *Session) disconnect() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: [%s]: %v", ErrClosingHop, s.key, err)
	}
	s.logger.Info("disconnected")
	return nil
}

// acquire marks every hop up to and including this one as in use.
func (s *Session) acquire() {
	for n := s; n != nil; n = n.proxy {
		n.mu.Lock()
		n.refs++
		n.mu.Unlock()
	}
}

// release undoes acquire. Hops that are no longer in use are disconnected,
// starting with the innermost.
func (s *Session) release() error {
	var errs error
	for n := s; n != nil; n = n.proxy {
		n.mu.Lock()
		if n.refs > 0 {
			n.refs--
		}
		var client *ssh.Client
		if n.refs == 0 {
			client, n.client = n.client, nil
		}
		n.mu.Unlock()

		if client == nil {
			continue
		}
		if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = errors.Join(errs, fmt.Errorf("%w: [%s]: %v", ErrClosingHop, n.key, err))
		}
		n.logger.Info("disconnected")
	}
	return errs
}
