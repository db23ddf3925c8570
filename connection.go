package tunneler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
)

type connState int

const (
	stateIdle connState = iota
	stateOpening
	stateOpen
	stateClosed
)

// TunnelConnection binds the forwards of one path to the session at the end
// of that path's chain.
//
// If binding one forward fails, Open stops and returns a *ForwardError; the
// forwards bound before it stay open until Close is called.
type TunnelConnection struct {
	path     string
	endpoint *Session
	forwards []Forward
	config   *Config
	logger   *slog.Logger

	mu        sync.Mutex
	state     connState
	acquired  bool
	cancel    context.CancelFunc
	listeners []forwardListener
	conns     map[*trackedConn]struct{}
	wg        sync.WaitGroup
}

type forwardListener struct {
	fwd Forward
	ln  net.Listener
}

// NewTunnelConnection creates a connection for forwards over endpoint. path
// is the spec text the forwards were grouped under.
func NewTunnelConnection(config *Config, path string, endpoint *Session, forwards ForwardSet) *TunnelConnection {
	return &TunnelConnection{
		path:     path,
		endpoint: endpoint,
		forwards: forwards.Sorted(),
		config:   config,
		logger:   config.Logger.With("path", path),
		conns:    make(map[*trackedConn]struct{}),
	}
}

// Path returns the spec text of the path.
func (tc *TunnelConnection) Path() string { return tc.path }

// Endpoint returns the session at the end of the chain.
func (tc *TunnelConnection) Endpoint() *Session { return tc.endpoint }

// Forwards returns the forwards in the order they are opened.
func (tc *TunnelConnection) Forwards() []Forward {
	out := make([]Forward, len(tc.forwards))
	copy(out, tc.forwards)
	return out
}

// Addrs returns the addresses of the bound local listeners.
func (tc *TunnelConnection) Addrs() []net.Addr {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	addrs := make([]net.Addr, 0, len(tc.listeners))
	for _, fl := range tc.listeners {
		addrs = append(addrs, fl.ln.Addr())
	}
	return addrs
}

func (tc *TunnelConnection) String() string {
	return fmt.Sprintf("%s (%d forwards)", tc.path, len(tc.forwards))
}

// Open connects the chain and binds every forward. Calling Open on an open
// connection does nothing; after Close it returns ErrClosed.
func (tc *TunnelConnection) Open(ctx context.Context) error {
	tc.mu.Lock()
	switch tc.state {
	case stateClosed:
		tc.mu.Unlock()
		return ErrClosed
	case stateOpening, stateOpen:
		tc.mu.Unlock()
		return nil
	}

	// forwarded connections live until Close, not until ctx is done
	life, cancel := context.WithCancel(context.Background())
	tc.cancel = cancel
	tc.state = stateOpening
	tc.acquired = true
	tc.endpoint.acquire()
	tc.mu.Unlock()

	openCtx, stop := context.WithCancel(ctx)
	defer stop()
	unhook := context.AfterFunc(life, stop)
	defer unhook()

	if err := tc.endpoint.Connect(openCtx); err != nil {
		tc.abortOpen()
		return err
	}

	for _, fwd := range tc.forwards {
		var lc net.ListenConfig
		ln, err := lc.Listen(openCtx, "tcp", fwd.LocalAddr())
		if err != nil {
			tc.finishOpen()
			return &ForwardError{Forward: fwd, Err: err}
		}
		if !tc.register(life, fwd, ln) {
			ln.Close()
			return ErrClosed
		}
		tc.logger.Info("forward open", "local", ln.Addr().String(), "dest", fwd.DestAddr())
	}

	tc.finishOpen()
	return nil
}

// abortOpen returns a connection whose chain could not be connected to idle
// so that Open can be retried.
func (tc *TunnelConnection) abortOpen() {
	tc.mu.Lock()
	release := tc.acquired && tc.state == stateOpening
	if release {
		tc.state = stateIdle
		tc.acquired = false
		tc.cancel()
		tc.cancel = nil
	}
	tc.mu.Unlock()

	if release {
		if err := tc.endpoint.release(); err != nil {
			tc.logger.Warn("release chain", "err", err)
		}
	}
}

func (tc *TunnelConnection) finishOpen() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.state == stateOpening {
		tc.state = stateOpen
		tc.config.Metrics.connectionOpened()
	}
}

// register records a bound listener and starts serving it, unless the
// connection was closed in the meantime.
func (tc *TunnelConnection) register(ctx context.Context, fwd Forward, ln net.Listener) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.state == stateClosed {
		return false
	}
	tc.listeners = append(tc.listeners, forwardListener{fwd: fwd, ln: ln})
	tc.config.Metrics.listenerOpened()
	tc.wg.Add(1)
	go tc.serve(ctx, fwd, ln)
	return true
}

func (tc *TunnelConnection) serve(ctx context.Context, fwd Forward, ln net.Listener) {
	defer tc.wg.Done()

	for {
		local, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				tc.logger.Error("accept failed", "forward", fwd.String(), "err", err)
			}
			return
		}
		tc.config.Metrics.recordAccept(fwd.String())
		go tc.relay(ctx, fwd, local)
	}
}

func (tc *TunnelConnection) relay(ctx context.Context, fwd Forward, local net.Conn) {
	remote, err := tc.endpoint.DialContext(ctx, "tcp", fwd.DestAddr())
	if err != nil {
		tc.config.Metrics.recordDialError(fwd.String())
		tc.logger.Warn("dial destination failed", "forward", fwd.String(), "err", err)
		local.Close()
		return
	}

	local, ok := tc.track(local)
	if !ok {
		remote.Close()
		return
	}
	remote, ok = tc.track(remote)
	if !ok {
		local.Close()
		return
	}

	tc.config.Metrics.relayStarted(fwd.String())
	var (
		wg             sync.WaitGroup
		sent, received int64
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		sent, _ = io.Copy(remote, local)
		remote.Close()
	}()
	go func() {
		defer wg.Done()
		received, _ = io.Copy(local, remote)
		local.Close()
	}()
	wg.Wait()
	tc.config.Metrics.relayDone(fwd.String(), sent, received)
}

// track registers conn so that Close can shut it down. It reports false, and
// closes conn, if the connection has been closed already.
func (tc *TunnelConnection) track(conn net.Conn) (net.Conn, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.state == stateClosed {
		conn.Close()
		return nil, false
	}
	if !tc.config.TrackConns {
		return conn, true
	}

	tconn := &trackedConn{Conn: conn}
	tconn.onClose = func() {
		tc.mu.Lock()
		delete(tc.conns, tconn)
		tc.mu.Unlock()
	}
	tc.conns[tconn] = struct{}{}
	return tconn, true
}

// Close stops every forward, closes tracked connections and releases the
// chain. Failures are logged and returned together; they never stop the
// remaining forwards from being closed. Close is safe to call more than once
// and before Open.
func (tc *TunnelConnection) Close() error {
	tc.mu.Lock()
	if tc.state == stateClosed {
		tc.mu.Unlock()
		return nil
	}
	wasOpen := tc.state == stateOpen
	tc.state = stateClosed
	cancel := tc.cancel
	listeners := tc.listeners
	tc.listeners = nil
	conns := make([]*trackedConn, 0, len(tc.conns))
	for c := range tc.conns {
		conns = append(conns, c)
	}
	acquired := tc.acquired
	tc.acquired = false
	tc.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var errs error
	for _, fl := range listeners {
		if err := fl.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			tc.logger.Warn("close forward", "forward", fl.fwd.String(), "err", err)
			errs = errors.Join(errs, fmt.Errorf("close forward [%s]: %w", fl.fwd, err))
		}
		tc.config.Metrics.listenerClosed()
	}

	// onClose takes tc.mu, so these are closed without holding it
	for _, c := range conns {
		c.Close()
	}
	tc.wg.Wait()

	if acquired {
		if err := tc.endpoint.release(); err != nil {
			tc.logger.Warn("release chain", "err", err)
			errs = errors.Join(errs, err)
		}
	}
	if wasOpen {
		tc.config.Metrics.connectionClosed()
	}
	tc.logger.Debug("closed")
	return errs
}
