package tunneler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Tunneler owns every TunnelConnection described by a tunnel spec.
type Tunneler struct {
	config *Config
	cache  *ChainCache
	spec   Spec
	logger *slog.Logger

	mu     sync.Mutex
	conns  []*TunnelConnection
	closed bool
}

// New parses the tunnel spec read from r and resolves the chain for every
// path in it. Nothing is dialed until Open. Any parse error aborts the load.
func New(r io.Reader, opts ...Option) (*Tunneler, error) {
	config, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	spec, err := ParseSpec(r)
	if err != nil {
		config.close()
		return nil, err
	}

	t := &Tunneler{
		config: config,
		cache:  NewChainCache(config),
		spec:   spec,
		logger: config.Logger,
	}

	for _, path := range spec.Paths() {
		endpoint, err := t.cache.Resolve(path)
		if err != nil {
			config.close()
			return nil, fmt.Errorf("resolve [%s]: %w", path, err)
		}
		t.conns = append(t.conns, NewTunnelConnection(config, path, endpoint, spec[path]))
	}

	t.logger.Info("tunnels loaded", "connections", len(t.conns), "hops", t.cache.Len())
	return t, nil
}

// NewFromFile is New with the spec read from the file at path.
func NewFromFile(path string, opts ...Option) (*Tunneler, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &NotFoundError{Locations: []string{path}}
	}
	if err != nil {
		return nil, fmt.Errorf("open tunnels file: %w", err)
	}
	defer f.Close()

	return New(f, opts...)
}

// Spec returns the parsed tunnel spec.
func (t *Tunneler) Spec() Spec { return t.spec }

// Cache returns the chain cache the connections were resolved with.
func (t *Tunneler) Cache() *ChainCache { return t.cache }

// Connections returns the tunnel connections ordered by path.
func (t *Tunneler) Connections() []*TunnelConnection {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*TunnelConnection, len(t.conns))
	copy(out, t.conns)
	return out
}

// Open opens the connections in path order and stops at the first one that
// fails, returning an *OpenError that names every connection left unopened
// and whether the failing one kept some forwards bound.
// Connections opened before the failure stay open; call Close to tear them
// down.
func (t *Tunneler) Open(ctx context.Context) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	conns := t.Connections()
	for i, conn := range conns {
		if err := conn.Open(ctx); err != nil {
			unopened := make([]string, 0, len(conns)-i)
			for _, c := range conns[i:] {
				unopened = append(unopened, c.Path())
			}
			partial := len(conn.Addrs()) > 0
			t.logger.Error("open failed", "path", conn.Path(), "err", err, "unopened", len(unopened), "partial", partial)
			return &OpenError{Path: conn.Path(), Err: err, Unopened: unopened, Partial: partial}
		}
	}
	t.logger.Info("tunnels open", "connections", len(conns))
	return nil
}

// Close closes every connection. Failures are logged and joined into the
// returned error but never stop the remaining connections from being
// closed. Close may be called from a different goroutine than Open.
func (t *Tunneler) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := t.conns
	t.mu.Unlock()

	var errs error
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			t.logger.Error("close failed", "path", conn.Path(), "err", err)
			errs = errors.Join(errs, fmt.Errorf("close [%s]: %w", conn.Path(), err))
		}
	}
	if err := t.cache.Close(); err != nil {
		t.logger.Warn("disconnect hops", "err", err)
	}
	if err := t.config.close(); err != nil {
		t.logger.Warn("close ssh-agent connection", "err", err)
	}
	return errs
}
