package tunneler

import (
	"cmp"
	"errors"
	"slices"
	"strings"
	"sync"
)

// ChainCache resolves paths into chains of sessions and remembers every
// prefix it has built, so that paths sharing leading hops share the same
// sessions. Entries are never evicted.
type ChainCache struct {
	config *Config

	mu       sync.Mutex
	sessions map[string]*Session
	built    int
}

// NewChainCache creates an empty cache whose sessions use config.
func NewChainCache(config *Config) *ChainCache {
	return &ChainCache{
		config:   config,
		sessions: make(map[string]*Session),
	}
}

// Resolve returns the session for the last hop of path, building the
// sessions of any prefix not seen before. Hops are keyed with user and port
// defaults filled in, so "host" and "user@host:22" name the same hop when
// those are the defaults. Nothing is dialed here.
func (c *ChainCache) Resolve(path string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		session *Session
		key     strings.Builder
	)
	for _, token := range strings.Split(path, HopDelimiter) {
		hop, err := ParseHop(token)
		if err != nil {
			return nil, err
		}
		hop = hop.withDefaults(c.config.DefaultUser, c.config.DefaultPort)

		if key.Len() > 0 {
			key.WriteString(HopDelimiter)
		}
		key.WriteString(hop.String())

		if cached, ok := c.sessions[key.String()]; ok {
			session = cached
			continue
		}

		session = newSession(c.config, key.String(), hop, session)
		c.sessions[session.key] = session
		c.built++
	}
	return session, nil
}

// Len returns the number of cached prefixes.
func (c *ChainCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Lookup returns the cached session for a normalized prefix key.
func (c *ChainCache) Lookup(key string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[key]
	return s, ok
}

// Close disconnects every cached session, longest chain first, whether or
// not a TunnelConnection still uses it.
func (c *ChainCache) Close() error {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	slices.SortFunc(sessions, func(a, b *Session) int {
		return cmp.Compare(b.depth(), a.depth())
	})

	var errs error
	for _, s := range sessions {
		errs = errors.Join(errs, s.disconnect())
	}
	return errs
}
