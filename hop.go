package tunneler

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// HopDelimiter separates hops in a path.
const HopDelimiter = "->"

// Hop is a single SSH endpoint in a chain. Zero User and Port mean that the
// configured defaults apply.
type Hop struct {
	User string
	Host string
	Port int
}

// Path is an ordered list of hops. The first hop is dialed directly, every
// following hop is dialed through the one before it.
type Path []Hop

// userHostPortRegex matches [username@]host[:port]. No part may contain whitespace.
var userHostPortRegex = regexp.MustCompile(`^(?:([^@:\s]+)@)?([^@:\s]+)(?::([^@:\s]*))?$`)

// ParseHop parses a single hop in "[user@]host[:port]" form.
func ParseHop(s string) (Hop, error) {
	uhp := userHostPortRegex.FindStringSubmatch(s)
	if len(uhp) != 4 {
		return Hop{}, &ParseError{Text: s, Reason: "expected [user@]host[:port]"}
	}

	h := Hop{
		User: uhp[1],
		Host: uhp[2],
	}

	if strings.Contains(s, ":") {
		port, err := parsePort(uhp[3])
		if err != nil || port == 0 {
			return Hop{}, &ParseError{Text: s, Reason: fmt.Sprintf("invalid port %q", uhp[3])}
		}
		h.Port = port
	}
	return h, nil
}

// ParseHops parses a list of hop specs.
func ParseHops(specs []string) (Path, error) {
	path := make(Path, 0, len(specs))
	for _, s := range specs {
		h, err := ParseHop(s)
		if err != nil {
			return nil, err
		}
		path = append(path, h)
	}
	return path, nil
}

// ParsePath parses "hop(->hop)*".
func ParsePath(s string) (Path, error) {
	if s == "" {
		return nil, &ParseError{Text: s, Reason: "empty path"}
	}
	return ParseHops(strings.Split(s, HopDelimiter))
}

// withDefaults fills in user and port where the hop did not set them.
func (h Hop) withDefaults(user string, port int) Hop {
	if h.User == "" {
		h.User = user
	}
	if h.Port == 0 {
		h.Port = port
	}
	return h
}

// Addr returns host:port. The port must have been set.
func (h Hop) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

func (h Hop) String() string {
	var b strings.Builder
	if h.User != "" {
		b.WriteString(h.User)
		b.WriteByte('@')
	}
	b.WriteString(h.Host)
	if h.Port != 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(h.Port))
	}
	return b.String()
}

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, h := range p {
		parts[i] = h.String()
	}
	return strings.Join(parts, HopDelimiter)
}

func parsePort(s string) (int, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return int(port), nil
}
