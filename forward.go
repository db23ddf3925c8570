package tunneler

import (
	"cmp"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"unicode"
)

// Forward is a request to listen on LocalAlias:LocalPort and forward every
// accepted connection to DestHost:DestPort from the far end of a chain.
// Forwards compare by value.
type Forward struct {
	LocalAlias string
	LocalPort  int
	DestHost   string
	DestPort   int
}

// ForwardSet is a set of forwards. Identical forwards collapse into one.
type ForwardSet map[Forward]struct{}

// ParseForward parses "localAlias:localPort:destHost:destPort".
func ParseForward(s string) (Forward, error) {
	fields := strings.Split(s, ":")
	if len(fields) != 4 {
		return Forward{}, &ParseError{Text: s, Reason: fmt.Sprintf("forward needs 4 colon separated fields, got %d", len(fields))}
	}

	localPort, err := parsePort(fields[1])
	if err != nil {
		return Forward{}, &ParseError{Text: s, Reason: fmt.Sprintf("invalid local port %q", fields[1])}
	}
	destPort, err := parsePort(fields[3])
	if err != nil {
		return Forward{}, &ParseError{Text: s, Reason: fmt.Sprintf("invalid destination port %q", fields[3])}
	}
	if fields[0] == "" {
		return Forward{}, &ParseError{Text: s, Reason: "empty local alias"}
	}
	if fields[2] == "" {
		return Forward{}, &ParseError{Text: s, Reason: "empty destination host"}
	}
	if strings.ContainsFunc(fields[0]+fields[2], unicode.IsSpace) {
		return Forward{}, &ParseError{Text: s, Reason: "whitespace in local alias or destination host"}
	}

	return Forward{
		LocalAlias: fields[0],
		LocalPort:  localPort,
		DestHost:   fields[2],
		DestPort:   destPort,
	}, nil
}

// LocalAddr is the address the forward listens on.
func (f Forward) LocalAddr() string {
	return net.JoinHostPort(f.LocalAlias, strconv.Itoa(f.LocalPort))
}

// DestAddr is the address dialed from the end of the chain.
func (f Forward) DestAddr() string {
	return net.JoinHostPort(f.DestHost, strconv.Itoa(f.DestPort))
}

func (f Forward) String() string {
	return fmt.Sprintf("%s:%d:%s:%d", f.LocalAlias, f.LocalPort, f.DestHost, f.DestPort)
}

// Add inserts f and reports whether it was not already present.
func (s ForwardSet) Add(f Forward) bool {
	if _, ok := s[f]; ok {
		return false
	}
	s[f] = struct{}{}
	return true
}

// Contains reports whether f is in the set.
func (s ForwardSet) Contains(f Forward) bool {
	_, ok := s[f]
	return ok
}

// Sorted returns the forwards ordered by local address, then destination.
func (s ForwardSet) Sorted() []Forward {
	out := make([]Forward, 0, len(s))
	for f := range s {
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b Forward) int {
		return cmp.Or(
			cmp.Compare(a.LocalAlias, b.LocalAlias),
			cmp.Compare(a.LocalPort, b.LocalPort),
			cmp.Compare(a.DestHost, b.DestHost),
			cmp.Compare(a.DestPort, b.DestPort),
		)
	})
	return out
}
