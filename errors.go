package tunneler

import (
	"errors"
	"fmt"
	"strings"
)

// errors
var (
	ErrParse          = errors.New("parse error")
	ErrNotFound       = errors.New("tunnels file not found")
	ErrConnect        = errors.New("error creating connection")
	ErrForward        = errors.New("error opening forward")
	ErrClosed         = errors.New("tunnel closed")
	ErrClosingHop     = errors.New("error closing hop")
	ErrNoAuth         = errors.New("no SSH auth methods configured")
	ErrNoHostKeyCheck = errors.New("no host key verification configured")
)

// ParseError is returned for malformed tunnel spec lines and hop tokens. Line
// is 1-indexed and zero when the text did not come from a spec file.
type ParseError struct {
	Line   int
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%v: line %d [%s]: %s", ErrParse, e.Line, e.Text, e.Reason)
	}
	return fmt.Sprintf("%v: [%s]: %s", ErrParse, e.Text, e.Reason)
}

// Unwrap returns ErrParse.
func (e *ParseError) Unwrap() error { return ErrParse }

// NotFoundError lists every location searched for the tunnels file.
type NotFoundError struct {
	Locations []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%v: looked in %s", ErrNotFound, strings.Join(e.Locations, ", "))
}

// Unwrap returns ErrNotFound.
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConnectionError means the SSH connection to a hop could not be established.
// Hop is the prefix key of the chain up to and including the failing hop.
type ConnectionError struct {
	Hop string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%v to [%s]: %v", ErrConnect, e.Hop, e.Err)
}

// Unwrap returns both ErrConnect and the underlying cause.
func (e *ConnectionError) Unwrap() []error { return []error{ErrConnect, e.Err} }

// ForwardError means a local listener for a forward could not be bound.
type ForwardError struct {
	Forward Forward
	Err     error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("%v [%s]: %v", ErrForward, e.Forward, e.Err)
}

// Unwrap returns both ErrForward and the underlying cause.
func (e *ForwardError) Unwrap() []error { return []error{ErrForward, e.Err} }

// OpenError is returned by Tunneler.Open when it stops at the first connection
// that fails. Unopened names the paths of every connection that was not fully
// opened, starting with the failing one. Partial is set when the failing
// connection still has some of its forwards bound.
type OpenError struct {
	Path     string
	Err      error
	Unopened []string
	Partial  bool
}

func (e *OpenError) Error() string {
	partial := ""
	if e.Partial {
		partial = ", first one partially open"
	}
	return fmt.Sprintf("open [%s]: %v (%d connection(s) left unopened%s: %s)",
		e.Path, e.Err, len(e.Unopened), partial, strings.Join(e.Unopened, ", "))
}

func (e *OpenError) Unwrap() error { return e.Err }
