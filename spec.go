package tunneler

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strings"
)

// FieldDelimiter separates the path from the forward on a spec line.
const FieldDelimiter = "|"

// Spec maps the raw path text of each spec line to the forwards requested
// over that path. Paths are grouped by their literal text.
type Spec map[string]ForwardSet

var commentRegex = regexp.MustCompile(`^\s*#`)

// ParseSpec reads a tunnel spec. Each non-comment, non-blank line has the form
//
//	[user@]host[:port](->[user@]host[:port])*|localAlias:localPort:destHost:destPort
//
// The first malformed line aborts parsing with a *ParseError.
func ParseSpec(r io.Reader) (Spec, error) {
	spec := Spec{}
	scanner := bufio.NewScanner(r)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := scanner.Text()
		if commentRegex.MatchString(raw) {
			continue
		}
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		path, fwd, err := parseLine(line)
		if err != nil {
			return nil, atLine(err, lineNum, line)
		}
		spec.Add(path, fwd)
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, &ParseError{Line: lineNum + 1, Text: "...", Reason: "line too long"}
		}
		return nil, fmt.Errorf("read tunnel spec: %w", err)
	}
	return spec, nil
}

func parseLine(line string) (string, Forward, error) {
	parts := strings.Split(line, FieldDelimiter)
	if len(parts) != 2 {
		return "", Forward{}, &ParseError{Text: line, Reason: "expected exactly one '|' between path and forward"}
	}

	path := strings.TrimSpace(parts[0])
	if _, err := ParsePath(path); err != nil {
		return "", Forward{}, err
	}

	fwd, err := ParseForward(strings.TrimSpace(parts[1]))
	if err != nil {
		return "", Forward{}, err
	}
	return path, fwd, nil
}

// atLine attributes a token level parse error to a spec line.
func atLine(err error, lineNum int, line string) error {
	var pe *ParseError
	if !errors.As(err, &pe) {
		return err
	}
	reason := pe.Reason
	if pe.Text != line {
		reason = fmt.Sprintf("[%s] %s", pe.Text, pe.Reason)
	}
	return &ParseError{Line: lineNum, Text: line, Reason: reason}
}

// Add inserts a forward under the given path text.
func (s Spec) Add(path string, f Forward) {
	set, ok := s[path]
	if !ok {
		set = ForwardSet{}
		s[path] = set
	}
	set.Add(f)
}

// Paths returns the path texts in sorted order.
func (s Spec) Paths() []string {
	paths := make([]string, 0, len(s))
	for p := range s {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

// WriteTo writes the spec back out in the form ParseSpec reads, one line per
// forward, ordered by path and forward.
func (s Spec) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, path := range s.Paths() {
		for _, f := range s[path].Sorted() {
			n, err := fmt.Fprintf(w, "%s%s%s\n", path, FieldDelimiter, f)
			total += int64(n)
			if err != nil {
				return total, err
			}
		}
	}
	return total, nil
}
