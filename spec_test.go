package tunneler

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exampleSpec = "" +
	"user1@server1:22->user2@server2->server3:2222->server4|local1:1234:remote:5678\n" +
	"user1@server1:22->user2@server2->server3:2222->server4|local1:4321:remote:8765\n" +
	"user1@server1:22->user2@server2->server3:2222|local2:1234:remote:5678\n"

func TestParseSpecGroupsByPath(t *testing.T) {
	spec, err := ParseSpec(strings.NewReader(exampleSpec))
	require.NoError(t, err)
	require.Len(t, spec, 2)

	long := spec["user1@server1:22->user2@server2->server3:2222->server4"]
	require.Len(t, long, 2)
	assert.True(t, long.Contains(Forward{LocalAlias: "local1", LocalPort: 1234, DestHost: "remote", DestPort: 5678}))
	assert.True(t, long.Contains(Forward{LocalAlias: "local1", LocalPort: 4321, DestHost: "remote", DestPort: 8765}))

	short := spec["user1@server1:22->user2@server2->server3:2222"]
	require.Len(t, short, 1)
	assert.True(t, short.Contains(Forward{LocalAlias: "local2", LocalPort: 1234, DestHost: "remote", DestPort: 5678}))
}

func TestParseSpecDeduplicates(t *testing.T) {
	spec, err := ParseSpec(strings.NewReader("a|1:1:x:1\na|1:1:x:1\n"))
	require.NoError(t, err)
	require.Len(t, spec, 1)
	assert.Len(t, spec["a"], 1)
}

func TestParseSpecRawPathGrouping(t *testing.T) {
	// equivalent hops written differently are separate groups
	spec, err := ParseSpec(strings.NewReader("host|l:1:x:1\nhost:22|l:1:x:1\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"host", "host:22"}, spec.Paths())
}

func TestParseSpecSkipsCommentsAndBlankLines(t *testing.T) {
	input := "# tunnels\n" +
		"\n" +
		"   # indented comment\n" +
		"   \t \n" +
		"  bastion->inner | localhost:8080:web:80  \n"

	spec, err := ParseSpec(strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, []string{"bastion->inner"}, spec.Paths())
	assert.True(t, spec["bastion->inner"].Contains(Forward{LocalAlias: "localhost", LocalPort: 8080, DestHost: "web", DestPort: 80}))
}

func TestParseSpecErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		line  int
	}{
		{name: "missing delimiter", input: "host l:1:x:1", line: 1},
		{name: "two delimiters", input: "host|l:1:x:1|more", line: 1},
		{name: "three forward fields", input: "host|l:1:x", line: 1},
		{name: "five forward fields", input: "host|l:1:x:1:2", line: 1},
		{name: "non-numeric local port", input: "host|l:abc:x:1", line: 1},
		{name: "non-numeric destination port", input: "host|l:1:x:http", line: 1},
		{name: "negative port", input: "host|l:-1:x:1", line: 1},
		{name: "empty alias", input: "host|:1:x:1", line: 1},
		{name: "empty destination", input: "host|l:1::1", line: 1},
		{name: "empty path", input: "|l:1:x:1", line: 1},
		{name: "bad hop port", input: "a->b:x|l:1:x:1", line: 1},
		{name: "after comment", input: "# ok\n\nhost|l:1:x:one", line: 3},
		{name: "spaces around hop delimiter", input: "a -> b|l:1:x:1", line: 1},
		{name: "space in host", input: "bad host|l:1:x:1", line: 1},
		{name: "space in local alias", input: "host|local host:1:x:1", line: 1},
		{name: "space in destination", input: "host|l:1:x y:1", line: 1},
		{name: "line too long", input: "host|l:1:x:1\nhost|l:1:" + strings.Repeat("x", 70*1024) + ":1\n", line: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := ParseSpec(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Nil(t, spec)
			assert.ErrorIs(t, err, ErrParse)

			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.line, pe.Line)
			assert.NotEmpty(t, pe.Text)
			assert.Contains(t, err.Error(), pe.Text)
		})
	}
}

func TestParseSpecStopsAtFirstError(t *testing.T) {
	input := "a|l:1:x:1\n" +
		"b|l:one:x:1\n" +
		"c|broken\n"

	_, err := ParseSpec(strings.NewReader(input))
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 2, pe.Line)
	assert.Equal(t, "b|l:one:x:1", pe.Text)
}

func TestSpecRoundTrip(t *testing.T) {
	input := exampleSpec +
		"# comment\n" +
		"bastion|localhost:8080:web:80\n" +
		"bastion|localhost:8080:web:80\n"

	spec, err := ParseSpec(strings.NewReader(input))
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = spec.WriteTo(&buf)
	require.NoError(t, err)

	again, err := ParseSpec(&buf)
	require.NoError(t, err)
	assert.Equal(t, spec, again)
}

func TestParseForward(t *testing.T) {
	fwd, err := ParseForward("localhost:8080:web.internal:80")
	require.NoError(t, err)
	assert.Equal(t, Forward{LocalAlias: "localhost", LocalPort: 8080, DestHost: "web.internal", DestPort: 80}, fwd)
	assert.Equal(t, "localhost:8080", fwd.LocalAddr())
	assert.Equal(t, "web.internal:80", fwd.DestAddr())
	assert.Equal(t, "localhost:8080:web.internal:80", fwd.String())
}

func TestForwardSetSorted(t *testing.T) {
	set := ForwardSet{}
	assert.True(t, set.Add(Forward{LocalAlias: "b", LocalPort: 1, DestHost: "x", DestPort: 1}))
	assert.True(t, set.Add(Forward{LocalAlias: "a", LocalPort: 2, DestHost: "x", DestPort: 1}))
	assert.True(t, set.Add(Forward{LocalAlias: "a", LocalPort: 1, DestHost: "y", DestPort: 1}))
	assert.False(t, set.Add(Forward{LocalAlias: "a", LocalPort: 1, DestHost: "y", DestPort: 1}))

	sorted := set.Sorted()
	require.Len(t, sorted, 3)
	assert.Equal(t, "a:1:y:1", sorted[0].String())
	assert.Equal(t, "a:2:x:1", sorted[1].String())
	assert.Equal(t, "b:1:x:1", sorted[2].String())
}
