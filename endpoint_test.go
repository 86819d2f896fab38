package sockcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPEndpoint(t *testing.T) {
	ep, err := TCPEndpoint("example.org", 443)
	require.NoError(t, err)
	assert.Equal(t, KindTCP, ep.Kind)
	assert.Equal(t, "tcp", ep.Network())
	assert.Equal(t, "example.org:443", ep.Address())

	_, err = TCPEndpoint("example.org", 70000)
	assert.Error(t, err, "port above 65535 should be rejected")

	_, err = TCPEndpoint("example.org", -1)
	assert.Error(t, err, "negative port should be rejected")
}

func TestUnixEndpointStripsKnownPrefixes(t *testing.T) {
	for _, prefix := range []string{"file://", "unix://", "sock://"} {
		ep, err := UnixEndpoint(prefix + "/tmp/sockcore.sock")
		require.NoError(t, err)
		assert.Equal(t, "/tmp/sockcore.sock", ep.Path)
		assert.Equal(t, "unix", ep.Network())
	}

	ep, err := UnixEndpoint("/tmp/bare.sock")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/bare.sock", ep.Path)

	_, err = UnixEndpoint("")
	assert.Error(t, err)
}

func TestFdEndpoint(t *testing.T) {
	ep := FdEndpoint(42)
	assert.Equal(t, KindFd, ep.Kind)
	assert.Equal(t, uintptr(42), ep.Fd)
	assert.Equal(t, "fd", ep.Network())
}

func TestPipeEndpointValidation(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{`\\.\pipe\sockcore`, true},
		{`\\?\pipe\sockcore`, true},
		{`\\.\pipe\`, false},
		{`\\.\pipe\a\b`, false},
		{`not-a-pipe`, false},
		{`/tmp/sockcore.sock`, false},
	}
	for _, c := range cases {
		got := IsPipe(c.name)
		assert.Equal(t, c.valid, got, "IsPipe(%q)", c.name)

		ep, err := PipeEndpoint(c.name)
		if c.valid {
			assert.NoError(t, err, c.name)
			assert.Equal(t, KindPipe, ep.Kind)
			assert.Equal(t, c.name, ep.Pipe)
		} else {
			assert.Error(t, err, c.name)
		}
	}
}

func TestEndpointString(t *testing.T) {
	ep, _ := TCPEndpoint("host", 1)
	assert.Equal(t, "tcp(host:1)", ep.String())

	ep, _ = UnixEndpoint("/tmp/x.sock")
	assert.Equal(t, "unix(/tmp/x.sock)", ep.String())

	ep = FdEndpoint(7)
	assert.Equal(t, "fd(7)", ep.String())
}
