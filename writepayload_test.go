package sockcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePayloadBytes(t *testing.T) {
	p := Bytes([]byte("hello"))
	out, err := p.resolve()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out)
}

func TestWritePayloadRanged(t *testing.T) {
	p := Ranged([]byte("hello world"), 6, 5)
	out, err := p.resolve()
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), out)
}

func TestWritePayloadRangedOutOfBounds(t *testing.T) {
	p := Ranged([]byte("hello"), 3, 10)
	_, err := p.resolve()
	assert.Error(t, err)

	p = Ranged([]byte("hello"), -1, 2)
	_, err = p.resolve()
	assert.Error(t, err)
}

func TestWritePayloadEncodingRejectsRange(t *testing.T) {
	p := WritePayload{Data: []byte("hello"), Encoding: "hex", HasRange: true, Offset: 0, Length: 1}
	_, err := p.resolve()
	assert.Error(t, err, "encoding combined with a range must be rejected")
}

func TestWritePayloadEncoded(t *testing.T) {
	p := Encoded([]byte("68656c6c6f"), "hex")
	out, err := p.resolve()
	require.NoError(t, err)
	assert.Equal(t, []byte("68656c6c6f"), out, "sockcore itself never decodes, only passes bytes through")
}
