package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// oneByteReader hands out its data a byte at a time, like a slow socket
type oneByteReader struct {
	data []byte
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestHandshakeRoundTrip(t *testing.T) {
	id, err := DeriveIdentifier(randomKey(t))
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf, id))
	if buf.Len() != IdentifierSize {
		t.Fatalf("Expected %d bytes on the wire got %d", IdentifierSize, buf.Len())
	}
	read, err := ReadHandshake(&buf)
	require.NoError(t, err)
	assert.Equal(t, id, read)
}

func TestReadHandshakeAcrossShortReads(t *testing.T) {
	id, err := DeriveIdentifier(randomKey(t))
	require.NoError(t, err)
	read, err := ReadHandshake(&oneByteReader{data: id[:]})
	require.NoError(t, err)
	assert.Equal(t, id, read)
}

func TestReadHandshakeLeavesTheRest(t *testing.T) {
	var id Identifier
	for i := range id {
		id[i] = byte(i)
	}
	payload := []byte("replication bytes")
	r := bytes.NewReader(append(id[:], payload...))
	read, err := ReadHandshake(r)
	require.NoError(t, err)
	assert.Equal(t, id, read)
	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, rest)
}

func TestReadHandshakeIncomplete(t *testing.T) {
	cases := map[string][]byte{
		"empty":     nil,
		"ten bytes": make([]byte, 10),
		"one short": make([]byte, IdentifierSize-1),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadHandshake(bytes.NewReader(data))
			if !errors.Is(err, ErrHandshakeIncomplete) {
				t.Errorf("Expected ErrHandshakeIncomplete got %v", err)
			}
		})
	}
}
