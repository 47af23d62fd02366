package protocol

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestDeriveIdentifierIsDeterministic(t *testing.T) {
	key := randomKey(t)
	first, err := DeriveIdentifier(key)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := DeriveIdentifier(key)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDeriveIdentifierIsKeyedBlake2b(t *testing.T) {
	key := randomKey(t)
	h, err := blake2b.New256(key)
	require.NoError(t, err)
	h.Write(DomainLabel)
	expected := h.Sum(nil)

	id, err := DeriveIdentifier(key)
	require.NoError(t, err)
	if !bytes.Equal(id[:], expected) {
		t.Errorf("Expected %x got %x", expected, id)
	}
	assert.NotEqual(t, key, id[:], "identifier must not reveal the key")
}

func TestDeriveIdentifierNoCollisions(t *testing.T) {
	seen := make(map[Identifier][]byte)
	for i := 0; i < 2000; i++ {
		key := randomKey(t)
		id, err := DeriveIdentifier(key)
		require.NoError(t, err)
		if other, ok := seen[id]; ok && !bytes.Equal(other, key) {
			t.Fatalf("Collision between %x and %x", other, key)
		}
		seen[id] = key
	}
}

func TestDeriveIdentifierRejectsBadLength(t *testing.T) {
	for _, size := range []int{0, 1, KeySize - 1, KeySize + 1, 64} {
		_, err := DeriveIdentifier(make([]byte, size))
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("size %d: expected ErrInvalidInput, got %v", size, err)
		}
	}
}

func TestIdentifierShort(t *testing.T) {
	var id Identifier
	id[0] = 0xab
	id[1] = 0xcd
	assert.Equal(t, "abcd000", id.Short())
	assert.Len(t, id.String(), 2*IdentifierSize)
	assert.Equal(t, "0a", ShortKey([]byte{0x0a}))
}
