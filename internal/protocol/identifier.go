package protocol

import (
	"encoding/hex"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

const (
	// KeySize is the length of a feed public key
	KeySize = 32
	// IdentifierSize is the length of a routing identifier, and so of the handshake
	IdentifierSize = 32
	// shortSize is how many hex characters we show when logging an identifier
	shortSize = 7
)

// DomainLabel separates our identifiers from any other hash of the same key.
//
// CAUTION: changing this value changes every identifier, so peers using
// different labels will never match each other.
var DomainLabel = []byte("feedmux")

// ErrInvalidInput is returned when a public key doesn't have KeySize bytes
var ErrInvalidInput = errors.New("invalid input")

// Identifier is the value a connection sends to pick a feed
type Identifier [IdentifierSize]byte

// String formats the full identifier in hex
func (id Identifier) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first few hex characters, which is what we log
func (id Identifier) Short() string {
	return ShortKey(id[:])
}

// ShortKey formats any key or identifier in the short form used in logs
func ShortKey(key []byte) string {
	s := hex.EncodeToString(key)
	if len(s) > shortSize {
		return s[:shortSize]
	}
	return s
}

// DeriveIdentifier computes the routing identifier of a public key.
//
// The key is used as the BLAKE2b key and the domain label as the message,
// so the result can't be turned back into the key.
func DeriveIdentifier(publicKey []byte) (Identifier, error) {
	var id Identifier
	if len(publicKey) != KeySize {
		return id, errors.Wrapf(ErrInvalidInput, "public key has %d bytes, expected %d", len(publicKey), KeySize)
	}
	h, err := blake2b.New256(publicKey)
	if err != nil {
		return id, errors.Wrap(err, "blake2b")
	}
	h.Write(DomainLabel)
	copy(id[:], h.Sum(nil))
	return id, nil
}
