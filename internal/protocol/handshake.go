package protocol

import (
	"io"

	"github.com/pkg/errors"
)

// ErrHandshakeIncomplete means the peer went away before sending a full handshake
var ErrHandshakeIncomplete = errors.New("handshake incomplete")

// ReadHandshake reads exactly IdentifierSize bytes from r.
//
// Nothing past the handshake is consumed, so r can be handed to the
// replication stream as is once this returns.
func ReadHandshake(r io.Reader) (Identifier, error) {
	var id Identifier
	n, err := io.ReadFull(r, id[:])
	if err != nil {
		return Identifier{}, errors.WithMessagef(
			ErrHandshakeIncomplete,
			"read %d of %d bytes: %v", n, IdentifierSize, err,
		)
	}
	return id, nil
}

// WriteHandshake sends an identifier, before anything else is written on w
func WriteHandshake(w io.Writer, id Identifier) error {
	data := id[:]
	for len(data) > 0 {
		written, err := w.Write(data)
		if err != nil {
			return errors.Wrap(err, "write handshake")
		}
		data = data[written:]
	}
	return nil
}
