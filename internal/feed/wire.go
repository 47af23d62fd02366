package feed

import (
	"crypto/ed25519"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// msgType is the first byte of every frame
type msgType byte

const (
	// msgHandshake carries the public key of the feed being replicated
	msgHandshake msgType = iota + 1
	// msgHave announces how many entries the sender holds
	msgHave
	// msgRequest asks for one entry
	msgRequest
	// msgData answers a request: index, signature, then the data
	msgData
)

const (
	headerSize = 5
	// maxFrame bounds the payload we accept from a peer
	maxFrame = 8 << 20
)

var errMalformed = errors.New("malformed frame")

type frame struct {
	kind    msgType
	payload []byte
}

// writeFrame sends a header (type, big endian payload length) and payload in one write
func writeFrame(w io.Writer, f frame) error {
	buf := make([]byte, headerSize, headerSize+len(f.payload))
	buf[0] = byte(f.kind)
	binary.BigEndian.PutUint32(buf[1:], uint32(len(f.payload)))
	buf = append(buf, f.payload...)
	for len(buf) > 0 {
		written, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[written:]
	}
	return nil
}

func readFrame(r io.Reader) (frame, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame{}, err
	}
	size := binary.BigEndian.Uint32(header[1:])
	if size > maxFrame {
		return frame{}, errors.Wrapf(errMalformed, "payload of %d bytes", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return frame{}, err
	}
	return frame{kind: msgType(header[0]), payload: payload}, nil
}

func handshakeFrame(key []byte) frame {
	return frame{kind: msgHandshake, payload: key}
}

func haveFrame(length uint64) frame {
	return frame{kind: msgHave, payload: binary.BigEndian.AppendUint64(nil, length)}
}

func requestFrame(index uint64) frame {
	return frame{kind: msgRequest, payload: binary.BigEndian.AppendUint64(nil, index)}
}

func dataFrame(index uint64, entry Entry) frame {
	payload := make([]byte, 0, 8+len(entry.Signature)+len(entry.Data))
	payload = binary.BigEndian.AppendUint64(payload, index)
	payload = append(payload, entry.Signature...)
	payload = append(payload, entry.Data...)
	return frame{kind: msgData, payload: payload}
}

// uint64Payload decodes have and request frames
func uint64Payload(f frame) (uint64, error) {
	if len(f.payload) != 8 {
		return 0, errors.Wrapf(errMalformed, "type %d with %d bytes", f.kind, len(f.payload))
	}
	return binary.BigEndian.Uint64(f.payload), nil
}

func decodeData(f frame) (uint64, Entry, error) {
	if len(f.payload) < 8+ed25519.SignatureSize {
		return 0, Entry{}, errors.Wrapf(errMalformed, "data with %d bytes", len(f.payload))
	}
	index := binary.BigEndian.Uint64(f.payload)
	rest := f.payload[8:]
	return index, Entry{
		Signature: rest[:ed25519.SignatureSize],
		Data:      rest[ed25519.SignatureSize:],
	}, nil
}
