// Package feed implements the append-only logs that feedmux routes.
//
// A Feed is identified by an ed25519 public key. The owner holds the
// private key and signs every entry it appends; readers only know the
// public key, download entries through replication, and check each
// signature before storing it.
package feed

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/cronokirby/feedmux/internal/logger"
	"github.com/cronokirby/feedmux/internal/protocol"
)

var (
	// ErrReadOnly is returned when a reader tries to append
	ErrReadOnly = errors.New("feed is read-only")
	// ErrNotFound is returned for an index past the end of the feed
	ErrNotFound = errors.New("entry not found")
	// ErrBadSignature means an entry wasn't signed by the feed's key
	ErrBadSignature = errors.New("bad entry signature")
	// ErrClosed is returned by operations on a closed feed
	ErrClosed = errors.New("feed closed")
)

// downloadBuffer is how many download events wait for a slow consumer
const downloadBuffer = 128

// Role says whether we can write to a feed
type Role int

const (
	// Owner feeds hold the private key and can append
	Owner Role = iota
	// Reader feeds only replicate
	Reader
)

func (r Role) String() string {
	switch r {
	case Owner:
		return "owner"
	case Reader:
		return "reader"
	default:
		return "unknown"
	}
}

// Download is emitted every time replication brings us a new entry
type Download struct {
	Index uint64
	Data  []byte
}

// Feed is a handle to one append-only log
type Feed struct {
	key     ed25519.PublicKey
	secret  ed25519.PrivateKey
	role    Role
	storage Storage
	log     logger.Logger

	mu     sync.Mutex
	length uint64
	// changed is closed, then replaced, whenever the feed grows
	changed   chan struct{}
	downloads chan Download
	closed    bool
}

// Option configures Open
type Option func(*Feed)

// WithLogger makes the feed and its replication streams log through log
func WithLogger(log logger.Logger) Option {
	return func(f *Feed) {
		f.log = log
	}
}

// Open creates a feed backed by the storage newStorage builds for its key.
//
// With a nil publicKey a fresh key pair is generated, and we own the feed.
// Otherwise the feed is opened as a reader of that key. Open returns once
// the storage is ready to use.
func Open(ctx context.Context, newStorage StorageFunc, publicKey []byte, opts ...Option) (*Feed, error) {
	f := &Feed{
		log:       logger.NewNop(),
		changed:   make(chan struct{}),
		downloads: make(chan Download, downloadBuffer),
	}
	for _, opt := range opts {
		opt(f)
	}
	if publicKey == nil {
		pub, secret, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, errors.Wrap(err, "generate key")
		}
		f.key, f.secret, f.role = pub, secret, Owner
	} else {
		if len(publicKey) != ed25519.PublicKeySize {
			return nil, errors.Wrapf(protocol.ErrInvalidInput, "public key has %d bytes", len(publicKey))
		}
		f.key = append(ed25519.PublicKey(nil), publicKey...)
		f.role = Reader
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	storage, err := newStorage(f.key)
	if err != nil {
		return nil, errors.Wrap(err, "open storage")
	}
	length, err := storage.Len()
	if err != nil {
		storage.Close()
		return nil, errors.Wrap(err, "read storage length")
	}
	f.storage = storage
	f.length = length
	f.log = f.log.With("feed", protocol.ShortKey(f.key), "role", f.role.String())
	return f, nil
}

// Key returns the public key
func (f *Feed) Key() []byte {
	return f.key
}

// Role returns whether we own the feed
func (f *Feed) Role() Role {
	return f.role
}

// Len returns the number of entries we hold
func (f *Feed) Len() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.length
}

// Downloads emits every entry received through replication.
//
// The channel is buffered; events are dropped while it is full, and it
// is closed by Close.
func (f *Feed) Downloads() <-chan Download {
	return f.downloads
}

// Append signs data and adds it at the end of the feed, returning its index
func (f *Feed) Append(data []byte) (uint64, error) {
	if f.role != Owner {
		return 0, ErrReadOnly
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	index := f.length
	entry := Entry{
		Data:      append([]byte(nil), data...),
		Signature: ed25519.Sign(f.secret, signable(index, data)),
	}
	if err := f.storage.Put(index, entry); err != nil {
		return 0, errors.Wrapf(err, "store entry %d", index)
	}
	f.grow()
	return index, nil
}

// Get returns the entry at index
func (f *Feed) Get(index uint64) (Entry, error) {
	f.mu.Lock()
	length, closed := f.length, f.closed
	f.mu.Unlock()
	if closed {
		return Entry{}, ErrClosed
	}
	if index >= length {
		return Entry{}, errors.Wrapf(ErrNotFound, "index %d", index)
	}
	return f.storage.Get(index)
}

// Close releases the storage; it's safe to call more than once
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.downloads)
	return f.storage.Close()
}

// Replicate opens a live replication stream for this feed.
//
// The protocol runs on its own goroutine until the stream is closed, or
// the other side misbehaves.
func (f *Feed) Replicate(ctx context.Context, initiator bool) (io.ReadWriteCloser, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	local, remote := net.Pipe()
	r := newReplicator(f, remote, initiator)
	go func() {
		if err := r.run(ctx); err != nil {
			f.log.Debug("replication ended", "err", err)
		}
	}()
	return local, nil
}

// receive verifies and stores an entry downloaded from a peer
func (f *Feed) receive(index uint64, entry Entry) error {
	if !ed25519.Verify(f.key, signable(index, entry.Data), entry.Signature) {
		return errors.Wrapf(ErrBadSignature, "index %d", index)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	// we already have it, or we skipped something we'll ask for again
	if index != f.length {
		return nil
	}
	if err := f.storage.Put(index, entry); err != nil {
		return errors.Wrapf(err, "store entry %d", index)
	}
	f.grow()
	select {
	case f.downloads <- Download{Index: index, Data: entry.Data}:
	default:
		f.log.Debug("download event dropped", "index", index)
	}
	return nil
}

// changes returns a channel closed the next time the feed grows
func (f *Feed) changes() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.changed
}

// grow must be called under a lock
func (f *Feed) grow() {
	f.length++
	close(f.changed)
	f.changed = make(chan struct{})
}

func signable(index uint64, data []byte) []byte {
	out := make([]byte, 8, 8+len(data))
	binary.BigEndian.PutUint64(out, index)
	return append(out, data...)
}
