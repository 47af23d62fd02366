package network

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/cronokirby/feedmux/internal/protocol"
)

var (
	// ErrNoMatch is returned by Lookup when no feed has the identifier
	ErrNoMatch = errors.New("no match")
	// ErrDuplicateFeed means two feeds derived the same identifier
	ErrDuplicateFeed = errors.New("duplicate feed")
)

// Feed is whatever the routing core can replicate.
//
// The returned stream speaks the feed's own replication protocol; we
// never look inside it.
type Feed interface {
	// Key returns the public key of the feed
	Key() []byte
	// Replicate opens a duplex replication stream, as initiator or not
	Replicate(ctx context.Context, initiator bool) (io.ReadWriteCloser, error)
}

// Entry is one feed known to a Registry
type Entry struct {
	Key  []byte
	ID   protocol.Identifier
	Feed Feed
}

// Registry maps routing identifiers to feeds.
//
// A Registry never changes after NewRegistry returns, so lookups from
// many goroutines need no locking.
type Registry struct {
	entries []Entry
	byID    map[protocol.Identifier]int
}

// NewRegistry derives the identifier of every feed and indexes them
func NewRegistry(feeds ...Feed) (*Registry, error) {
	r := &Registry{
		entries: make([]Entry, 0, len(feeds)),
		byID:    make(map[protocol.Identifier]int, len(feeds)),
	}
	for _, feed := range feeds {
		key := feed.Key()
		id, err := protocol.DeriveIdentifier(key)
		if err != nil {
			return nil, errors.Wrapf(err, "feed %s", protocol.ShortKey(key))
		}
		if _, ok := r.byID[id]; ok {
			return nil, errors.Wrapf(ErrDuplicateFeed, "identifier %s", id.Short())
		}
		r.byID[id] = len(r.entries)
		r.entries = append(r.entries, Entry{Key: key, ID: id, Feed: feed})
	}
	return r, nil
}

// Lookup finds the feed for an identifier, or returns ErrNoMatch
func (r *Registry) Lookup(id protocol.Identifier) (Feed, error) {
	i, ok := r.byID[id]
	if !ok {
		return nil, ErrNoMatch
	}
	return r.entries[i].Feed, nil
}

// Entries returns the feeds in the order they were registered
func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len is the number of registered feeds
func (r *Registry) Len() int {
	return len(r.entries)
}

// Opener opens a feed the server only knows by its key
type Opener func(ctx context.Context, key []byte) (Feed, error)

// KeysOnly turns bare keys into Feeds opened on demand.
//
// Every session gets its own freshly opened feed, which is closed
// together with its replication stream when it implements io.Closer.
func KeysOnly(open Opener, keys ...[]byte) []Feed {
	feeds := make([]Feed, 0, len(keys))
	for _, key := range keys {
		feeds = append(feeds, &lazyFeed{key: key, open: open})
	}
	return feeds
}

type lazyFeed struct {
	key  []byte
	open Opener
}

func (f *lazyFeed) Key() []byte {
	return f.key
}

func (f *lazyFeed) Replicate(ctx context.Context, initiator bool) (io.ReadWriteCloser, error) {
	feed, err := f.open(ctx, f.key)
	if err != nil {
		return nil, errors.Wrapf(err, "open feed %s", protocol.ShortKey(f.key))
	}
	stream, err := feed.Replicate(ctx, initiator)
	if err != nil {
		closeFeed(feed)
		return nil, err
	}
	return &feedStream{ReadWriteCloser: stream, feed: feed}, nil
}

// feedStream closes its feed once the stream itself is closed
type feedStream struct {
	io.ReadWriteCloser
	feed Feed
}

func (s *feedStream) Close() error {
	err := s.ReadWriteCloser.Close()
	if ferr := closeFeed(s.feed); err == nil {
		err = ferr
	}
	return err
}

func closeFeed(feed Feed) error {
	if c, ok := feed.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
