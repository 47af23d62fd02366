package network

import (
	"context"
	"net"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cronokirby/feedmux/internal/protocol"
)

func TestRegistryFindsEveryFeed(t *testing.T) {
	var feeds []Feed
	for i := 0; i < 50; i++ {
		feeds = append(feeds, newSpyFeed(t))
	}
	r, err := NewRegistry(feeds...)
	require.NoError(t, err)
	assert.Equal(t, len(feeds), r.Len())

	for _, f := range feeds {
		found, err := r.Lookup(identifierOf(t, f.Key()))
		require.NoError(t, err)
		assert.Same(t, f, found)
	}
}

func TestRegistryNoMatch(t *testing.T) {
	f := newSpyFeed(t)
	r, err := NewRegistry(f)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		var id protocol.Identifier
		copy(id[:], randomKey(t))
		_, err := r.Lookup(id)
		assert.True(t, errors.Is(err, ErrNoMatch))
	}
	// the raw key is not its own identifier
	var raw protocol.Identifier
	copy(raw[:], f.Key())
	_, err = r.Lookup(raw)
	assert.True(t, errors.Is(err, ErrNoMatch))
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	f := newSpyFeed(t)
	twin := &spyFeed{key: f.Key()}
	_, err := NewRegistry(f, twin)
	assert.True(t, errors.Is(err, ErrDuplicateFeed), "got %v", err)
}

func TestRegistryRejectsBadKeys(t *testing.T) {
	_, err := NewRegistry(&spyFeed{key: []byte("short")})
	assert.True(t, errors.Is(err, protocol.ErrInvalidInput), "got %v", err)
}

func TestRegistryEntriesKeepOrder(t *testing.T) {
	a, b, c := newSpyFeed(t), newSpyFeed(t), newSpyFeed(t)
	r, err := NewRegistry(a, b, c)
	require.NoError(t, err)
	entries := r.Entries()
	require.Len(t, entries, 3)
	for i, f := range []*spyFeed{a, b, c} {
		assert.Equal(t, f.Key(), entries[i].Key)
		assert.Equal(t, identifierOf(t, f.Key()), entries[i].ID)
	}
}

func TestKeysOnlyOpensPerSession(t *testing.T) {
	key := randomKey(t)
	var opened []*spyFeed
	open := func(_ context.Context, k []byte) (Feed, error) {
		f := &spyFeed{key: k, opened: make(chan net.Conn, 1)}
		opened = append(opened, f)
		return f, nil
	}
	feeds := KeysOnly(open, key)
	require.Len(t, feeds, 1)
	assert.Equal(t, key, feeds[0].Key())
	assert.Empty(t, opened, "nothing is opened before a session")

	for i := 0; i < 2; i++ {
		stream, err := feeds[0].Replicate(context.Background(), false)
		require.NoError(t, err)
		require.Len(t, opened, i+1)
		assert.False(t, opened[i].isClosed())
		require.NoError(t, stream.Close())
		assert.True(t, opened[i].isClosed(), "closing the stream closes its feed")
	}
}

func TestKeysOnlyOpenError(t *testing.T) {
	boom := errors.New("boom")
	feeds := KeysOnly(func(context.Context, []byte) (Feed, error) {
		return nil, boom
	}, randomKey(t))
	_, err := feeds[0].Replicate(context.Background(), false)
	assert.True(t, errors.Is(err, boom))
}
