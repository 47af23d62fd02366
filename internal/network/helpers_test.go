package network

import (
	"context"
	"crypto/rand"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cronokirby/feedmux/internal/protocol"
)

const waitFor = 5 * time.Second

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, protocol.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func identifierOf(t *testing.T, key []byte) protocol.Identifier {
	t.Helper()
	id, err := protocol.DeriveIdentifier(key)
	require.NoError(t, err)
	return id
}

// spyFeed stands in for a real feed: every replication stream is one end
// of a pipe, and the test gets the other end
type spyFeed struct {
	key    []byte
	opened chan net.Conn

	mu         sync.Mutex
	initiators []bool
	closed     bool
}

func newSpyFeed(t *testing.T) *spyFeed {
	return &spyFeed{key: randomKey(t), opened: make(chan net.Conn, 8)}
}

func (s *spyFeed) Key() []byte {
	return s.key
}

func (s *spyFeed) Replicate(_ context.Context, initiator bool) (io.ReadWriteCloser, error) {
	s.mu.Lock()
	s.initiators = append(s.initiators, initiator)
	s.mu.Unlock()
	local, remote := net.Pipe()
	s.opened <- remote
	return local, nil
}

func (s *spyFeed) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *spyFeed) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// stream waits for the next replication stream handed out
func (s *spyFeed) stream(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-s.opened:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(waitFor):
		t.Fatalf("No replication stream opened")
		return nil
	}
}

func (s *spyFeed) assertUntouched(t *testing.T) {
	t.Helper()
	select {
	case <-s.opened:
		t.Fatalf("Replication stream opened unexpectedly")
	default:
	}
}

// readExactly reads len(expected) bytes from r and compares them
func readExactly(t *testing.T, r net.Conn, expected []byte) {
	t.Helper()
	r.SetReadDeadline(time.Now().Add(waitFor))
	got := make([]byte, len(expected))
	_, err := io.ReadFull(r, got)
	require.NoError(t, err)
	require.Equal(t, expected, got)
}

// assertClosedByPeer checks that the next read on c reports the end of stream
func assertClosedByPeer(t *testing.T, c net.Conn) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(waitFor))
	var buf [1]byte
	_, err := c.Read(buf[:])
	require.ErrorIs(t, err, io.EOF)
}
