package network

import (
	"bytes"
	"context"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bridged struct {
	// a and b are the far ends of the two bridged streams
	a, b net.Conn
	done chan error
}

func startBridge(ctx context.Context, t *testing.T) *bridged {
	aLocal, aRemote := net.Pipe()
	bLocal, bRemote := net.Pipe()
	t.Cleanup(func() {
		aRemote.Close()
		bRemote.Close()
	})
	done := make(chan error, 1)
	go func() {
		done <- Bridge(ctx, aLocal, bLocal)
	}()
	return &bridged{a: aRemote, b: bRemote, done: done}
}

func (br *bridged) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-br.done:
		return err
	case <-time.After(waitFor):
		t.Fatalf("Bridge still running after %v", waitFor)
		return nil
	}
}

func TestBridgeBothDirections(t *testing.T) {
	br := startBridge(context.Background(), t)

	go br.a.Write([]byte("hello b"))
	readExactly(t, br.b, []byte("hello b"))
	go br.b.Write([]byte("hello a"))
	readExactly(t, br.a, []byte("hello a"))
}

func TestBridgeZeroLengthWrites(t *testing.T) {
	br := startBridge(context.Background(), t)
	go func() {
		br.a.Write(nil)
		br.a.Write([]byte{})
		br.a.Write([]byte("after"))
	}()
	readExactly(t, br.b, []byte("after"))
}

func TestBridgeLargePayloadInOrder(t *testing.T) {
	br := startBridge(context.Background(), t)
	payload := make([]byte, 5*chunkSize+17)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	reply := bytes.Repeat([]byte("xy"), chunkSize)

	go br.a.Write(payload)
	go br.b.Write(reply)
	readExactly(t, br.b, payload)
	readExactly(t, br.a, reply)
}

func TestBridgeCloseTearsDownOtherSide(t *testing.T) {
	br := startBridge(context.Background(), t)
	br.a.Close()
	assertClosedByPeer(t, br.b)
	assert.NoError(t, br.wait(t))
}

// failingStream fails every read with err
type failingStream struct {
	net.Conn
	err error
}

func (f *failingStream) Read([]byte) (int, error) {
	return 0, f.err
}

func TestBridgeReadErrorIsReported(t *testing.T) {
	boom := errors.New("boom")
	aLocal, aRemote := net.Pipe()
	defer aRemote.Close()
	bLocal, bRemote := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- Bridge(context.Background(), &failingStream{Conn: aLocal, err: boom}, bLocal)
	}()

	assertClosedByPeer(t, bRemote)
	var err error
	select {
	case err = <-done:
	case <-time.After(waitFor):
		t.Fatalf("Bridge still running")
	}
	var bridgeErr *BridgeError
	require.True(t, errors.As(err, &bridgeErr), "got %v", err)
	assert.Equal(t, "a->b", bridgeErr.Direction)
	assert.True(t, errors.Is(err, boom))
}

func TestBridgeStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	br := startBridge(ctx, t)
	cancel()
	assertClosedByPeer(t, br.a)
	assertClosedByPeer(t, br.b)
	assert.NoError(t, br.wait(t))
}

func TestBridgeCountsBytes(t *testing.T) {
	aLocal, aRemote := net.Pipe()
	bLocal, bRemote := net.Pipe()
	counted := make(chan int, 16)
	done := make(chan error, 1)
	go func() {
		done <- bridge(context.Background(), aLocal, bLocal, func(n int) { counted <- n }, nil)
	}()
	go aRemote.Write([]byte("12345"))
	readExactly(t, bRemote, []byte("12345"))
	assert.Equal(t, 5, <-counted)
	aRemote.Close()
	<-done
	bRemote.Close()
}

// tcpPair returns both ends of a loopback TCP connection
func tcpPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	dialed, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(waitFor):
		t.Fatalf("No connection accepted")
	}
	t.Cleanup(func() {
		dialed.Close()
		server.Close()
	})
	return dialed.(*net.TCPConn), server.(*net.TCPConn)
}

func TestBridgeHalfCloseKeepsOtherDirection(t *testing.T) {
	aPeer, aLocal := tcpPair(t)
	bPeer, bLocal := tcpPair(t)
	done := make(chan error, 1)
	go func() {
		done <- Bridge(context.Background(), aLocal, bLocal)
	}()

	go func() {
		aPeer.Write([]byte("last words"))
		aPeer.CloseWrite()
	}()
	readExactly(t, bPeer, []byte("last words"))
	assertClosedByPeer(t, bPeer)

	// b still has the floor, and a still hears it
	reply := bytes.Repeat([]byte("r"), 4*chunkSize)
	go func() {
		bPeer.Write(reply)
		bPeer.Close()
	}()
	readExactly(t, aPeer, reply)
	assertClosedByPeer(t, aPeer)
	assert.NoError(t, (&bridged{done: done}).wait(t))
}
