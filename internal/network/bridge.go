package network

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// chunkSize bounds how much a direction holds before the destination takes it
const chunkSize = 32 * 1024

// lingerTimeout bounds how long the other direction may keep flowing after
// one side has ended cleanly
const lingerTimeout = 5 * time.Second

// BridgeError wraps the I/O failure that ended a bridge
type BridgeError struct {
	// Direction is "a->b" or "b->a"
	Direction string
	Err       error
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("bridge %s: %v", e.Direction, e.Err)
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

// closeWriter is implemented by streams that can be half closed, like *net.TCPConn
type closeWriter interface {
	CloseWrite() error
}

// Bridge copies a to b and b to a until both directions end.
//
// A clean end of stream on one side closes the other for writing, when it
// supports half closing like *net.TCPConn, and the opposite direction
// keeps flowing until it ends as well, for at most lingerTimeout;
// otherwise both are closed at once.
// Bridge then returns nil. A read or write error closes both and is
// returned as a *BridgeError. Cancelling ctx closes both and Bridge returns
// nil. Both streams are always closed when Bridge returns.
func Bridge(ctx context.Context, a, b io.ReadWriteCloser) error {
	return bridge(ctx, a, b, nil, nil)
}

// bridge is Bridge with optional byte counters for each direction
func bridge(ctx context.Context, a, b io.ReadWriteCloser, aToB, bToA func(int)) error {
	var (
		once sync.Once
		// done is set by whoever shuts the session down first
		done atomic.Bool
		// running counts the directions still copying
		running atomic.Int32
		// linger ends a half closed session that drags on
		linger *time.Timer
	)
	running.Store(2)
	shutdown := func() {
		once.Do(func() {
			a.Close()
			b.Close()
		})
	}
	stop := context.AfterFunc(ctx, func() {
		done.Store(true)
		shutdown()
	})
	defer stop()

	pump := func(direction string, dst, src io.ReadWriteCloser, count func(int)) func() error {
		return func() error {
			err := splice(dst, src, count)
			others := running.Add(-1)
			if err == nil && others > 0 && !done.Load() {
				// half close, and let the other direction drain
				if cw, ok := dst.(closeWriter); ok && cw.CloseWrite() == nil {
					// only the first direction to finish gets here
					linger = time.AfterFunc(lingerTimeout, func() {
						done.Store(true)
						shutdown()
					})
					return nil
				}
			}
			// errors after someone else shut us down are just the shutdown itself
			if done.Swap(true) {
				return nil
			}
			shutdown()
			if err != nil {
				return &BridgeError{Direction: direction, Err: err}
			}
			return nil
		}
	}
	var g errgroup.Group
	g.Go(pump("a->b", b, a, aToB))
	g.Go(pump("b->a", a, b, bToA))
	err := g.Wait()
	if linger != nil {
		linger.Stop()
	}
	// covers the case where ctx fired while both pumps were returning
	shutdown()
	return err
}

func splice(dst io.Writer, src io.Reader, count func(int)) error {
	if count != nil {
		dst = &countingWriter{w: dst, count: count}
	}
	buf := make([]byte, chunkSize)
	_, err := io.CopyBuffer(dst, src, buf)
	return err
}

type countingWriter struct {
	w     io.Writer
	count func(int)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.count(n)
	return n, err
}
