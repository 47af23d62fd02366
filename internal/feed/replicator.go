package feed

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/cronokirby/feedmux/internal/protocol"
)

// ErrKeyMismatch means the two ends of a stream replicate different feeds
var ErrKeyMismatch = errors.New("replicating different feeds")

const (
	// maxInFlight is how many requests we leave unanswered at once
	maxInFlight = 32
	// maxWanted is how many unanswered requests we accept from a peer;
	// a peer keeping its own window never gets close
	maxWanted = 1024
	// maxReplies is how many data frames go out before we look at the
	// rest of the state again
	maxReplies = 32
)

// replicator runs the live replication protocol over one stream.
//
// readLoop never writes: it only records what the peer told us and wakes
// writeLoop, which works out every frame to send from that state. Reading
// therefore never waits on the peer reading, whatever the stream buffers.
type replicator struct {
	feed      *Feed
	conn      io.ReadWriteCloser
	initiator bool
	// wake holds at most one pending nudge for writeLoop
	wake chan struct{}

	mu sync.Mutex
	// announced is the length in our last have, valid once haveSent is set
	announced uint64
	haveSent  bool
	// peerLength is the longest length the peer has announced
	peerLength uint64
	// next is the next index we'll ask for
	next     uint64
	inFlight int
	// wanted are indices the peer asked for that we haven't sent yet
	wanted []uint64
}

func newReplicator(feed *Feed, conn io.ReadWriteCloser, initiator bool) *replicator {
	return &replicator{
		feed:      feed,
		conn:      conn,
		initiator: initiator,
		wake:      make(chan struct{}, 1),
	}
}

// run blocks until the stream ends; io.EOF is reported as a clean end
func (r *replicator) run(ctx context.Context) error {
	defer r.conn.Close()
	if err := r.handshake(); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	// unblocks both loops once either of them is done
	stop := context.AfterFunc(ctx, func() {
		r.conn.Close()
	})
	defer stop()
	g.Go(func() error {
		return r.writeLoop(ctx)
	})
	g.Go(func() error {
		return r.readLoop()
	})
	err := g.Wait()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// handshake exchanges feed keys; the initiator speaks first
func (r *replicator) handshake() error {
	if r.initiator {
		if err := writeFrame(r.conn, handshakeFrame(r.feed.key)); err != nil {
			return errors.Wrap(err, "send handshake")
		}
	}
	f, err := readFrame(r.conn)
	if err != nil {
		return errors.Wrap(err, "read handshake")
	}
	if f.kind != msgHandshake {
		return errors.Wrapf(errMalformed, "expected handshake, got type %d", f.kind)
	}
	if !bytes.Equal(f.payload, r.feed.key) {
		return errors.Wrapf(ErrKeyMismatch, "peer has %s", protocol.ShortKey(f.payload))
	}
	if !r.initiator {
		if err := writeFrame(r.conn, handshakeFrame(r.feed.key)); err != nil {
			return errors.Wrap(err, "send handshake")
		}
	}
	return nil
}

func (r *replicator) nudge() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// writeLoop sends whatever the current state calls for, then sleeps until
// the feed grows or readLoop changes the state
func (r *replicator) writeLoop(ctx context.Context) error {
	for {
		// taken before looking at the length, so no growth is missed
		changed := r.feed.changes()
		frames, err := r.pending()
		if err != nil {
			return err
		}
		for _, f := range frames {
			if err := writeFrame(r.conn, f); err != nil {
				return err
			}
		}
		if len(frames) > 0 {
			continue
		}
		select {
		case <-changed:
		case <-r.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pending collects the frames to send next: a have when our length moved,
// requests up to the window, and replies to the peer's requests
func (r *replicator) pending() ([]frame, error) {
	length := r.feed.Len()
	var frames []frame

	r.mu.Lock()
	if !r.haveSent || length != r.announced {
		frames = append(frames, haveFrame(length))
		r.announced, r.haveSent = length, true
	}
	if r.feed.role == Reader {
		// nothing outstanding but still short: ask again from where we are
		if r.inFlight == 0 || r.next < length {
			r.next = length
		}
		for r.inFlight < maxInFlight && r.next < r.peerLength {
			frames = append(frames, requestFrame(r.next))
			r.next++
			r.inFlight++
		}
	}
	n := min(len(r.wanted), maxReplies)
	wanted := append([]uint64(nil), r.wanted[:n]...)
	r.wanted = r.wanted[n:]
	r.mu.Unlock()

	for _, index := range wanted {
		entry, err := r.feed.Get(index)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		frames = append(frames, dataFrame(index, entry))
	}
	return frames, nil
}

func (r *replicator) readLoop() error {
	for {
		f, err := readFrame(r.conn)
		if err != nil {
			return err
		}
		if err := r.handle(f); err != nil {
			return err
		}
	}
}

func (r *replicator) handle(f frame) error {
	switch f.kind {
	case msgHave:
		length, err := uint64Payload(f)
		if err != nil {
			return err
		}
		// owners are the source of truth, they never download
		if r.feed.role == Owner {
			return nil
		}
		r.mu.Lock()
		r.peerLength = max(r.peerLength, length)
		r.mu.Unlock()
	case msgRequest:
		index, err := uint64Payload(f)
		if err != nil {
			return err
		}
		r.mu.Lock()
		if len(r.wanted) >= maxWanted {
			r.mu.Unlock()
			return errors.Wrapf(errMalformed, "more than %d requests outstanding", maxWanted)
		}
		r.wanted = append(r.wanted, index)
		r.mu.Unlock()
	case msgData:
		if r.feed.role == Owner {
			return nil
		}
		index, entry, err := decodeData(f)
		if err != nil {
			return err
		}
		if err := r.feed.receive(index, entry); err != nil {
			return err
		}
		r.mu.Lock()
		if r.inFlight > 0 {
			r.inFlight--
		}
		r.mu.Unlock()
	default:
		return errors.Wrapf(errMalformed, "unknown type %d", f.kind)
	}
	r.nudge()
	return nil
}
