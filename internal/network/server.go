package network

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/cronokirby/feedmux/internal/logger"
	"github.com/cronokirby/feedmux/internal/metrics"
	"github.com/cronokirby/feedmux/internal/protocol"
)

// ErrUnknownProject means a handshake matched none of our feeds
var ErrUnknownProject = errors.New("unknown project")

const serverSide = "server"

// delays between retries of a failing Accept
const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// isTemporary reports whether an accept error may go away on its own
func isTemporary(err error) bool {
	var ne interface{ Temporary() bool }
	return errors.As(err, &ne) && ne.Temporary()
}

// Server routes every accepted connection to the feed named by its handshake
type Server struct {
	registry *Registry
	log      logger.Logger
	metrics  *metrics.Metrics
	// handshakeTimeout is zero when we wait forever
	handshakeTimeout time.Duration
	// limit is nil when sessions are unbounded
	limit    *semaphore.Weighted
	sessions *sessionMap
	wg       sync.WaitGroup
}

// NewServer creates a server for a registry that is already complete
func NewServer(registry *Registry, opts ...Option) *Server {
	s := applyOptions(opts)
	server := &Server{
		registry:         registry,
		log:              s.log.With("side", serverSide),
		metrics:          s.metrics,
		handshakeTimeout: s.handshakeTimeout,
		sessions:         makeSessionMap(),
	}
	if s.maxSessions > 0 {
		server.limit = semaphore.NewWeighted(s.maxSessions)
	}
	return server
}

// ListenAndServe listens on addr and serves until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is done or l fails.
//
// Each connection runs on its own goroutine; nothing a session does can
// stop the loop. Temporary accept errors, like running out of file
// descriptors, are retried with a growing delay. When ctx ends, Serve
// closes l and returns nil. Either way it waits for the running sessions
// to wind down first.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		l.Close()
	})
	defer stop()
	defer s.wg.Wait()
	s.log.Info("listening", "addr", l.Addr().String(), "feeds", s.registry.Len())
	var backoff time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !isTemporary(err) {
				return errors.Wrap(err, "accept")
			}
			backoff = min(max(2*backoff, minAcceptBackoff), maxAcceptBackoff)
			s.log.Warn("accept failed, retrying", "err", err, "in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0
		if s.limit != nil && !s.limit.TryAcquire(1) {
			s.metrics.Handshakes.WithLabelValues(metrics.Rejected).Inc()
			s.log.Warn("session limit reached, dropping connection", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.limit != nil {
				defer s.limit.Release(1)
			}
			s.handle(ctx, conn)
		}()
	}
}

// Sessions returns the running sessions as remote addr -> short feed id
func (s *Server) Sessions() map[string]string {
	return s.sessions.snapshot()
}

// handle runs the handshake, then bridges conn to the matched feed.
//
// Any failure just closes conn: nothing is ever written back.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	// unblocks the handshake read when we're shutting down
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()
	log := s.log.With("remote", conn.RemoteAddr().String())

	if s.handshakeTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	}
	id, err := protocol.ReadHandshake(conn)
	if err != nil {
		s.metrics.Handshakes.WithLabelValues(metrics.Incomplete).Inc()
		log.Warn("dropping connection", "err", err)
		return
	}
	if s.handshakeTimeout > 0 {
		conn.SetReadDeadline(time.Time{})
	}

	feed, err := s.registry.Lookup(id)
	if err != nil {
		s.metrics.Handshakes.WithLabelValues(metrics.Unknown).Inc()
		log.Warn("dropping connection", "err", errors.WithMessage(ErrUnknownProject, id.Short()))
		return
	}
	s.metrics.Handshakes.WithLabelValues(metrics.Matched).Inc()
	log = log.With("feed", id.Short())
	log.Info("replicating feed", "local", conn.LocalAddr().String())

	stream, err := feed.Replicate(ctx, false)
	if err != nil {
		s.metrics.Sessions.WithLabelValues(serverSide, "error").Inc()
		log.Error("could not open replication stream", "err", err)
		return
	}

	s.sessions.set(conn.RemoteAddr(), id)
	defer s.sessions.remove(conn.RemoteAddr())
	active := s.metrics.ActiveSessions.WithLabelValues(serverSide)
	active.Inc()
	defer active.Dec()

	inbound := s.metrics.BridgedBytes.WithLabelValues(serverSide, "inbound")
	outbound := s.metrics.BridgedBytes.WithLabelValues(serverSide, "outbound")
	err = bridge(ctx, conn, stream,
		func(n int) { inbound.Add(float64(n)) },
		func(n int) { outbound.Add(float64(n)) },
	)
	if err != nil {
		s.metrics.Sessions.WithLabelValues(serverSide, "error").Inc()
		log.Warn("session failed", "err", err)
		return
	}
	s.metrics.Sessions.WithLabelValues(serverSide, "ok").Inc()
	log.Info("session closed")
}
