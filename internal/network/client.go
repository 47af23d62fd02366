package network

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/cronokirby/feedmux/internal/logger"
	"github.com/cronokirby/feedmux/internal/metrics"
	"github.com/cronokirby/feedmux/internal/protocol"
)

const clientSide = "client"

// Client replicates local feeds with a Server at a fixed address
type Client struct {
	addr    string
	log     logger.Logger
	metrics *metrics.Metrics
	dialer  net.Dialer
}

// NewClient creates a client for the server listening at addr (host:port)
func NewClient(addr string, opts ...Option) *Client {
	s := applyOptions(opts)
	return &Client{
		addr:    addr,
		log:     s.log.With("side", clientSide),
		metrics: s.metrics,
		dialer:  net.Dialer{Timeout: s.dialTimeout},
	}
}

// Replicate runs one session for feed, and returns once it's over.
//
// The identifier goes out before any replication byte. There is no retry:
// a session that fails is over, and the error says why.
func (c *Client) Replicate(ctx context.Context, feed Feed) error {
	id, err := protocol.DeriveIdentifier(feed.Key())
	if err != nil {
		return err
	}
	log := c.log.With("feed", id.Short())
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return errors.Wrapf(err, "dial %s", c.addr)
	}
	defer conn.Close()
	if err := protocol.WriteHandshake(conn, id); err != nil {
		return err
	}

	stream, err := feed.Replicate(ctx, true)
	if err != nil {
		c.metrics.Sessions.WithLabelValues(clientSide, "error").Inc()
		return errors.Wrap(err, "open replication stream")
	}
	log.Info("replicating feed",
		"local", conn.LocalAddr().String(),
		"remote", conn.RemoteAddr().String(),
	)

	active := c.metrics.ActiveSessions.WithLabelValues(clientSide)
	active.Inc()
	defer active.Dec()
	inbound := c.metrics.BridgedBytes.WithLabelValues(clientSide, "inbound")
	outbound := c.metrics.BridgedBytes.WithLabelValues(clientSide, "outbound")
	err = bridge(ctx, conn, stream,
		func(n int) { inbound.Add(float64(n)) },
		func(n int) { outbound.Add(float64(n)) },
	)
	if err != nil {
		c.metrics.Sessions.WithLabelValues(clientSide, "error").Inc()
		log.Warn("session failed", "err", err)
		return err
	}
	c.metrics.Sessions.WithLabelValues(clientSide, "ok").Inc()
	log.Info("session closed")
	return nil
}

// ReplicateAll runs one concurrent session per feed.
//
// Sessions don't affect each other; the first error, if any, is returned
// once every session is over.
func (c *Client) ReplicateAll(ctx context.Context, feeds ...Feed) error {
	var g errgroup.Group
	for _, feed := range feeds {
		feed := feed
		g.Go(func() error {
			return c.Replicate(ctx, feed)
		})
	}
	return g.Wait()
}
