package network

import (
	"time"

	"github.com/cronokirby/feedmux/internal/logger"
	"github.com/cronokirby/feedmux/internal/metrics"
)

const (
	// DefaultHandshakeTimeout is how long a server waits for the 32 handshake bytes
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultMaxSessions caps concurrent server sessions
	DefaultMaxSessions = 1024
	// DefaultDialTimeout bounds how long a client waits for a connection
	DefaultDialTimeout = 10 * time.Second
)

type settings struct {
	log              logger.Logger
	metrics          *metrics.Metrics
	handshakeTimeout time.Duration
	maxSessions      int64
	dialTimeout      time.Duration
}

func defaultSettings() settings {
	return settings{
		log:              logger.NewNop(),
		handshakeTimeout: DefaultHandshakeTimeout,
		maxSessions:      DefaultMaxSessions,
		dialTimeout:      DefaultDialTimeout,
	}
}

func applyOptions(opts []Option) settings {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	return s
}

// Option tweaks a Server or a Client
type Option func(*settings)

// WithLogger sets the logger; the default drops everything
func WithLogger(log logger.Logger) Option {
	return func(s *settings) {
		s.log = log
	}
}

// WithMetrics shares a set of collectors instead of creating private ones
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) {
		s.metrics = m
	}
}

// WithHandshakeTimeout bounds the handshake read; zero waits forever
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.handshakeTimeout = d
	}
}

// WithMaxSessions caps concurrent server sessions; zero means no cap
func WithMaxSessions(n int64) Option {
	return func(s *settings) {
		s.maxSessions = n
	}
}

// WithDialTimeout bounds client connection attempts; zero waits forever
func WithDialTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.dialTimeout = d
	}
}
