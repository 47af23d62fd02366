package app

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/cronokirby/feedmux/internal/config"
	"github.com/cronokirby/feedmux/internal/feed"
	"github.com/cronokirby/feedmux/internal/logger"
	"github.com/cronokirby/feedmux/internal/metrics"
	"github.com/cronokirby/feedmux/internal/network"
	"github.com/cronokirby/feedmux/internal/protocol"
)

// Run executes the command kingpin parsed, with settings from the
// environment and the command line
func Run(ctx context.Context, command string, in io.Reader, out io.Writer) error {
	if command == ID.FullCommand() {
		return printID(out, *IDKey)
	}
	cfg, err := config.Load(Overrides())
	if err != nil {
		return err
	}
	m := metrics.New()
	switch command {
	case Serve.FullCommand():
		return serve(ctx, cfg, newLogger(cfg, nil), m, *ServeKeys)
	case Connect.FullCommand():
		return connect(ctx, cfg, newLogger(cfg, nil), m, in, out)
	case Demo.FullCommand():
		if *DemoTUI {
			return demoWithDashboard(ctx, cfg, m)
		}
		return demo(ctx, cfg, newLogger(cfg, nil), m)
	default:
		return errors.Errorf("unknown command %q", command)
	}
}

func newLogger(cfg *config.Config, out io.Writer) logger.Logger {
	return logger.New(logger.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON, Output: out})
}

func printID(out io.Writer, hexKey string) error {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return errors.Wrap(err, "decode key")
	}
	id, err := protocol.DeriveIdentifier(key)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, id)
	return err
}

func decodeKeys(hexKeys []string) ([][]byte, error) {
	keys := make([][]byte, 0, len(hexKeys))
	for _, h := range hexKeys {
		key, err := hex.DecodeString(h)
		if err != nil {
			return nil, errors.Wrapf(err, "decode key %q", h)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func serverOptions(cfg *config.Config, log logger.Logger, m *metrics.Metrics) []network.Option {
	return []network.Option{
		network.WithLogger(log),
		network.WithMetrics(m),
		network.WithHandshakeTimeout(cfg.HandshakeTimeout),
		network.WithMaxSessions(cfg.MaxSessions),
	}
}

// openStorage returns where reader feeds keep their entries, and how to
// release it once the server is done
func openStorage(cfg *config.Config) (feed.StorageFunc, func() error, error) {
	if cfg.Storage != config.StorageBadger {
		return feed.MemoryStorage, func() error { return nil }, nil
	}
	store, err := feed.OpenBadgerStore(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	return store.Storage, store.Close, nil
}

// readers opens a reader feed for every server session, and logs what it
// downloads until the session is over
func readers(newStorage feed.StorageFunc, log logger.Logger) network.Opener {
	return func(ctx context.Context, key []byte) (network.Feed, error) {
		reader, err := feed.Open(ctx, newStorage, key, feed.WithLogger(log))
		if err != nil {
			return nil, err
		}
		go logDownloads(reader, log)
		return reader, nil
	}
}

func logDownloads(f *feed.Feed, log logger.Logger) {
	short := protocol.ShortKey(f.Key())
	for d := range f.Downloads() {
		log.Info(fmt.Sprintf("feed %s downloaded index %d: %s", short, d.Index, d.Data))
	}
}

// createOwners makes n new feeds we can write to, each starting with entry
func createOwners(ctx context.Context, n int, entry string, log logger.Logger) ([]*feed.Feed, error) {
	owners := make([]*feed.Feed, 0, n)
	for i := 0; i < n; i++ {
		owner, err := feed.Open(ctx, feed.MemoryStorage, nil, feed.WithLogger(log))
		if err != nil {
			closeFeeds(owners)
			return nil, err
		}
		owners = append(owners, owner)
		if entry == "" {
			continue
		}
		if _, err := owner.Append([]byte(entry)); err != nil {
			closeFeeds(owners)
			return nil, err
		}
	}
	return owners, nil
}

func closeFeeds(feeds []*feed.Feed) {
	for _, f := range feeds {
		f.Close()
	}
}

func asNetworkFeeds(feeds []*feed.Feed) []network.Feed {
	out := make([]network.Feed, len(feeds))
	for i, f := range feeds {
		out[i] = f
	}
	return out
}

// serveMetrics exposes m on addr until ctx is done; an empty addr does nothing
func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, log logger.Logger) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		srv.Close()
	})
	defer stop()
	log.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serve metrics")
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Config, log logger.Logger, m *metrics.Metrics, hexKeys []string) error {
	keys, err := decodeKeys(hexKeys)
	if err != nil {
		return err
	}
	newStorage, closeStorage, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer closeStorage()
	registry, err := network.NewRegistry(network.KeysOnly(readers(newStorage, log), keys...)...)
	if err != nil {
		return err
	}
	server := network.NewServer(registry, serverOptions(cfg, log, m)...)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveMetrics(ctx, cfg.MetricsAddr, m, log)
	})
	g.Go(func() error {
		return server.ListenAndServe(ctx, cfg.Addr)
	})
	return g.Wait()
}

// connect creates feeds, prints their keys so a server can be started with
// them, then replicates once a line is read from in
func connect(ctx context.Context, cfg *config.Config, log logger.Logger, m *metrics.Metrics, in io.Reader, out io.Writer) error {
	owners, err := createOwners(ctx, cfg.Feeds, cfg.Entry, log)
	if err != nil {
		return err
	}
	defer closeFeeds(owners)
	for _, owner := range owners {
		fmt.Fprintln(out, hex.EncodeToString(owner.Key()))
	}
	fmt.Fprintf(out, "press enter to connect to %s\n", cfg.Connect)

	entered := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Scan()
		close(entered)
	}()
	select {
	case <-entered:
	case <-ctx.Done():
		return nil
	}

	client := network.NewClient(cfg.Connect, network.WithLogger(log), network.WithMetrics(m))
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveMetrics(ctx, cfg.MetricsAddr, m, log)
	})
	g.Go(func() error {
		return client.ReplicateAll(ctx, asNetworkFeeds(owners)...)
	})
	return g.Wait()
}

// demoRun is a server and a client replicating freshly created feeds
type demoRun struct {
	server       *network.Server
	client       *network.Client
	listener     net.Listener
	owners       []*feed.Feed
	closeStorage func() error
	metricsAddr  string
	metrics      *metrics.Metrics
	log          logger.Logger
}

func setupDemo(ctx context.Context, cfg *config.Config, log logger.Logger, m *metrics.Metrics) (*demoRun, error) {
	owners, err := createOwners(ctx, cfg.Feeds, cfg.Entry, log)
	if err != nil {
		return nil, err
	}
	keys := make([][]byte, len(owners))
	for i, owner := range owners {
		keys[i] = owner.Key()
	}
	newStorage, closeStorage, err := openStorage(cfg)
	if err != nil {
		closeFeeds(owners)
		return nil, err
	}
	registry, err := network.NewRegistry(network.KeysOnly(readers(newStorage, log), keys...)...)
	if err != nil {
		closeFeeds(owners)
		closeStorage()
		return nil, err
	}
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		closeFeeds(owners)
		closeStorage()
		return nil, errors.Wrapf(err, "listen on %s", cfg.Addr)
	}
	return &demoRun{
		server:       network.NewServer(registry, serverOptions(cfg, log, m)...),
		client:       network.NewClient(l.Addr().String(), network.WithLogger(log), network.WithMetrics(m)),
		listener:     l,
		owners:       owners,
		closeStorage: closeStorage,
		metricsAddr:  cfg.MetricsAddr,
		metrics:      m,
		log:          log,
	}, nil
}

// run replicates every feed until ctx is done or something fails
func (d *demoRun) run(ctx context.Context) error {
	defer d.closeStorage()
	defer closeFeeds(d.owners)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveMetrics(ctx, d.metricsAddr, d.metrics, d.log)
	})
	g.Go(func() error {
		return d.server.Serve(ctx, d.listener)
	})
	g.Go(func() error {
		return d.client.ReplicateAll(ctx, asNetworkFeeds(d.owners)...)
	})
	return g.Wait()
}

func demo(ctx context.Context, cfg *config.Config, log logger.Logger, m *metrics.Metrics) error {
	d, err := setupDemo(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	return d.run(ctx)
}

// demoWithDashboard runs the demo behind a terminal dashboard; quitting
// the dashboard stops the demo
func demoWithDashboard(ctx context.Context, cfg *config.Config, m *metrics.Metrics) error {
	dash := NewDashboard()
	log := newLogger(cfg, dash)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d, err := setupDemo(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- d.run(ctx)
	}()
	if err := dash.Run(ctx, d.server.Sessions); err != nil {
		cancel()
		<-done
		return err
	}
	cancel()
	return <-done
}
