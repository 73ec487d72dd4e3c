package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"overlaynet/internal/auth"
	"overlaynet/internal/data"
	"overlaynet/internal/debuglog"
	"overlaynet/internal/identity"
	"overlaynet/internal/keepalive"
	"overlaynet/internal/metrics"
	"overlaynet/internal/network"
	"overlaynet/internal/node"
	"overlaynet/internal/peer"
	"overlaynet/internal/peergroup"
	"overlaynet/internal/pprofutil"
	"overlaynet/internal/store"
)

const metricsNamespace = "overlay"

type Options struct {
	Metrics  *metrics.Metrics
	Consumer data.MessageConsumer
	// Transports replaces the transports derived from the config.
	Transports []network.Transport
	// Persistence replaces the configured backend.
	Persistence store.Persistence
	Clock       clock.Clock
	Logger      *zap.SugaredLogger
	Pprof       pprofutil.Options
}

// Runner owns every service of one overlay node. NewRunner builds them,
// Start brings them up in dependency order and Close tears them down in
// reverse.
type Runner struct {
	Config      Config
	Identity    *identity.Identity
	Persistence store.Persistence
	Metrics     *metrics.Metrics
	Node        *node.Node
	Peers       *peer.Store
	PeerGroup   *peergroup.Service
	KeepAlive   *keepalive.Service
	Data        *data.Service
	Inventory   *data.Inventory
	Mailbox     *data.Mailbox

	log        *zap.SugaredLogger
	clock      clock.Clock
	pprof      pprofutil.Options
	snapPath   string
	statusPath string
	ownsStore  bool

	mu       sync.Mutex
	started  bool
	closed   bool
	closers  []namedCloser
	metricLn net.Listener
	stopSnap chan struct{}
	snapWG   sync.WaitGroup
}

type namedCloser struct {
	name string
	fn   func() error
}

func NewRunner(cfg Config, opts Options) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Home, 0700); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = debuglog.Named("daemon")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	r := &Runner{
		Config:     cfg,
		Metrics:    m,
		log:        log,
		clock:      clk,
		pprof:      opts.Pprof,
		snapPath:   filepath.Join(cfg.Home, "metrics.json"),
		statusPath: filepath.Join(cfg.Home, statusFile),
		stopSnap:   make(chan struct{}),
	}

	p := opts.Persistence
	if p == nil {
		var err error
		if p, err = openPersistence(cfg); err != nil {
			return nil, err
		}
		r.ownsStore = true
	}
	r.Persistence = p

	id, err := identity.LoadOrCreate(p, nil)
	if err != nil {
		r.closeStore()
		return nil, err
	}
	r.Identity = id

	transports := opts.Transports
	if transports == nil {
		if transports, err = buildTransports(cfg); err != nil {
			r.closeStore()
			return nil, err
		}
	}

	authCfg := auth.Config{}
	if cfg.PoWBits > 0 {
		authCfg.Adjuster = auth.FixedBits(cfg.PoWBits)
	}
	r.Node = node.New(id, auth.New(authCfg), node.Config{
		Transports: transports,
		Listen:     cfg.ListenAddrs(),
		Advertise:  cfg.AdvertiseAddrs(),
		Clock:      clk,
		Metrics:    m,
	})

	r.Peers, err = peer.NewStore(peer.Options{
		Self:        id.ID(),
		Persistence: p,
		Clock:       clk,
	})
	if err != nil {
		r.closeStore()
		return nil, err
	}
	r.PeerGroup = peergroup.New(r.Node, r.Peers, peergroup.Config{
		TargetOutbound:   cfg.OutboundTarget,
		TargetInbound:    cfg.InboundTarget,
		Seeds:            cfg.SeedAddrs(),
		ExchangeInterval: time.Duration(cfg.PexIntervalSec) * time.Second,
		Clock:            clk,
	})
	r.KeepAlive = keepalive.New(r.Node, keepalive.Config{
		MaxIdle: time.Duration(cfg.KeepAliveIdleSec) * time.Second,
		Clock:   clk,
		Metrics: m,
	})
	r.Data = data.New(r.Node, data.Config{
		Persistence: p,
		Clock:       clk,
		Metrics:     m,
	})
	r.Inventory = data.NewInventory(r.Node, r.Data, data.InventoryConfig{
		SyncOnConnect: cfg.SyncOnConnect,
	})
	consumer := opts.Consumer
	if consumer == nil {
		consumer = newInboxWriter(filepath.Join(cfg.Home, inboxFile), log)
	}
	r.Mailbox = data.NewMailbox(r.Node, r.Data, consumer, data.MailboxConfig{})
	return r, nil
}

func openPersistence(cfg Config) (store.Persistence, error) {
	switch cfg.Store {
	case BackendLevelDB:
		return store.OpenLevelStore(filepath.Join(cfg.Home, "db"))
	default:
		return store.NewFileStore(filepath.Join(cfg.Home, "state"))
	}
}

func buildTransports(cfg Config) ([]network.Transport, error) {
	out := []network.Transport{network.NewTCPTransport(), network.NewQUICTransport()}
	if !cfg.usesTor() {
		return out, nil
	}
	opts := network.TorOptions{SocksAddr: cfg.TorSocks, LocalBind: cfg.TorLocalBind}
	for _, a := range cfg.ListenAddrs() {
		if a.Type == network.TypeTor {
			opts.Onion = a
			break
		}
	}
	tor, err := network.NewTorTransport(opts)
	if err != nil {
		return nil, fmt.Errorf("tor transport: %w", err)
	}
	return append(out, tor), nil
}

// Start brings the services up. On failure everything already started is
// closed again.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return errors.New("daemon: runner already started")
	}
	r.started = true
	r.mu.Unlock()

	if err := r.Node.Start(ctx); err != nil {
		return multierr.Append(err, r.Close())
	}
	r.push("node", r.Node.Close)

	if err := r.Data.Start(); err != nil {
		return multierr.Append(err, r.Close())
	}
	r.push("data", r.Data.Close)

	r.Inventory.Start()
	r.push("inventory", func() error { r.Inventory.Close(); return nil })

	r.Mailbox.Start()
	r.push("mailbox", func() error { r.Mailbox.Close(); return nil })

	r.KeepAlive.Start()
	r.push("keepalive", func() error { r.KeepAlive.Close(); return nil })

	r.PeerGroup.Start()
	r.push("peergroup", r.PeerGroup.Close)

	if r.Config.MetricsAddr != "" {
		if err := r.startMetricsServer(); err != nil {
			return multierr.Append(err, r.Close())
		}
	}
	if r.pprof.Enabled {
		ps, err := pprofutil.Start(r.pprof)
		if err != nil {
			return multierr.Append(err, r.Close())
		}
		r.push("pprof", ps.Close)
		r.log.Infow("pprof enabled", "url", ps.URL())
	}
	r.startSnapshotWriter(time.Duration(r.Config.SnapshotIntervalSec) * time.Second)

	self := r.Node.Self()
	r.log.Infow("node started", "id", self.ID().String(), "addrs", self.Addresses, "store", r.Config.Store)
	return nil
}

// Run starts the runner and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return r.Close()
}

func (r *Runner) push(name string, fn func() error) {
	r.mu.Lock()
	r.closers = append(r.closers, namedCloser{name: name, fn: fn})
	r.mu.Unlock()
}

// MetricsAddr returns the bound metrics listener address, or "" when the
// endpoint is disabled.
func (r *Runner) MetricsAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.metricLn == nil {
		return ""
	}
	return r.metricLn.Addr().String()
}

func (r *Runner) startMetricsServer() error {
	h, err := metrics.Handler(r.Metrics, metricsNamespace)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", r.Config.MetricsAddr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, r.Status())
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Warnw("metrics server stopped", "err", err)
		}
	}()
	r.mu.Lock()
	r.metricLn = ln
	r.mu.Unlock()
	r.push("metrics", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
	r.log.Infow("metrics endpoint", "addr", ln.Addr().String())
	return nil
}

func (r *Runner) startSnapshotWriter(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	r.snapWG.Add(1)
	go func() {
		defer r.snapWG.Done()
		t := r.clock.Ticker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				r.writeSnapshots()
			case <-r.stopSnap:
				return
			}
		}
	}()
	r.push("snapshot", func() error {
		close(r.stopSnap)
		r.snapWG.Wait()
		return r.writeSnapshots()
	})
}

func (r *Runner) writeSnapshots() error {
	return multierr.Append(
		r.Metrics.WriteSnapshot(r.snapPath),
		writeStatusFile(r.statusPath, r.Status()),
	)
}

// Close stops every started service in reverse order and releases the
// persistence backend. It is safe to call more than once.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()

	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		if cerr := closers[i].fn(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", closers[i].name, cerr))
		}
	}
	err = multierr.Append(err, r.closeStore())
	debuglog.Sync()
	return err
}

func (r *Runner) closeStore() error {
	if !r.ownsStore {
		return nil
	}
	if c, ok := r.Persistence.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
