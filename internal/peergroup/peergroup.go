package peergroup

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"overlaynet/internal/debuglog"
	"overlaynet/internal/identity"
	"overlaynet/internal/network"
	"overlaynet/internal/node"
	"overlaynet/internal/peer"
	"overlaynet/internal/proto"
)

const (
	defaultTargetOutbound      = 8
	defaultTargetInbound       = 8
	defaultMaxInboundSlack     = 2
	defaultMinKnownPeers       = 4
	defaultMaintenanceInterval = 10 * time.Second
	defaultExchangeInterval    = time.Minute
	defaultDialTimeout         = 30 * time.Second
	defaultExchangeTimeout     = 30 * time.Second
	defaultMaxPeerAge          = 7 * 24 * time.Hour
	defaultSeedBackoff         = time.Minute
)

type Config struct {
	TargetOutbound int
	TargetInbound  int
	// MaxInboundSlack is how far inbound may exceed TargetInbound before
	// eviction starts.
	MaxInboundSlack int
	Seeds           []network.Address
	MinKnownPeers   int

	MaintenanceInterval time.Duration
	ExchangeInterval    time.Duration
	DialTimeout         time.Duration
	ExchangeTimeout     time.Duration
	MaxKnownPeers       int
	MaxPeerAge          time.Duration
	SeedBackoff         time.Duration

	Clock  clock.Clock
	Logger *zap.SugaredLogger
}

func (c Config) withDefaults() Config {
	if c.TargetOutbound < 0 {
		c.TargetOutbound = 0
	} else if c.TargetOutbound == 0 {
		c.TargetOutbound = defaultTargetOutbound
	}
	if c.TargetInbound <= 0 {
		c.TargetInbound = defaultTargetInbound
	}
	if c.MaxInboundSlack < 0 {
		c.MaxInboundSlack = 0
	} else if c.MaxInboundSlack == 0 {
		c.MaxInboundSlack = defaultMaxInboundSlack
	}
	if c.MinKnownPeers <= 0 {
		c.MinKnownPeers = defaultMinKnownPeers
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = defaultMaintenanceInterval
	}
	if c.ExchangeInterval <= 0 {
		c.ExchangeInterval = defaultExchangeInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = defaultExchangeTimeout
	}
	if c.MaxKnownPeers <= 0 {
		c.MaxKnownPeers = peer.DefaultCap
	}
	if c.MaxPeerAge <= 0 {
		c.MaxPeerAge = defaultMaxPeerAge
	}
	if c.SeedBackoff <= 0 {
		c.SeedBackoff = defaultSeedBackoff
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = debuglog.Named("peergroup")
	}
	return c
}

// Service keeps the node's connection set near its targets.
type Service struct {
	n     *node.Node
	peers *peer.Store
	cfg   Config
	clock clock.Clock
	log   *zap.SugaredLogger

	// failedSeeds suppresses re-dialing a seed address inside SeedBackoff.
	// Seeds are plain addresses, so the peer store cannot track them.
	failedSeeds *cache.Cache

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsub  []func()

	maintainMu sync.Mutex

	mu      sync.Mutex
	dialing map[identity.ID]bool
	pending map[uint64]pendingExchange
}

func New(n *node.Node, peers *peer.Store, cfg Config) *Service {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		n:           n,
		peers:       peers,
		cfg:         cfg,
		clock:       cfg.Clock,
		log:         cfg.Logger,
		failedSeeds: cache.New(cfg.SeedBackoff, 2*cfg.SeedBackoff),
		ctx:         ctx,
		cancel:      cancel,
		dialing:     make(map[identity.ID]bool),
		pending:     make(map[uint64]pendingExchange),
	}
}

func (s *Service) Peers() *peer.Store { return s.peers }

// Start subscribes to the node and runs the maintenance and exchange loops.
func (s *Service) Start() {
	s.unsub = append(s.unsub,
		s.n.AddListener(s),
		s.n.OnMessage(proto.MsgTypePeerExchangeReq, s.handleExchangeReq),
		s.n.OnMessage(proto.MsgTypePeerExchangeResp, s.handleExchangeResp),
	)
	s.goLoop(s.cfg.MaintenanceInterval, true, func() { s.Maintain(s.ctx) })
	s.goLoop(s.cfg.ExchangeInterval, false, func() { s.exchangeRandom(s.ctx) })
}

func (s *Service) goLoop(every time.Duration, now bool, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if now {
			fn()
		}
		t := s.clock.Ticker(every)
		defer t.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-t.C:
				fn()
			}
		}
	}()
}

// Close cancels dials, exchanges and loops, then saves the peer store.
func (s *Service) Close() error {
	s.cancel()
	for _, fn := range s.unsub {
		fn()
	}
	s.wg.Wait()
	s.mu.Lock()
	for nonce, p := range s.pending {
		close(p.ch)
		delete(s.pending, nonce)
	}
	s.mu.Unlock()
	return s.peers.Save()
}

func (s *Service) OnConnection(c *node.Connection) {
	if !c.IsOpen() {
		return
	}
	p := peer.Peer{
		Capability: c.PeerCapability(),
		Load:       c.PeerLoad(),
		Outbound:   c.Outbound(),
		Created:    s.clock.Now(),
		Source:     peer.SourceHandshake,
	}
	if c.PeerAddressVerified() {
		p.VerifiedAddr = c.PeerAddress()
	}
	if err := s.peers.Upsert(p); err != nil {
		s.log.Debugw("peer upsert failed", "conn", c.String(), "err", err)
	}
	if c.Outbound() {
		s.peers.PeerSuccess(c.PeerID())
	}
}

func (s *Service) OnDisconnect(c *node.Connection, reason node.CloseReason) {
	if reason == node.CloseReasonKeepAliveTimeout {
		wait := s.peers.PeerFail(c.PeerID())
		s.log.Debugw("peer demoted after keepalive timeout", "conn", c.String(), "backoff", wait)
	}
}

// Maintain runs one maintenance pass: prune, evict, bootstrap, fill.
func (s *Service) Maintain(ctx context.Context) {
	s.maintainMu.Lock()
	defer s.maintainMu.Unlock()

	s.peers.PruneOlderThan(s.cfg.MaxPeerAge)
	s.peers.EvictToMax(s.cfg.MaxKnownPeers)
	s.evict()
	if s.peers.Len() < s.cfg.MinKnownPeers {
		s.bootstrap(ctx)
	}
	s.fillOutbound(ctx)
}

func (s *Service) counts() (in, out int) {
	for _, c := range s.n.Connections() {
		if c.Outbound() {
			out++
		} else {
			in++
		}
	}
	return in, out
}

// evict closes connections above the targets. Oldest first, then lowest
// reported load. The last connection of a direction is kept while the other
// direction has more than one.
func (s *Service) evict() {
	conns := s.n.Connections()
	in, out := 0, 0
	for _, c := range conns {
		if c.Outbound() {
			out++
		} else {
			in++
		}
	}
	excessIn := in - (s.cfg.TargetInbound + s.cfg.MaxInboundSlack)
	excessOut := out - s.cfg.TargetOutbound
	if excessIn <= 0 && excessOut <= 0 {
		return
	}
	sort.SliceStable(conns, func(i, j int) bool {
		a, b := conns[i], conns[j]
		if !a.Created().Equal(b.Created()) {
			return a.Created().Before(b.Created())
		}
		return a.PeerLoad().NumConnections < b.PeerLoad().NumConnections
	})
	for _, c := range conns {
		if excessIn <= 0 && excessOut <= 0 {
			return
		}
		if c.Outbound() {
			if excessOut <= 0 || (out == 1 && in > 1) {
				continue
			}
			excessOut--
			out--
		} else {
			if excessIn <= 0 || (in == 1 && out > 1) {
				continue
			}
			excessIn--
			in--
		}
		s.log.Debugw("evicting connection", "conn", c.String(), "outbound", c.Outbound())
		c.Close(node.CloseReasonTooManyConnections)
	}
}

// bootstrap dials seeds until the outbound target is met, asking each for
// its peers.
func (s *Service) bootstrap(ctx context.Context) {
	connected := make(map[network.Address]bool)
	for _, c := range s.n.Connections() {
		connected[c.PeerAddress()] = true
	}
	for _, addr := range s.cfg.Seeds {
		if ctx.Err() != nil {
			return
		}
		if _, out := s.counts(); out >= s.cfg.TargetOutbound {
			return
		}
		if connected[addr] || !s.n.SupportsType(addr.Type) {
			continue
		}
		if _, failed := s.failedSeeds.Get(addr.String()); failed {
			continue
		}
		dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
		c, err := s.n.Connect(dctx, addr)
		cancel()
		if err != nil {
			if !errors.Is(err, node.ErrSelfConnection) {
				s.log.Debugw("seed dial failed", "addr", addr.String(), "err", err)
			}
			s.failedSeeds.SetDefault(addr.String(), err)
			continue
		}
		p, ok := s.peers.Get(c.PeerID())
		if ok && p.Source != peer.SourceSeed {
			p.Source = peer.SourceSeed
			_ = s.peers.Upsert(p)
		}
		if err := s.Exchange(ctx, c); err != nil {
			s.log.Debugw("seed exchange failed", "addr", addr.String(), "err", err)
		}
	}
}

// fillOutbound dials candidates in parallel batches without exceeding the
// outbound target.
func (s *Service) fillOutbound(ctx context.Context) {
	tried := make(map[identity.ID]bool)
	for ctx.Err() == nil {
		_, out := s.counts()
		s.mu.Lock()
		need := s.cfg.TargetOutbound - out - len(s.dialing)
		s.mu.Unlock()
		if need <= 0 {
			return
		}
		batch := s.pickCandidates(need, tried)
		if len(batch) == 0 {
			return
		}
		var g errgroup.Group
		for _, p := range batch {
			p := p
			tried[p.ID()] = true
			g.Go(func() error {
				s.dial(ctx, p)
				return nil
			})
		}
		_ = g.Wait()
	}
}

func (s *Service) pickCandidates(limit int, tried map[identity.ID]bool) []peer.Peer {
	self := s.n.ID()
	var out []peer.Peer
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers.Candidates(s.clock.Now()) {
		if len(out) == limit {
			break
		}
		id := p.ID()
		if id == self || tried[id] || s.dialing[id] || s.n.IsConnected(id) || !s.reachable(p) {
			continue
		}
		s.dialing[id] = true
		out = append(out, p)
	}
	return out
}

func (s *Service) reachable(p peer.Peer) bool {
	for _, a := range p.Capability.NetworkID.Addresses {
		if s.n.SupportsType(a.Type) {
			return true
		}
	}
	return false
}

func (s *Service) dial(ctx context.Context, p peer.Peer) {
	id := p.ID()
	defer func() {
		s.mu.Lock()
		delete(s.dialing, id)
		s.mu.Unlock()
	}()
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	_, err := s.n.ConnectPeer(dctx, p.Capability.NetworkID)
	switch {
	case err == nil:
		s.peers.PeerSuccess(id)
	case errors.Is(err, node.ErrAlreadyConnected), errors.Is(err, node.ErrSelfConnection), ctx.Err() != nil:
	default:
		wait := s.peers.PeerFail(id)
		debuglog.RateLimitedf("dial:"+id.String(), 30*time.Second, "dial %s failed (retry in %s): %v", id.Short(), wait, err)
	}
}
