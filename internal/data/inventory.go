package data

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"overlaynet/internal/debuglog"
	"overlaynet/internal/node"
	"overlaynet/internal/proto"
)

var ErrInventoryAborted = errors.New("inventory request aborted")

const (
	defaultMaxRounds          = 10
	defaultMaxResponseEntries = 500
	defaultMaxResponseBytes   = 768 << 10
	defaultRequestTimeout     = time.Minute
	defaultRepeatInterval     = 10 * time.Minute
	defaultBloomThreshold     = 2000
	defaultBloomFPRate        = 0.01
)

type InventoryConfig struct {
	MaxRounds          int
	MaxResponseEntries int
	MaxResponseBytes   int
	RequestTimeout     time.Duration
	RepeatInterval     time.Duration
	// Local item count from which a bloom filter replaces the hash set,
	// when both sides support it.
	BloomThreshold int
	BloomFPRate    float64
	// Domains to reconcile; all registered kinds when empty.
	Domains []string
	// SyncOnConnect reconciles every domain with each new connection.
	SyncOnConnect bool

	Logger *zap.SugaredLogger
}

func (c InventoryConfig) withDefaults() InventoryConfig {
	if c.MaxRounds <= 0 {
		c.MaxRounds = defaultMaxRounds
	}
	if c.MaxResponseEntries <= 0 {
		c.MaxResponseEntries = defaultMaxResponseEntries
	}
	if c.MaxResponseBytes <= 0 || c.MaxResponseBytes > proto.MaxInventoryRespSize {
		c.MaxResponseBytes = defaultMaxResponseBytes
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.RepeatInterval <= 0 {
		c.RepeatInterval = defaultRepeatInterval
	}
	if c.BloomThreshold <= 0 {
		c.BloomThreshold = defaultBloomThreshold
	}
	if c.BloomFPRate <= 0 {
		c.BloomFPRate = defaultBloomFPRate
	}
	if c.Logger == nil {
		c.Logger = debuglog.Named("inventory")
	}
	return c
}

// SyncResult summarizes one reconciliation of a domain with one peer.
type SyncResult struct {
	Domain     string
	Rounds     int
	Entries    int
	Tombstones int
	Complete   bool
}

type pendingInventory struct {
	connID string
	ch     chan *proto.InventoryRespMsg
}

// Inventory pulls entries a peer holds and we lack, in bounded rounds.
type Inventory struct {
	n    *node.Node
	data *Service
	cfg  InventoryConfig
	log  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	lifeMu sync.Mutex
	closed bool
	wg     sync.WaitGroup
	unsub  []func()

	mu      sync.Mutex
	pending map[uint64]pendingInventory
}

func NewInventory(n *node.Node, data *Service, cfg InventoryConfig) *Inventory {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Inventory{
		n:       n,
		data:    data,
		cfg:     cfg,
		log:     cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[uint64]pendingInventory),
	}
}

func (i *Inventory) Start() {
	i.unsub = append(i.unsub,
		i.n.AddListener(i),
		i.n.OnMessage(proto.MsgTypeInventoryReq, i.handleReq),
		i.n.OnMessage(proto.MsgTypeInventoryResp, i.handleResp),
	)
	i.goTracked(func() {
		t := i.data.clock.Ticker(i.cfg.RepeatInterval)
		defer t.Stop()
		for {
			select {
			case <-i.ctx.Done():
				return
			case <-t.C:
				i.syncRandom()
			}
		}
	})
}

func (i *Inventory) Close() {
	i.lifeMu.Lock()
	if i.closed {
		i.lifeMu.Unlock()
		return
	}
	i.closed = true
	i.lifeMu.Unlock()
	i.cancel()
	for _, fn := range i.unsub {
		fn()
	}
	i.wg.Wait()
}

func (i *Inventory) goTracked(fn func()) bool {
	i.lifeMu.Lock()
	if i.closed {
		i.lifeMu.Unlock()
		return false
	}
	i.wg.Add(1)
	i.lifeMu.Unlock()
	go func() {
		defer i.wg.Done()
		fn()
	}()
	return true
}

func (i *Inventory) domains() []string {
	if len(i.cfg.Domains) > 0 {
		return i.cfg.Domains
	}
	return Kinds()
}

// Sync reconciles every configured domain with c.
func (i *Inventory) Sync(ctx context.Context, c *node.Connection) ([]SyncResult, error) {
	var (
		out  []SyncResult
		errs error
	)
	for _, d := range i.domains() {
		res, err := i.Request(ctx, c, d)
		out = append(out, res)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", d, err))
			if ctx.Err() != nil || !c.IsOpen() {
				break
			}
		}
	}
	return out, errs
}

// Request reconciles one domain with c. Each round advertises everything
// held locally, so a round that applies anything makes progress. Running
// out of rounds is not an error: the result is marked incomplete and the
// next run continues.
func (i *Inventory) Request(ctx context.Context, c *node.Connection, domain string) (SyncResult, error) {
	res := SyncResult{Domain: domain}
	st, ok := i.data.Store(domain)
	if !ok {
		return res, rejected(ReasonUnknownKind)
	}
	for res.Rounds < i.cfg.MaxRounds {
		res.Rounds++
		resp, err := i.round(ctx, c, domain, i.filterFor(st, c))
		if err != nil {
			return res, err
		}
		i.data.metrics.IncInventoryRound()
		progress := 0
		for _, t := range resp.Tombstones {
			if ok, _ := i.data.remove(ctx, t, c, false); ok {
				res.Tombstones++
				progress++
			} else if _, stored := st.Tombstone(t.KeyArray()); stored {
				progress++
			}
		}
		for _, e := range resp.Entries {
			if ok, _ := i.data.add(ctx, e, c, false); ok {
				res.Entries++
				progress++
			}
		}
		if !resp.MoreAvailable {
			res.Complete = true
			return res, nil
		}
		if progress == 0 {
			break
		}
	}
	i.data.metrics.IncInventoryIncomplete()
	i.log.Infow("inventory sync incomplete", "conn", c.String(), "domain", domain, "rounds", res.Rounds, "err", ErrReconciliationIncomplete)
	return res, nil
}

func (i *Inventory) filterFor(st *Store, c *node.Connection) proto.Filter {
	items := st.Items(i.data.clock.Now())
	if len(items) >= i.cfg.BloomThreshold &&
		i.n.Capability().Supports(proto.FeatureBloom) &&
		c.PeerCapability().Supports(proto.FeatureBloom) {
		return NewBloomFilter(items, i.cfg.BloomFPRate, rand.Uint32())
	}
	return NewHashSetFilter(items)
}

func (i *Inventory) round(ctx context.Context, c *node.Connection, domain string, f proto.Filter) (*proto.InventoryRespMsg, error) {
	nonce := newNonce()
	ch := make(chan *proto.InventoryRespMsg, 1)
	i.mu.Lock()
	i.pending[nonce] = pendingInventory{connID: c.ID(), ch: ch}
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		delete(i.pending, nonce)
		i.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, i.cfg.RequestTimeout)
	defer cancel()
	if err := c.Send(ctx, &proto.InventoryReqMsg{Domain: domain, Filter: f, Nonce: nonce}); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-c.Done():
		return nil, fmt.Errorf("%w: %s", ErrInventoryAborted, c.CloseReason())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (i *Inventory) syncRandom() {
	conns := i.n.Connections()
	if len(conns) == 0 {
		return
	}
	c := conns[rand.IntN(len(conns))]
	if _, err := i.Sync(i.ctx, c); err != nil && i.ctx.Err() == nil {
		i.log.Debugw("periodic inventory sync failed", "conn", c.String(), "err", err)
	}
}

func (i *Inventory) handleReq(c *node.Connection, m proto.Message) {
	req := m.(*proto.InventoryReqMsg)
	resp := &proto.InventoryRespMsg{RequestNonce: req.Nonce}
	if st, ok := i.data.Store(req.Domain); ok {
		matcher, err := MatcherFor(req.Filter)
		if err != nil {
			i.log.Debugw("bad inventory filter", "conn", c.String(), "err", err)
			return
		}
		resp.Entries, resp.Tombstones, resp.MoreAvailable = st.Missing(
			matcher, i.cfg.MaxResponseEntries, i.cfg.MaxResponseBytes, i.data.clock.Now())
	}
	i.n.SendAsync(c, resp)
}

func (i *Inventory) handleResp(c *node.Connection, m proto.Message) {
	resp := m.(*proto.InventoryRespMsg)
	i.mu.Lock()
	p, ok := i.pending[resp.RequestNonce]
	if ok && p.connID == c.ID() {
		delete(i.pending, resp.RequestNonce)
	}
	i.mu.Unlock()
	if !ok || p.connID != c.ID() {
		debuglog.RateLimitedf("inventory:"+c.ID(), 10*time.Second, "dropping stale inventory response from %s nonce %d", c, resp.RequestNonce)
		return
	}
	p.ch <- resp
}

func (i *Inventory) OnConnection(c *node.Connection) {
	if !i.cfg.SyncOnConnect {
		return
	}
	i.goTracked(func() {
		results, err := i.Sync(i.ctx, c)
		if err != nil && i.ctx.Err() == nil {
			i.log.Debugw("inventory sync on connect failed", "conn", c.String(), "err", err)
			return
		}
		n := 0
		for _, r := range results {
			n += r.Entries + r.Tombstones
		}
		i.log.Debugw("inventory sync on connect", "conn", c.String(), "received", n)
	})
}

// OnDisconnect drops pending requests on c. Their waiters observe the
// closed connection.
func (i *Inventory) OnDisconnect(c *node.Connection, _ node.CloseReason) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for nonce, p := range i.pending {
		if p.connID == c.ID() {
			delete(i.pending, nonce)
		}
	}
}

func newNonce() uint64 {
	var b [8]byte
	_, _ = crand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}
