package data

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"lukechampine.com/blake3"

	"overlaynet/internal/auth"
	"overlaynet/internal/debuglog"
	"overlaynet/internal/identity"
	"overlaynet/internal/metrics"
	"overlaynet/internal/node"
	"overlaynet/internal/proto"
	"overlaynet/internal/store"
)

const (
	defaultPruneInterval    = time.Minute
	defaultDedupeSize       = 20000
	defaultMaxClockSkew     = 10 * time.Minute
	defaultBroadcastTimeout = 30 * time.Second
	defaultBroadcastFanout  = 16

	persistPrefix = "data-"
)

type Config struct {
	PruneInterval    time.Duration
	DedupeSize       int
	MaxClockSkew     time.Duration
	BroadcastTimeout time.Duration
	BroadcastFanout  int

	// Persistence, when set, receives one snapshot per kind on Save.
	Persistence store.Persistence

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *zap.SugaredLogger
}

func (c Config) withDefaults() Config {
	if c.PruneInterval <= 0 {
		c.PruneInterval = defaultPruneInterval
	}
	if c.DedupeSize <= 0 {
		c.DedupeSize = defaultDedupeSize
	}
	if c.MaxClockSkew <= 0 {
		c.MaxClockSkew = defaultMaxClockSkew
	}
	if c.BroadcastTimeout <= 0 {
		c.BroadcastTimeout = defaultBroadcastTimeout
	}
	if c.BroadcastFanout <= 0 {
		c.BroadcastFanout = defaultBroadcastFanout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = debuglog.Named("data")
	}
	return c
}

// Subscriber observes changes to one kind. OnRemoved gets a nil tombstone
// when the entry expired.
type Subscriber interface {
	OnAdded(e proto.DataEntry)
	OnRemoved(e proto.DataEntry, t *proto.Tombstone)
}

// SubscriberFuncs adapts plain functions. Nil fields are skipped.
type SubscriberFuncs struct {
	Added   func(proto.DataEntry)
	Removed func(proto.DataEntry, *proto.Tombstone)
}

func (f SubscriberFuncs) OnAdded(e proto.DataEntry) {
	if f.Added != nil {
		f.Added(e)
	}
}

func (f SubscriberFuncs) OnRemoved(e proto.DataEntry, t *proto.Tombstone) {
	if f.Removed != nil {
		f.Removed(e, t)
	}
}

type subEntry struct {
	id  uint64
	sub Subscriber
}

// Service replicates signed entries to every connected peer and keeps one
// Store per kind.
type Service struct {
	n       *node.Node
	auth    *auth.Service
	keys    identity.KeyManager
	cfg     Config
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
	seen    *lru.Cache[[32]byte, struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	lifeMu sync.Mutex
	closed bool
	wg     sync.WaitGroup
	unsub  []func()

	mu     sync.RWMutex
	stores map[string]*Store

	subMu   sync.RWMutex
	nextSub uint64
	subs    map[string][]subEntry
}

func New(n *node.Node, cfg Config) *Service {
	cfg = cfg.withDefaults()
	seen, err := lru.New[[32]byte, struct{}](cfg.DedupeSize)
	if err != nil {
		panic(err)
	}
	RegisterCosts(n.Auth())
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		n:       n,
		auth:    n.Auth(),
		keys:    n.Keys(),
		cfg:     cfg,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		seen:    seen,
		ctx:     ctx,
		cancel:  cancel,
		stores:  make(map[string]*Store),
		subs:    make(map[string][]subEntry),
	}
}

// Start restores persisted snapshots, registers the wire handlers and
// starts the prune loop.
func (s *Service) Start() error {
	if err := s.load(); err != nil {
		return err
	}
	s.unsub = append(s.unsub,
		s.n.OnMessage(proto.MsgTypeAddData, s.handleAdd),
		s.n.OnMessage(proto.MsgTypeRemoveData, s.handleRemove),
	)
	s.goTracked(func() {
		t := s.clock.Ticker(s.cfg.PruneInterval)
		defer t.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-t.C:
				s.Prune()
			}
		}
	})
	return nil
}

// Close stops the prune loop, waits for outstanding broadcasts and saves.
func (s *Service) Close() error {
	s.lifeMu.Lock()
	if s.closed {
		s.lifeMu.Unlock()
		return nil
	}
	s.closed = true
	s.lifeMu.Unlock()
	s.cancel()
	for _, fn := range s.unsub {
		fn()
	}
	s.wg.Wait()
	return s.Save()
}

func (s *Service) goTracked(fn func()) bool {
	s.lifeMu.Lock()
	if s.closed {
		s.lifeMu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.lifeMu.Unlock()
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

// Store returns the store for kind, creating it for registered kinds.
func (s *Service) Store(kind string) (*Store, bool) {
	s.mu.RLock()
	st, ok := s.stores[kind]
	s.mu.RUnlock()
	if ok {
		return st, true
	}
	md, ok := LookupMetaData(kind)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stores[kind]; ok {
		return st, true
	}
	st = NewStore(kind, md)
	s.stores[kind] = st
	return st, true
}

func (s *Service) Get(kind string, key [32]byte) (proto.DataEntry, bool) {
	st, ok := s.Store(kind)
	if !ok {
		return proto.DataEntry{}, false
	}
	return st.Get(key, s.clock.Now())
}

func (s *Service) Tombstone(kind string, key [32]byte) (proto.Tombstone, bool) {
	st, ok := s.Store(kind)
	if !ok {
		return proto.Tombstone{}, false
	}
	return st.Tombstone(key)
}

// Entries returns the live entries of kind, newest first.
func (s *Service) Entries(kind string) []proto.DataEntry {
	st, ok := s.Store(kind)
	if !ok {
		return nil
	}
	return st.Entries(s.clock.Now())
}

// Subscribe registers sub for kind. The returned func unsubscribes and is
// safe to call more than once.
func (s *Service) Subscribe(kind string, sub Subscriber) func() {
	s.subMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[kind] = append(s.subs[kind], subEntry{id: id, sub: sub})
	s.subMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			list := s.subs[kind]
			for i, e := range list {
				if e.id == id {
					s.subs[kind] = append(list[:i:i], list[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Service) subscribers(kind string) []Subscriber {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	out := make([]Subscriber, 0, len(s.subs[kind]))
	for _, e := range s.subs[kind] {
		out = append(out, e.sub)
	}
	return out
}

func (s *Service) notify(kind string, fn func(Subscriber)) {
	for _, sub := range s.subscribers(kind) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Errorw("subscriber panic", "kind", kind, "panic", r)
				}
			}()
			fn(sub)
		}()
	}
}

// Add applies an entry from any source and relays it to every peer when
// it changed the store.
func (s *Service) Add(ctx context.Context, e proto.DataEntry) error {
	_, err := s.add(ctx, e, nil, true)
	return err
}

// Remove applies a tombstone and relays it when it removed a live entry.
func (s *Service) Remove(ctx context.Context, t proto.Tombstone) error {
	_, err := s.remove(ctx, t, nil, true)
	return err
}

func entryDigest(e proto.DataEntry) [32]byte {
	return blake3.Sum256(e.TokenBytes())
}

func tombstoneDigest(t proto.Tombstone) [32]byte {
	return blake3.Sum256(append(t.SigBytes(), t.Sig...))
}

// add reports whether the entry was accepted. from is excluded from the
// relay.
func (s *Service) add(_ context.Context, e proto.DataEntry, from *node.Connection, relay bool) (bool, error) {
	digest := entryDigest(e)
	if s.seen.Contains(digest) {
		return false, rejected(ReasonDuplicate)
	}
	st, ok := s.Store(e.Kind)
	var (
		res AddResult
		err error
	)
	if !ok {
		err = rejected(ReasonUnknownKind)
	} else if err = s.validateEntry(e, st.md); err == nil {
		res, err = st.Add(e, s.clock.Now())
	}
	if settled(err) {
		s.seen.Add(digest, struct{}{})
	}
	if err != nil {
		s.metrics.IncDataRejected(ReasonOf(err))
		return false, err
	}
	s.metrics.IncDataAdded()
	if res == Added {
		s.notify(e.Kind, func(sub Subscriber) { sub.OnAdded(e) })
	}
	if relay {
		s.broadcast(&proto.AddDataMsg{Entry: e}, from)
	}
	return true, nil
}

func (s *Service) validateEntry(e proto.DataEntry, md MetaData) error {
	if len(e.Payload) > md.MaxPayloadSize {
		return rejected(ReasonTooLarge)
	}
	if md.Mailbox != (len(e.Receiver) != 0) {
		return rejected(ReasonInvalidReceiver)
	}
	now := s.clock.Now()
	created := time.UnixMilli(e.Created)
	if created.After(now.Add(s.cfg.MaxClockSkew)) {
		return rejected(ReasonFutureCreated)
	}
	if now.Sub(created) > md.TTL {
		return rejected(ReasonExpired)
	}
	if err := s.auth.VerifyToken(e.Kind, e.TokenBytes(), e.Token); err != nil {
		return &StaleOrInvalidData{Reason: ReasonBadProofOfWork, Err: err}
	}
	if !e.VerifySig() {
		return rejected(ReasonBadSignature)
	}
	return nil
}

// remove reports whether a live entry was removed.
func (s *Service) remove(_ context.Context, t proto.Tombstone, from *node.Connection, relay bool) (bool, error) {
	digest := tombstoneDigest(t)
	if s.seen.Contains(digest) {
		return false, rejected(ReasonDuplicate)
	}
	st, ok := s.Store(t.Kind)
	if !ok {
		s.metrics.IncDataRejected(ReasonUnknownKind)
		return false, rejected(ReasonUnknownKind)
	}
	now := s.clock.Now()
	if time.UnixMilli(t.Created).After(now.Add(s.cfg.MaxClockSkew)) {
		s.metrics.IncDataRejected(ReasonFutureCreated)
		return false, rejected(ReasonFutureCreated)
	}
	s.seen.Add(digest, struct{}{})
	if !t.VerifySig() {
		s.metrics.IncDataRejected(ReasonBadSignature)
		return false, rejected(ReasonBadSignature)
	}
	removed, ok, err := st.Remove(t, now)
	if err != nil {
		s.metrics.IncDataRejected(ReasonOf(err))
		return false, err
	}
	if !ok {
		return false, nil
	}
	s.metrics.IncDataRemoved()
	s.notify(t.Kind, func(sub Subscriber) { sub.OnRemoved(removed, &t) })
	if relay {
		s.broadcast(&proto.RemoveDataMsg{Tombstone: t}, from)
	}
	return true, nil
}

// Publish signs, stamps and adds a new entry owned by the local identity.
// Publishing an identical payload again bumps the sequence number.
func (s *Service) Publish(ctx context.Context, kind string, payload, receiver []byte) (proto.DataEntry, error) {
	st, ok := s.Store(kind)
	if !ok {
		return proto.DataEntry{}, rejected(ReasonUnknownKind)
	}
	e := proto.DataEntry{
		Kind:     kind,
		Payload:  payload,
		Owner:    s.keys.NetworkID().PubKey,
		Receiver: receiver,
		Seq:      1,
	}
	if seq, ok := st.Seq(e.Key()); ok {
		e.Seq = seq + 1
	}
	if err := s.seal(ctx, &e); err != nil {
		return proto.DataEntry{}, err
	}
	if _, err := s.add(ctx, e, nil, true); err != nil {
		return proto.DataEntry{}, err
	}
	return e, nil
}

// Refresh re-announces an owned entry with the next sequence number, which
// restarts its TTL everywhere it is stored.
func (s *Service) Refresh(ctx context.Context, kind string, key [32]byte) (proto.DataEntry, error) {
	e, ok := s.Get(kind, key)
	if !ok {
		return proto.DataEntry{}, ErrNotFound
	}
	if !bytes.Equal(e.Owner, s.keys.NetworkID().PubKey) {
		return proto.DataEntry{}, ErrNotOwner
	}
	e.Seq++
	if err := s.seal(ctx, &e); err != nil {
		return proto.DataEntry{}, err
	}
	if _, err := s.add(ctx, e, nil, true); err != nil {
		return proto.DataEntry{}, err
	}
	return e, nil
}

// Unpublish removes an entry the local identity owns, or receives for
// mailbox kinds.
func (s *Service) Unpublish(ctx context.Context, kind string, key [32]byte) (proto.Tombstone, error) {
	e, ok := s.Get(kind, key)
	if !ok {
		return proto.Tombstone{}, ErrNotFound
	}
	self := s.keys.NetworkID().PubKey
	if !bytes.Equal(e.Owner, self) && !(MustMetaData(kind).Mailbox && bytes.Equal(e.Receiver, self)) {
		return proto.Tombstone{}, ErrNotOwner
	}
	t := proto.Tombstone{
		Key:     key[:],
		Kind:    kind,
		Seq:     e.Seq + 1,
		Signer:  self,
		Created: s.clock.Now().UnixMilli(),
	}
	t.Sig = s.keys.Sign(t.SigBytes())
	if _, err := s.remove(ctx, t, nil, true); err != nil {
		return proto.Tombstone{}, err
	}
	return t, nil
}

func (s *Service) seal(ctx context.Context, e *proto.DataEntry) error {
	e.Created = s.clock.Now().UnixMilli()
	e.Sig = s.keys.Sign(e.SigBytes())
	tok, err := s.auth.CreateToken(ctx, e.Kind, e.TokenBytes())
	if err != nil {
		return err
	}
	e.Token = tok
	return nil
}

// broadcast sends m to every open connection except the origin. The local
// write has already committed; sends run in the background.
func (s *Service) broadcast(m proto.Message, except *node.Connection) {
	var targets []*node.Connection
	for _, c := range s.n.Connections() {
		if except == nil || c.ID() != except.ID() {
			targets = append(targets, c)
		}
	}
	if len(targets) == 0 {
		return
	}
	s.goTracked(func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.BroadcastTimeout)
		defer cancel()
		var (
			g      errgroup.Group
			failed atomic.Int32
		)
		g.SetLimit(s.cfg.BroadcastFanout)
		for _, c := range targets {
			g.Go(func() error {
				if err := c.Send(ctx, m); err != nil {
					failed.Add(1)
					s.log.Debugw("broadcast send failed", "conn", c.String(), "type", m.MsgType(), "err", err)
				}
				return nil
			})
		}
		_ = g.Wait()
		s.log.Debugw("broadcast", "type", m.MsgType(), "peers", len(targets), "failed", failed.Load())
	})
}

// Prune expires entries and tombstones past their TTL.
func (s *Service) Prune() {
	now := s.clock.Now()
	s.mu.RLock()
	stores := make([]*Store, 0, len(s.stores))
	for _, st := range s.stores {
		stores = append(stores, st)
	}
	s.mu.RUnlock()
	for _, st := range stores {
		expired := st.Prune(now)
		for _, e := range expired {
			s.notify(st.Kind(), func(sub Subscriber) { sub.OnRemoved(e, nil) })
		}
		if len(expired) > 0 {
			s.log.Debugw("pruned expired entries", "kind", st.Kind(), "count", len(expired))
		}
	}
}

// Save writes one snapshot per kind.
func (s *Service) Save() error {
	if s.cfg.Persistence == nil {
		return nil
	}
	s.mu.RLock()
	stores := make([]*Store, 0, len(s.stores))
	for _, st := range s.stores {
		stores = append(stores, st)
	}
	s.mu.RUnlock()
	var errs error
	for _, st := range stores {
		b, err := st.snapshot()
		if err == nil {
			err = s.cfg.Persistence.Save(persistPrefix+st.Kind(), b)
		}
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (s *Service) load() error {
	if s.cfg.Persistence == nil {
		return nil
	}
	for _, kind := range Kinds() {
		b, err := s.cfg.Persistence.Load(persistPrefix + kind)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		st, _ := s.Store(kind)
		if err := st.restore(b); err != nil {
			s.log.Warnw("discarding unreadable data snapshot", "kind", kind, "err", err)
			continue
		}
		st.Prune(s.clock.Now())
	}
	return nil
}

func (s *Service) handleAdd(c *node.Connection, m proto.Message) {
	msg := m.(*proto.AddDataMsg)
	if _, err := s.add(s.ctx, msg.Entry, c, true); err != nil && ReasonOf(err) != ReasonDuplicate {
		s.log.Debugw("add_data rejected", "conn", c.String(), "kind", msg.Entry.Kind, "err", err)
	}
}

func (s *Service) handleRemove(c *node.Connection, m proto.Message) {
	msg := m.(*proto.RemoveDataMsg)
	if _, err := s.remove(s.ctx, msg.Tombstone, c, true); err != nil && ReasonOf(err) != ReasonDuplicate {
		s.log.Debugw("remove_data rejected", "conn", c.String(), "kind", msg.Tombstone.Kind, "err", err)
	}
}
