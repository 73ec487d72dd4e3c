package peer

import (
	"container/list"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"overlaynet/internal/debuglog"
	"overlaynet/internal/identity"
	"overlaynet/internal/network"
	"overlaynet/internal/proto"
	"overlaynet/internal/store"
)

const (
	DefaultCap          = 1000
	DefaultMaxAge       = 7 * 24 * time.Hour
	DefaultRetryCeiling = 5
	DefaultBackoffBase  = 5 * time.Second
	DefaultMaxBackoff   = 30 * time.Minute
	DefaultClockSkew    = 10 * time.Minute

	persistKey = "peers"
)

var (
	ErrSelf         = errors.New("peer is self")
	ErrAddrConflict = errors.New("address owned by another peer")
)

type Source string

const (
	SourceSeed      Source = "seed"
	SourceGossip    Source = "gossip"
	SourceHandshake Source = "handshake"
	SourcePersisted Source = "persisted"
)

// Peer is a known peer. Capability, Load, Outbound and Created are reported
// data; the remaining fields are local bookkeeping.
type Peer struct {
	Capability proto.Capability `json:"capability"`
	Load       proto.Load       `json:"load"`
	Outbound   bool             `json:"outbound"`
	Created    time.Time        `json:"created"`
	Source     Source           `json:"source"`

	// VerifiedAddr is set when a handshake confirmed the peer owns it.
	VerifiedAddr network.Address `json:"verified_addr,omitempty"`
	FailCount    int             `json:"fail_count"`
	LastAttempt  time.Time       `json:"last_attempt"`
	LastSuccess  time.Time       `json:"last_success"`
	NextAttempt  time.Time       `json:"next_attempt"`
}

func (p Peer) ID() identity.ID {
	return p.Capability.NetworkID.ID()
}

func (p Peer) Record() proto.PeerRecord {
	return proto.PeerRecord{
		Capability: p.Capability,
		Load:       p.Load,
		Outbound:   p.Outbound,
		Created:    p.Created.UnixMilli(),
	}
}

func FromRecord(rec proto.PeerRecord, src Source) Peer {
	return Peer{
		Capability: rec.Capability,
		Load:       rec.Load,
		Outbound:   rec.Outbound,
		Created:    time.UnixMilli(rec.Created),
		Source:     src,
	}
}

type Options struct {
	Cap          int
	MaxAge       time.Duration
	RetryCeiling int
	BackoffBase  time.Duration
	MaxBackoff   time.Duration
	Self         identity.ID
	Persistence  store.Persistence
	Clock        clock.Clock
}

type entry struct {
	peer Peer
}

// Store is the known-peer set keyed by NetworkID. The most recently touched
// peer is at the front of order; eviction takes from the back.
type Store struct {
	mu        sync.Mutex
	opts      Options
	clock     clock.Clock
	hot       map[identity.ID]*list.Element
	order     *list.List
	addrOwner map[network.Address]identity.ID
}

func NewStore(opts Options) (*Store, error) {
	if opts.Cap <= 0 {
		opts.Cap = DefaultCap
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.RetryCeiling <= 0 {
		opts.RetryCeiling = DefaultRetryCeiling
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	s := &Store{
		opts:      opts,
		clock:     opts.Clock,
		hot:       make(map[identity.ID]*list.Element),
		order:     list.New(),
		addrOwner: make(map[network.Address]identity.ID),
	}
	if opts.Persistence != nil {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Upsert merges p. Reported data is replaced only by a newer Created; local
// counters always survive the merge.
func (s *Store) Upsert(p Peer) error {
	if err := p.Capability.NetworkID.Validate(); err != nil {
		return fmt.Errorf("peer: %w", err)
	}
	id := p.ID()
	if id == s.opts.Self {
		return ErrSelf
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAddrsLocked(id, p); err != nil {
		return err
	}
	if el, ok := s.hot[id]; ok {
		ent := el.Value.(*entry)
		cur := &ent.peer
		if p.Created.After(cur.Created) || p.Source == SourceHandshake {
			cur.Capability = p.Capability
			cur.Load = p.Load
			cur.Outbound = p.Outbound
			if p.Created.After(cur.Created) {
				cur.Created = p.Created
			}
		}
		if p.Source == SourceHandshake {
			cur.Source = SourceHandshake
		}
		if !p.VerifiedAddr.IsZero() {
			s.claimLocked(id, cur, p.VerifiedAddr)
		}
		s.order.MoveToFront(el)
		return nil
	}

	if len(s.hot) >= s.opts.Cap {
		s.evictLocked(len(s.hot) - s.opts.Cap + 1)
	}
	cp := p
	cp.VerifiedAddr = network.Address{}
	ent := &entry{peer: cp}
	s.hot[id] = s.order.PushFront(ent)
	if !p.VerifiedAddr.IsZero() {
		s.claimLocked(id, &ent.peer, p.VerifiedAddr)
	}
	return nil
}

// checkAddrsLocked refuses claims on an address a different peer proved it
// owns.
func (s *Store) checkAddrsLocked(id identity.ID, p Peer) error {
	if !p.VerifiedAddr.IsZero() {
		return nil
	}
	for _, a := range p.Capability.NetworkID.Addresses {
		if owner, ok := s.addrOwner[a]; ok && owner != id {
			return fmt.Errorf("%w: %s", ErrAddrConflict, a)
		}
	}
	return nil
}

func (s *Store) claimLocked(id identity.ID, p *Peer, addr network.Address) {
	if prev, ok := s.addrOwner[addr]; ok && prev != id {
		if el, ok := s.hot[prev]; ok {
			el.Value.(*entry).peer.VerifiedAddr = network.Address{}
		}
	}
	if !p.VerifiedAddr.IsZero() && p.VerifiedAddr != addr {
		delete(s.addrOwner, p.VerifiedAddr)
	}
	s.addrOwner[addr] = id
	p.VerifiedAddr = addr
}

// Merge adds gossiped records. Records older than MaxAge or dated in the
// future are dropped. It returns the number of records accepted.
func (s *Store) Merge(recs []proto.PeerRecord, src Source) int {
	if len(recs) > proto.MaxReportedPeers {
		recs = recs[:proto.MaxReportedPeers]
	}
	now := s.clock.Now()
	accepted := 0
	for _, rec := range recs {
		p := FromRecord(rec, src)
		if now.Sub(p.Created) > s.opts.MaxAge || p.Created.Sub(now) > DefaultClockSkew {
			continue
		}
		if err := s.Upsert(p); err != nil {
			if !errors.Is(err, ErrSelf) {
				debuglog.Debugf("peer merge: skip %s: %v", p.ID().Short(), err)
			}
			continue
		}
		accepted++
	}
	return accepted
}

func (s *Store) Get(id identity.ID) (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.hot[id]
	if !ok {
		return Peer{}, false
	}
	return el.Value.(*entry).peer, true
}

func (s *Store) Remove(id identity.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.hot[id]; ok {
		s.removeLocked(el)
	}
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hot)
}

// List returns every known peer, most recently touched first. Demoted peers
// are included.
func (s *Store) List() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Peer, 0, len(s.hot))
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).peer)
	}
	return out
}

// Candidates returns the peers eligible for an outbound attempt at now:
// backoff elapsed and below the retry ceiling. Fewer failures sort first,
// then newer Created.
func (s *Store) Candidates(now time.Time) []Peer {
	s.mu.Lock()
	var out []Peer
	for el := s.order.Front(); el != nil; el = el.Next() {
		p := el.Value.(*entry).peer
		if p.FailCount >= s.opts.RetryCeiling || now.Before(p.NextAttempt) {
			continue
		}
		out = append(out, p)
	}
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FailCount != out[j].FailCount {
			return out[i].FailCount < out[j].FailCount
		}
		return out[i].Created.After(out[j].Created)
	})
	return out
}

// Reported returns up to limit records for a peer exchange, newest first.
func (s *Store) Reported(limit int) []proto.PeerRecord {
	if limit <= 0 || limit > proto.MaxReportedPeers {
		limit = proto.MaxReportedPeers
	}
	peers := s.List()
	sort.SliceStable(peers, func(i, j int) bool { return peers[i].Created.After(peers[j].Created) })
	if len(peers) > limit {
		peers = peers[:limit]
	}
	out := make([]proto.PeerRecord, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.Record())
	}
	return out
}

// PeerFail records a failed attempt and returns the backoff until the next
// one. Peers at the retry ceiling stay known but stop being candidates.
func (s *Store) PeerFail(id identity.ID) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.hot[id]
	if !ok {
		return 0
	}
	p := &el.Value.(*entry).peer
	now := s.clock.Now()
	p.FailCount++
	p.LastAttempt = now
	wait := s.Backoff(p.FailCount)
	p.NextAttempt = now.Add(wait)
	return wait
}

func (s *Store) PeerSuccess(id identity.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.hot[id]
	if !ok {
		return
	}
	p := &el.Value.(*entry).peer
	now := s.clock.Now()
	p.FailCount = 0
	p.LastAttempt = now
	p.LastSuccess = now
	p.NextAttempt = time.Time{}
	s.order.MoveToFront(el)
}

// Backoff is min(BackoffBase*2^(fails-1) + jitter, MaxBackoff), with jitter
// up to half of BackoffBase.
func (s *Store) Backoff(fails int) time.Duration {
	if fails <= 0 {
		return 0
	}
	wait := s.opts.BackoffBase
	for i := 1; i < fails && wait < s.opts.MaxBackoff; i++ {
		wait *= 2
	}
	if half := int64(s.opts.BackoffBase / 2); half > 0 {
		wait += time.Duration(rand.Int64N(half))
	}
	if wait > s.opts.MaxBackoff {
		wait = s.opts.MaxBackoff
	}
	return wait
}

// PruneOlderThan drops peers neither reported nor reached within maxAge.
// Seeds are kept.
func (s *Store) PruneOlderThan(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.clock.Now().Add(-maxAge)
	removed := 0
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		p := el.Value.(*entry).peer
		if p.Source != SourceSeed && p.Created.Before(cutoff) && p.LastSuccess.Before(cutoff) {
			s.removeLocked(el)
			removed++
		}
		el = prev
	}
	return removed
}

// EvictToMax trims the store to n peers, least recently touched first.
func (s *Store) EvictToMax(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.hot) <= n {
		return 0
	}
	over := len(s.hot) - n
	s.evictLocked(over)
	return over
}

func (s *Store) evictLocked(n int) {
	for ; n > 0; n-- {
		el := s.order.Back()
		if el == nil {
			return
		}
		s.removeLocked(el)
	}
}

func (s *Store) removeLocked(el *list.Element) {
	p := el.Value.(*entry).peer
	id := p.ID()
	if !p.VerifiedAddr.IsZero() && s.addrOwner[p.VerifiedAddr] == id {
		delete(s.addrOwner, p.VerifiedAddr)
	}
	delete(s.hot, id)
	s.order.Remove(el)
}

// Save writes a snapshot through the persistence collaborator.
func (s *Store) Save() error {
	if s.opts.Persistence == nil {
		return nil
	}
	raw, err := json.Marshal(s.List())
	if err != nil {
		return err
	}
	return s.opts.Persistence.Save(persistKey, raw)
}

func (s *Store) load() error {
	raw, err := s.opts.Persistence.Load(persistKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var peers []Peer
	if err := json.Unmarshal(raw, &peers); err != nil {
		return fmt.Errorf("peer: decode snapshot: %w", err)
	}
	// Saved front to back; insert in reverse so order is restored.
	for i := len(peers) - 1; i >= 0; i-- {
		p := peers[i]
		if p.Source != SourceSeed && p.Source != SourceHandshake {
			p.Source = SourcePersisted
		}
		if err := s.Upsert(p); err != nil {
			continue
		}
		s.mu.Lock()
		if el, ok := s.hot[p.ID()]; ok {
			cur := &el.Value.(*entry).peer
			cur.FailCount = p.FailCount
			cur.LastAttempt = p.LastAttempt
			cur.LastSuccess = p.LastSuccess
			cur.NextAttempt = p.NextAttempt
		}
		s.mu.Unlock()
	}
	return nil
}
