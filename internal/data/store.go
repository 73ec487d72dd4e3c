package data

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"overlaynet/internal/proto"
)

type AddResult int

const (
	// Added is a key the store did not hold, or held only a tombstone for.
	Added AddResult = iota + 1
	// Refreshed replaced a live entry with a higher sequence number and
	// restarted its TTL.
	Refreshed
)

// record tracks the latest sequence number seen for a key. Exactly one of
// Entry and Tomb is set. Verified marks a tombstone that was checked against
// the entry it removed; an unverified one only pins entries its signer may
// remove.
type record struct {
	Entry    *proto.DataEntry `json:"entry,omitempty"`
	Tomb     *proto.Tombstone `json:"tomb,omitempty"`
	Verified bool             `json:"verified,omitempty"`
	Seq      uint64           `json:"seq"`
	Received time.Time        `json:"received"`
}

func (r *record) live(now time.Time, ttl time.Duration) bool {
	return r.Entry != nil && now.Sub(r.Received) <= ttl
}

// Store holds one domain's entries and tombstones. Tombstones are kept for
// a TTL so a removed key cannot be re-added at an old sequence number.
type Store struct {
	kind string
	md   MetaData

	mu      sync.RWMutex
	recs    map[[32]byte]*record
	entries int
}

func NewStore(kind string, md MetaData) *Store {
	return &Store{kind: kind, md: md, recs: make(map[[32]byte]*record)}
}

func (s *Store) Kind() string { return s.kind }

// Add applies e. Any sequence number not above the stored one for the key
// is rejected, whether the key holds an entry or a tombstone.
func (s *Store) Add(e proto.DataEntry, now time.Time) (AddResult, error) {
	key := e.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[key]
	if ok && rec.Tomb != nil && !rec.Verified && !s.mayRemove(e, rec.Tomb.Signer) {
		// The tombstone's signer never owned this key.
		delete(s.recs, key)
		ok = false
	}
	if ok {
		switch {
		case rec.Tomb != nil && e.Seq <= rec.Seq:
			return 0, rejected(ReasonAlreadyRemoved)
		case rec.Entry != nil && e.Seq == rec.Seq && bytes.Equal(e.Sig, rec.Entry.Sig):
			return 0, rejected(ReasonDuplicate)
		case e.Seq <= rec.Seq:
			return 0, rejected(ReasonStaleSequence)
		}
		if rec.Entry != nil {
			rec.Entry = &e
			rec.Seq = e.Seq
			rec.Received = now
			return Refreshed, nil
		}
		rec.Tomb = nil
		rec.Verified = false
		rec.Entry = &e
		rec.Seq = e.Seq
		rec.Received = now
		s.entries++
		s.evictLocked()
		return Added, nil
	}
	s.recs[key] = &record{Entry: &e, Seq: e.Seq, Received: now}
	s.entries++
	s.evictLocked()
	return Added, nil
}

// Remove applies t. It returns the removed entry when a live entry was
// replaced. A tombstone for an unknown key is stored to pin the sequence
// number and reports removed=false.
func (s *Store) Remove(t proto.Tombstone, now time.Time) (removed proto.DataEntry, ok bool, err error) {
	key := t.KeyArray()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, exists := s.recs[key]
	if !exists {
		s.recs[key] = &record{Tomb: &t, Seq: t.Seq, Received: now}
		s.evictTombsLocked()
		return proto.DataEntry{}, false, nil
	}
	if rec.Tomb != nil {
		if t.Seq > rec.Seq && (!rec.Verified || bytes.Equal(t.Signer, rec.Tomb.Signer)) {
			rec.Tomb = &t
			rec.Seq = t.Seq
			rec.Received = now
		}
		return proto.DataEntry{}, false, rejected(ReasonAlreadyRemoved)
	}
	if t.Seq <= rec.Seq {
		return proto.DataEntry{}, false, rejected(ReasonStaleSequence)
	}
	e := *rec.Entry
	if !s.mayRemove(e, t.Signer) {
		return proto.DataEntry{}, false, rejected(ReasonNotAuthorized)
	}
	rec.Entry = nil
	rec.Tomb = &t
	rec.Verified = true
	rec.Seq = t.Seq
	rec.Received = now
	s.entries--
	return e, true, nil
}

func (s *Store) mayRemove(e proto.DataEntry, signer []byte) bool {
	if bytes.Equal(e.Owner, signer) {
		return true
	}
	return s.md.Mailbox && len(e.Receiver) != 0 && bytes.Equal(e.Receiver, signer)
}

// evictLocked drops the oldest entries above MaxEntries.
func (s *Store) evictLocked() {
	for s.entries > s.md.MaxEntries {
		var (
			oldKey [32]byte
			oldest *record
		)
		for k, r := range s.recs {
			if r.Entry == nil {
				continue
			}
			if oldest == nil || r.Received.Before(oldest.Received) {
				oldKey, oldest = k, r
			}
		}
		if oldest == nil {
			return
		}
		delete(s.recs, oldKey)
		s.entries--
	}
}

func (s *Store) evictTombsLocked() {
	tombs := len(s.recs) - s.entries
	for ; tombs > s.md.MaxEntries; tombs-- {
		var (
			oldKey [32]byte
			oldest *record
		)
		for k, r := range s.recs {
			if r.Tomb != nil && (oldest == nil || r.Received.Before(oldest.Received)) {
				oldKey, oldest = k, r
			}
		}
		if oldest == nil {
			return
		}
		delete(s.recs, oldKey)
	}
}

// Get returns the live entry for key.
func (s *Store) Get(key [32]byte, now time.Time) (proto.DataEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[key]
	if !ok || !rec.live(now, s.md.TTL) {
		return proto.DataEntry{}, false
	}
	return *rec.Entry, true
}

func (s *Store) Tombstone(key [32]byte) (proto.Tombstone, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[key]
	if !ok || rec.Tomb == nil {
		return proto.Tombstone{}, false
	}
	return *rec.Tomb, true
}

// Seq returns the highest sequence number seen for key.
func (s *Store) Seq(key [32]byte) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[key]
	if !ok {
		return 0, false
	}
	return rec.Seq, true
}

// Entries returns the live entries, newest first.
func (s *Store) Entries(now time.Time) []proto.DataEntry {
	s.mu.RLock()
	out := make([]proto.DataEntry, 0, s.entries)
	for _, r := range s.recs {
		if r.live(now, s.md.TTL) {
			out = append(out, *r.Entry)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Created > out[j].Created })
	return out
}

func (s *Store) Len(now time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.recs {
		if r.live(now, s.md.TTL) {
			n++
		}
	}
	return n
}

// Items returns the key/sequence pairs a reconciliation filter advertises:
// live entries and verified tombstones, newest first. A tombstone that never
// met its entry is left out so peers still offer the entry.
func (s *Store) Items(now time.Time) []Item {
	s.mu.RLock()
	out := make([]Item, 0, len(s.recs))
	for k, r := range s.recs {
		if (r.Tomb != nil && r.Verified) || r.live(now, s.md.TTL) {
			out = append(out, Item{Key: k, Seq: r.Seq, received: r.Received})
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].received.After(out[j].received) })
	return out
}

// Prune drops entries and tombstones older than the TTL and returns the
// expired entries.
func (s *Store) Prune(now time.Time) []proto.DataEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []proto.DataEntry
	for k, r := range s.recs {
		if now.Sub(r.Received) <= s.md.TTL {
			continue
		}
		if r.Entry != nil {
			expired = append(expired, *r.Entry)
			s.entries--
		}
		delete(s.recs, k)
	}
	return expired
}

// Missing selects what a peer advertising f lacks: tombstones first, then
// entries newest first, bounded by maxEntries items and maxBytes of
// estimated wire size. more reports whether anything was left out.
func (s *Store) Missing(f Matcher, maxEntries, maxBytes int, now time.Time) (entries []proto.DataEntry, tombs []proto.Tombstone, more bool) {
	s.mu.RLock()
	var (
		candTombs   []record
		candEntries []record
	)
	for k, r := range s.recs {
		if f.Contains(k, r.Seq) {
			continue
		}
		if r.Tomb != nil {
			candTombs = append(candTombs, *r)
		} else if r.live(now, s.md.TTL) {
			candEntries = append(candEntries, *r)
		}
	}
	s.mu.RUnlock()
	sort.Slice(candTombs, func(i, j int) bool { return candTombs[i].Received.After(candTombs[j].Received) })
	sort.Slice(candEntries, func(i, j int) bool { return candEntries[i].Entry.Created > candEntries[j].Entry.Created })

	count, size := 0, 0
	fits := func(sz int) bool {
		if count >= maxEntries || (count > 0 && size+sz > maxBytes) {
			return false
		}
		count++
		size += sz
		return true
	}
	for _, r := range candTombs {
		if !fits(tombstoneWireSize) {
			return entries, tombs, true
		}
		tombs = append(tombs, *r.Tomb)
	}
	for _, r := range candEntries {
		if !fits(entryWireSize(*r.Entry)) {
			return entries, tombs, true
		}
		entries = append(entries, *r.Entry)
	}
	return entries, tombs, false
}

const tombstoneWireSize = 512

// entryWireSize estimates the JSON size, where byte slices grow by 4/3.
func entryWireSize(e proto.DataEntry) int {
	return e.Size()*4/3 + 256
}

func (s *Store) snapshot() ([]byte, error) {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.recs))
	for _, r := range s.recs {
		recs = append(recs, r)
	}
	b, err := json.Marshal(recs)
	s.mu.RUnlock()
	return b, err
}

func (s *Store) restore(b []byte) error {
	var recs []*record
	if err := json.Unmarshal(b, &recs); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		var key [32]byte
		switch {
		case r.Entry != nil && r.Entry.Kind == s.kind:
			key = r.Entry.Key()
		case r.Tomb != nil && len(r.Tomb.Key) == proto.KeySize:
			key = r.Tomb.KeyArray()
		default:
			continue
		}
		if _, dup := s.recs[key]; dup {
			continue
		}
		s.recs[key] = r
		if r.Entry != nil {
			s.entries++
		}
	}
	s.evictLocked()
	return nil
}
