package data

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"overlaynet/internal/identity"
	"overlaynet/internal/proto"
)

var t0 = time.Unix(1_700_000_000, 0)

func newIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate(nil)
	require.NoError(t, err)
	return id
}

func signedEntry(id *identity.Identity, kind, payload string, seq uint64, created time.Time) proto.DataEntry {
	e := proto.DataEntry{
		Kind:    kind,
		Payload: []byte(payload),
		Owner:   id.NetworkID().PubKey,
		Created: created.UnixMilli(),
		Seq:     seq,
	}
	e.Sig = id.Sign(e.SigBytes())
	return e
}

func signedTombstone(id *identity.Identity, e proto.DataEntry, seq uint64, created time.Time) proto.Tombstone {
	key := e.Key()
	ts := proto.Tombstone{
		Key:     key[:],
		Kind:    e.Kind,
		Seq:     seq,
		Signer:  id.NetworkID().PubKey,
		Created: created.UnixMilli(),
	}
	ts.Sig = id.Sign(ts.SigBytes())
	return ts
}

func TestStoreRejectsStaleSequence(t *testing.T) {
	owner := newIdentity(t)
	st := NewStore(KindChat, MustMetaData(KindChat))

	e5 := signedEntry(owner, KindChat, "hello", 5, t0)
	res, err := st.Add(e5, t0)
	require.NoError(t, err)
	require.Equal(t, Added, res)

	_, err = st.Add(e5, t0)
	require.Equal(t, ReasonDuplicate, ReasonOf(err))

	for _, seq := range []uint64{0, 4, 5} {
		_, err = st.Add(signedEntry(owner, KindChat, "hello", seq, t0.Add(time.Second)), t0)
		require.Error(t, err, "seq %d", seq)
	}
	got, ok := st.Get(e5.Key(), t0)
	require.True(t, ok)
	require.Equal(t, e5, got)

	res, err = st.Add(signedEntry(owner, KindChat, "hello", 6, t0), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, Refreshed, res)
	seq, _ := st.Seq(e5.Key())
	require.EqualValues(t, 6, seq)
}

func TestStoreTombstoneRules(t *testing.T) {
	owner, stranger := newIdentity(t), newIdentity(t)
	st := NewStore(KindOffer, MustMetaData(KindOffer))
	e := signedEntry(owner, KindOffer, "offer-1", 3, t0)
	_, err := st.Add(e, t0)
	require.NoError(t, err)

	_, ok, err := st.Remove(signedTombstone(owner, e, 3, t0), t0)
	require.Equal(t, ReasonStaleSequence, ReasonOf(err))
	require.False(t, ok)

	_, ok, err = st.Remove(signedTombstone(stranger, e, 4, t0), t0)
	require.Equal(t, ReasonNotAuthorized, ReasonOf(err))
	require.False(t, ok)

	removed, ok, err := st.Remove(signedTombstone(owner, e, 4, t0), t0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, e, removed)
	_, live := st.Get(e.Key(), t0)
	require.False(t, live)

	_, err = st.Add(e, t0)
	require.Equal(t, ReasonAlreadyRemoved, ReasonOf(err))
	_, err = st.Add(signedEntry(owner, KindOffer, "offer-1", 4, t0), t0)
	require.Equal(t, ReasonAlreadyRemoved, ReasonOf(err))

	_, _, err = st.Remove(signedTombstone(owner, e, 9, t0), t0)
	require.Equal(t, ReasonAlreadyRemoved, ReasonOf(err))
	seq, _ := st.Seq(e.Key())
	require.EqualValues(t, 9, seq, "higher tombstone still advances the sequence")

	res, err := st.Add(signedEntry(owner, KindOffer, "offer-1", 10, t0), t0)
	require.NoError(t, err)
	require.Equal(t, Added, res)
}

func TestStoreTombstoneBeforeEntry(t *testing.T) {
	owner := newIdentity(t)
	st := NewStore(KindChat, MustMetaData(KindChat))
	e := signedEntry(owner, KindChat, "late", 1, t0)

	_, ok, err := st.Remove(signedTombstone(owner, e, 2, t0), t0)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = st.Add(e, t0)
	require.Equal(t, ReasonAlreadyRemoved, ReasonOf(err))
}

func TestStoreIgnoresForeignTombstone(t *testing.T) {
	owner, mallory := newIdentity(t), newIdentity(t)
	st := NewStore(KindChat, MustMetaData(KindChat))
	e := signedEntry(owner, KindChat, "censor me", 1, t0)

	_, ok, err := st.Remove(signedTombstone(mallory, e, math.MaxUint64, t0), t0)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, st.Items(t0), "unverified tombstones are not advertised")

	res, err := st.Add(e, t0)
	require.NoError(t, err)
	require.Equal(t, Added, res)
	got, live := st.Get(e.Key(), t0)
	require.True(t, live)
	require.Equal(t, e, got)

	// A verified removal cannot be displaced by someone else's tombstone.
	_, ok, err = st.Remove(signedTombstone(owner, e, 2, t0), t0)
	require.NoError(t, err)
	require.True(t, ok)
	_, _, err = st.Remove(signedTombstone(mallory, e, 50, t0), t0)
	require.Equal(t, ReasonAlreadyRemoved, ReasonOf(err))
	seq, _ := st.Seq(e.Key())
	require.EqualValues(t, 2, seq)
	_, err = st.Add(e, t0)
	require.Equal(t, ReasonAlreadyRemoved, ReasonOf(err))
}

func TestMailboxReceiverMayRemove(t *testing.T) {
	owner, receiver := newIdentity(t), newIdentity(t)
	st := NewStore(KindMailbox, MustMetaData(KindMailbox))
	e := proto.DataEntry{
		Kind:     KindMailbox,
		Payload:  []byte("sealed"),
		Owner:    owner.NetworkID().PubKey,
		Receiver: receiver.NetworkID().PubKey,
		Created:  t0.UnixMilli(),
		Seq:      1,
	}
	e.Sig = owner.Sign(e.SigBytes())
	_, err := st.Add(e, t0)
	require.NoError(t, err)

	_, ok, err := st.Remove(signedTombstone(receiver, e, 2, t0), t0)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStorePruneAndEviction(t *testing.T) {
	owner := newIdentity(t)
	md := MetaData{TTL: time.Hour, MaxEntries: 3, MaxPayloadSize: 100}
	st := NewStore("test", md)

	var first proto.DataEntry
	for i := 0; i < 4; i++ {
		e := signedEntry(owner, "test", fmt.Sprint("e", i), 1, t0)
		if i == 0 {
			first = e
		}
		_, err := st.Add(e, t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}
	require.Equal(t, 3, st.Len(t0.Add(5*time.Minute)))
	_, ok := st.Get(first.Key(), t0.Add(5*time.Minute))
	require.False(t, ok, "oldest entry is evicted")

	require.Equal(t, 3, st.Len(t0.Add(time.Hour+time.Minute)), "entries received at t0+1m and later are still live")
	require.Equal(t, 0, st.Len(t0.Add(2*time.Hour)))
	expired := st.Prune(t0.Add(2 * time.Hour))
	require.Len(t, expired, 3)
	require.Empty(t, st.Items(t0.Add(2*time.Hour)))
}

func TestStoreMissingHonoursBounds(t *testing.T) {
	owner := newIdentity(t)
	st := NewStore(KindChat, MustMetaData(KindChat))
	var have []Item
	for i := 0; i < 30; i++ {
		e := signedEntry(owner, KindChat, fmt.Sprint("m", i), 1, t0.Add(time.Duration(i)*time.Second))
		_, err := st.Add(e, t0)
		require.NoError(t, err)
		if i < 10 {
			have = append(have, Item{Key: e.Key(), Seq: 1})
		}
	}
	m, err := MatcherFor(NewHashSetFilter(have))
	require.NoError(t, err)

	entries, tombs, more := st.Missing(m, 15, 1<<20, t0)
	require.Len(t, entries, 15)
	require.Empty(t, tombs)
	require.True(t, more)
	require.Greater(t, entries[0].Created, entries[14].Created, "newest first")

	entries, _, more = st.Missing(m, 100, 1<<20, t0)
	require.Len(t, entries, 20)
	require.False(t, more)

	entries, _, more = st.Missing(m, 100, 1, t0)
	require.Len(t, entries, 1, "one item always fits")
	require.True(t, more)
}

func TestHashSetFilterSequenceAware(t *testing.T) {
	key := [32]byte{1}
	m, err := MatcherFor(NewHashSetFilter([]Item{{Key: key, Seq: 4}}))
	require.NoError(t, err)
	require.True(t, m.Contains(key, 3))
	require.True(t, m.Contains(key, 4))
	require.False(t, m.Contains(key, 5))
	require.False(t, m.Contains([32]byte{2}, 1))
}

func TestBloomFilterHasNoFalseNegatives(t *testing.T) {
	items := make([]Item, 3000)
	for i := range items {
		items[i] = Item{Key: [32]byte{byte(i), byte(i >> 8), 7}, Seq: uint64(i)}
	}
	f := NewBloomFilter(items, 0.01, 42)
	require.NoError(t, (&proto.InventoryReqMsg{Domain: KindChat, Filter: f}).Validate())
	m, err := MatcherFor(f)
	require.NoError(t, err)
	for _, it := range items {
		require.True(t, m.Contains(it.Key, it.Seq))
	}

	falsePositives := 0
	for i := 0; i < 3000; i++ {
		if m.Contains([32]byte{byte(i), byte(i >> 8), 9}, 1) {
			falsePositives++
		}
	}
	require.Less(t, falsePositives, 150)
}

func TestStoreSnapshotRoundTrip(t *testing.T) {
	owner := newIdentity(t)
	st := NewStore(KindOffer, MustMetaData(KindOffer))
	kept := signedEntry(owner, KindOffer, "kept", 1, t0)
	gone := signedEntry(owner, KindOffer, "gone", 1, t0)
	for _, e := range []proto.DataEntry{kept, gone} {
		_, err := st.Add(e, t0)
		require.NoError(t, err)
	}
	_, _, err := st.Remove(signedTombstone(owner, gone, 2, t0), t0)
	require.NoError(t, err)

	b, err := st.snapshot()
	require.NoError(t, err)
	restored := NewStore(KindOffer, MustMetaData(KindOffer))
	require.NoError(t, restored.restore(b))

	_, ok := restored.Get(kept.Key(), t0)
	require.True(t, ok)
	_, ok = restored.Tombstone(gone.Key())
	require.True(t, ok)
	_, err = restored.Add(gone, t0)
	require.Equal(t, ReasonAlreadyRemoved, ReasonOf(err))
}

func TestMustMetaDataPanicsForUnknownKind(t *testing.T) {
	require.Panics(t, func() { MustMetaData("no-such-kind") })
	_, ok := LookupMetaData(KindMailbox)
	require.True(t, ok)
	require.Error(t, Register("bad", MetaData{}))
}
