package data

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/spaolacci/murmur3"

	"overlaynet/internal/proto"
)

// Item is one key/sequence pair advertised in a reconciliation filter.
type Item struct {
	Key [32]byte
	Seq uint64

	received time.Time
}

// Matcher answers whether a filter already covers key at seq.
type Matcher interface {
	Contains(key [32]byte, seq uint64) bool
}

type hashSet map[[32]byte]uint64

// Contains is true when the advertised sequence is at least seq.
func (h hashSet) Contains(key [32]byte, seq uint64) bool {
	have, ok := h[key]
	return ok && have >= seq
}

type bloom struct {
	bits   []byte
	m      uint64
	hashes uint8
	seed   uint32
}

func bloomElement(key [32]byte, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(append(make([]byte, 0, 40), key[:]...), seq)
}

func (b *bloom) positions(key [32]byte, seq uint64, fn func(bit uint64) bool) bool {
	h1, h2 := murmur3.Sum128WithSeed(bloomElement(key, seq), b.seed)
	for i := uint64(0); i < uint64(b.hashes); i++ {
		if !fn((h1 + i*h2) % b.m) {
			return false
		}
	}
	return true
}

func (b *bloom) add(key [32]byte, seq uint64) {
	b.positions(key, seq, func(bit uint64) bool {
		b.bits[bit/8] |= 1 << (bit % 8)
		return true
	})
}

// Contains may report false positives, never false negatives. A false
// positive withholds an entry for one reconciliation run.
func (b *bloom) Contains(key [32]byte, seq uint64) bool {
	return b.positions(key, seq, func(bit uint64) bool {
		return b.bits[bit/8]&(1<<(bit%8)) != 0
	})
}

// NewHashSetFilter advertises up to MaxFilterItems of items, taking them in
// order.
func NewHashSetFilter(items []Item) proto.Filter {
	if len(items) > proto.MaxFilterItems {
		items = items[:proto.MaxFilterItems]
	}
	m := make(map[string]uint64, len(items))
	for _, it := range items {
		m[hex.EncodeToString(it.Key[:])] = it.Seq
	}
	return proto.Filter{Kind: proto.FilterHashSet, Items: m}
}

// NewBloomFilter sizes a bloom filter for items at the false positive rate
// fp, bounded by MaxBloomBytes and MaxBloomHashes.
func NewBloomFilter(items []Item, fp float64, seed uint32) proto.Filter {
	if fp <= 0 || fp >= 1 {
		fp = 0.01
	}
	n := float64(len(items))
	if n < 1 {
		n = 1
	}
	mBits := math.Ceil(-n * math.Log(fp) / (math.Ln2 * math.Ln2))
	nBytes := int(math.Ceil(mBits / 8))
	if nBytes < 8 {
		nBytes = 8
	}
	if nBytes > proto.MaxBloomBytes {
		nBytes = proto.MaxBloomBytes
	}
	m := uint64(nBytes) * 8
	k := int(math.Round(float64(m) / n * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > proto.MaxBloomHashes {
		k = proto.MaxBloomHashes
	}
	b := &bloom{bits: make([]byte, nBytes), m: m, hashes: uint8(k), seed: seed}
	for _, it := range items {
		b.add(it.Key, it.Seq)
	}
	return proto.Filter{Kind: proto.FilterBloom, Bits: b.bits, Hashes: b.hashes, Seed: seed}
}

// MatcherFor decodes a validated wire filter.
func MatcherFor(f proto.Filter) (Matcher, error) {
	switch f.Kind {
	case proto.FilterHashSet:
		h := make(hashSet, len(f.Items))
		for k, seq := range f.Items {
			raw, err := hex.DecodeString(k)
			if err != nil || len(raw) != proto.KeySize {
				return nil, fmt.Errorf("bad filter key %q", k)
			}
			var key [32]byte
			copy(key[:], raw)
			h[key] = seq
		}
		return h, nil
	case proto.FilterBloom:
		if len(f.Bits) == 0 || f.Hashes == 0 {
			return nil, fmt.Errorf("empty bloom filter")
		}
		return &bloom{bits: f.Bits, m: uint64(len(f.Bits)) * 8, hashes: f.Hashes, seed: f.Seed}, nil
	}
	return nil, fmt.Errorf("unknown filter kind %q", f.Kind)
}
