package data

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"overlaynet/internal/auth"
	"overlaynet/internal/proto"
)

const (
	KindOffer           = "offer"
	KindChat            = "chat"
	KindRoleAttestation = "role_attestation"
	KindReputationProof = "reputation_proof"
	KindMailbox         = "mailbox"
)

// MetaData is the per-kind storage policy. Entries of a kind expire TTL
// after they were last accepted locally. Higher Priority kinds are served
// first during reconciliation. CostFactor scales the proof of work.
type MetaData struct {
	TTL            time.Duration
	MaxEntries     int
	Priority       int
	CostFactor     float64
	MaxPayloadSize int
	// Mailbox kinds carry a receiver who may also remove the entry.
	Mailbox bool
}

func (m MetaData) validate() error {
	if m.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	if m.MaxEntries <= 0 {
		return fmt.Errorf("max entries must be positive")
	}
	if m.MaxPayloadSize <= 0 || m.MaxPayloadSize > proto.MaxAddDataSize/2 {
		return fmt.Errorf("max payload size out of range")
	}
	if m.CostFactor < 0 || m.CostFactor > 1 {
		return fmt.Errorf("cost factor out of range")
	}
	return nil
}

var (
	registryMu sync.RWMutex
	registry   = map[string]MetaData{
		KindOffer: {
			TTL:            48 * time.Hour,
			MaxEntries:     10000,
			Priority:       2,
			CostFactor:     0.2,
			MaxPayloadSize: 20 << 10,
		},
		KindChat: {
			TTL:            10 * 24 * time.Hour,
			MaxEntries:     10000,
			Priority:       1,
			CostFactor:     0.5,
			MaxPayloadSize: 10 << 10,
		},
		KindRoleAttestation: {
			TTL:            30 * 24 * time.Hour,
			MaxEntries:     1000,
			Priority:       3,
			CostFactor:     0.1,
			MaxPayloadSize: 20 << 10,
		},
		KindReputationProof: {
			TTL:            30 * 24 * time.Hour,
			MaxEntries:     5000,
			Priority:       3,
			CostFactor:     0.1,
			MaxPayloadSize: 20 << 10,
		},
		KindMailbox: {
			TTL:            10 * 24 * time.Hour,
			MaxEntries:     10000,
			Priority:       2,
			CostFactor:     0.3,
			MaxPayloadSize: 64 << 10,
			Mailbox:        true,
		},
	}
)

// Register adds or replaces the policy for kind.
func Register(kind string, md MetaData) error {
	if kind == "" || len(kind) > proto.MaxKindLen {
		return fmt.Errorf("bad kind %q", kind)
	}
	if err := md.validate(); err != nil {
		return fmt.Errorf("kind %s: %w", kind, err)
	}
	registryMu.Lock()
	registry[kind] = md
	registryMu.Unlock()
	return nil
}

func LookupMetaData(kind string) (MetaData, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	md, ok := registry[kind]
	return md, ok
}

// MustMetaData panics for unregistered kinds.
func MustMetaData(kind string) MetaData {
	md, ok := LookupMetaData(kind)
	if !ok {
		panic(fmt.Sprintf("data: unknown kind %q", kind))
	}
	return md
}

// Kinds returns the registered kinds, highest priority first.
func Kinds() []string {
	registryMu.RLock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	prio := func(k string) int { return registry[k].Priority }
	sort.Slice(out, func(i, j int) bool {
		if prio(out[i]) != prio(out[j]) {
			return prio(out[i]) > prio(out[j])
		}
		return out[i] < out[j]
	})
	registryMu.RUnlock()
	return out
}

// RegisterCosts installs every kind's cost factor on a.
func RegisterCosts(a *auth.Service) {
	for _, k := range Kinds() {
		a.SetCost(k, MustMetaData(k).CostFactor)
	}
}
