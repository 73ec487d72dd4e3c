package proto

import (
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	FilterHashSet = "hash_set"
	FilterBloom   = "bloom"

	MaxFilterItems = 4096
	MaxBloomBytes  = 256 << 10
	MaxBloomHashes = 16
	MaxDomainLen   = MaxKindLen
)

// Filter summarizes the key/sequence pairs a requester already holds.
// Items maps hex keys to sequence numbers for hash sets.
type Filter struct {
	Kind   string            `json:"kind"`
	Items  map[string]uint64 `json:"items,omitempty"`
	Bits   []byte            `json:"bits,omitempty"`
	Hashes uint8             `json:"hashes,omitempty"`
	Seed   uint32            `json:"seed,omitempty"`
}

func (f Filter) validate() error {
	switch f.Kind {
	case FilterHashSet:
		if len(f.Items) > MaxFilterItems {
			return fmt.Errorf("too many filter items: %d", len(f.Items))
		}
		for k := range f.Items {
			if b, err := hex.DecodeString(k); err != nil || len(b) != KeySize {
				return errors.New("bad filter key")
			}
		}
		if len(f.Bits) != 0 {
			return errors.New("hash set carries bloom bits")
		}
	case FilterBloom:
		if len(f.Bits) == 0 || len(f.Bits) > MaxBloomBytes {
			return errors.New("bad bloom size")
		}
		if f.Hashes == 0 || f.Hashes > MaxBloomHashes {
			return errors.New("bad bloom hash count")
		}
		if len(f.Items) != 0 {
			return errors.New("bloom carries items")
		}
	default:
		return fmt.Errorf("unknown filter kind %q", f.Kind)
	}
	return nil
}

type InventoryReqMsg struct {
	Header
	Domain string `json:"domain"`
	Filter Filter `json:"filter"`
	Nonce  uint64 `json:"nonce"`
}

func (InventoryReqMsg) MsgType() string { return MsgTypeInventoryReq }

func (m InventoryReqMsg) Validate() error {
	if m.Domain == "" || len(m.Domain) > MaxDomainLen {
		return errors.New("inventory_req: bad domain")
	}
	if err := m.Filter.validate(); err != nil {
		return fmt.Errorf("inventory_req: %w", err)
	}
	return nil
}

type InventoryRespMsg struct {
	Header
	RequestNonce  uint64      `json:"request_nonce"`
	Entries       []DataEntry `json:"entries"`
	Tombstones    []Tombstone `json:"tombstones"`
	MoreAvailable bool        `json:"more_available"`
}

func (InventoryRespMsg) MsgType() string { return MsgTypeInventoryResp }

func (m InventoryRespMsg) Validate() error {
	for i := range m.Entries {
		if err := m.Entries[i].validate(); err != nil {
			return fmt.Errorf("inventory_resp entry %d: %w", i, err)
		}
	}
	for i := range m.Tombstones {
		if err := m.Tombstones[i].validate(); err != nil {
			return fmt.Errorf("inventory_resp tombstone %d: %w", i, err)
		}
	}
	return nil
}
