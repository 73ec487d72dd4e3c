package proto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"overlaynet/internal/auth"
	"overlaynet/internal/crypto"
)

const (
	MaxKindLen = 32
	KeySize    = 32
)

// DataEntry is a self-certifying replicated record. Created is unix
// milliseconds. Token is a proof of work over TokenBytes with the kind as
// class.
type DataEntry struct {
	Kind     string     `json:"kind"`
	Payload  []byte     `json:"payload"`
	Owner    []byte     `json:"owner"`
	Receiver []byte     `json:"receiver,omitempty"`
	Created  int64      `json:"created"`
	Seq      uint64     `json:"seq"`
	Sig      []byte     `json:"sig"`
	Token    auth.Token `json:"token"`
}

func lp(b []byte) []byte {
	out := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(b)), uint32(len(b)))
	return append(out, b...)
}

// Key identifies an entry independent of its sequence number.
func (e DataEntry) Key() [32]byte {
	return crypto.Hash32(
		[]byte("overlay:data:key:v1"),
		lp([]byte(e.Kind)),
		lp(e.Payload),
		lp(e.Owner),
		lp(e.Receiver),
	)
}

func (e DataEntry) SigBytes() []byte {
	key := e.Key()
	out := append([]byte("overlay:data:sig:v1|"), key[:]...)
	out = binary.BigEndian.AppendUint64(out, e.Seq)
	out = binary.BigEndian.AppendUint64(out, uint64(e.Created))
	return out
}

func (e DataEntry) TokenBytes() []byte {
	return append(e.SigBytes(), e.Sig...)
}

func (e DataEntry) VerifySig() bool {
	return crypto.Verify(e.Owner, e.SigBytes(), e.Sig)
}

// Size approximates the entry's wire footprint.
func (e DataEntry) Size() int {
	return len(e.Kind) + len(e.Payload) + len(e.Owner) + len(e.Receiver) + len(e.Sig) + 64
}

func (e DataEntry) validate() error {
	if e.Kind == "" || len(e.Kind) > MaxKindLen {
		return errors.New("bad kind")
	}
	if !crypto.IsPublicKey(e.Owner) {
		return errors.New("bad owner key")
	}
	if len(e.Receiver) != 0 && !crypto.IsPublicKey(e.Receiver) {
		return errors.New("bad receiver key")
	}
	if len(e.Sig) != crypto.SignatureSize {
		return errors.New("bad signature length")
	}
	return nil
}

// Tombstone is an authenticated removal. It must carry a higher sequence
// number than the entry it removes.
type Tombstone struct {
	Key     []byte `json:"key"`
	Kind    string `json:"kind"`
	Seq     uint64 `json:"seq"`
	Signer  []byte `json:"signer"`
	Created int64  `json:"created"`
	Sig     []byte `json:"sig"`
}

func (t Tombstone) KeyArray() [32]byte {
	var k [32]byte
	copy(k[:], t.Key)
	return k
}

func (t Tombstone) SigBytes() []byte {
	out := append([]byte("overlay:data:del:v1|"), t.Key...)
	out = append(out, lp([]byte(t.Kind))...)
	out = binary.BigEndian.AppendUint64(out, t.Seq)
	out = binary.BigEndian.AppendUint64(out, uint64(t.Created))
	return out
}

func (t Tombstone) VerifySig() bool {
	return crypto.Verify(t.Signer, t.SigBytes(), t.Sig)
}

func (t Tombstone) validate() error {
	if len(t.Key) != KeySize {
		return errors.New("bad key length")
	}
	if t.Kind == "" || len(t.Kind) > MaxKindLen {
		return errors.New("bad kind")
	}
	if !crypto.IsPublicKey(t.Signer) {
		return errors.New("bad signer key")
	}
	if len(t.Sig) != crypto.SignatureSize {
		return errors.New("bad signature length")
	}
	return nil
}

type AddDataMsg struct {
	Header
	Entry DataEntry `json:"entry"`
}

func (AddDataMsg) MsgType() string { return MsgTypeAddData }

func (m AddDataMsg) Validate() error {
	if err := m.Entry.validate(); err != nil {
		return fmt.Errorf("add_data: %w", err)
	}
	return nil
}

type RemoveDataMsg struct {
	Header
	Tombstone Tombstone `json:"tombstone"`
}

func (RemoveDataMsg) MsgType() string { return MsgTypeRemoveData }

func (m RemoveDataMsg) Validate() error {
	if err := m.Tombstone.validate(); err != nil {
		return fmt.Errorf("remove_data: %w", err)
	}
	return nil
}
