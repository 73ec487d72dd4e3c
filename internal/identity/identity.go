package identity

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"overlaynet/internal/crypto"
	"overlaynet/internal/network"
	"overlaynet/internal/store"
)

const persistKey = "identity"

// ID is the short form of a NetworkID, derived from its signing key.
type ID [32]byte

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ID) Short() string {
	return hex.EncodeToString(id[:6])
}

func (id ID) IsZero() bool {
	return id == ID{}
}

func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("bad id length %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func DeriveID(pub []byte) ID {
	return ID(crypto.Hash32([]byte("overlay:nodeid:v1"), pub))
}

// NetworkID is a peer's long-lived public identity.
type NetworkID struct {
	PubKey    []byte            `json:"pub"`
	EncPub    []byte            `json:"enc_pub"`
	Addresses []network.Address `json:"addrs"`
}

func (n NetworkID) ID() ID {
	return DeriveID(n.PubKey)
}

func (n NetworkID) AddressFor(t network.Type) (network.Address, bool) {
	for _, a := range n.Addresses {
		if a.Type == t {
			return a, true
		}
	}
	return network.Address{}, false
}

func (n NetworkID) Equal(o NetworkID) bool {
	if !bytes.Equal(n.PubKey, o.PubKey) || !bytes.Equal(n.EncPub, o.EncPub) {
		return false
	}
	if len(n.Addresses) != len(o.Addresses) {
		return false
	}
	for i := range n.Addresses {
		if n.Addresses[i] != o.Addresses[i] {
			return false
		}
	}
	return true
}

func (n NetworkID) Validate() error {
	if !crypto.IsPublicKey(n.PubKey) {
		return errors.New("bad signing key")
	}
	if len(n.EncPub) != 32 {
		return errors.New("bad encryption key")
	}
	seen := make(map[network.Type]bool, len(n.Addresses))
	for _, a := range n.Addresses {
		if !a.Type.Valid() || a.Host == "" {
			return fmt.Errorf("bad address %q", a)
		}
		if seen[a.Type] {
			return fmt.Errorf("duplicate address type %s", a.Type)
		}
		seen[a.Type] = true
	}
	return nil
}

// KeyManager supplies the local identity's signing and decryption.
type KeyManager interface {
	NetworkID() NetworkID
	Sign(msg []byte) []byte
	OpenSealed(s crypto.Sealed, aad []byte) ([]byte, error)
}

// KeyBundle holds the private halves of an identity.
type KeyBundle struct {
	SignPub  []byte `json:"sign_pub"`
	SignPriv []byte `json:"sign_priv"`
	EncPub   []byte `json:"enc_pub"`
	EncPriv  []byte `json:"enc_priv"`
}

func (k KeyBundle) String() string {
	return "KeyBundle{REDACTED}"
}

func GenerateKeys() (KeyBundle, error) {
	pub, priv, err := crypto.GenKeypair()
	if err != nil {
		return KeyBundle{}, err
	}
	encPub, encPriv, err := crypto.GenX25519()
	if err != nil {
		return KeyBundle{}, err
	}
	return KeyBundle{SignPub: pub, SignPriv: priv, EncPub: encPub, EncPriv: encPriv}, nil
}

// Identity is the local KeyManager.
type Identity struct {
	keys KeyBundle
	nid  NetworkID
}

var _ KeyManager = (*Identity)(nil)

func New(keys KeyBundle, addrs []network.Address) *Identity {
	cp := append([]network.Address(nil), addrs...)
	return &Identity{
		keys: keys,
		nid:  NetworkID{PubKey: keys.SignPub, EncPub: keys.EncPub, Addresses: cp},
	}
}

func Generate(addrs []network.Address) (*Identity, error) {
	keys, err := GenerateKeys()
	if err != nil {
		return nil, err
	}
	return New(keys, addrs), nil
}

// LoadOrCreate restores the persisted key bundle, creating and saving one on
// first run. Keys never change afterwards.
func LoadOrCreate(p store.Persistence, addrs []network.Address) (*Identity, error) {
	raw, err := p.Load(persistKey)
	switch {
	case err == nil:
		var keys KeyBundle
		if err := json.Unmarshal(raw, &keys); err != nil {
			return nil, fmt.Errorf("identity: decode: %w", err)
		}
		if !crypto.IsPublicKey(keys.SignPub) || len(keys.EncPriv) != 32 {
			return nil, errors.New("identity: corrupt key bundle")
		}
		return New(keys, addrs), nil
	case errors.Is(err, store.ErrNotFound):
		keys, err := GenerateKeys()
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(keys)
		if err != nil {
			return nil, err
		}
		if err := p.Save(persistKey, raw); err != nil {
			return nil, err
		}
		return New(keys, addrs), nil
	default:
		return nil, err
	}
}

func (i *Identity) NetworkID() NetworkID {
	return i.nid
}

func (i *Identity) ID() ID {
	return i.nid.ID()
}

func (i *Identity) Sign(msg []byte) []byte {
	return crypto.Sign(i.keys.SignPriv, msg)
}

func (i *Identity) OpenSealed(s crypto.Sealed, aad []byte) ([]byte, error) {
	return crypto.OpenSealed(i.keys.EncPriv, i.keys.EncPub, s, aad)
}

func Verify(pub, msg, sig []byte) bool {
	return crypto.Verify(pub, msg, sig)
}
