package identity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"overlaynet/internal/crypto"
	"overlaynet/internal/network"
	"overlaynet/internal/store"
)

func TestLoadOrCreatePersistsOnce(t *testing.T) {
	p := store.NewMemStore()
	addrs := []network.Address{network.NewAddress(network.TypeClear, "127.0.0.1", 9999)}

	a, err := LoadOrCreate(p, addrs)
	require.NoError(t, err)
	b, err := LoadOrCreate(p, addrs)
	require.NoError(t, err)
	require.Equal(t, a.ID(), b.ID())
	require.True(t, a.NetworkID().Equal(b.NetworkID()))
	require.NoError(t, a.NetworkID().Validate())
}

func TestLoadOrCreateCorrupt(t *testing.T) {
	p := store.NewMemStore()
	require.NoError(t, p.Save(persistKey, []byte("{")))
	_, err := LoadOrCreate(p, nil)
	require.Error(t, err)

	require.NoError(t, p.Save(persistKey, []byte("{}")))
	_, err = LoadOrCreate(p, nil)
	require.Error(t, err)
}

func TestSignAndOpen(t *testing.T) {
	id, err := Generate(nil)
	require.NoError(t, err)
	msg := []byte("hello")
	require.True(t, Verify(id.NetworkID().PubKey, msg, id.Sign(msg)))

	sealed, err := crypto.SealTo(id.NetworkID().EncPub, msg, []byte("aad"))
	require.NoError(t, err)
	out, err := id.OpenSealed(sealed, []byte("aad"))
	require.NoError(t, err)
	require.Equal(t, msg, out)
}

func TestNetworkIDValidate(t *testing.T) {
	id, err := Generate([]network.Address{
		network.NewAddress(network.TypeClear, "1.2.3.4", 1),
		network.NewAddress(network.TypeClear, "1.2.3.5", 1),
	})
	require.NoError(t, err)
	require.Error(t, id.NetworkID().Validate())

	nid := id.NetworkID()
	nid.Addresses = nil
	nid.PubKey = nid.PubKey[:5]
	require.Error(t, nid.Validate())
}

func TestNetworkIDJSON(t *testing.T) {
	id, err := Generate([]network.Address{network.NewAddress(network.TypeTor, "abc.onion", 80)})
	require.NoError(t, err)
	raw, err := json.Marshal(id.NetworkID())
	require.NoError(t, err)
	var out NetworkID
	require.NoError(t, json.Unmarshal(raw, &out))
	require.True(t, out.Equal(id.NetworkID()))
	addr, ok := out.AddressFor(network.TypeTor)
	require.True(t, ok)
	require.Equal(t, "abc.onion", addr.Host)
	_, ok = out.AddressFor(network.TypeClear)
	require.False(t, ok)
}

func TestParseID(t *testing.T) {
	id, err := Generate(nil)
	require.NoError(t, err)
	parsed, err := ParseID(id.ID().String())
	require.NoError(t, err)
	require.Equal(t, id.ID(), parsed)
	_, err = ParseID("zz")
	require.Error(t, err)
	_, err = ParseID("abcd")
	require.Error(t, err)
}
