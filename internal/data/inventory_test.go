package data_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"overlaynet/internal/data"
	"overlaynet/internal/network"
	"overlaynet/internal/node"
	"overlaynet/internal/proto"
)

func publishN(t *testing.T, p *testPeer, kind, prefix string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := p.data.Publish(context.Background(), kind, []byte(fmt.Sprintf("%s-%d", prefix, i)), nil)
		require.NoError(t, err)
	}
}

func TestInventoryConvergesWithinRoundBound(t *testing.T) {
	hub := network.NewMemHub()
	cfg := data.InventoryConfig{MaxResponseEntries: 10}
	a := newPeer(t, hub, "a", peerOpts{inventory: cfg})
	b := newPeer(t, hub, "b", peerOpts{inventory: cfg})
	publishN(t, a, data.KindChat, "a", 25)
	publishN(t, b, data.KindChat, "b", 25)

	ab, ba := connect(t, a, b)
	ctx := context.Background()

	res, err := a.inv.Request(ctx, ab, data.KindChat)
	require.NoError(t, err)
	require.True(t, res.Complete)
	require.Equal(t, 25, res.Entries)
	require.LessOrEqual(t, res.Rounds, 3)

	res, err = b.inv.Request(ctx, ba, data.KindChat)
	require.NoError(t, err)
	require.True(t, res.Complete)
	require.Equal(t, 25, res.Entries)
	require.LessOrEqual(t, res.Rounds, 3)

	require.Len(t, a.data.Entries(data.KindChat), 50)
	require.Len(t, b.data.Entries(data.KindChat), 50)

	res, err = a.inv.Request(ctx, ab, data.KindChat)
	require.NoError(t, err)
	require.Equal(t, 1, res.Rounds, "a converged domain needs a single empty round")
	require.Zero(t, res.Entries)
}

func TestInventoryStopsAtMaxRounds(t *testing.T) {
	hub := network.NewMemHub()
	a := newPeer(t, hub, "a", peerOpts{inventory: data.InventoryConfig{MaxRounds: 2}})
	b := newPeer(t, hub, "b", peerOpts{inventory: data.InventoryConfig{MaxResponseEntries: 5}})
	publishN(t, b, data.KindOffer, "b", 20)
	ab, _ := connect(t, a, b)

	res, err := a.inv.Request(context.Background(), ab, data.KindOffer)
	require.NoError(t, err, "incomplete reconciliation is not an error")
	require.False(t, res.Complete)
	require.Equal(t, 2, res.Rounds)
	require.Equal(t, 10, res.Entries)
	require.EqualValues(t, 1, a.metrics.Snapshot().Data.InventoryIncomplete)

	res, err = a.inv.Request(context.Background(), ab, data.KindOffer)
	require.NoError(t, err)
	require.True(t, res.Complete, "a later run picks up the rest")
	require.Len(t, a.data.Entries(data.KindOffer), 20)
}

func TestInventoryCarriesTombstones(t *testing.T) {
	hub := network.NewMemHub()
	a := newPeer(t, hub, "a", peerOpts{})
	b := newPeer(t, hub, "b", peerOpts{})
	e, err := a.data.Publish(context.Background(), data.KindOffer, []byte("withdrawn"), nil)
	require.NoError(t, err)
	_, err = a.data.Unpublish(context.Background(), data.KindOffer, e.Key())
	require.NoError(t, err)

	_, ba := connect(t, a, b)
	res, err := b.inv.Request(context.Background(), ba, data.KindOffer)
	require.NoError(t, err)
	require.True(t, res.Complete)
	_, ok := b.data.Tombstone(data.KindOffer, e.Key())
	require.True(t, ok)

	err = b.data.Add(context.Background(), e)
	require.Equal(t, data.ReasonAlreadyRemoved, data.ReasonOf(err))
}

func TestInventoryUsesBloomForLargeDomains(t *testing.T) {
	hub := network.NewMemHub()
	cfg := data.InventoryConfig{BloomThreshold: 5}
	a := newPeer(t, hub, "a", peerOpts{inventory: cfg})
	b := newPeer(t, hub, "b", peerOpts{inventory: cfg})
	publishN(t, a, data.KindReputationProof, "a", 8)
	publishN(t, b, data.KindReputationProof, "b", 8)

	filters := make(chan string, 4)
	a.n.OnMessage(proto.MsgTypeInventoryReq, func(_ *node.Connection, m proto.Message) {
		filters <- m.(*proto.InventoryReqMsg).Filter.Kind
	})
	_, ba := connect(t, a, b)

	res, err := b.inv.Request(context.Background(), ba, data.KindReputationProof)
	require.NoError(t, err)
	require.True(t, res.Complete)
	require.Equal(t, proto.FilterBloom, <-filters)
	// A bloom false positive may withhold an entry for one run, never more
	// than the peer holds.
	require.LessOrEqual(t, res.Entries, 8)
	require.GreaterOrEqual(t, len(b.data.Entries(data.KindReputationProof)), 8+res.Entries)
}

func TestInventoryAbortsWhenConnectionCloses(t *testing.T) {
	hub := network.NewMemHub()
	a := newPeer(t, hub, "a", peerOpts{})
	b := newPeer(t, hub, "b", peerOpts{noInventory: true})
	ab, _ := connect(t, a, b)

	done := make(chan error, 1)
	go func() {
		_, err := a.inv.Request(context.Background(), ab, data.KindChat)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return b.metrics.Snapshot().RecvByType[proto.MsgTypeInventoryReq] > 0
	}, waitFor, 10*time.Millisecond)
	ab.Close(node.CloseReasonPolicy)
	select {
	case err := <-done:
		require.ErrorIs(t, err, data.ErrInventoryAborted)
	case <-time.After(waitFor):
		t.Fatal("request not aborted")
	}
}

func TestSyncOnConnect(t *testing.T) {
	hub := network.NewMemHub()
	a := newPeer(t, hub, "a", peerOpts{inventory: data.InventoryConfig{SyncOnConnect: true}})
	b := newPeer(t, hub, "b", peerOpts{})
	publishN(t, b, data.KindRoleAttestation, "b", 3)
	publishN(t, b, data.KindChat, "b", 2)

	connect(t, a, b)
	require.Eventually(t, func() bool {
		return len(a.data.Entries(data.KindRoleAttestation)) == 3 && len(a.data.Entries(data.KindChat)) == 2
	}, waitFor, 10*time.Millisecond)
}
