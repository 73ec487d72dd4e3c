package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"overlaynet/internal/auth"
	"overlaynet/internal/crypto"
	"overlaynet/internal/identity"
	"overlaynet/internal/metrics"
	"overlaynet/internal/network"
	"overlaynet/internal/proto"
)

const waitFor = 5 * time.Second

func newTestNode(t *testing.T, hub *network.MemHub, host string, mutate func(*Config, *network.MemTransport)) *Node {
	t.Helper()
	id, err := identity.Generate(nil)
	require.NoError(t, err)
	tr := hub.Transport(host)
	cfg := Config{
		Transports: []network.Transport{tr},
		Listen:     []network.Address{{Type: network.TypeMem, Host: host}},
		Metrics:    metrics.New(),
	}
	if mutate != nil {
		mutate(&cfg, tr)
	}
	n := New(id, auth.New(auth.Config{Adjuster: auth.FixedBits(4)}), cfg)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func connect(t *testing.T, from, to *Node) *Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	c, err := from.Connect(ctx, to.ListenAddrs()[0])
	require.NoError(t, err)
	require.Eventually(t, func() bool { return to.IsConnected(from.ID()) }, waitFor, 10*time.Millisecond)
	return c
}

func inboundFrom(t *testing.T, n *Node, peer identity.ID) *Connection {
	t.Helper()
	var c *Connection
	require.Eventually(t, func() bool {
		var ok bool
		c, ok = n.ConnectionTo(peer)
		return ok
	}, waitFor, 10*time.Millisecond)
	return c
}

type recordingListener struct {
	mu      sync.Mutex
	opened  []*Connection
	reasons []CloseReason
}

func (l *recordingListener) OnConnection(c *Connection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opened = append(l.opened, c)
}

func (l *recordingListener) OnDisconnect(_ *Connection, reason CloseReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reasons = append(l.reasons, reason)
}

func (l *recordingListener) closed() []CloseReason {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]CloseReason(nil), l.reasons...)
}

func TestHandshakeOpensBothSides(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub, "a", nil)
	b := newTestNode(t, hub, "b", nil)
	ls := &recordingListener{}
	b.AddListener(ls)

	out := connect(t, a, b)
	require.True(t, out.IsOpen())
	require.True(t, out.Outbound())
	require.Equal(t, b.ID(), out.PeerID())
	require.Equal(t, b.ListenAddrs()[0], out.PeerAddress())
	require.True(t, out.PeerAddressVerified())
	require.True(t, out.PeerCapability().Supports(proto.FeatureHashSet))

	in := inboundFrom(t, b, a.ID())
	require.False(t, in.Outbound())
	require.Equal(t, a.ListenAddrs()[0], in.PeerAddress())
	require.True(t, in.PeerAddressVerified())
	require.Equal(t, 1, b.Load().NumConnections)

	require.Eventually(t, func() bool {
		ls.mu.Lock()
		defer ls.mu.Unlock()
		return len(ls.opened) == 1
	}, waitFor, 10*time.Millisecond)

	snap := a.Metrics().Snapshot()
	require.EqualValues(t, 1, snap.Conns.Outbound)
	require.EqualValues(t, 1, snap.Conns.HandshakesOK)
}

func TestInboundAddressUnverifiedWithoutOrigin(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub, "a", func(_ *Config, tr *network.MemTransport) { tr.HideOrigin = true })
	b := newTestNode(t, hub, "b", nil)

	connect(t, a, b)
	in := inboundFrom(t, b, a.ID())
	require.Equal(t, a.ListenAddrs()[0], in.PeerAddress())
	require.False(t, in.PeerAddressVerified())
}

func TestSelfConnectionRefused(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub, "a", nil)

	_, err := a.Connect(context.Background(), a.ListenAddrs()[0])
	require.ErrorIs(t, err, ErrSelfConnection)
	_, err = a.ConnectPeer(context.Background(), a.Self())
	require.ErrorIs(t, err, ErrSelfConnection)
	require.Empty(t, a.Connections())
}

func TestDuplicateConnectionRejected(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub, "a", nil)
	b := newTestNode(t, hub, "b", nil)
	first := connect(t, a, b)

	_, err := a.ConnectPeer(context.Background(), b.Self())
	require.ErrorIs(t, err, ErrAlreadyConnected)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err = a.Connect(ctx, b.ListenAddrs()[0])
	require.Error(t, err)

	require.True(t, first.IsOpen())
	require.Len(t, a.Connections(), 1)
	require.Eventually(t, func() bool { return len(b.Connections()) == 1 }, waitFor, 10*time.Millisecond)
}

func TestMissingRequiredFeatureFailsHandshake(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub, "a", func(c *Config, _ *network.MemTransport) {
		c.Features = []string{proto.FeatureHashSet}
	})
	b := newTestNode(t, hub, "b", func(c *Config, _ *network.MemTransport) {
		c.RequiredFeatures = []string{proto.FeatureHashSet, proto.FeatureMailbox}
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := a.Connect(ctx, b.ListenAddrs()[0])
	require.Error(t, err)
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)

	require.Eventually(t, func() bool {
		return b.Metrics().Snapshot().Conns.HandshakesFailed == 1
	}, waitFor, 10*time.Millisecond)
	require.Empty(t, b.Connections())
}

func TestMaxConnections(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub, "a", nil)
	b := newTestNode(t, hub, "b", func(c *Config, _ *network.MemTransport) { c.MaxConnections = 1 })
	c := newTestNode(t, hub, "c", nil)

	connect(t, a, b)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := c.Connect(ctx, b.ListenAddrs()[0])
	require.Error(t, err)
	require.Len(t, b.Connections(), 1)
}

func TestDispatchPreservesOrder(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub, "a", nil)
	b := newTestNode(t, hub, "b", nil)

	var mu sync.Mutex
	var got []uint64
	b.OnMessage(proto.MsgTypePing, func(_ *Connection, m proto.Message) {
		mu.Lock()
		got = append(got, m.(*proto.PingMsg).Nonce)
		mu.Unlock()
	})

	c := connect(t, a, b)
	const count = 50
	for i := 1; i <= count; i++ {
		require.NoError(t, c.Send(context.Background(), &proto.PingMsg{Nonce: uint64(i)}))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == count
	}, waitFor, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for i, n := range got {
		require.EqualValues(t, i+1, n)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub, "a", nil)
	b := newTestNode(t, hub, "b", nil)

	var mu sync.Mutex
	counts := map[string]int{}
	record := func(name string) Handler {
		return func(*Connection, proto.Message) {
			mu.Lock()
			counts[name]++
			mu.Unlock()
		}
	}
	unsub := b.OnMessage(proto.MsgTypePing, record("gone"))
	b.OnMessage(proto.MsgTypePing, record("kept"))
	unsub()
	unsub()

	c := connect(t, a, b)
	require.NoError(t, c.Send(context.Background(), &proto.PingMsg{Nonce: 1}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["kept"] == 1
	}, waitFor, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, counts["gone"])
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub, "a", nil)
	b := newTestNode(t, hub, "b", nil)

	delivered := make(chan uint64, 4)
	b.OnMessage(proto.MsgTypePing, func(*Connection, proto.Message) { panic("boom") })
	b.OnMessage(proto.MsgTypePing, func(_ *Connection, m proto.Message) {
		delivered <- m.(*proto.PingMsg).Nonce
	})

	c := connect(t, a, b)
	for i := uint64(1); i <= 2; i++ {
		require.NoError(t, c.Send(context.Background(), &proto.PingMsg{Nonce: i}))
		select {
		case n := <-delivered:
			require.Equal(t, i, n)
		case <-time.After(waitFor):
			t.Fatalf("ping %d not delivered", i)
		}
	}
	require.True(t, c.IsOpen())
	require.EqualValues(t, 2, b.Metrics().Snapshot().DropByReason["handler_panic"])
}

func TestCloseNotifiesPeer(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub, "a", nil)
	b := newTestNode(t, hub, "b", nil)
	ls := &recordingListener{}
	b.AddListener(ls)

	c := connect(t, a, b)
	c.Close(CloseReasonPolicy)
	require.Equal(t, CloseReasonPolicy, c.CloseReason())

	require.Eventually(t, func() bool {
		r := ls.closed()
		return len(r) == 1 && r[0] == CloseReasonRemote
	}, waitFor, 10*time.Millisecond)
	require.False(t, b.IsConnected(a.ID()))

	err := c.Send(context.Background(), &proto.PingMsg{Nonce: 1})
	require.ErrorIs(t, err, ErrSend)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestCloseReasonSurvivesPeerHangup(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub, "a", nil)
	b := newTestNode(t, hub, "b", nil)
	ls := &recordingListener{}
	a.AddListener(ls)

	for i := 0; i < 5; i++ {
		c := connect(t, a, b)
		c.Close(CloseReasonKeepAliveTimeout)
		require.Equal(t, CloseReasonKeepAliveTimeout, c.CloseReason())
		require.Eventually(t, func() bool {
			return !b.IsConnected(a.ID())
		}, waitFor, 10*time.Millisecond)
	}
	require.Eventually(t, func() bool { return len(ls.closed()) == 5 }, waitFor, 10*time.Millisecond)
	for _, r := range ls.closed() {
		require.Equal(t, CloseReasonKeepAliveTimeout, r)
	}
}

func TestSendAsync(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub, "a", nil)
	b := newTestNode(t, hub, "b", nil)
	got := make(chan struct{}, 1)
	b.OnMessage(proto.MsgTypePing, func(*Connection, proto.Message) { got <- struct{}{} })

	c := connect(t, a, b)
	require.NoError(t, <-a.SendAsync(c, &proto.PingMsg{Nonce: 9}))
	select {
	case <-got:
	case <-time.After(waitFor):
		t.Fatal("async ping not delivered")
	}

	require.NoError(t, a.Close())
	err := <-a.SendAsync(c, &proto.PingMsg{Nonce: 10})
	require.True(t, errors.Is(err, ErrClosed) || errors.Is(err, ErrConnectionClosed))
}

// badFrame returns an envelope that carries a valid ping payload and a token
// that cannot pass verification.
func badFrame(t *testing.T, i int, payload []byte) []byte {
	t.Helper()
	tok := auth.Token{Bits: 0, Nonce: uint64(i)}
	if i%2 == 1 {
		nonce := uint64(i)
		for crypto.PoWCheck(proto.MsgTypePing, crypto.SHA3_256(payload), nonce, 4) {
			nonce += 1 << 32
		}
		tok = auth.Token{Bits: 4, Nonce: nonce}
	}
	frame, err := proto.EncodeEnvelope(proto.Envelope{Type: proto.MsgTypePing, Token: tok, Payload: payload})
	require.NoError(t, err)
	return frame
}

func writeRaw(t *testing.T, c *Connection, frame []byte) {
	t.Helper()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	require.NoError(t, proto.WriteFrame(c.stream, frame))
}

func TestUnauthorizedFloodNeverDecodes(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub, "a", nil)
	b := newTestNode(t, hub, "b", func(c *Config, _ *network.MemTransport) {
		c.RateLimit = -1
		c.MaxAuthFailures = 1 << 30
	})
	called := false
	b.OnMessage(proto.MsgTypePing, func(*Connection, proto.Message) { called = true })

	c := connect(t, a, b)
	before := b.Metrics().Snapshot()

	payload, err := proto.Encode(&proto.PingMsg{Nonce: 1})
	require.NoError(t, err)
	const flood = 10000
	for i := 0; i < flood; i++ {
		writeRaw(t, c, badFrame(t, i, payload))
	}

	require.Eventually(t, func() bool {
		return b.Metrics().Snapshot().Wire.AuthFailures-before.Wire.AuthFailures == flood
	}, 30*time.Second, 20*time.Millisecond)
	after := b.Metrics().Snapshot()
	require.Equal(t, before.Wire.PayloadDecodes, after.Wire.PayloadDecodes)
	require.False(t, called)
	require.True(t, c.IsOpen())
}

func TestRepeatedAuthFailuresCloseConnection(t *testing.T) {
	hub := network.NewMemHub()
	a := newTestNode(t, hub, "a", nil)
	b := newTestNode(t, hub, "b", func(c *Config, _ *network.MemTransport) { c.MaxAuthFailures = 3 })
	ls := &recordingListener{}
	b.AddListener(ls)

	c := connect(t, a, b)
	payload, err := proto.Encode(&proto.PingMsg{Nonce: 1})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		writeRaw(t, c, badFrame(t, 0, payload))
	}

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("connection not closed")
	}
	require.Eventually(t, func() bool {
		r := ls.closed()
		return len(r) == 1 && r[0] == CloseReasonAuthorization
	}, waitFor, 10*time.Millisecond)
}

func TestReplayCache(t *testing.T) {
	rc := newReplayCache(time.Minute, 2)
	now := time.Unix(1000, 0)
	k1 := crypto.Hash32([]byte("one"))
	k2 := crypto.Hash32([]byte("two"))
	k3 := crypto.Hash32([]byte("three"))

	require.False(t, rc.checkAndAdd(k1, now))
	require.True(t, rc.checkAndAdd(k1, now))
	require.False(t, rc.checkAndAdd(k1, now.Add(2*time.Minute)))

	require.False(t, rc.checkAndAdd(k2, now.Add(2*time.Minute)))
	require.False(t, rc.checkAndAdd(k3, now.Add(2*time.Minute)))
	require.False(t, rc.checkAndAdd(k1, now.Add(2*time.Minute)), "oldest entry evicted at capacity")
}
