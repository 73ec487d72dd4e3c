package keepalive_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"overlaynet/internal/auth"
	"overlaynet/internal/identity"
	"overlaynet/internal/keepalive"
	"overlaynet/internal/metrics"
	"overlaynet/internal/network"
	"overlaynet/internal/node"
	"overlaynet/internal/proto"
)

const waitFor = 5 * time.Second

type pair struct {
	mock    *clock.Mock
	metrics *metrics.Metrics
	a, b    *node.Node
	conn    *node.Connection
	svc     *keepalive.Service
}

func testConfig(mock *clock.Mock, m *metrics.Metrics) keepalive.Config {
	return keepalive.Config{
		MaxIdle:  time.Minute,
		Interval: time.Hour,
		Timeout:  30 * time.Second,
		Clock:    mock,
		Metrics:  m,
	}
}

// newPair connects a to b on a shared mock clock and starts keepalive on a.
// When respond is set b answers pings.
func newPair(t *testing.T, respond bool) *pair {
	t.Helper()
	hub := network.NewMemHub()
	p := &pair{mock: clock.NewMock(), metrics: metrics.New()}
	mk := func(host string) *node.Node {
		id, err := identity.Generate(nil)
		require.NoError(t, err)
		n := node.New(id, auth.New(auth.Config{Adjuster: auth.FixedBits(2)}), node.Config{
			Transports: []network.Transport{hub.Transport(host)},
			Listen:     []network.Address{{Type: network.TypeMem, Host: host}},
			Clock:      p.mock,
			Metrics:    p.metrics,
		})
		require.NoError(t, n.Start(context.Background()))
		t.Cleanup(func() { _ = n.Close() })
		return n
	}
	p.a = mk("a")
	p.b = mk("b")
	p.svc = keepalive.New(p.a, testConfig(p.mock, p.metrics))
	p.svc.Start()
	t.Cleanup(p.svc.Close)
	if respond {
		responder := keepalive.New(p.b, testConfig(p.mock, nil))
		responder.Start()
		t.Cleanup(responder.Close)
	}
	var err error
	p.conn, err = p.a.Connect(context.Background(), p.b.ListenAddrs()[0])
	require.NoError(t, err)
	return p
}

func waitDone(t *testing.T, r *keepalive.Request) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(waitFor):
		t.Fatal("request not resolved")
	}
}

func TestPingCompletesOnMatchingPong(t *testing.T) {
	p := newPair(t, true)
	r := p.svc.Ping(p.conn)
	waitDone(t, r)
	require.NoError(t, r.Err())
	_, pending := p.svc.Outstanding(p.conn)
	require.False(t, pending)
	require.True(t, p.conn.IsOpen())
}

func TestMismatchedPongLeavesRequestPending(t *testing.T) {
	p := newPair(t, false)
	var inbound *node.Connection
	require.Eventually(t, func() bool {
		var ok bool
		inbound, ok = p.b.ConnectionTo(p.a.ID())
		return ok
	}, waitFor, 10*time.Millisecond)

	pinged := make(chan uint64, 1)
	p.b.OnMessage(proto.MsgTypePing, func(_ *node.Connection, m proto.Message) {
		pinged <- m.(*proto.PingMsg).Nonce
	})
	// Registered after the keepalive handler, so it runs once that has seen
	// the pong.
	ponged := make(chan struct{}, 1)
	p.a.OnMessage(proto.MsgTypePong, func(*node.Connection, proto.Message) { ponged <- struct{}{} })

	r := p.svc.Ping(p.conn)
	var nonce uint64
	select {
	case nonce = <-pinged:
	case <-time.After(waitFor):
		t.Fatal("ping not received")
	}
	require.Equal(t, r.Nonce(), nonce)
	require.NoError(t, inbound.Send(context.Background(), &proto.PongMsg{RequestNonce: nonce + 1}))
	select {
	case <-ponged:
	case <-time.After(waitFor):
		t.Fatal("pong not received")
	}
	select {
	case <-r.Done():
		t.Fatal("mismatched pong resolved the request")
	default:
	}

	p.mock.Add(31 * time.Second)
	waitDone(t, r)
	require.ErrorIs(t, r.Err(), keepalive.ErrTimeout)
	select {
	case <-p.conn.Done():
	case <-time.After(waitFor):
		t.Fatal("connection not closed after timeout")
	}
	require.Equal(t, node.CloseReasonKeepAliveTimeout, p.conn.CloseReason())
	require.EqualValues(t, 1, p.metrics.Snapshot().KeepAlive.Timeouts)
}

func TestIdleCheckIsIdempotent(t *testing.T) {
	p := newPair(t, false)

	p.svc.CheckIdle()
	_, pending := p.svc.Outstanding(p.conn)
	require.False(t, pending, "fresh connection is not idle")

	p.mock.Add(61 * time.Second)
	p.svc.CheckIdle()
	first, ok := p.svc.Outstanding(p.conn)
	require.True(t, ok)
	p.svc.CheckIdle()
	second, _ := p.svc.Outstanding(p.conn)
	require.Same(t, first, second)
	require.Same(t, first, p.svc.Ping(p.conn))
	require.EqualValues(t, 1, p.metrics.Snapshot().KeepAlive.PingsSent)
}

func TestDisconnectDisposesPing(t *testing.T) {
	p := newPair(t, false)
	r := p.svc.Ping(p.conn)

	p.conn.Close(node.CloseReasonPolicy)
	waitDone(t, r)
	require.ErrorIs(t, r.Err(), keepalive.ErrDisposed)

	p.mock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, p.metrics.Snapshot().KeepAlive.Timeouts)
}
