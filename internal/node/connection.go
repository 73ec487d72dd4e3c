package node

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"overlaynet/internal/identity"
	"overlaynet/internal/network"
	"overlaynet/internal/proto"
)

type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateAuthorized
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateAuthorized:
		return "authorized"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection wraps one transport stream. It is owned by the Node that
// created it and is never reopened once closed.
type Connection struct {
	id        string
	node      *Node
	stream    network.Stream
	transport network.Transport
	outbound  bool
	dialed    network.Address
	created   time.Time

	state        atomic.Int32
	lastActivity atomic.Int64
	authFailures atomic.Int32
	registered   atomic.Bool

	mu          sync.RWMutex
	peer        proto.Capability
	peerLoad    proto.Load
	peerID      identity.ID
	peerAddr    network.Address
	verified    bool
	closing     CloseReason
	closeReason CloseReason

	writeMu sync.Mutex
	limiter *rate.Limiter

	inbox     chan proto.Envelope
	draining  atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(n *Node, s network.Stream, tr network.Transport, outbound bool, dialed network.Address) *Connection {
	c := &Connection{
		id:        uuid.NewString(),
		node:      n,
		stream:    s,
		transport: tr,
		outbound:  outbound,
		dialed:    dialed,
		created:   n.clock.Now(),
		limiter:   rate.NewLimiter(n.cfg.RateLimit, n.cfg.RateBurst),
		inbox:     make(chan proto.Envelope, n.cfg.QueueSize),
		done:      make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	c.touch()
	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) Outbound() bool { return c.outbound }

func (c *Connection) Created() time.Time { return c.created }

func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) setState(s State) { c.state.Store(int32(s)) }

func (c *Connection) IsOpen() bool { return c.State() == StateOpen }

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) touch() {
	c.lastActivity.Store(c.node.clock.Now().UnixNano())
}

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) PeerID() identity.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerID
}

func (c *Connection) PeerCapability() proto.Capability {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peer
}

func (c *Connection) PeerLoad() proto.Load {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerLoad
}

// PeerAddress is the peer's claimed address for this connection's transport.
func (c *Connection) PeerAddress() network.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerAddr
}

// PeerAddressVerified reports whether PeerAddress was checked against the
// transport-observed origin or the dialed address.
func (c *Connection) PeerAddressVerified() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.verified
}

func (c *Connection) CloseReason() CloseReason {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeReason
}

func (c *Connection) setPeer(capab proto.Capability, load proto.Load, addr network.Address, verified bool) {
	c.mu.Lock()
	c.peer = capab
	c.peerLoad = load
	c.peerID = capab.NetworkID.ID()
	c.peerAddr = addr
	c.verified = verified
	c.mu.Unlock()
}

// Send delivers m on this connection.
func (c *Connection) Send(ctx context.Context, m proto.Message) error {
	return c.node.Send(ctx, c, m)
}

// Close sends a best-effort close notice and closes the connection.
func (c *Connection) Close(reason CloseReason) {
	c.node.CloseConnection(c, reason)
}

func (c *Connection) String() string {
	id := c.PeerID()
	if id.IsZero() {
		return c.id
	}
	return c.id[:8] + "/" + id.Short()
}

// markClosing pins the reason a later shutdown reports, whatever caller
// ends up running it. The first reason wins.
func (c *Connection) markClosing(reason CloseReason) {
	c.mu.Lock()
	if c.closing == "" {
		c.closing = reason
	}
	c.mu.Unlock()
}

// shutdown tears the connection down without notifying the peer.
func (c *Connection) shutdown(reason CloseReason) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		wasOpen := c.State() == StateOpen
		if c.closing != "" {
			reason = c.closing
		}
		c.closeReason = reason
		c.setState(StateClosed)
		c.mu.Unlock()
		close(c.done)
		_ = c.stream.Close()
		c.node.connectionClosed(c, reason, wasOpen)
	})
}
