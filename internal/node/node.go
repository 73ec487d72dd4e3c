package node

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"overlaynet/internal/auth"
	"overlaynet/internal/debuglog"
	"overlaynet/internal/identity"
	"overlaynet/internal/metrics"
	"overlaynet/internal/network"
	"overlaynet/internal/proto"
)

const (
	defaultHandshakeTimeout  = 15 * time.Second
	defaultDialTimeout       = 30 * time.Second
	defaultSendTimeout       = 30 * time.Second
	defaultMaxClockSkew      = 10 * time.Minute
	defaultMaxConnections    = 64
	defaultMaxInboundPerHost = 8
	defaultWorkers           = 32
	defaultQueueSize         = 256
	defaultRateLimit         = 200
	defaultRateBurst         = 400
	defaultMaxAuthFailures   = 16
	closeNoticeTimeout       = time.Second
)

var DefaultFeatures = []string{
	proto.FeatureHashSet,
	proto.FeatureBloom,
	proto.FeaturePeerExchange,
	proto.FeatureMailbox,
}

type Config struct {
	Transports []network.Transport
	Listen     []network.Address
	// Advertise overrides the listener addresses placed in the NetworkID.
	Advertise        []network.Address
	Features         []string
	RequiredFeatures []string

	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	SendTimeout      time.Duration
	MaxClockSkew     time.Duration

	MaxConnections    int
	MaxInboundPerHost int
	Workers           int
	QueueSize         int
	// RateLimit is inbound envelopes per second per connection. Negative
	// disables the limit.
	RateLimit rate.Limit
	RateBurst int
	// MaxAuthFailures closes a connection after that many invalid envelopes.
	// Negative never closes.
	MaxAuthFailures int

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *zap.SugaredLogger
}

func (c Config) withDefaults() Config {
	if len(c.Features) == 0 {
		c.Features = DefaultFeatures
	}
	if c.RequiredFeatures == nil {
		c.RequiredFeatures = []string{proto.FeatureHashSet}
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.MaxClockSkew <= 0 {
		c.MaxClockSkew = defaultMaxClockSkew
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.MaxInboundPerHost == 0 {
		c.MaxInboundPerHost = defaultMaxInboundPerHost
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	switch {
	case c.RateLimit < 0:
		c.RateLimit = rate.Inf
	case c.RateLimit == 0:
		c.RateLimit = defaultRateLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = defaultRateBurst
	}
	if c.MaxAuthFailures == 0 {
		c.MaxAuthFailures = defaultMaxAuthFailures
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = debuglog.Named("node")
	}
	return c
}

// Handler receives a decoded, validated inbound message.
type Handler func(c *Connection, m proto.Message)

// ConnectionListener observes connection lifecycle. Callbacks run on the
// goroutine that caused the event and must not block.
type ConnectionListener interface {
	OnConnection(c *Connection)
	OnDisconnect(c *Connection, reason CloseReason)
}

type handlerEntry struct {
	id uint64
	fn Handler
}

type listenerEntry struct {
	id uint64
	l  ConnectionListener
}

type boundListener struct {
	ln network.Listener
	tr network.Transport
}

// Node owns the listening sockets and the set of live connections.
type Node struct {
	cfg     Config
	self    identity.KeyManager
	auth    *auth.Service
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	replay *replayCache

	lifeMu sync.Mutex
	closed bool

	mu         sync.RWMutex
	advertised identity.NetworkID
	listeners  []boundListener
	all        map[string]*Connection
	conns      map[string]*Connection
	byPeer     map[identity.ID]*Connection

	regMu     sync.RWMutex
	nextRegID atomic.Uint64
	handlers  map[string][]handlerEntry
	connLs    []listenerEntry
}

func New(self identity.KeyManager, authSvc *auth.Service, cfg Config) *Node {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:        cfg,
		self:       self,
		auth:       authSvc,
		clock:      cfg.Clock,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
		ctx:        ctx,
		cancel:     cancel,
		sem:        semaphore.NewWeighted(int64(cfg.Workers)),
		replay:     newReplayCache(2*cfg.MaxClockSkew, 0),
		advertised: self.NetworkID(),
		all:        make(map[string]*Connection),
		conns:      make(map[string]*Connection),
		byPeer:     make(map[identity.ID]*Connection),
		handlers:   make(map[string][]handlerEntry),
	}
}

// Start opens a listener per configured address and fixes the advertised
// NetworkID.
func (n *Node) Start(ctx context.Context) error {
	var bound []boundListener
	var addrs []network.Address
	for _, a := range n.cfg.Listen {
		tr := n.transportFor(a.Type)
		if tr == nil {
			closeBound(bound)
			return fmt.Errorf("listen %s: %w", a, ErrNoTransport)
		}
		ln, err := tr.Listen(ctx, a)
		if err != nil {
			closeBound(bound)
			return fmt.Errorf("listen %s: %w", a, err)
		}
		ln = network.LimitListener(ln, n.cfg.MaxInboundPerHost)
		bound = append(bound, boundListener{ln: ln, tr: tr})
		addrs = append(addrs, ln.Addr())
	}

	nid := n.self.NetworkID()
	switch {
	case len(n.cfg.Advertise) > 0:
		nid.Addresses = dedupeByType(n.cfg.Advertise)
	case len(nid.Addresses) == 0:
		nid.Addresses = dedupeByType(addrs)
	}

	n.mu.Lock()
	n.advertised = nid
	n.listeners = bound
	n.mu.Unlock()

	for _, b := range bound {
		b := b
		n.log.Infow("listening", "addr", b.ln.Addr().String())
		if !n.goTracked(func() { n.acceptLoop(b) }) {
			return ErrClosed
		}
	}
	return nil
}

func closeBound(bound []boundListener) {
	for _, b := range bound {
		_ = b.ln.Close()
	}
}

func dedupeByType(addrs []network.Address) []network.Address {
	out := make([]network.Address, 0, len(addrs))
	seen := make(map[network.Type]bool)
	for _, a := range addrs {
		if seen[a.Type] {
			continue
		}
		seen[a.Type] = true
		out = append(out, a)
	}
	return out
}

func (n *Node) transportFor(t network.Type) network.Transport {
	for _, tr := range n.cfg.Transports {
		if tr.Type() == t {
			return tr
		}
	}
	return nil
}

// Self returns the advertised NetworkID.
func (n *Node) Self() identity.NetworkID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.advertised
}

func (n *Node) ID() identity.ID {
	return n.Self().ID()
}

func (n *Node) Keys() identity.KeyManager { return n.self }

func (n *Node) Auth() *auth.Service { return n.auth }

func (n *Node) Clock() clock.Clock { return n.clock }

func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

func (n *Node) Capability() proto.Capability {
	return proto.Capability{NetworkID: n.Self(), Features: n.cfg.Features}
}

func (n *Node) ListenAddrs() []network.Address {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]network.Address, 0, len(n.listeners))
	for _, b := range n.listeners {
		out = append(out, b.ln.Addr())
	}
	return out
}

// SupportsType reports whether the node has a transport for t.
func (n *Node) SupportsType(t network.Type) bool {
	return n.transportFor(t) != nil
}

// Load is recomputed from the live connection count on every call.
func (n *Node) Load() proto.Load {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return proto.Load{NumConnections: len(n.conns)}
}

// Connections returns the open connections, oldest first.
func (n *Node) Connections() []*Connection {
	n.mu.RLock()
	out := make([]*Connection, 0, len(n.conns))
	for _, c := range n.conns {
		if c.IsOpen() {
			out = append(out, c)
		}
	}
	n.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].created.Equal(out[j].created) {
			return out[i].id < out[j].id
		}
		return out[i].created.Before(out[j].created)
	})
	return out
}

func (n *Node) ConnectionTo(id identity.ID) (*Connection, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.byPeer[id]
	if !ok || !c.IsOpen() {
		return nil, false
	}
	return c, true
}

func (n *Node) IsConnected(id identity.ID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.byPeer[id]
	return ok
}

func (n *Node) isOwnAddress(a network.Address) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if slices.Contains(n.advertised.Addresses, a) {
		return true
	}
	for _, b := range n.listeners {
		if b.ln.Addr() == a {
			return true
		}
	}
	return false
}

// Connect dials addr and runs the handshake. It blocks until the connection
// is open or has failed.
func (n *Node) Connect(ctx context.Context, addr network.Address) (*Connection, error) {
	if n.isClosed() {
		return nil, ErrClosed
	}
	if n.isOwnAddress(addr) {
		return nil, ErrSelfConnection
	}
	tr := n.transportFor(addr.Type)
	if tr == nil {
		return nil, &network.ConnectError{Addr: addr, Err: ErrNoTransport}
	}
	dctx, cancel := context.WithTimeout(ctx, n.cfg.DialTimeout)
	s, err := tr.Dial(dctx, addr)
	cancel()
	if err != nil {
		return nil, err
	}
	c := newConnection(n, s, tr, true, addr)
	if !n.track(c) {
		_ = s.Close()
		return nil, ErrClosed
	}
	if err := n.handshakeOutbound(ctx, c); err != nil {
		n.metrics.IncHandshake(false)
		n.log.Debugw("outbound handshake failed", "addr", addr.String(), "err", err)
		c.shutdown(CloseReasonHandshake)
		return nil, err
	}
	if !n.open(c) {
		return nil, &SendError{ConnID: c.id, Type: proto.MsgTypeHandshakeReq, Err: ErrConnectionClosed}
	}
	return c, nil
}

// ConnectPeer dials the first address of nid this node has a transport for.
// Self and already-connected peers are refused before any socket is opened.
func (n *Node) ConnectPeer(ctx context.Context, nid identity.NetworkID) (*Connection, error) {
	id := nid.ID()
	if id == n.ID() {
		return nil, ErrSelfConnection
	}
	if n.IsConnected(id) {
		return nil, ErrAlreadyConnected
	}
	for _, tr := range n.cfg.Transports {
		addr, ok := nid.AddressFor(tr.Type())
		if !ok {
			continue
		}
		c, err := n.Connect(ctx, addr)
		if err != nil {
			return nil, err
		}
		if c.PeerID() != id {
			n.CloseConnection(c, CloseReasonPolicy)
			return nil, handshakeErr(HandshakeIdentityMismatch, nil)
		}
		return c, nil
	}
	return nil, &network.ConnectError{Err: ErrNoTransport}
}

func (n *Node) acceptLoop(b boundListener) {
	for {
		s, err := b.ln.Accept()
		if err != nil {
			if !n.isClosed() && !errors.Is(err, network.ErrListenerClosed) {
				n.log.Warnw("accept failed", "addr", b.ln.Addr().String(), "err", err)
			}
			return
		}
		if !n.goTracked(func() { n.handleInbound(s, b.tr) }) {
			_ = s.Close()
			return
		}
	}
}

func (n *Node) handleInbound(s network.Stream, tr network.Transport) {
	c := newConnection(n, s, tr, false, network.Address{})
	if !n.track(c) {
		_ = s.Close()
		return
	}
	n.mu.RLock()
	full := len(n.conns) >= n.cfg.MaxConnections
	n.mu.RUnlock()
	if full {
		c.shutdown(CloseReasonTooManyConnections)
		return
	}
	if err := n.handshakeInbound(c); err != nil {
		n.metrics.IncHandshake(false)
		debuglog.RateLimitedf("hs-in:"+s.RemoteHost(), 5*time.Second, "inbound handshake from %q failed: %v", s.RemoteHost(), err)
		c.shutdown(CloseReasonHandshake)
		return
	}
	n.open(c)
}

// track records c so Close can reach connections still in handshake.
func (n *Node) track(c *Connection) bool {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()
	if n.closed {
		return false
	}
	n.mu.Lock()
	n.all[c.id] = c
	n.mu.Unlock()
	return true
}

func (n *Node) register(c *Connection) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := c.PeerID()
	if existing, ok := n.byPeer[id]; ok && existing != c {
		return handshakeErr(HandshakeDuplicate, ErrAlreadyConnected)
	}
	if len(n.conns) >= n.cfg.MaxConnections {
		return ErrTooManyConnections
	}
	n.conns[c.id] = c
	n.byPeer[id] = c
	c.registered.Store(true)
	return nil
}

func (n *Node) open(c *Connection) bool {
	c.mu.Lock()
	if State(c.state.Load()) == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.setState(StateOpen)
	c.mu.Unlock()

	n.metrics.IncHandshake(true)
	n.metrics.AddConn(c.outbound, 1)
	n.log.Debugw("connection open", "conn", c.String(), "outbound", c.outbound,
		"peer_addr", c.PeerAddress().String(), "verified", c.PeerAddressVerified())
	if !n.goTracked(func() { n.readLoop(c) }) {
		c.shutdown(CloseReasonShutdown)
		return false
	}
	for _, l := range n.connListeners() {
		n.safeNotify(func() { l.OnConnection(c) })
	}
	return true
}

// connectionClosed runs once per connection from Connection.shutdown.
func (n *Node) connectionClosed(c *Connection, reason CloseReason, wasOpen bool) {
	n.mu.Lock()
	delete(n.all, c.id)
	if c.registered.Load() {
		delete(n.conns, c.id)
		if n.byPeer[c.PeerID()] == c {
			delete(n.byPeer, c.PeerID())
		}
	}
	n.mu.Unlock()
	if !wasOpen {
		return
	}
	n.metrics.AddConn(c.outbound, -1)
	n.log.Debugw("connection closed", "conn", c.String(), "reason", string(reason))
	for _, l := range n.connListeners() {
		n.safeNotify(func() { l.OnDisconnect(c, reason) })
	}
}

// CloseConnection sends a best-effort close notice and closes c.
func (n *Node) CloseConnection(c *Connection, reason CloseReason) {
	c.markClosing(reason)
	if c.IsOpen() {
		ctx, cancel := context.WithTimeout(context.Background(), closeNoticeTimeout)
		_ = n.Send(ctx, c, &proto.CloseNoticeMsg{Reason: string(reason)})
		cancel()
	}
	c.shutdown(reason)
}

// Send makes one delivery attempt on c. Failures are *SendError.
func (n *Node) Send(ctx context.Context, c *Connection, m proto.Message) error {
	payload, err := proto.Encode(m)
	if err != nil {
		return &SendError{ConnID: c.id, Type: m.MsgType(), Err: err}
	}
	return n.sendRaw(ctx, c, m.MsgType(), payload)
}

// SendAsync runs Send on the worker pool.
func (n *Node) SendAsync(c *Connection, m proto.Message) <-chan error {
	ch := make(chan error, 1)
	ok := n.goTracked(func() {
		if err := n.sem.Acquire(n.ctx, 1); err != nil {
			ch <- &SendError{ConnID: c.id, Type: m.MsgType(), Err: ErrClosed}
			return
		}
		defer n.sem.Release(1)
		ch <- n.Send(n.ctx, c, m)
	})
	if !ok {
		ch <- &SendError{ConnID: c.id, Type: m.MsgType(), Err: ErrClosed}
	}
	return ch
}

func (n *Node) sendRaw(ctx context.Context, c *Connection, typ string, payload []byte) error {
	if c.State() == StateClosed {
		return &SendError{ConnID: c.id, Type: typ, Err: ErrConnectionClosed}
	}
	ctx, cancel := context.WithTimeout(ctx, n.cfg.SendTimeout)
	defer cancel()
	tok, err := n.auth.CreateToken(ctx, typ, payload)
	if err != nil {
		if isTimeout(err) {
			err = ErrTimeout
		}
		return &SendError{ConnID: c.id, Type: typ, Err: err}
	}
	frame, err := proto.EncodeEnvelope(proto.Envelope{Type: typ, Token: tok, Payload: payload})
	if err != nil {
		return &SendError{ConnID: c.id, Type: typ, Err: err}
	}
	deadline, _ := ctx.Deadline()

	c.writeMu.Lock()
	if c.State() == StateClosed {
		c.writeMu.Unlock()
		return &SendError{ConnID: c.id, Type: typ, Err: ErrConnectionClosed}
	}
	_ = c.stream.SetWriteDeadline(deadline)
	err = proto.WriteFrame(c.stream, frame)
	_ = c.stream.SetWriteDeadline(time.Time{})
	c.writeMu.Unlock()

	if err != nil {
		if isTimeout(err) {
			err = ErrTimeout
		}
		c.shutdown(CloseReasonIO)
		return &SendError{ConnID: c.id, Type: typ, Err: err}
	}
	return nil
}

// OnMessage registers fn for inbound messages of type typ. The returned
// function unsubscribes; calling it more than once is a no-op.
func (n *Node) OnMessage(typ string, fn Handler) func() {
	id := n.nextRegID.Add(1)
	n.regMu.Lock()
	n.handlers[typ] = append(n.handlers[typ], handlerEntry{id: id, fn: fn})
	n.regMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			n.regMu.Lock()
			defer n.regMu.Unlock()
			n.handlers[typ] = slices.DeleteFunc(n.handlers[typ], func(e handlerEntry) bool { return e.id == id })
		})
	}
}

// AddListener registers l for connection events. The returned function
// removes it and is idempotent.
func (n *Node) AddListener(l ConnectionListener) func() {
	id := n.nextRegID.Add(1)
	n.regMu.Lock()
	n.connLs = append(n.connLs, listenerEntry{id: id, l: l})
	n.regMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			n.regMu.Lock()
			defer n.regMu.Unlock()
			n.connLs = slices.DeleteFunc(n.connLs, func(e listenerEntry) bool { return e.id == id })
		})
	}
}

func (n *Node) handlersFor(typ string) []Handler {
	n.regMu.RLock()
	defer n.regMu.RUnlock()
	out := make([]Handler, 0, len(n.handlers[typ]))
	for _, e := range n.handlers[typ] {
		out = append(out, e.fn)
	}
	return out
}

func (n *Node) connListeners() []ConnectionListener {
	n.regMu.RLock()
	defer n.regMu.RUnlock()
	out := make([]ConnectionListener, 0, len(n.connLs))
	for _, e := range n.connLs {
		out = append(out, e.l)
	}
	return out
}

func (n *Node) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Errorw("listener panic", "panic", r)
		}
	}()
	fn()
}

func (n *Node) isClosed() bool {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()
	return n.closed
}

// goTracked runs fn on a goroutine Close waits for. It returns false once
// the node is closed.
func (n *Node) goTracked(fn func()) bool {
	n.lifeMu.Lock()
	if n.closed {
		n.lifeMu.Unlock()
		return false
	}
	n.wg.Add(1)
	n.lifeMu.Unlock()
	go func() {
		defer n.wg.Done()
		fn()
	}()
	return true
}

// Close stops listening, closes every connection with a notice and waits
// for all node goroutines to exit.
func (n *Node) Close() error {
	n.lifeMu.Lock()
	if n.closed {
		n.lifeMu.Unlock()
		return nil
	}
	n.closed = true
	n.lifeMu.Unlock()
	n.cancel()

	n.mu.RLock()
	bound := n.listeners
	conns := make([]*Connection, 0, len(n.all))
	for _, c := range n.all {
		conns = append(conns, c)
	}
	n.mu.RUnlock()

	var err error
	for _, b := range bound {
		err = multierr.Append(err, b.ln.Close())
	}
	var g errgroup.Group
	for _, c := range conns {
		c := c
		g.Go(func() error {
			n.CloseConnection(c, CloseReasonShutdown)
			return nil
		})
	}
	_ = g.Wait()
	n.wg.Wait()
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func randUint64() uint64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint64(b[:])
}
