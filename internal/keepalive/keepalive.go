package keepalive

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"overlaynet/internal/debuglog"
	"overlaynet/internal/metrics"
	"overlaynet/internal/node"
	"overlaynet/internal/proto"
)

var (
	ErrTimeout  = errors.New("keepalive timeout")
	ErrDisposed = errors.New("keepalive request disposed")
)

const (
	defaultMaxIdle  = 180 * time.Second
	defaultInterval = 30 * time.Second
	defaultTimeout  = 30 * time.Second
)

type Config struct {
	MaxIdle  time.Duration
	Interval time.Duration
	Timeout  time.Duration

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *zap.SugaredLogger
}

func (c Config) withDefaults() Config {
	if c.MaxIdle <= 0 {
		c.MaxIdle = defaultMaxIdle
	}
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = debuglog.Named("keepalive")
	}
	return c
}

// Request is one outstanding ping. Done closes when a matching pong
// arrives, the timeout fires, the send fails or the connection closes.
type Request struct {
	conn  *node.Connection
	nonce uint64
	sent  time.Time
	timer *clock.Timer

	once sync.Once
	done chan struct{}
	err  error
	rtt  time.Duration
}

func (r *Request) Done() <-chan struct{} { return r.done }

func (r *Request) Nonce() uint64 { return r.nonce }

// Err blocks until the request resolves. It is nil after a matching pong.
func (r *Request) Err() error {
	<-r.done
	return r.err
}

func (r *Request) RTT() time.Duration {
	<-r.done
	return r.rtt
}

type Service struct {
	n       *node.Node
	cfg     Config
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsub  []func()

	mu      sync.Mutex
	pending map[string]*Request
}

func New(n *node.Node, cfg Config) *Service {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		n:       n,
		cfg:     cfg,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*Request),
	}
}

func (s *Service) Start() {
	s.unsub = append(s.unsub,
		s.n.AddListener(s),
		s.n.OnMessage(proto.MsgTypePing, s.handlePing),
		s.n.OnMessage(proto.MsgTypePong, s.handlePong),
	)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := s.clock.Ticker(s.cfg.Interval)
		defer t.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-t.C:
				s.CheckIdle()
			}
		}
	}()
}

// Close stops the idle loop and disposes every outstanding ping.
func (s *Service) Close() {
	s.cancel()
	for _, fn := range s.unsub {
		fn()
	}
	s.mu.Lock()
	reqs := make([]*Request, 0, len(s.pending))
	for _, r := range s.pending {
		reqs = append(reqs, r)
	}
	s.mu.Unlock()
	for _, r := range reqs {
		s.finish(r, ErrDisposed)
	}
	s.wg.Wait()
}

// CheckIdle pings every open connection idle longer than MaxIdle.
func (s *Service) CheckIdle() {
	now := s.clock.Now()
	for _, c := range s.n.Connections() {
		if now.Sub(c.LastActivity()) > s.cfg.MaxIdle {
			s.Ping(c)
		}
	}
}

// Outstanding returns the pending ping for c, if any.
func (s *Service) Outstanding(c *node.Connection) (*Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.pending[c.ID()]
	return r, ok
}

// Ping sends a ping on c unless one is already outstanding, in which case
// that request is returned.
func (s *Service) Ping(c *node.Connection) *Request {
	s.mu.Lock()
	if r, ok := s.pending[c.ID()]; ok {
		s.mu.Unlock()
		return r
	}
	r := &Request{
		conn:  c,
		nonce: newNonce(),
		sent:  s.clock.Now(),
		done:  make(chan struct{}),
	}
	s.pending[c.ID()] = r
	r.timer = s.clock.AfterFunc(s.cfg.Timeout, func() { s.expire(r) })
	s.mu.Unlock()

	s.metrics.IncPingSent()
	s.log.Debugw("ping", "conn", c.String(), "nonce", r.nonce)
	errc := s.n.SendAsync(c, &proto.PingMsg{Nonce: r.nonce})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case err := <-errc:
			if err != nil {
				s.finish(r, err)
			}
		case <-r.done:
		}
	}()
	return r
}

func (s *Service) expire(r *Request) {
	if !s.finish(r, ErrTimeout) {
		return
	}
	s.metrics.IncPingTimeout()
	s.log.Infow("keepalive timeout", "conn", r.conn.String(), "nonce", r.nonce)
	r.conn.Close(node.CloseReasonKeepAliveTimeout)
}

// finish resolves r once and drops it from the pending table. It reports
// whether this call resolved it.
func (s *Service) finish(r *Request, err error) bool {
	resolved := false
	r.once.Do(func() {
		resolved = true
		s.mu.Lock()
		if s.pending[r.conn.ID()] == r {
			delete(s.pending, r.conn.ID())
		}
		t := r.timer
		s.mu.Unlock()
		if t != nil {
			t.Stop()
		}
		r.err = err
		if err == nil {
			r.rtt = s.clock.Since(r.sent)
		}
		close(r.done)
	})
	return resolved
}

func (s *Service) handlePing(c *node.Connection, m proto.Message) {
	ping := m.(*proto.PingMsg)
	s.n.SendAsync(c, &proto.PongMsg{RequestNonce: ping.Nonce})
}

func (s *Service) handlePong(c *node.Connection, m proto.Message) {
	pong := m.(*proto.PongMsg)
	r, ok := s.Outstanding(c)
	if !ok || r.nonce != pong.RequestNonce {
		debuglog.RateLimitedf("pong:"+c.ID(), 10*time.Second, "ignoring pong from %s with nonce %d", c, pong.RequestNonce)
		return
	}
	s.finish(r, nil)
}

func (s *Service) OnConnection(*node.Connection) {}

func (s *Service) OnDisconnect(c *node.Connection, _ node.CloseReason) {
	if r, ok := s.Outstanding(c); ok {
		s.finish(r, ErrDisposed)
	}
}

func newNonce() uint64 {
	var b [8]byte
	_, _ = crand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}
