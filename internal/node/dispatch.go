package node

import (
	"runtime/debug"
	"time"

	"overlaynet/internal/debuglog"
	"overlaynet/internal/proto"
)

func (n *Node) readLoop(c *Connection) {
	defer c.shutdown(CloseReasonIO)
	for {
		frame, err := proto.ReadFrameWithTypeCap(c.stream, proto.SoftMaxFrameSize, proto.MaxSizeForType)
		if err != nil {
			if c.State() != StateClosed {
				n.log.Debugw("read failed", "conn", c.String(), "err", err)
			}
			return
		}
		n.handleFrame(c, frame)
		if c.State() == StateClosed {
			return
		}
	}
}

// handleFrame authorizes one envelope on the read goroutine. Nothing past the
// token check runs until the envelope is queued for the connection's drainer.
func (n *Node) handleFrame(c *Connection, frame []byte) {
	n.metrics.IncEnvelopeReceived()
	if !c.limiter.Allow() {
		n.drop(c, "rate_limited")
		return
	}
	env, err := proto.DecodeEnvelope(frame)
	if err != nil {
		n.penalize(c, "malformed", err)
		return
	}
	if err := n.auth.VerifyToken(env.Type, env.Payload, env.Token); err != nil {
		n.metrics.IncAuthFailure()
		n.penalize(c, "unauthorized", err)
		return
	}
	c.touch()
	n.metrics.IncRecvByType(env.Type)
	if env.Type == proto.MsgTypeCloseNotice {
		// Handled inline so the stream EOF that follows cannot win the race.
		n.dispatch(c, env)
		return
	}
	select {
	case c.inbox <- env:
	default:
		n.drop(c, "queue_full")
		return
	}
	n.scheduleDrain(c)
}

func (n *Node) drop(c *Connection, reason string) {
	n.metrics.IncDropByReason(reason)
	debuglog.RateLimitedf("drop:"+reason+":"+c.id, 5*time.Second, "dropping envelope from %s: %s", c, reason)
}

func (n *Node) penalize(c *Connection, reason string, err error) {
	n.metrics.IncDropByReason(reason)
	debuglog.RateLimitedf("penalize:"+c.id, 5*time.Second, "rejecting envelope from %s: %v", c, err)
	failures := c.authFailures.Add(1)
	if n.cfg.MaxAuthFailures > 0 && int(failures) >= n.cfg.MaxAuthFailures {
		n.log.Infow("closing connection after repeated authorization failures", "conn", c.String(), "failures", failures)
		c.Close(CloseReasonAuthorization)
	}
}

// scheduleDrain hands the connection's inbox to the worker pool. At most one
// drainer runs per connection so handlers see messages in arrival order.
func (n *Node) scheduleDrain(c *Connection) {
	if !c.draining.CompareAndSwap(false, true) {
		return
	}
	n.goTracked(func() {
		if err := n.sem.Acquire(n.ctx, 1); err != nil {
			c.draining.Store(false)
			return
		}
		defer n.sem.Release(1)
		for {
			n.drain(c)
			c.draining.Store(false)
			if len(c.inbox) == 0 || !c.draining.CompareAndSwap(false, true) {
				return
			}
		}
	})
}

func (n *Node) drain(c *Connection) {
	for {
		select {
		case env := <-c.inbox:
			n.dispatch(c, env)
		default:
			return
		}
	}
}

func (n *Node) dispatch(c *Connection, env proto.Envelope) {
	if c.State() == StateClosed {
		return
	}
	n.metrics.IncPayloadDecode()
	msg, err := proto.DecodeMessage(env.Type, env.Payload)
	if err != nil {
		n.drop(c, "decode")
		return
	}
	if err := msg.Validate(); err != nil {
		n.drop(c, "invalid")
		return
	}
	switch m := msg.(type) {
	case *proto.HandshakeReqMsg, *proto.HandshakeRespMsg:
		n.drop(c, "unexpected_handshake")
		return
	case *proto.CloseNoticeMsg:
		n.log.Debugw("peer closing", "conn", c.String(), "reason", m.Reason)
		c.shutdown(CloseReasonRemote)
		return
	}
	for _, h := range n.handlersFor(env.Type) {
		n.invoke(h, c, msg)
	}
}

// invoke isolates handler panics from the connection and the pool.
func (n *Node) invoke(h Handler, c *Connection, msg proto.Message) {
	defer func() {
		if r := recover(); r != nil {
			n.metrics.IncDropByReason("handler_panic")
			n.log.Errorw("handler panic", "type", msg.MsgType(), "conn", c.String(), "panic", r, "stack", string(debug.Stack()))
		}
	}()
	h(c, msg)
}
