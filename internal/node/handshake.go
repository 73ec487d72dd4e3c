package node

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"overlaynet/internal/auth"
	"overlaynet/internal/crypto"
	"overlaynet/internal/identity"
	"overlaynet/internal/proto"
)

func (n *Node) handshakeDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(n.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

func (n *Node) handshakeOutbound(ctx context.Context, c *Connection) error {
	c.setState(StateHandshaking)
	deadline := n.handshakeDeadline(ctx)
	_ = c.stream.SetReadDeadline(deadline)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	req := &proto.HandshakeReqMsg{
		Capability: n.Capability(),
		Load:       n.Load(),
		Nonce:      randUint64(),
		Timestamp:  n.clock.Now().UnixMilli(),
	}
	req.Sig = n.self.Sign(req.SigBytes())
	if err := n.Send(ctx, c, req); err != nil {
		return sendFailure(err)
	}

	msg, err := n.readHandshake(c, proto.MsgTypeHandshakeResp)
	if err != nil {
		return err
	}
	resp := msg.(*proto.HandshakeRespMsg)
	if resp.RequestNonce != req.Nonce {
		return handshakeErr(HandshakeProtocol, errors.New("request nonce mismatch"))
	}
	if !identity.Verify(resp.Capability.NetworkID.PubKey, resp.SigBytes(), resp.Sig) {
		return handshakeErr(HandshakeBadSignature, nil)
	}
	if err := n.checkPeer(resp.Capability, resp.Timestamp); err != nil {
		return err
	}

	// The dialed address is authoritative; the claim is only trusted when it
	// matches it.
	addr := c.dialed
	claimed, ok := resp.Capability.NetworkID.AddressFor(c.dialed.Type)
	verified := ok && claimed == c.dialed
	c.setPeer(resp.Capability, resp.Load, addr, verified)
	c.setState(StateAuthorized)
	_ = c.stream.SetReadDeadline(time.Time{})
	return n.register(c)
}

func (n *Node) handshakeInbound(c *Connection) error {
	c.setState(StateHandshaking)
	deadline := n.handshakeDeadline(n.ctx)
	_ = c.stream.SetReadDeadline(deadline)
	ctx, cancel := context.WithDeadline(n.ctx, deadline)
	defer cancel()

	msg, err := n.readHandshake(c, proto.MsgTypeHandshakeReq)
	if err != nil {
		return err
	}
	req := msg.(*proto.HandshakeReqMsg)
	if !identity.Verify(req.Capability.NetworkID.PubKey, req.SigBytes(), req.Sig) {
		return handshakeErr(HandshakeBadSignature, nil)
	}
	if err := n.checkPeer(req.Capability, req.Timestamp); err != nil {
		return err
	}
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], req.Nonce)
	if n.replay.checkAndAdd(crypto.Hash32(req.Capability.NetworkID.PubKey, nb[:]), n.clock.Now()) {
		return handshakeErr(HandshakeStale, errors.New("replayed request"))
	}

	var (
		addr     = c.dialed
		verified bool
	)
	if claimed, ok := req.Capability.NetworkID.AddressFor(c.transport.Type()); ok {
		addr = claimed
		host := c.stream.RemoteHost()
		verified = c.transport.VerifiesOrigin() && host != "" && claimed.Host == host
	}
	c.setPeer(req.Capability, req.Load, addr, verified)
	c.setState(StateAuthorized)
	if err := n.register(c); err != nil {
		return err
	}

	resp := &proto.HandshakeRespMsg{
		Capability:   n.Capability(),
		Load:         n.Load(),
		Nonce:        randUint64(),
		RequestNonce: req.Nonce,
		Timestamp:    n.clock.Now().UnixMilli(),
	}
	resp.Sig = n.self.Sign(resp.SigBytes())
	if err := n.Send(ctx, c, resp); err != nil {
		return sendFailure(err)
	}
	_ = c.stream.SetReadDeadline(time.Time{})
	return nil
}

// readHandshake reads exactly one envelope and requires it to be want.
func (n *Node) readHandshake(c *Connection, want string) (proto.Message, error) {
	frame, err := proto.ReadFrameWithTypeCap(c.stream, proto.SoftMaxFrameSize, proto.MaxSizeForType)
	if err != nil {
		if isTimeout(err) {
			return nil, handshakeErr(HandshakeTimeout, err)
		}
		return nil, handshakeErr(HandshakeProtocol, err)
	}
	n.metrics.IncEnvelopeReceived()
	env, err := proto.DecodeEnvelope(frame)
	if err != nil {
		return nil, handshakeErr(HandshakeProtocol, err)
	}
	if env.Type != want {
		return nil, handshakeErr(HandshakeProtocol, fmt.Errorf("got %q, want %q", env.Type, want))
	}
	if err := n.auth.VerifyToken(env.Type, env.Payload, env.Token); err != nil {
		n.metrics.IncAuthFailure()
		return nil, handshakeErr(HandshakeUnauthorized, err)
	}
	n.metrics.IncPayloadDecode()
	msg, err := proto.DecodeMessage(env.Type, env.Payload)
	if err != nil {
		return nil, handshakeErr(HandshakeProtocol, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, handshakeErr(HandshakeProtocol, err)
	}
	c.touch()
	return msg, nil
}

func (n *Node) checkPeer(capab proto.Capability, ts int64) error {
	if capab.NetworkID.ID() == n.ID() {
		return handshakeErr(HandshakeSelf, ErrSelfConnection)
	}
	for _, f := range n.cfg.RequiredFeatures {
		if !capab.Supports(f) {
			return handshakeErr(HandshakeCapabilityMissing, fmt.Errorf("missing %s", f))
		}
	}
	skew := n.clock.Now().Sub(time.UnixMilli(ts))
	if skew < 0 {
		skew = -skew
	}
	if skew > n.cfg.MaxClockSkew {
		return handshakeErr(HandshakeStale, fmt.Errorf("clock skew %s", skew))
	}
	return nil
}

func sendFailure(err error) error {
	var se *SendError
	if errors.As(err, &se) {
		if errors.Is(se.Err, ErrTimeout) {
			return handshakeErr(HandshakeTimeout, se.Err)
		}
		if errors.Is(se.Err, auth.ErrUnauthorized) {
			return handshakeErr(HandshakeUnauthorized, se.Err)
		}
		return handshakeErr(HandshakeProtocol, se.Err)
	}
	return handshakeErr(HandshakeProtocol, err)
}
