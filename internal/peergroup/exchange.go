package peergroup

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"

	"overlaynet/internal/identity"
	"overlaynet/internal/node"
	"overlaynet/internal/peer"
	"overlaynet/internal/proto"
)

var ErrExchangeAborted = errors.New("peer exchange aborted")

type pendingExchange struct {
	connID string
	ch     chan *proto.PeerExchangeRespMsg
}

// Exchange sends our reported peers to c and merges the reply.
func (s *Service) Exchange(ctx context.Context, c *node.Connection) error {
	if !c.PeerCapability().Supports(proto.FeaturePeerExchange) {
		return nil
	}
	nonce := newNonce()
	ch := make(chan *proto.PeerExchangeRespMsg, 1)
	s.mu.Lock()
	s.pending[nonce] = pendingExchange{connID: c.ID(), ch: ch}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, nonce)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExchangeTimeout)
	defer cancel()
	req := &proto.PeerExchangeReqMsg{Nonce: nonce, Peers: s.reportFor(c.PeerID())}
	if err := c.Send(ctx, req); err != nil {
		return err
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrExchangeAborted
		}
		n := s.peers.Merge(resp.Peers, peer.SourceGossip)
		s.log.Debugw("peer exchange", "conn", c.String(), "received", len(resp.Peers), "accepted", n)
		return nil
	case <-c.Done():
		return fmt.Errorf("%w: %s", ErrExchangeAborted, c.CloseReason())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) exchangeRandom(ctx context.Context) {
	var eligible []*node.Connection
	for _, c := range s.n.Connections() {
		if c.PeerCapability().Supports(proto.FeaturePeerExchange) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return
	}
	c := eligible[rand.IntN(len(eligible))]
	if err := s.Exchange(ctx, c); err != nil && ctx.Err() == nil {
		s.log.Debugw("periodic peer exchange failed", "conn", c.String(), "err", err)
	}
}

// reportFor returns our known peers minus the recipient.
func (s *Service) reportFor(to identity.ID) []proto.PeerRecord {
	recs := s.peers.Reported(proto.MaxReportedPeers)
	out := recs[:0]
	for _, r := range recs {
		if r.Capability.NetworkID.ID() != to {
			out = append(out, r)
		}
	}
	return out
}

func (s *Service) handleExchangeReq(c *node.Connection, m proto.Message) {
	req := m.(*proto.PeerExchangeReqMsg)
	s.peers.Merge(req.Peers, peer.SourceGossip)
	resp := &proto.PeerExchangeRespMsg{RequestNonce: req.Nonce, Peers: s.reportFor(c.PeerID())}
	s.n.SendAsync(c, resp)
}

func (s *Service) handleExchangeResp(c *node.Connection, m proto.Message) {
	resp := m.(*proto.PeerExchangeRespMsg)
	s.mu.Lock()
	p, ok := s.pending[resp.RequestNonce]
	if ok && p.connID == c.ID() {
		delete(s.pending, resp.RequestNonce)
	}
	s.mu.Unlock()
	if !ok || p.connID != c.ID() {
		s.log.Debugw("unsolicited peer exchange response", "conn", c.String(), "nonce", resp.RequestNonce)
		return
	}
	p.ch <- resp
}

func newNonce() uint64 {
	var b [8]byte
	_, _ = crand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}
