package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"overlaynet/internal/crypto"
	"overlaynet/internal/identity"
)

const (
	FeaturePeerExchange = "peer_exchange"
	FeatureHashSet      = "hash_set"
	FeatureBloom        = "bloom"
	FeatureMailbox      = "mailbox"

	maxFeatures = 16
)

// Capability is a peer's advertised identity plus the features it speaks.
type Capability struct {
	NetworkID identity.NetworkID `json:"network_id"`
	Features  []string           `json:"features"`
}

func (c Capability) Supports(feature string) bool {
	return slices.Contains(c.Features, feature)
}

func (c Capability) validate() error {
	if err := c.NetworkID.Validate(); err != nil {
		return err
	}
	if len(c.Features) > maxFeatures {
		return errors.New("too many features")
	}
	return nil
}

// Load reports a node's current connection count.
type Load struct {
	NumConnections int `json:"num_connections"`
}

type HandshakeReqMsg struct {
	Header
	Capability Capability `json:"capability"`
	Load       Load       `json:"load"`
	Nonce      uint64     `json:"nonce"`
	Timestamp  int64      `json:"ts"`
	Sig        []byte     `json:"sig"`
}

func (HandshakeReqMsg) MsgType() string { return MsgTypeHandshakeReq }

func (m HandshakeReqMsg) Validate() error {
	if err := m.Capability.validate(); err != nil {
		return fmt.Errorf("handshake_req: %w", err)
	}
	if len(m.Sig) != crypto.SignatureSize {
		return errors.New("handshake_req: bad signature length")
	}
	return nil
}

// SigBytes is what the initiator signs.
func (m HandshakeReqMsg) SigBytes() []byte {
	m.Type = MsgTypeHandshakeReq
	m.Sig = nil
	b, _ := json.Marshal(m)
	return append([]byte("overlay:hs:req:v1|"), b...)
}

type HandshakeRespMsg struct {
	Header
	Capability   Capability `json:"capability"`
	Load         Load       `json:"load"`
	Nonce        uint64     `json:"nonce"`
	RequestNonce uint64     `json:"request_nonce"`
	Timestamp    int64      `json:"ts"`
	Sig          []byte     `json:"sig"`
}

func (HandshakeRespMsg) MsgType() string { return MsgTypeHandshakeResp }

func (m HandshakeRespMsg) Validate() error {
	if err := m.Capability.validate(); err != nil {
		return fmt.Errorf("handshake_resp: %w", err)
	}
	if len(m.Sig) != crypto.SignatureSize {
		return errors.New("handshake_resp: bad signature length")
	}
	return nil
}

// SigBytes covers the request nonce so a response cannot be replayed to a
// different request.
func (m HandshakeRespMsg) SigBytes() []byte {
	m.Type = MsgTypeHandshakeResp
	m.Sig = nil
	b, _ := json.Marshal(m)
	return append([]byte("overlay:hs:resp:v1|"), b...)
}
