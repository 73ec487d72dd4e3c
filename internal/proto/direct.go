package proto

import (
	"encoding/binary"
	"errors"

	"overlaynet/internal/crypto"
)

const maxMsgIDLen = 64

// DirectMsg is a sealed point-to-point message. Sender signs SigBytes with
// its identity key.
type DirectMsg struct {
	Header
	MsgID   string        `json:"msg_id"`
	Sender  []byte        `json:"sender"`
	Sealed  crypto.Sealed `json:"sealed"`
	Created int64         `json:"created"`
	Sig     []byte        `json:"sig"`
}

func (DirectMsg) MsgType() string { return MsgTypeDirect }

func (m DirectMsg) Validate() error {
	if m.MsgID == "" || len(m.MsgID) > maxMsgIDLen {
		return errors.New("direct_msg: bad id")
	}
	if !crypto.IsPublicKey(m.Sender) {
		return errors.New("direct_msg: bad sender key")
	}
	if len(m.Sealed.EphemeralPub) != 32 || len(m.Sealed.Nonce) != crypto.XNonceSize {
		return errors.New("direct_msg: bad seal")
	}
	if len(m.Sig) != crypto.SignatureSize {
		return errors.New("direct_msg: bad signature length")
	}
	return nil
}

func (m DirectMsg) SigBytes() []byte {
	out := append([]byte("overlay:direct:v1|"), lp([]byte(m.MsgID))...)
	out = append(out, lp(m.Sender)...)
	out = append(out, lp(m.Sealed.EphemeralPub)...)
	out = append(out, lp(m.Sealed.Nonce)...)
	out = append(out, lp(m.Sealed.Ciphertext)...)
	out = binary.BigEndian.AppendUint64(out, uint64(m.Created))
	return out
}
