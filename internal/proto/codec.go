package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	MsgTypeHandshakeReq     = "handshake_req"
	MsgTypeHandshakeResp    = "handshake_resp"
	MsgTypePing             = "ping"
	MsgTypePong             = "pong"
	MsgTypePeerExchangeReq  = "peer_exchange_req"
	MsgTypePeerExchangeResp = "peer_exchange_resp"
	MsgTypeInventoryReq     = "inventory_req"
	MsgTypeInventoryResp    = "inventory_resp"
	MsgTypeAddData          = "add_data"
	MsgTypeRemoveData       = "remove_data"
	MsgTypeDirect           = "direct_msg"
	MsgTypeCloseNotice      = "close_notice"
)

const (
	MaxHandshakeSize     = 16 << 10
	MaxPingSize          = 256
	MaxPeerExchangeSize  = 128 << 10
	MaxInventoryReqSize  = 512 << 10
	MaxInventoryRespSize = MaxFrameSize - envelopeOverhead
	MaxAddDataSize       = 160 << 10
	MaxRemoveDataSize    = 4 << 10
	MaxDirectSize        = 160 << 10
	MaxCloseNoticeSize   = 1 << 10
)

var (
	ErrUnknownType  = errors.New("unknown message type")
	ErrNonCanonical = errors.New("non-canonical encoding")
)

// Header carries the JSON type discriminator. Every message embeds it.
type Header struct {
	Type string `json:"type"`
}

func (h *Header) header() *Header { return h }

type typed interface {
	header() *Header
}

// Message is a decoded payload. Messages are always handled by pointer.
type Message interface {
	MsgType() string
	// Validate runs type-specific semantic checks after decoding.
	Validate() error
}

// MaxSizeForType returns the largest payload accepted for a type, 0 if the
// type is unknown.
func MaxSizeForType(t string) int {
	switch t {
	case MsgTypeHandshakeReq, MsgTypeHandshakeResp:
		return MaxHandshakeSize
	case MsgTypePing, MsgTypePong:
		return MaxPingSize
	case MsgTypePeerExchangeReq, MsgTypePeerExchangeResp:
		return MaxPeerExchangeSize
	case MsgTypeInventoryReq:
		return MaxInventoryReqSize
	case MsgTypeInventoryResp:
		return MaxInventoryRespSize
	case MsgTypeAddData:
		return MaxAddDataSize
	case MsgTypeRemoveData:
		return MaxRemoveDataSize
	case MsgTypeDirect:
		return MaxDirectSize
	case MsgTypeCloseNotice:
		return MaxCloseNoticeSize
	}
	return 0
}

// Encode marshals m with its type discriminator set.
func Encode(m Message) ([]byte, error) {
	t, ok := m.(typed)
	if !ok {
		return nil, fmt.Errorf("encode %s: message must be a pointer", m.MsgType())
	}
	t.header().Type = m.MsgType()
	return json.Marshal(m)
}

// DecodeMessage decodes a payload whose envelope type is typ.
func DecodeMessage(typ string, data []byte) (Message, error) {
	max := MaxSizeForType(typ)
	if max == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	if len(data) > max {
		return nil, fmt.Errorf("payload too large for type %s", typ)
	}
	var m Message
	switch typ {
	case MsgTypeHandshakeReq:
		m = &HandshakeReqMsg{}
	case MsgTypeHandshakeResp:
		m = &HandshakeRespMsg{}
	case MsgTypePing:
		m = &PingMsg{}
	case MsgTypePong:
		m = &PongMsg{}
	case MsgTypePeerExchangeReq:
		m = &PeerExchangeReqMsg{}
	case MsgTypePeerExchangeResp:
		m = &PeerExchangeRespMsg{}
	case MsgTypeInventoryReq:
		m = &InventoryReqMsg{}
	case MsgTypeInventoryResp:
		m = &InventoryRespMsg{}
	case MsgTypeAddData:
		m = &AddDataMsg{}
	case MsgTypeRemoveData:
		m = &RemoveDataMsg{}
	case MsgTypeDirect:
		m = &DirectMsg{}
	case MsgTypeCloseNotice:
		m = &CloseNoticeMsg{}
	}
	if err := decodeStrict(data, typ, m); err != nil {
		return nil, err
	}
	return m, nil
}

// decodeStrict rejects unknown fields, trailing data, a type field that
// disagrees with the envelope and anything that does not re-encode to the
// same bytes.
func decodeStrict(data []byte, want string, m Message) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(m); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after %s", want)
	}
	if got := m.(typed).header().Type; got != want {
		return fmt.Errorf("unexpected msg type: %s", got)
	}
	canon, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if !bytes.Equal(canon, data) {
		return fmt.Errorf("%w: %s", ErrNonCanonical, want)
	}
	return nil
}
