package proto

type PingMsg struct {
	Header
	Nonce uint64 `json:"nonce"`
}

func (PingMsg) MsgType() string { return MsgTypePing }
func (PingMsg) Validate() error { return nil }

type PongMsg struct {
	Header
	RequestNonce uint64 `json:"request_nonce"`
}

func (PongMsg) MsgType() string { return MsgTypePong }
func (PongMsg) Validate() error { return nil }

type CloseNoticeMsg struct {
	Header
	Reason string `json:"reason"`
}

func (CloseNoticeMsg) MsgType() string { return MsgTypeCloseNotice }

func (m CloseNoticeMsg) Validate() error {
	if len(m.Reason) > 256 {
		return errTooLong("close_notice reason")
	}
	return nil
}
