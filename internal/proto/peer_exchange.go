package proto

import "fmt"

// MaxReportedPeers bounds the peer list carried in one exchange.
const MaxReportedPeers = 200

// PeerRecord is a gossiped peer. Created is unix milliseconds.
type PeerRecord struct {
	Capability Capability `json:"capability"`
	Load       Load       `json:"load"`
	Outbound   bool       `json:"outbound"`
	Created    int64      `json:"created"`
}

type PeerExchangeReqMsg struct {
	Header
	Nonce uint64       `json:"nonce"`
	Peers []PeerRecord `json:"peers"`
}

func (PeerExchangeReqMsg) MsgType() string { return MsgTypePeerExchangeReq }

func (m PeerExchangeReqMsg) Validate() error {
	return validatePeers(m.Peers)
}

type PeerExchangeRespMsg struct {
	Header
	RequestNonce uint64       `json:"request_nonce"`
	Peers        []PeerRecord `json:"peers"`
}

func (PeerExchangeRespMsg) MsgType() string { return MsgTypePeerExchangeResp }

func (m PeerExchangeRespMsg) Validate() error {
	return validatePeers(m.Peers)
}

// validatePeers only bounds the list. Individual bad records are skipped at
// merge time so one bad record does not void the rest.
func validatePeers(peers []PeerRecord) error {
	if len(peers) > MaxReportedPeers {
		return fmt.Errorf("too many peers: %d", len(peers))
	}
	return nil
}

func errTooLong(what string) error {
	return fmt.Errorf("%s too long", what)
}
