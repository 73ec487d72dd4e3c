package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Wire         WireMetrics       `json:"wire"`
	Conns        ConnMetrics       `json:"conns"`
	KeepAlive    KeepAliveMetrics  `json:"keepalive"`
	Data         DataMetrics       `json:"data"`
	RecvByType   map[string]uint64 `json:"recv_by_type"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
}

type WireMetrics struct {
	EnvelopesReceived uint64 `json:"envelopes_received"`
	PayloadDecodes    uint64 `json:"payload_decodes"`
	AuthFailures      uint64 `json:"auth_failures"`
}

type ConnMetrics struct {
	Inbound          int64  `json:"inbound"`
	Outbound         int64  `json:"outbound"`
	HandshakesOK     uint64 `json:"handshakes_ok"`
	HandshakesFailed uint64 `json:"handshakes_failed"`
}

type KeepAliveMetrics struct {
	PingsSent uint64 `json:"pings_sent"`
	Timeouts  uint64 `json:"timeouts"`
}

type DataMetrics struct {
	Added               uint64            `json:"added"`
	Removed             uint64            `json:"removed"`
	Rejected            map[string]uint64 `json:"rejected"`
	InventoryRounds     uint64            `json:"inventory_rounds"`
	InventoryIncomplete uint64            `json:"inventory_incomplete"`
	MailboxStored       uint64            `json:"mailbox_stored"`
	MailboxAcked        uint64            `json:"mailbox_acked"`
	DirectDelivered     uint64            `json:"direct_delivered"`
}

// Metrics is a set of process counters. A nil *Metrics is valid and counts
// nothing.
type Metrics struct {
	envelopesReceived atomic.Uint64
	payloadDecodes    atomic.Uint64
	authFailures      atomic.Uint64

	inbound          atomic.Int64
	outbound         atomic.Int64
	handshakesOK     atomic.Uint64
	handshakesFailed atomic.Uint64

	pingsSent    atomic.Uint64
	pingTimeouts atomic.Uint64

	dataAdded           atomic.Uint64
	dataRemoved         atomic.Uint64
	inventoryRounds     atomic.Uint64
	inventoryIncomplete atomic.Uint64
	mailboxStored       atomic.Uint64
	mailboxAcked        atomic.Uint64
	directDelivered     atomic.Uint64

	recvByType   *counterMap
	dropByReason *counterMap
	rejected     *counterMap
}

func New() *Metrics {
	return &Metrics{
		recvByType:   newCounterMap(),
		dropByReason: newCounterMap(),
		rejected:     newCounterMap(),
	}
}

func (m *Metrics) IncEnvelopeReceived() {
	if m != nil {
		m.envelopesReceived.Add(1)
	}
}

// IncPayloadDecode counts every attempt to decode a payload body.
func (m *Metrics) IncPayloadDecode() {
	if m != nil {
		m.payloadDecodes.Add(1)
	}
}

func (m *Metrics) IncAuthFailure() {
	if m != nil {
		m.authFailures.Add(1)
	}
}

func (m *Metrics) IncRecvByType(t string) {
	if m != nil {
		m.recvByType.inc(t)
	}
}

func (m *Metrics) IncDropByReason(reason string) {
	if m != nil {
		m.dropByReason.inc(reason)
	}
}

func (m *Metrics) AddConn(outbound bool, delta int64) {
	if m == nil {
		return
	}
	if outbound {
		m.outbound.Add(delta)
		return
	}
	m.inbound.Add(delta)
}

func (m *Metrics) IncHandshake(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.handshakesOK.Add(1)
		return
	}
	m.handshakesFailed.Add(1)
}

func (m *Metrics) IncPingSent() {
	if m != nil {
		m.pingsSent.Add(1)
	}
}

func (m *Metrics) IncPingTimeout() {
	if m != nil {
		m.pingTimeouts.Add(1)
	}
}

func (m *Metrics) IncDataAdded() {
	if m != nil {
		m.dataAdded.Add(1)
	}
}

func (m *Metrics) IncDataRemoved() {
	if m != nil {
		m.dataRemoved.Add(1)
	}
}

func (m *Metrics) IncDataRejected(reason string) {
	if m != nil {
		m.rejected.inc(reason)
	}
}

func (m *Metrics) IncInventoryRound() {
	if m != nil {
		m.inventoryRounds.Add(1)
	}
}

func (m *Metrics) IncInventoryIncomplete() {
	if m != nil {
		m.inventoryIncomplete.Add(1)
	}
}

func (m *Metrics) IncMailboxStored() {
	if m != nil {
		m.mailboxStored.Add(1)
	}
}

func (m *Metrics) IncMailboxAcked() {
	if m != nil {
		m.mailboxAcked.Add(1)
	}
}

func (m *Metrics) IncDirectDelivered() {
	if m != nil {
		m.directDelivered.Add(1)
	}
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{GeneratedAt: time.Now().UTC()}
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Wire: WireMetrics{
			EnvelopesReceived: m.envelopesReceived.Load(),
			PayloadDecodes:    m.payloadDecodes.Load(),
			AuthFailures:      m.authFailures.Load(),
		},
		Conns: ConnMetrics{
			Inbound:          m.inbound.Load(),
			Outbound:         m.outbound.Load(),
			HandshakesOK:     m.handshakesOK.Load(),
			HandshakesFailed: m.handshakesFailed.Load(),
		},
		KeepAlive: KeepAliveMetrics{
			PingsSent: m.pingsSent.Load(),
			Timeouts:  m.pingTimeouts.Load(),
		},
		Data: DataMetrics{
			Added:               m.dataAdded.Load(),
			Removed:             m.dataRemoved.Load(),
			Rejected:            m.rejected.snapshot(),
			InventoryRounds:     m.inventoryRounds.Load(),
			InventoryIncomplete: m.inventoryIncomplete.Load(),
			MailboxStored:       m.mailboxStored.Load(),
			MailboxAcked:        m.mailboxAcked.Load(),
			DirectDelivered:     m.directDelivered.Load(),
		},
		RecvByType:   m.recvByType.snapshot(),
		DropByReason: m.dropByReason.snapshot(),
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type counterMap struct {
	mu sync.Mutex
	m  map[string]uint64
}

func newCounterMap() *counterMap {
	return &counterMap{m: make(map[string]uint64)}
}

func (c *counterMap) inc(key string) {
	c.mu.Lock()
	c.m[key]++
	c.mu.Unlock()
}

func (c *counterMap) snapshot() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.m))
	for k, v := range c.m {
		out[k] = v
	}
	return out
}
