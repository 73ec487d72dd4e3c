package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type desc struct {
	d     *prometheus.Desc
	vtype prometheus.ValueType
	value func(Snapshot) float64
}

// collector exports Snapshot values at scrape time.
type collector struct {
	m        *Metrics
	scalars  []desc
	recv     *prometheus.Desc
	drops    *prometheus.Desc
	rejected *prometheus.Desc
}

func NewCollector(m *Metrics, namespace string) prometheus.Collector {
	counter := func(name, help string, f func(Snapshot) float64) desc {
		return desc{d: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil), vtype: prometheus.CounterValue, value: f}
	}
	gauge := func(name, help string, f func(Snapshot) float64) desc {
		return desc{d: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil), vtype: prometheus.GaugeValue, value: f}
	}
	return &collector{
		m: m,
		scalars: []desc{
			counter("envelopes_received_total", "Envelopes read off the wire", func(s Snapshot) float64 { return float64(s.Wire.EnvelopesReceived) }),
			counter("payload_decodes_total", "Payload bodies decoded after token verification", func(s Snapshot) float64 { return float64(s.Wire.PayloadDecodes) }),
			counter("auth_failures_total", "Envelopes with a missing or invalid proof of work", func(s Snapshot) float64 { return float64(s.Wire.AuthFailures) }),
			gauge("connections_inbound", "Open inbound connections", func(s Snapshot) float64 { return float64(s.Conns.Inbound) }),
			gauge("connections_outbound", "Open outbound connections", func(s Snapshot) float64 { return float64(s.Conns.Outbound) }),
			counter("handshakes_ok_total", "Completed handshakes", func(s Snapshot) float64 { return float64(s.Conns.HandshakesOK) }),
			counter("handshakes_failed_total", "Failed handshakes", func(s Snapshot) float64 { return float64(s.Conns.HandshakesFailed) }),
			counter("pings_sent_total", "Keep-alive pings sent", func(s Snapshot) float64 { return float64(s.KeepAlive.PingsSent) }),
			counter("ping_timeouts_total", "Keep-alive timeouts", func(s Snapshot) float64 { return float64(s.KeepAlive.Timeouts) }),
			counter("data_added_total", "Accepted data entries", func(s Snapshot) float64 { return float64(s.Data.Added) }),
			counter("data_removed_total", "Accepted tombstones", func(s Snapshot) float64 { return float64(s.Data.Removed) }),
			counter("inventory_rounds_total", "Inventory request rounds", func(s Snapshot) float64 { return float64(s.Data.InventoryRounds) }),
			counter("inventory_incomplete_total", "Reconciliations that stopped with data outstanding", func(s Snapshot) float64 { return float64(s.Data.InventoryIncomplete) }),
			counter("mailbox_stored_total", "Messages stored to a mailbox", func(s Snapshot) float64 { return float64(s.Data.MailboxStored) }),
			counter("mailbox_acked_total", "Mailbox messages acknowledged", func(s Snapshot) float64 { return float64(s.Data.MailboxAcked) }),
			counter("direct_delivered_total", "Direct messages delivered", func(s Snapshot) float64 { return float64(s.Data.DirectDelivered) }),
		},
		recv:     prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "received_total"), "Messages received by type", []string{"type"}, nil),
		drops:    prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "dropped_total"), "Envelopes dropped by reason", []string{"reason"}, nil),
		rejected: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "data_rejected_total"), "Data writes rejected by reason", []string{"reason"}, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, s := range c.scalars {
		ch <- s.d
	}
	ch <- c.recv
	ch <- c.drops
	ch <- c.rejected
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.m.Snapshot()
	for _, s := range c.scalars {
		ch <- prometheus.MustNewConstMetric(s.d, s.vtype, s.value(snap))
	}
	for k, v := range snap.RecvByType {
		ch <- prometheus.MustNewConstMetric(c.recv, prometheus.CounterValue, float64(v), k)
	}
	for k, v := range snap.DropByReason {
		ch <- prometheus.MustNewConstMetric(c.drops, prometheus.CounterValue, float64(v), k)
	}
	for k, v := range snap.Data.Rejected {
		ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(v), k)
	}
}

// Handler serves m in the Prometheus text format on its own registry.
func Handler(m *Metrics, namespace string) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(m, namespace)); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
