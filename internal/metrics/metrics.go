package metrics

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "pongnet"

type Snapshot struct {
	GeneratedAt           time.Time         `json:"generated_at"`
	PacketsSent           uint64            `json:"packets_sent"`
	PacketsReceived       uint64            `json:"packets_received"`
	Delivered             map[string]uint64 `json:"delivered"`
	Drops                 map[string]uint64 `json:"drops"`
	Handshakes            uint64            `json:"handshakes"`
	Retransmits           uint64            `json:"retransmits"`
	PeerRotations         uint64            `json:"peer_rotations"`
	KeyRotations          uint64            `json:"key_rotations"`
	Evictions             uint64            `json:"evictions"`
	AnnouncementsSent     uint64            `json:"announcements_sent"`
	AnnouncementsReceived uint64            `json:"announcements_received"`
	Peers                 int               `json:"peers"`
}

// Metrics holds one subsystem's counters on its own registry so several
// instances can live in one process. A nil *Metrics records nothing.
type Metrics struct {
	reg *prometheus.Registry

	packetsSent           prometheus.Counter
	packetsReceived       prometheus.Counter
	delivered             *prometheus.CounterVec
	drops                 *prometheus.CounterVec
	handshakes            prometheus.Counter
	retransmits           prometheus.Counter
	peerRotations         prometheus.Counter
	keyRotations          prometheus.Counter
	evictions             prometheus.Counter
	announcementsSent     prometheus.Counter
	announcementsReceived prometheus.Counter
	peers                 prometheus.Gauge
}

func New() *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	m := &Metrics{
		reg:             prometheus.NewRegistry(),
		packetsSent:     counter("packets_sent_total", "Datagrams written to the data socket"),
		packetsReceived: counter("packets_received_total", "Datagrams read from the data socket"),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Authenticated messages dispatched, by channel",
		}, []string{"channel"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drops_total",
			Help:      "Packets or messages dropped, by reason",
		}, []string{"reason"}),
		handshakes:            counter("handshakes_total", "Sessions that reached the active state"),
		retransmits:           counter("retransmits_total", "Control messages resent after a stall"),
		peerRotations:         counter("peer_key_rotations_total", "Trusted peer key changes"),
		keyRotations:          counter("key_rotations_total", "Local key generations created"),
		evictions:             counter("evictions_total", "Peers evicted for silence"),
		announcementsSent:     counter("announcements_sent_total", "Discovery announcements sent"),
		announcementsReceived: counter("announcements_received_total", "Discovery announcements accepted"),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Peers currently in the registry",
		}),
	}
	m.reg.MustRegister(
		m.packetsSent, m.packetsReceived, m.delivered, m.drops,
		m.handshakes, m.retransmits, m.peerRotations, m.keyRotations,
		m.evictions, m.announcementsSent, m.announcementsReceived, m.peers,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves this instance's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) IncPacketSent() {
	if m != nil {
		m.packetsSent.Inc()
	}
}

func (m *Metrics) IncPacketReceived() {
	if m != nil {
		m.packetsReceived.Inc()
	}
}

func (m *Metrics) IncDelivered(channel string) {
	if m != nil {
		m.delivered.WithLabelValues(channel).Inc()
	}
}

func (m *Metrics) IncDrop(reason string) {
	if m != nil {
		m.drops.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncHandshake() {
	if m != nil {
		m.handshakes.Inc()
	}
}

func (m *Metrics) IncRetransmit() {
	if m != nil {
		m.retransmits.Inc()
	}
}

func (m *Metrics) IncPeerRotation() {
	if m != nil {
		m.peerRotations.Inc()
	}
}

func (m *Metrics) IncKeyRotation() {
	if m != nil {
		m.keyRotations.Inc()
	}
}

func (m *Metrics) AddEvictions(n int) {
	if m != nil && n > 0 {
		m.evictions.Add(float64(n))
	}
}

func (m *Metrics) IncAnnouncementSent() {
	if m != nil {
		m.announcementsSent.Inc()
	}
}

func (m *Metrics) IncAnnouncementReceived() {
	if m != nil {
		m.announcementsReceived.Inc()
	}
}

func (m *Metrics) SetPeers(n int) {
	if m != nil {
		m.peers.Set(float64(n))
	}
}

// Snapshot gathers the registry into a plain struct for JSON dumps.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		GeneratedAt: time.Now().UTC(),
		Delivered:   map[string]uint64{},
		Drops:       map[string]uint64{},
	}
	if m == nil {
		return snap
	}
	families, err := m.reg.Gather()
	if err != nil {
		return snap
	}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			v := uint64(metric.GetCounter().GetValue())
			switch mf.GetName() {
			case namespace + "_packets_sent_total":
				snap.PacketsSent = v
			case namespace + "_packets_received_total":
				snap.PacketsReceived = v
			case namespace + "_messages_delivered_total":
				snap.Delivered[label(metric, "channel")] = v
			case namespace + "_drops_total":
				snap.Drops[label(metric, "reason")] = v
			case namespace + "_handshakes_total":
				snap.Handshakes = v
			case namespace + "_retransmits_total":
				snap.Retransmits = v
			case namespace + "_peer_key_rotations_total":
				snap.PeerRotations = v
			case namespace + "_key_rotations_total":
				snap.KeyRotations = v
			case namespace + "_evictions_total":
				snap.Evictions = v
			case namespace + "_announcements_sent_total":
				snap.AnnouncementsSent = v
			case namespace + "_announcements_received_total":
				snap.AnnouncementsReceived = v
			case namespace + "_peers":
				snap.Peers = int(metric.GetGauge().GetValue())
			}
		}
	}
	return snap
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func label(metric *dto.Metric, name string) string {
	for _, lp := range metric.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
