// Package stats aggregates Class B events into per-device, per-group and
// network summaries and exposes them as Prometheus metrics.
package stats

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lorawan-server/lorawan-classb/internal/events"
	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

// DeviceSummary aggregates one end device.
type DeviceSummary struct {
	DevAddr         lorawan.DevAddr `json:"dev_addr"`
	BeaconsReceived uint64          `json:"beacons_received"`
	BeaconsMissed   uint64          `json:"beacons_missed"`
	Locks           uint64          `json:"locks"`
	Losses          uint64          `json:"losses"`
	UnicastPings    uint64          `json:"unicast_pings"`
	MulticastPings  uint64          `json:"multicast_pings"`
	FailedPings     uint64          `json:"failed_pings"`
	SlotsOpened     uint64          `json:"slots_opened"`
	Relayed         uint64          `json:"relayed"`
	UplinksSent     uint64          `json:"uplinks_sent"`
	FragmentsMissed uint64          `json:"fragments_missed"`
	HitRuns         RunStats        `json:"hit_runs"`
	MissRuns        RunStats        `json:"miss_runs"`
	Class           string          `json:"class"`
	BeaconState     string          `json:"beacon_state"`
}

// BeaconHitRatio is received / (received + missed).
func (d DeviceSummary) BeaconHitRatio() float64 {
	total := d.BeaconsReceived + d.BeaconsMissed
	if total == 0 {
		return 0
	}
	return float64(d.BeaconsReceived) / float64(total)
}

// GroupSummary aggregates one multicast group.
type GroupSummary struct {
	Address  lorawan.DevAddr `json:"address"`
	Members  int             `json:"members"`
	Sent     uint64          `json:"sent"`
	Received uint64          `json:"received"`
	Gateways uint64          `json:"gateways"`
}

// DeliveryRatio is received / (sent * members).
func (g GroupSummary) DeliveryRatio() float64 {
	if g.Sent == 0 || g.Members == 0 {
		return 0
	}
	return float64(g.Received) / float64(g.Sent*uint64(g.Members))
}

// NetworkSummary aggregates the network scheduler.
type NetworkSummary struct {
	BeaconsBroadcast uint64   `json:"beacons_broadcast"`
	BeaconsBlocked   uint64   `json:"beacons_blocked"`
	BeaconGateways   uint64   `json:"beacon_gateways"`
	MulticastSent    uint64   `json:"multicast_sent"`
	UnicastSent      uint64   `json:"unicast_sent"`
	Suspensions      uint64   `json:"suspensions"`
	PingSlotInfoReqs uint64   `json:"ping_slot_info_reqs"`
	SendRuns         RunStats `json:"send_runs"`
	SkipRuns         RunStats `json:"skip_runs"`
}

// Summary is a snapshot of everything collected.
type Summary struct {
	Network NetworkSummary  `json:"network"`
	Devices []DeviceSummary `json:"devices"`
	Groups  []GroupSummary  `json:"groups"`
}

type metrics struct {
	beacons      *prometheus.CounterVec
	deviceBeacon *prometheus.CounterVec
	pingsSent    *prometheus.CounterVec
	pingsRecv    *prometheus.CounterVec
	pingFailures prometheus.Counter
	relayed      prometheus.Counter
	fragments    prometheus.Counter
	gateways     prometheus.Histogram
	classB       prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		beacons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "classb",
			Name:      "network_beacons_total",
			Help:      "Beacon periods by broadcast outcome.",
		}, []string{"result"}),
		deviceBeacon: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "classb",
			Name:      "device_beacons_total",
			Help:      "Beacon reserved periods seen by devices, by outcome.",
		}, []string{"result"}),
		pingsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "classb",
			Name:      "pings_sent_total",
			Help:      "Ping slot downlinks sent by the network.",
		}, []string{"service"}),
		pingsRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "classb",
			Name:      "pings_received_total",
			Help:      "Ping slot downlinks received by devices.",
		}, []string{"service"}),
		pingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "classb",
			Name:      "ping_failures_total",
			Help:      "Ping slot receptions that started but failed.",
		}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "classb",
			Name:      "relayed_packets_total",
			Help:      "Multicast packets retransmitted by devices.",
		}),
		fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "classb",
			Name:      "fragments_missed_total",
			Help:      "Sequenced downlink fragments detected as missing.",
		}),
		gateways: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "classb",
			Name:      "multicast_gateways",
			Help:      "Gateways that transmitted each multicast ping.",
			Buckets:   prometheus.LinearBuckets(1, 1, 8),
		}),
		classB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "classb",
			Name:      "devices_in_class_b",
			Help:      "End devices currently operating in class B.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.beacons, m.deviceBeacon, m.pingsSent, m.pingsRecv,
			m.pingFailures, m.relayed, m.fragments, m.gateways, m.classB)
	}
	return m
}

// Collector implements events.Sink.
type Collector struct {
	mu      sync.Mutex
	devices map[lorawan.DevAddr]*DeviceSummary
	groups  map[lorawan.DevAddr]*GroupSummary
	network NetworkSummary
	members map[lorawan.DevAddr]lorawan.DevAddr
	m       *metrics
}

// NewCollector registers the collector's metrics on reg. A nil reg keeps the
// metrics unregistered.
func NewCollector(reg prometheus.Registerer) *Collector {
	return &Collector{
		devices: make(map[lorawan.DevAddr]*DeviceSummary),
		groups:  make(map[lorawan.DevAddr]*GroupSummary),
		members: make(map[lorawan.DevAddr]lorawan.DevAddr),
		m:       newMetrics(reg),
	}
}

// RegisterGroup declares a multicast group so its delivery ratio can be computed.
func (c *Collector) RegisterGroup(addr lorawan.DevAddr, members []lorawan.DevAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.group(addr)
	g.Members = len(members)
	for _, m := range members {
		c.members[m] = addr
	}
}

func (c *Collector) device(addr lorawan.DevAddr) *DeviceSummary {
	d, ok := c.devices[addr]
	if !ok {
		d = &DeviceSummary{DevAddr: addr, Class: lorawan.ClassA.String(), BeaconState: "Unlocked"}
		c.devices[addr] = d
	}
	return d
}

func (c *Collector) group(addr lorawan.DevAddr) *GroupSummary {
	g, ok := c.groups[addr]
	if !ok {
		g = &GroupSummary{Address: addr}
		c.groups[addr] = g
	}
	return g
}

// Handle implements events.Sink.
func (c *Collector) Handle(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev := e.(type) {
	case events.ClassChanged:
		c.device(ev.DevAddr).Class = ev.To.String()
		if ev.To == lorawan.ClassB {
			c.m.classB.Inc()
		} else if ev.From == lorawan.ClassB {
			c.m.classB.Dec()
		}
	case events.BeaconStateChanged:
		c.device(ev.DevAddr).BeaconState = ev.To
	case events.BeaconLocked:
		c.device(ev.DevAddr).Locks++
	case events.BeaconLost:
		c.device(ev.DevAddr).Losses++
	case events.BeaconReceived:
		c.device(ev.DevAddr).BeaconsReceived++
		c.m.deviceBeacon.WithLabelValues("received").Inc()
	case events.BeaconMissed:
		c.device(ev.DevAddr).BeaconsMissed++
		c.m.deviceBeacon.WithLabelValues("missed").Inc()
	case events.BeaconRunLength:
		d := c.device(ev.DevAddr)
		if ev.Hit {
			d.HitRuns.Add(ev.Count)
		} else {
			d.MissRuns.Add(ev.Count)
		}
	case events.PingSlotOpened:
		c.device(ev.DevAddr).SlotsOpened++
	case events.PingReceived:
		d := c.device(ev.DevAddr)
		if ev.Service == events.Multicast {
			d.MulticastPings++
			if g, ok := c.groups[ev.Destination]; ok {
				g.Received++
			}
		} else {
			d.UnicastPings++
		}
		c.m.pingsRecv.WithLabelValues(string(ev.Service)).Inc()
	case events.PingFailed:
		c.device(ev.DevAddr).FailedPings++
		c.m.pingFailures.Inc()
	case events.PacketRelayed:
		c.device(ev.DevAddr).Relayed++
		c.m.relayed.Inc()
	case events.FragmentsMissed:
		c.device(ev.DevAddr).FragmentsMissed += ev.Current
		c.m.fragments.Add(float64(ev.Current))
	case events.UplinkSent:
		c.device(ev.DevAddr).UplinksSent++
	case events.BeaconBroadcast:
		c.network.BeaconsBroadcast++
		c.network.BeaconGateways += uint64(ev.Gateways)
		c.m.beacons.WithLabelValues("broadcast").Inc()
	case events.BeaconBlocked:
		c.network.BeaconsBlocked++
		c.m.beacons.WithLabelValues("blocked").Inc()
	case events.BroadcastRunLength:
		if ev.Sent {
			c.network.SendRuns.Add(ev.Count)
		} else {
			c.network.SkipRuns.Add(ev.Count)
		}
	case events.DownlinkSuspended:
		c.network.Suspensions++
	case events.MulticastPingSent:
		c.network.MulticastSent++
		g := c.group(ev.DevAddr)
		g.Sent++
		g.Gateways += uint64(ev.Gateways)
		c.m.pingsSent.WithLabelValues(string(events.Multicast)).Inc()
		c.m.gateways.Observe(float64(ev.Gateways))
	case events.UnicastPingSent:
		c.network.UnicastSent++
		c.m.pingsSent.WithLabelValues(string(events.Unicast)).Inc()
	case events.PingSlotInfoAccepted:
		c.network.PingSlotInfoReqs++
	}
}

// Device returns the summary of one device.
func (c *Collector) Device(addr lorawan.DevAddr) (DeviceSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[addr]
	if !ok {
		return DeviceSummary{}, false
	}
	return *d, true
}

// Summary returns a snapshot sorted by address.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{Network: c.network}
	for _, d := range c.devices {
		s.Devices = append(s.Devices, *d)
	}
	for _, g := range c.groups {
		s.Groups = append(s.Groups, *g)
	}
	sort.Slice(s.Devices, func(i, j int) bool {
		return s.Devices[i].DevAddr.Uint32() < s.Devices[j].DevAddr.Uint32()
	})
	sort.Slice(s.Groups, func(i, j int) bool {
		return s.Groups[i].Address.Uint32() < s.Groups[j].Address.Uint32()
	})
	return s
}
