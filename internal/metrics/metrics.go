// Package metrics wires the Communication core's operational counters
// and gauges into Prometheus, in the style the retrieved corpus uses
// (github.com/prometheus/client_golang, as depended on by the
// telepresence, conniver and sockstats example repos).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set is the full collection of Communication metrics, grouped so a
// single instance can be registered once per Communication instance
// and handed to every strand.
type Set struct {
	SendQueueDepth    *prometheus.GaugeVec
	SendQueueRejected *prometheus.CounterVec
	MessagesSent      *prometheus.CounterVec
	AcksReceived      *prometheus.CounterVec
	Retransmits       *prometheus.CounterVec

	UndeliveredMessages prometheus.Gauge
	DuplicatesDropped   *prometheus.CounterVec
	DeliveredMessages   *prometheus.CounterVec

	DatagramsDropped *prometheus.CounterVec
	ReceiverPaused    prometheus.Counter

	DiscovererKnownNodes     *prometheus.GaugeVec
	DiscoverSent             prometheus.Counter
	NodeInfoSent             prometheus.Counter
	NewNodeEvents            prometheus.Counter
	ExcludeNodeEvents        prometheus.Counter

	HeartbeatsSent prometheus.Counter
}

// New constructs a Set and registers it with reg. reg may be a fresh
// prometheus.NewRegistry() (preferred for tests, to avoid collisions
// with prometheus.DefaultRegisterer across multiple Communication
// instances in the same process).
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		SendQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "safir_comm", Subsystem: "datasender", Name: "queue_depth",
			Help: "Number of fragments currently queued, including the single-message extension region.",
		}, []string{"node_type"}),
		SendQueueRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safir_comm", Subsystem: "datasender", Name: "queue_rejected_total",
			Help: "Number of AddToSendQueue calls rejected because the queue was full.",
		}, []string{"node_type"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safir_comm", Subsystem: "datasender", Name: "messages_sent_total",
			Help: "Number of fragment datagrams transmitted.",
		}, []string{"node_type"}),
		AcksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safir_comm", Subsystem: "datasender", Name: "acks_received_total",
			Help: "Number of per-receiver acks that cleared a pending fragment.",
		}, []string{"node_type"}),
		Retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safir_comm", Subsystem: "datasender", Name: "retransmits_total",
			Help: "Number of fragment retransmissions.",
		}, []string{"node_type"}),
		UndeliveredMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "safir_comm", Subsystem: "delivery", Name: "undelivered_messages",
			Help: "Messages posted to the delivery executor but not yet consumed by the application.",
		}),
		DuplicatesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safir_comm", Subsystem: "delivery", Name: "duplicates_dropped_total",
			Help: "Duplicate datagrams dropped on receive.",
		}, []string{"peer"}),
		DeliveredMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safir_comm", Subsystem: "delivery", Name: "delivered_messages_total",
			Help: "Reassembled messages posted to the application callback.",
		}, []string{"peer"}),
		DatagramsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safir_comm", Subsystem: "transport", Name: "datagrams_dropped_total",
			Help: "Datagrams dropped for being shorter than their declared header.",
		}, []string{"socket"}),
		ReceiverPaused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "safir_comm", Subsystem: "transport", Name: "receiver_paused_total",
			Help: "Number of times reception was paused because the upper layer was saturated.",
		}),
		DiscovererKnownNodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "safir_comm", Subsystem: "discoverer", Name: "known_nodes",
			Help: "Size of each Discoverer set.",
		}, []string{"set"}),
		DiscoverSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "safir_comm", Subsystem: "discoverer", Name: "discover_sent_total",
			Help: "Discover messages emitted.",
		}),
		NodeInfoSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "safir_comm", Subsystem: "discoverer", Name: "node_info_sent_total",
			Help: "NodeInfo packets emitted.",
		}),
		NewNodeEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "safir_comm", Subsystem: "discoverer", Name: "new_node_total",
			Help: "NewNode callbacks fired.",
		}),
		ExcludeNodeEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "safir_comm", Subsystem: "discoverer", Name: "exclude_node_total",
			Help: "ExcludeNode calls processed.",
		}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "safir_comm", Subsystem: "heartbeat", Name: "sent_total",
			Help: "Heartbeat datagrams sent.",
		}),
	}
	for _, c := range []prometheus.Collector{
		s.SendQueueDepth, s.SendQueueRejected, s.MessagesSent, s.AcksReceived, s.Retransmits,
		s.UndeliveredMessages, s.DuplicatesDropped, s.DeliveredMessages,
		s.DatagramsDropped, s.ReceiverPaused,
		s.DiscovererKnownNodes, s.DiscoverSent, s.NodeInfoSent, s.NewNodeEvents, s.ExcludeNodeEvents,
		s.HeartbeatsSent,
	} {
		reg.MustRegister(c)
	}
	return s
}
