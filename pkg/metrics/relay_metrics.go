package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay metrics for the upstream/downstream packet lifecycle
var (
	// Inbound packets by FCM message_type ("upstream" for client packets)
	RelayPacketsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_packets_received_total",
		Help: "Total number of packets received from the push backbone",
	}, []string{"message_type"})

	RelayPacketsMalformedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_packets_malformed_total",
		Help: "Total number of packets that could not be parsed",
	})

	RelayPacketDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_packet_duration_seconds",
		Help:    "Time taken to process one inbound packet",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	RelayAcksSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_acks_sent_total",
		Help: "Total number of acks sent for upstream packets",
	}, []string{"status"})

	RelayDuplicatePacketsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_duplicate_packets_total",
		Help: "Total number of redelivered upstream packets that were not dispatched",
	})

	// Envelope failures by stage: "parse", "signature", "unwrap", "decrypt", "decode"
	RelayEnvelopeRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_envelope_rejected_total",
		Help: "Total number of encrypted envelopes rejected",
	}, []string{"stage", "code"})

	RelayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_requests_total",
		Help: "Total number of dispatched requests",
	}, []string{"upstream_type"})

	RelayDownstreamSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_downstream_sent_total",
		Help: "Total number of encrypted downstream packets",
	}, []string{"status"})

	RelayGroupFanoutSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_group_fanout_size",
		Help:    "Number of recipients per group fan-out",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	// Registry sizes
	RelayRegisteredKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_registered_keys",
		Help: "Current number of registered public keys",
	})

	RelayRegisteredGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_registered_groups",
		Help: "Current number of registered groups",
	})

	// Worker pool
	RelayQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_length",
		Help: "Current number of packets waiting for a worker",
	})

	RelayWorkerPanicTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_worker_panic_total",
		Help: "Total number of panics recovered while processing a packet",
	})

	// Collaborators
	RelayDeviceGroupRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_device_group_requests_total",
		Help: "Total number of device group create calls",
	}, []string{"status"})

	RelayConnectionEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_connection_events_total",
		Help: "Total number of transport connection events",
	}, []string{"transport", "event"}) // "connected", "reconnect", "draining", "closed"

	RelayLoopbackClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_loopback_clients",
		Help: "Current number of connected loopback websocket clients",
	})
)
