package dhtget

import (
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	prometheus.MustRegister(
		knownPeers,
		discoveredPeerSightings,
		chunksReceived,
		bytesReceived,
		blocksVerified,
		blockVerificationFailures,
		chunkRequestFailures,
		metadataWarnings,
		sessionStateTransitions,
	)
}

var (
	knownPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dhtget",
		Name:      "known_peers",
		Help:      "Peers that completed a handshake, across sessions.",
	})
	discoveredPeerSightings = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dhtget",
		Name:      "discovered_peer_sightings_total",
	})
	chunksReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dhtget",
		Name:      "chunks_received_total",
	})
	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dhtget",
		Name:      "chunk_bytes_received_total",
	})
	blocksVerified = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dhtget",
		Name:      "blocks_verified_total",
	})
	blockVerificationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dhtget",
		Name:      "block_verification_failures_total",
	})
	chunkRequestFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dhtget",
		Name:      "chunk_request_failures_total",
	})
	metadataWarnings = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dhtget",
		Name:      "metadata_warnings_total",
	})
	sessionStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dhtget",
		Name:      "session_state_transitions_total",
	}, []string{"to"})
)
