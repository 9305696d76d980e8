// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the pipeline emits. A single instance is
// created at boot and injected; tests create their own against a private
// registry so assertions never race across packages.
type Metrics struct {
	// Ingest gateway
	FramesPublished  prometheus.Counter
	PublishFailures  prometheus.Counter
	PublishCongested prometheus.Counter
	IngestConns      prometheus.Gauge

	// ASR worker
	ChunksSent           prometheus.Counter
	ChunksSilent         prometheus.Counter
	ConnectionsCreated   prometheus.Counter
	ConnectionsActive    *prometheus.GaugeVec // per interaction_id, must stay <= 1
	TranscriptsReceived  prometheus.Counter
	TranscriptsDropped   prometheus.Counter
	VendorFailures       prometheus.Counter
	FirstPartialLatency  prometheus.Histogram
	ActiveBuffers        prometheus.Gauge
	AudioSeqGaps         prometheus.Counter

	// Fan-out
	SSEClientsActive  prometheus.Gauge
	SSEDelivered      prometheus.Counter
	SSEDroppedSlow    prometheus.Counter
	SubscriptionsOpen prometheus.Gauge

	// Bus
	BusReconnects prometheus.Counter
}

// New registers all collectors on reg and returns the handle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FramesPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_frames_published_total",
			Help: "Audio frames published to the audio stream",
		}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_publish_failures_total",
			Help: "Audio frame publishes that exhausted retries",
		}),
		PublishCongested: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_publish_congested_total",
			Help: "Publish latency exceeded the congestion threshold",
		}),
		IngestConns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_connections_active",
			Help: "Open telephony WebSocket connections",
		}),
		ChunksSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_vendor_chunks_sent_total",
			Help: "Audio chunks forwarded to the ASR vendor",
		}),
		ChunksSilent: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_chunks_silent_total",
			Help: "Audio chunks suppressed by the silence gate",
		}),
		ConnectionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_vendor_connections_created_total",
			Help: "Vendor streaming connections opened",
		}),
		ConnectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "asr_vendor_connections_active_per_call",
			Help: "Live vendor connections per interaction id",
		}, []string{"interaction_id"}),
		TranscriptsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_transcripts_received_total",
			Help: "Transcript events received from the vendor",
		}),
		TranscriptsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_transcripts_dropped_total",
			Help: "Empty or malformed vendor transcripts dropped",
		}),
		VendorFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_vendor_failures_total",
			Help: "Calls abandoned after exhausting vendor reconnects",
		}),
		FirstPartialLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "asr_first_partial_latency_seconds",
			Help:    "First audio frame of a call to first published partial",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		ActiveBuffers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "asr_active_buffers",
			Help: "Per-call audio buffers currently held by the worker",
		}),
		AudioSeqGaps: factory.NewCounter(prometheus.CounterOpts{
			Name: "asr_audio_seq_gaps_total",
			Help: "Gaps observed in per-call audio frame sequence numbers",
		}),
		SSEClientsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sse_active_connections",
			Help: "Number of active SSE connections",
		}),
		SSEDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "sse_messages_delivered_total",
			Help: "Total number of messages delivered via SSE",
		}),
		SSEDroppedSlow: factory.NewCounter(prometheus.CounterOpts{
			Name: "sse_clients_dropped_slow_total",
			Help: "SSE clients disconnected after queue saturation",
		}),
		SubscriptionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fanout_subscriptions_open",
			Help: "Per-call transcript subscriptions held by the fan-out",
		}),
		BusReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "bus_reconnects_total",
			Help: "Bus consumer reconnect attempts",
		}),
	}
}

// NewForTest returns metrics on a throwaway registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
