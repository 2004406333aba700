package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Chain observer metrics
	// ============================================
	ObserverHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_observer_chain_height",
			Help: "Latest chain height seen by the observer",
		},
		[]string{"chain"},
	)

	ObserverWatermark = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_observer_watermark",
			Help: "Persisted observer watermark height",
		},
		[]string{"chain"},
	)

	ObserverEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_observer_events_total",
			Help: "Total confirmed events emitted by the observer",
		},
		[]string{"chain"},
	)

	ChainQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_chain_query_errors_total",
			Help: "Total chain query failures",
		},
		[]string{"chain", "op"},
	)

	// ============================================
	// Threshold signing metrics
	// ============================================
	SigningSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_signing_sessions_total",
			Help: "Total signing sessions by terminal state",
		},
		[]string{"result", "reason"},
	)

	SigningSessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bridge_signing_session_duration_seconds",
			Help:    "Wall time from session open to terminal state",
			Buckets: prometheus.DefBuckets,
		},
	)

	DKGCeremonies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_dkg_ceremonies_total",
			Help: "Total DKG ceremonies by outcome",
		},
		[]string{"outcome"},
	)

	// ============================================
	// Operator transport metrics
	// ============================================
	TransportMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_transport_messages_total",
			Help: "Total operator transport messages by direction",
		},
		[]string{"direction", "type"},
	)

	TransportDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_transport_dropped_total",
			Help: "Total inbound transport messages dropped before dispatch",
		},
		[]string{"reason"},
	)

	TransportConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_transport_connected",
		Help: "Operator transport connection status (1=connected, 0=disconnected)",
	})

	// ============================================
	// Bridge flow metrics
	// ============================================
	DepositsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_deposits_processed_total",
		Help: "Total deposits minted and marked processed",
	})

	WithdrawalsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_withdrawals_processed_total",
		Help: "Total withdrawals released and marked processed",
	})

	AddressesAllocated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_addresses_allocated_total",
		Help: "Total deposit subaddresses allocated",
	})

	ActionSubmissionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_action_submission_errors_total",
			Help: "Total failed chain action submissions",
		},
		[]string{"action"},
	)

	StatusSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_status_subscribers",
		Help: "Currently connected status stream subscribers",
	})
)
