package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_escrow"

var (
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_claims_total", Help: "Ride claim attempts by result"},
		[]string{"result"},
	)
	ClaimLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "ride_claim_latency_seconds", Help: "Ride claim transaction latency"})

	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride lifecycle transitions by target status"},
		[]string{"status"},
	)

	WalletOps = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "wallet_operations_total", Help: "Wallet ledger operations by kind and result"},
		[]string{"op", "result"},
	)

	LocationPings = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_pings_total", Help: "Driver location pings by result"},
		[]string{"result"},
	)
	SnapshotWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_snapshot_writes_total", Help: "Durable snapshot decisions by outcome"},
		[]string{"outcome"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Ride notifications by result"},
		[]string{"result"},
	)
	QueueJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "queue_jobs_total", Help: "Background jobs by result"},
		[]string{"result"},
	)

	SweepActions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "sweep_actions_total", Help: "Sweeper actions by kind"},
		[]string{"action"},
	)

	WSSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Connected driver websocket sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
