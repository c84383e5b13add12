package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CircuitState tracks the state of each breaker (0 closed, 1 open, 2 half-open)
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scrapeguard_circuit_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"circuit"},
	)

	// CircuitCallsTotal tracks breaker-guarded calls by outcome
	CircuitCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapeguard_circuit_calls_total",
			Help: "Total number of calls through a circuit breaker",
		},
		[]string{"circuit", "outcome"},
	)

	// CircuitTransitionsTotal tracks state transitions
	CircuitTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapeguard_circuit_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"circuit", "from", "to"},
	)

	// HealthEventsTotal tracks recorded platform request outcomes
	HealthEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapeguard_health_events_total",
			Help: "Total number of platform health events",
		},
		[]string{"platform", "outcome"},
	)

	// HealthResponseTime tracks platform response time
	HealthResponseTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scrapeguard_health_response_seconds",
			Help:    "Platform response time in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"platform"},
	)

	// PlatformAvailable tracks platform availability (1 available, 0 not)
	PlatformAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scrapeguard_platform_available",
			Help: "Whether a platform is currently considered available",
		},
		[]string{"platform"},
	)

	// HealthPersistDropped counts health writes dropped because the queue was full
	HealthPersistDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrapeguard_health_persist_dropped_total",
			Help: "Health persistence writes dropped because the queue was full",
		},
	)

	// HealthPersistErrors counts failed health persistence writes
	HealthPersistErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrapeguard_health_persist_errors_total",
			Help: "Health persistence writes that failed",
		},
	)

	// DLQEnqueuedTotal tracks failed operations entering the queue
	DLQEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapeguard_dlq_enqueued_total",
			Help: "Total number of failed operations queued",
		},
		[]string{"type"},
	)

	// DLQReplaysTotal tracks replay attempts by result
	DLQReplaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapeguard_dlq_replays_total",
			Help: "Total number of failed operation replays",
		},
		[]string{"type", "result"},
	)

	// DLQItems tracks queue size by status, refreshed by the replay job
	DLQItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scrapeguard_dlq_items",
			Help: "Failed operations by status",
		},
		[]string{"status"},
	)

	// FetchTotal tracks page fetches by method and outcome
	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapeguard_fetch_total",
			Help: "Total number of page fetches",
		},
		[]string{"platform", "method", "outcome"},
	)

	// FetchFallbackTotal counts HTTP failures that fell back to the browser
	FetchFallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapeguard_fetch_fallback_total",
			Help: "Total number of HTTP fetches that fell back to a browser",
		},
		[]string{"platform"},
	)

	// BrowserPoolBrowsers tracks live browser processes
	BrowserPoolBrowsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scrapeguard_browser_pool_browsers",
			Help: "Number of live browser processes",
		},
	)

	// BrowserPoolPages tracks open pages across the pool
	BrowserPoolPages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scrapeguard_browser_pool_pages",
			Help: "Number of open browser pages",
		},
	)

	// AdapterRollbacksTotal tracks adapter rollbacks
	AdapterRollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapeguard_adapter_rollbacks_total",
			Help: "Total number of adapter rollbacks",
		},
		[]string{"platform", "automatic"},
	)

	// AdapterAlertsTotal tracks adapter alerts by kind
	AdapterAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapeguard_adapter_alerts_total",
			Help: "Total number of adapter alerts",
		},
		[]string{"platform", "kind"},
	)

	// DBConnectionPoolUsage is the share of open connections in use, in percent
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scrapeguard_db_connection_pool_usage",
			Help: "Database connection pool usage percentage",
		},
	)
)
