package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nft_indexer"

// PrometheusMetrics contains all Prometheus metrics for the indexer
type PrometheusMetrics struct {
	// Event processing metrics
	EventsProcessedTotal    *prometheus.CounterVec
	EventProcessingDuration *prometheus.HistogramVec
	MissingNFTEventsTotal   *prometheus.CounterVec
	DecodeFailuresTotal     *prometheus.CounterVec
	BlocksProcessedTotal    prometheus.Counter

	// Store transaction metrics
	StoreTransactionsTotal   *prometheus.CounterVec
	StoreTransactionDuration prometheus.Histogram
	DatabaseOperationsTotal  *prometheus.CounterVec
	DatabaseOperationLatency *prometheus.HistogramVec

	// Chain metrics
	LatestProcessedBlock prometheus.Gauge
	BlocksBehind         prometheus.Gauge
	RPCRequestsTotal     *prometheus.CounterVec
	RPCRequestDuration   *prometheus.HistogramVec
	ConnectionErrors     *prometheus.CounterVec

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	WebSocketClients    prometheus.Gauge

	// Webhook notification metrics
	WebhookDeliveriesTotal *prometheus.CounterVec
	WebhookDeliveryLatency prometheus.Histogram

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	ComponentHealth   *prometheus.GaugeVec
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge
}

// NewPrometheusMetrics creates all metrics and registers them with reg
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	f := promauto.With(reg)
	return &PrometheusMetrics{
		EventsProcessedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_processed_total",
				Help:      "Total number of marketplace events processed",
			},
			[]string{"event_name", "status"},
		),

		EventProcessingDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_processing_duration_seconds",
				Help:      "Time spent folding individual events into the store",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"event_name"},
		),

		MissingNFTEventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "missing_nft_events_total",
				Help:      "Events that referenced an NFT that was never minted",
			},
			[]string{"event_name"},
		),

		DecodeFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_failures_total",
				Help:      "Logs that matched a known event but could not be decoded",
			},
			[]string{"event_name"},
		),

		BlocksProcessedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_processed_total",
				Help:      "Total number of blocks scanned",
			},
		),

		StoreTransactionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_transactions_total",
				Help:      "Store transactions by outcome",
			},
			[]string{"outcome"},
		),

		StoreTransactionDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_transaction_duration_seconds",
				Help:      "Duration of store transactions",
				Buckets:   prometheus.DefBuckets,
			},
		),

		DatabaseOperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "database_operations_total",
				Help:      "Total number of database operations",
			},
			[]string{"operation", "table", "status"},
		),

		DatabaseOperationLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "database_operation_duration_seconds",
				Help:      "Duration of database operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),

		LatestProcessedBlock: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "latest_processed_block",
				Help:      "Latest block number fully indexed",
			},
		),

		BlocksBehind: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "blocks_behind",
				Help:      "Number of blocks between the cursor and the chain head",
			},
		),

		RPCRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_requests_total",
				Help:      "Total number of RPC requests made to chain nodes",
			},
			[]string{"method", "status"},
		),

		RPCRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rpc_request_duration_seconds",
				Help:      "Duration of RPC requests to chain nodes",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		ConnectionErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_errors_total",
				Help:      "Total number of connection errors to chain nodes",
			},
			[]string{"endpoint"},
		),

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests received",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		WebSocketClients: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_clients",
				Help:      "Number of connected live feed clients",
			},
		),

		WebhookDeliveriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_deliveries_total",
				Help:      "Webhook notifications by outcome (success, error, dropped)",
			},
			[]string{"status"},
		),

		WebhookDeliveryLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "webhook_delivery_duration_seconds",
				Help:      "Duration of webhook deliveries including retries",
				Buckets:   prometheus.DefBuckets,
			},
		),

		ApplicationUptime: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "application_uptime_seconds",
				Help:      "Application uptime in seconds",
			},
		),

		ComponentHealth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "component_health",
				Help:      "Health status of application components (1=healthy, 0=unhealthy)",
			},
			[]string{"component"},
		),

		MemoryUsage: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),

		GoroutineCount: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines",
				Help:      "Number of running goroutines",
			},
		),
	}
}

// RecordEventProcessed records a processed event and how long it took
func (m *PrometheusMetrics) RecordEventProcessed(eventName, status string, duration time.Duration) {
	m.EventsProcessedTotal.WithLabelValues(eventName, status).Inc()
	m.EventProcessingDuration.WithLabelValues(eventName).Observe(duration.Seconds())
}

// RecordMissingNFT records an event whose NFT does not exist
func (m *PrometheusMetrics) RecordMissingNFT(eventName string) {
	m.MissingNFTEventsTotal.WithLabelValues(eventName).Inc()
}

// RecordDecodeFailure records a log that could not be decoded
func (m *PrometheusMetrics) RecordDecodeFailure(eventName string) {
	m.DecodeFailuresTotal.WithLabelValues(eventName).Inc()
}

// RecordBlocksProcessed adds n scanned blocks
func (m *PrometheusMetrics) RecordBlocksProcessed(n uint64) {
	m.BlocksProcessedTotal.Add(float64(n))
}

// RecordStoreTransaction records a committed or rolled back store transaction
func (m *PrometheusMetrics) RecordStoreTransaction(outcome string, duration time.Duration) {
	m.StoreTransactionsTotal.WithLabelValues(outcome).Inc()
	m.StoreTransactionDuration.Observe(duration.Seconds())
}

// RecordDatabaseOperation records a database operation
func (m *PrometheusMetrics) RecordDatabaseOperation(operation, table, status string, duration time.Duration) {
	m.DatabaseOperationsTotal.WithLabelValues(operation, table, status).Inc()
	m.DatabaseOperationLatency.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// UpdateLatestProcessedBlock updates the latest processed block metric
func (m *PrometheusMetrics) UpdateLatestProcessedBlock(blockNumber uint64) {
	m.LatestProcessedBlock.Set(float64(blockNumber))
}

// UpdateBlocksBehind updates the blocks behind metric
func (m *PrometheusMetrics) UpdateBlocksBehind(behind uint64) {
	m.BlocksBehind.Set(float64(behind))
}

// RecordRPCRequest records an RPC request
func (m *PrometheusMetrics) RecordRPCRequest(method, status string, duration time.Duration) {
	m.RPCRequestsTotal.WithLabelValues(method, status).Inc()
	m.RPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordConnectionError records a failed dial or transport error
func (m *PrometheusMetrics) RecordConnectionError(endpoint string) {
	m.ConnectionErrors.WithLabelValues(endpoint).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateWebSocketClients sets the live feed client count
func (m *PrometheusMetrics) UpdateWebSocketClients(count int) {
	m.WebSocketClients.Set(float64(count))
}

// RecordWebhookDelivery records one webhook notification outcome
func (m *PrometheusMetrics) RecordWebhookDelivery(status string, duration time.Duration) {
	m.WebhookDeliveriesTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		m.WebhookDeliveryLatency.Observe(duration.Seconds())
	}
}

// UpdateApplicationUptime updates the application uptime metric
func (m *PrometheusMetrics) UpdateApplicationUptime(startTime time.Time) {
	m.ApplicationUptime.Set(time.Since(startTime).Seconds())
}

// UpdateComponentHealth updates the health status of a component
func (m *PrometheusMetrics) UpdateComponentHealth(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.ComponentHealth.WithLabelValues(component).Set(value)
}

// UpdateMemoryUsage updates the memory usage metric
func (m *PrometheusMetrics) UpdateMemoryUsage(bytes uint64) {
	m.MemoryUsage.Set(float64(bytes))
}

// UpdateGoroutineCount updates the goroutine count metric
func (m *PrometheusMetrics) UpdateGoroutineCount(count int) {
	m.GoroutineCount.Set(float64(count))
}
