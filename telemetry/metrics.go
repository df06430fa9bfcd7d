package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/bitserve/bitserve"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	lifecycleOpsTotal   metric.Int64Counter
	lifecycleOpDuration metric.Float64Histogram
	admissionsTotal     metric.Int64Counter
	evictionsTotal      metric.Int64Counter
	residentItems       metric.Int64Gauge
	activeSetCapacity   metric.Int64Gauge

	statsFlushDuration metric.Float64Histogram
	statsFlushesTotal  metric.Int64Counter

	webhookDeliveriesTotal  metric.Int64Counter
	webhookDeliveryDuration metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "bitserve"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Build meter provider options
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	// Create meter and instruments
	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"bitserve_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"bitserve_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	requestsByEndpointTotal, err := meter.Int64Counter(
		"bitserve_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	lifecycleOpsTotal, err := meter.Int64Counter(
		"bitserve_lifecycle_ops_total",
		metric.WithDescription("Total lifecycle operations by outcome"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	lifecycleOpDuration, err := meter.Float64Histogram(
		"bitserve_lifecycle_op_duration_seconds",
		metric.WithDescription("Duration of lifecycle operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	admissionsTotal, err := meter.Int64Counter(
		"bitserve_admissions_total",
		metric.WithDescription("Total torrents admitted to the active set"),
		metric.WithUnit("{torrent}"),
	)
	if err != nil {
		return err
	}

	evictionsTotal, err := meter.Int64Counter(
		"bitserve_evictions_total",
		metric.WithDescription("Total torrents evicted from the active set"),
		metric.WithUnit("{torrent}"),
	)
	if err != nil {
		return err
	}

	residentItems, err := meter.Int64Gauge(
		"bitserve_resident_items",
		metric.WithDescription("Current number of torrents loaded in the engine"),
		metric.WithUnit("{torrent}"),
	)
	if err != nil {
		return err
	}

	activeSetCapacity, err := meter.Int64Gauge(
		"bitserve_active_set_capacity",
		metric.WithDescription("Configured active-set bound"),
		metric.WithUnit("{torrent}"),
	)
	if err != nil {
		return err
	}

	statsFlushDuration, err := meter.Float64Histogram(
		"bitserve_stats_flush_duration_seconds",
		metric.WithDescription("Duration of stats flush cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	statsFlushesTotal, err := meter.Int64Counter(
		"bitserve_stats_flushes_total",
		metric.WithDescription("Total stats flush cycles"),
		metric.WithUnit("{flush}"),
	)
	if err != nil {
		return err
	}

	webhookDeliveriesTotal, err := meter.Int64Counter(
		"bitserve_webhook_deliveries_total",
		metric.WithDescription("Total webhook delivery attempts by outcome"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return err
	}

	webhookDeliveryDuration, err := meter.Float64Histogram(
		"bitserve_webhook_delivery_duration_seconds",
		metric.WithDescription("Duration of webhook deliveries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:           requestsTotal,
		requestDuration:         requestDuration,
		requestsByEndpointTotal: requestsByEndpointTotal,
		lifecycleOpsTotal:       lifecycleOpsTotal,
		lifecycleOpDuration:     lifecycleOpDuration,
		admissionsTotal:         admissionsTotal,
		evictionsTotal:          evictionsTotal,
		residentItems:           residentItems,
		activeSetCapacity:       activeSetCapacity,
		statsFlushDuration:      statsFlushDuration,
		statsFlushesTotal:       statsFlushesTotal,
		webhookDeliveriesTotal:  webhookDeliveriesTotal,
		webhookDeliveryDuration: webhookDeliveryDuration,
		meterProvider:           mp,
		promHandler:             promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// The endpoint label is read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	endpoint := ""
	if tags := GetTags(r); tags != nil {
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {method, status_class}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("method", r.Method),
		attribute.String("status_class", statusClass),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("method", r.Method),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordLifecycleOp records one lifecycle operation.
// op is one of add, remove, pause, resume; outcome is success or an
// error class.
func RecordLifecycleOp(ctx context.Context, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.lifecycleOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.lifecycleOpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordAdmission records a torrent entering the active set.
// reason is "add", "resume" or "reconcile".
func RecordAdmission(ctx context.Context, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.admissionsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordEviction records a torrent leaving the active set under
// pressure. reason is "capacity" or "pause".
func RecordEviction(ctx context.Context, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.evictionsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// UpdateActiveSet updates the resident count and capacity gauges.
func UpdateActiveSet(ctx context.Context, resident, capacity int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.residentItems.Record(ctx, int64(resident))
	globalMetrics.activeSetCapacity.Record(ctx, int64(capacity))
}

// RecordStatsFlush records one flush cycle.
func RecordStatsFlush(ctx context.Context, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.statsFlushDuration.Record(ctx, duration.Seconds())
	globalMetrics.statsFlushesTotal.Add(ctx, 1)
}

// RecordWebhookDelivery records one webhook delivery attempt.
// outcome is "success", "4xx", "5xx", "error" or "canceled".
func RecordWebhookDelivery(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.webhookDeliveriesTotal.Add(ctx, 1, attrs)
	globalMetrics.webhookDeliveryDuration.Record(ctx, duration.Seconds(), attrs)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
