package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests and resolutions take
// - Traffic: Request and decision throughput
// - Errors: Rate of failures, per collaborator operation
// - Saturation: Size of the tracked module set
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Resolution metrics (Latency, Traffic, Errors)
	ResolveDuration         metric.Float64Histogram
	DecisionsTotal          metric.Int64Counter
	StructuralChangesTotal  metric.Int64Counter
	CollaboratorErrorsTotal metric.Int64Counter
	DelegateLookupsTotal    metric.Int64Counter

	// Target metrics (Latency, Errors)
	TargetCallDuration metric.Float64Histogram

	// Tracking metrics (Saturation)
	TrackedModules metric.Int64Gauge

	// Notification metrics (Latency, Traffic, Errors, Saturation)
	NotifyDuration  metric.Float64Histogram
	NotifyDelivered metric.Int64Counter
	NotifyFailed    metric.Int64Counter
	NotifyDropped   metric.Int64Counter
	NotifyRequeued  metric.Int64Counter
	NotifyQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := NewMetricsFromMeter(provider.Meter("publishsync"))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

// NewMetricsFromMeter creates every instrument on meter.
func NewMetricsFromMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, err
	}

	// Resolution metrics
	m.ResolveDuration, err = meter.Float64Histogram(
		"resolve_duration_seconds",
		metric.WithDescription("Publish decision latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5),
	)
	if err != nil {
		return nil, err
	}

	m.DecisionsTotal, err = meter.Int64Counter(
		"decisions_total",
		metric.WithDescription("Total number of publish decisions by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.StructuralChangesTotal, err = meter.Int64Counter(
		"structural_changes_total",
		metric.WithDescription("Total number of module trees found with an added or removed module"),
	)
	if err != nil {
		return nil, err
	}

	m.CollaboratorErrorsTotal, err = meter.Int64Counter(
		"collaborator_errors_total",
		metric.WithDescription("Total number of failed collaborator calls"),
	)
	if err != nil {
		return nil, err
	}

	m.DelegateLookupsTotal, err = meter.Int64Counter(
		"delegate_lookups_total",
		metric.WithDescription("Total number of delegate lookups by artifact type"),
	)
	if err != nil {
		return nil, err
	}

	// Target metrics
	m.TargetCallDuration, err = meter.Float64Histogram(
		"target_call_duration_seconds",
		metric.WithDescription("Latency of calls to the publish target in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}

	// Tracking metrics
	m.TrackedModules, err = meter.Int64Gauge(
		"tracked_modules",
		metric.WithDescription("Number of modules with a publish record (saturation)"),
	)
	if err != nil {
		return nil, err
	}

	// Notification metrics
	m.NotifyDuration, err = meter.Float64Histogram(
		"notify_duration_seconds",
		metric.WithDescription("Publish notification delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyDelivered, err = meter.Int64Counter(
		"notify_delivered_total",
		metric.WithDescription("Total notifications successfully delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyFailed, err = meter.Int64Counter(
		"notify_failed_total",
		metric.WithDescription("Total notifications failed after retries"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyDropped, err = meter.Int64Counter(
		"notify_dropped_total",
		metric.WithDescription("Total notifications dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyRequeued, err = meter.Int64Counter(
		"notify_requeued_total",
		metric.WithDescription("Total notifications requeued due to open circuit"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyQueueSize, err = meter.Int64Gauge(
		"notify_queue_size",
		metric.WithDescription("Current number of notifications waiting for delivery (saturation)"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordDecision records a completed decision for the given scope
// ("shallow", "deep" or "plan").
func (m *Metrics) RecordDecision(ctx context.Context, scope, decision string, structural bool, durationSeconds float64) {
	m.ResolveDuration.Record(ctx, durationSeconds, metric.WithAttributes(scopeAttr(scope)))
	m.DecisionsTotal.Add(ctx, 1, metric.WithAttributes(scopeAttr(scope), decisionAttr(decision)))

	if structural {
		m.RecordStructuralChange(ctx, scope)
	}
}

// RecordStructuralChange records a module tree found to have gained or lost
// a module.
func (m *Metrics) RecordStructuralChange(ctx context.Context, scope string) {
	m.StructuralChangesTotal.Add(ctx, 1, metric.WithAttributes(scopeAttr(scope)))
}

// RecordCollaboratorError records a failed call to a collaborator operation.
func (m *Metrics) RecordCollaboratorError(ctx context.Context, op string) {
	m.CollaboratorErrorsTotal.Add(ctx, 1, metric.WithAttributes(opAttr(op)))
}

// RecordDelegateLookup records a delegate registry lookup.
func (m *Metrics) RecordDelegateLookup(ctx context.Context, found bool) {
	m.DelegateLookupsTotal.Add(ctx, 1, metric.WithAttributes(foundAttr(found)))
}

// RecordTargetCall records a call to the publish target.
func (m *Metrics) RecordTargetCall(ctx context.Context, op string, success bool, durationSeconds float64) {
	m.TargetCallDuration.Record(ctx, durationSeconds, metric.WithAttributes(opAttr(op), successAttr(success)))
}

// SetTrackedModules records the size of the tracked module set.
func (m *Metrics) SetTrackedModules(ctx context.Context, n int) {
	m.TrackedModules.Record(ctx, int64(n))
}

// RecordNotifyDelivered records a delivered notification with its duration.
func (m *Metrics) RecordNotifyDelivered(ctx context.Context, durationSeconds float64) {
	m.NotifyDelivered.Add(ctx, 1)
	m.NotifyDuration.Record(ctx, durationSeconds)
}

// RecordNotifyFailed records a notification that failed after retries.
func (m *Metrics) RecordNotifyFailed(ctx context.Context) {
	m.NotifyFailed.Add(ctx, 1)
}

// RecordNotifyDropped records a dropped notification.
func (m *Metrics) RecordNotifyDropped(ctx context.Context) {
	m.NotifyDropped.Add(ctx, 1)
}

// RecordNotifyRequeued records a notification requeued behind an open circuit.
func (m *Metrics) RecordNotifyRequeued(ctx context.Context) {
	m.NotifyRequeued.Add(ctx, 1)
}

// RecordNotifyQueueSize records the current notification queue depth.
func (m *Metrics) RecordNotifyQueueSize(ctx context.Context, size int64) {
	m.NotifyQueueSize.Record(ctx, size)
}
