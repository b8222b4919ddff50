package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records tool calls, job runs and gateway messages. Tool and job
// instruments go through the OpenTelemetry meter; message counters are
// plain Prometheus collectors. Both are served from one registry.
//
// A zero or disabled Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	toolCalls    metric.Int64Counter
	toolDuration metric.Float64Histogram
	jobRuns      metric.Int64Counter
	jobDuration  metric.Float64Histogram
	llmTokens    metric.Int64Counter

	messages *prometheus.CounterVec
	inflight prometheus.Gauge
}

// NewMetrics builds the collectors. When enabled is false the returned
// Metrics is a no-op and Handler answers 404.
func NewMetrics(enabled bool) (*Metrics, error) {
	if !enabled {
		return &Metrics{}, nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("neko")

	m := &Metrics{registry: reg, provider: provider}
	if m.toolCalls, err = meter.Int64Counter("neko.tool.calls",
		metric.WithDescription("Tool dispatches by tool and outcome"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, fmt.Errorf("create tool calls counter: %w", err)
	}
	if m.toolDuration, err = meter.Float64Histogram("neko.tool.duration",
		metric.WithDescription("Tool dispatch duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create tool duration histogram: %w", err)
	}
	if m.jobRuns, err = meter.Int64Counter("neko.job.runs",
		metric.WithDescription("Scheduled job attempts by outcome"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, fmt.Errorf("create job runs counter: %w", err)
	}
	if m.jobDuration, err = meter.Float64Histogram("neko.job.duration",
		metric.WithDescription("Scheduled job attempt duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create job duration histogram: %w", err)
	}
	if m.llmTokens, err = meter.Int64Counter("neko.llm.tokens",
		metric.WithDescription("Model tokens by direction"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, fmt.Errorf("create token counter: %w", err)
	}

	factory := promauto.With(reg)
	m.messages = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "neko",
		Subsystem: "gateway",
		Name:      "messages_total",
		Help:      "Inbound messages by channel and outcome",
	}, []string{"channel", "outcome"})
	m.inflight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "neko",
		Subsystem: "gateway",
		Name:      "turns_in_flight",
		Help:      "Agent turns currently running for inbound messages",
	})
	return m, nil
}

// Enabled reports whether anything is recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.registry != nil
}

// ObserveToolCall records one registry dispatch.
func (m *Metrics) ObserveToolCall(ctx context.Context, tool, outcome string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	)
	m.toolCalls.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
}

// ObserveJobRun records one scheduler attempt.
func (m *Metrics) ObserveJobRun(ctx context.Context, outcome string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.jobRuns.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, duration.Seconds(), attrs)
}

// ObserveTokens records model usage for one turn.
func (m *Metrics) ObserveTokens(ctx context.Context, input, output int) {
	if !m.Enabled() {
		return
	}
	m.llmTokens.Add(ctx, int64(input), metric.WithAttributes(attribute.String("direction", "input")))
	m.llmTokens.Add(ctx, int64(output), metric.WithAttributes(attribute.String("direction", "output")))
}

// MessageStarted marks an inbound message entering the agent. The returned
// func records its outcome.
func (m *Metrics) MessageStarted(channel string) func(outcome string) {
	if !m.Enabled() {
		return func(string) {}
	}
	m.inflight.Inc()
	return func(outcome string) {
		m.inflight.Dec()
		m.messages.WithLabelValues(channel, outcome).Inc()
	}
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
