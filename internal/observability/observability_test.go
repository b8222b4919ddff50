package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, h http.Handler) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestMetricsExposeObservations(t *testing.T) {
	m, err := NewMetrics(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	ctx := context.Background()
	m.ObserveToolCall(ctx, "exec", "success", 120*time.Millisecond)
	m.ObserveToolCall(ctx, "exec", "execution_timeout", time.Second)
	m.ObserveJobRun(ctx, "failure", 2*time.Second)
	m.ObserveTokens(ctx, 100, 20)
	done := m.MessageStarted("telegram")
	done("ok")

	code, body := scrape(t, m.Handler())
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "neko_tool_calls")
	assert.Contains(t, body, `tool="exec"`)
	assert.Contains(t, body, `outcome="execution_timeout"`)
	assert.Contains(t, body, "neko_job_runs")
	assert.Contains(t, body, "neko_llm_tokens")
	assert.Contains(t, body, `neko_gateway_messages_total{channel="telegram",outcome="ok"} 1`)
	assert.Contains(t, body, "neko_gateway_turns_in_flight 0")
	assert.Contains(t, body, "go_goroutines")
}

func TestDisabledMetricsAreNoops(t *testing.T) {
	m, err := NewMetrics(false)
	require.NoError(t, err)
	assert.False(t, m.Enabled())

	ctx := context.Background()
	m.ObserveToolCall(ctx, "exec", "success", time.Millisecond)
	m.ObserveJobRun(ctx, "success", time.Millisecond)
	m.ObserveTokens(ctx, 1, 1)
	m.MessageStarted("cli")("ok")

	code, _ := scrape(t, m.Handler())
	assert.Equal(t, http.StatusNotFound, code)
	assert.NoError(t, m.Shutdown(ctx))

	var nilMetrics *Metrics
	assert.False(t, nilMetrics.Enabled())
	nilMetrics.ObserveJobRun(ctx, "success", time.Millisecond)
}

func TestDisabledTracingIsNoop(t *testing.T) {
	tp, err := NewTracerProvider(context.Background(), TracingConfig{})
	require.NoError(t, err)
	assert.False(t, tp.Enabled())

	_, span := tp.Tracer().Start(context.Background(), "noop")
	span.End()
	assert.False(t, span.SpanContext().IsValid())
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTracingRejectsUnknownExporter(t *testing.T) {
	_, err := NewTracerProvider(context.Background(), TracingConfig{Enabled: true, Exporter: "jaeger"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jaeger")
}

func TestZipkinTracerProvider(t *testing.T) {
	tp, err := NewTracerProvider(context.Background(), TracingConfig{
		Enabled:  true,
		Exporter: "zipkin",
		Endpoint: "http://127.0.0.1:1/api/v2/spans",
	})
	require.NoError(t, err)
	assert.True(t, tp.Enabled())

	_, span := tp.Tracer().Start(context.Background(), "job.run")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = tp.Shutdown(ctx)
}
