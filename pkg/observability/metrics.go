package observability

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Metrics bundles the runtime's instruments. A nil *Metrics is valid and
// records nothing, so call sites never need a guard.
type Metrics struct {
	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrors       metric.Int64Counter

	agentDuration metric.Float64Histogram
	agentRuns     metric.Int64Counter
	agentErrors   metric.Int64Counter

	jobDuration   metric.Float64Histogram
	jobsCompleted metric.Int64Counter
	jobsFailed    metric.Int64Counter

	brokerPublished metric.Int64Counter
	brokerDelivered metric.Int64Counter
}

var globalMetrics atomic.Pointer[Metrics]

func SetGlobalMetrics(m *Metrics) { globalMetrics.Store(m) }

func GetGlobalMetrics() *Metrics { return globalMetrics.Load() }

// InitMetrics wires a prometheus exporter into an otel meter provider and
// creates the runtime's instruments. Disabled config yields a nil Metrics.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter("quill")

	m := &Metrics{}

	if m.llmDuration, err = meter.Float64Histogram(
		"quill_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}
	if m.llmInputTokens, err = meter.Int64Counter(
		"quill_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to LLM providers"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}
	if m.llmOutputTokens, err = meter.Int64Counter(
		"quill_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from LLM providers"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}
	if m.llmErrors, err = meter.Int64Counter(
		"quill_llm_errors_total",
		metric.WithDescription("Total LLM request errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	if m.agentDuration, err = meter.Float64Histogram(
		"quill_agent_run_duration_seconds",
		metric.WithDescription("Agent run duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create agent duration histogram: %w", err)
	}
	if m.agentRuns, err = meter.Int64Counter(
		"quill_agent_runs_total",
		metric.WithDescription("Total agent runs"),
	); err != nil {
		return nil, fmt.Errorf("failed to create agent runs counter: %w", err)
	}
	if m.agentErrors, err = meter.Int64Counter(
		"quill_agent_errors_total",
		metric.WithDescription("Total agent run errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create agent errors counter: %w", err)
	}

	if m.jobDuration, err = meter.Float64Histogram(
		"quill_job_duration_seconds",
		metric.WithDescription("Background job execution duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create job duration histogram: %w", err)
	}
	if m.jobsCompleted, err = meter.Int64Counter(
		"quill_jobs_completed_total",
		metric.WithDescription("Total jobs completed"),
	); err != nil {
		return nil, fmt.Errorf("failed to create jobs completed counter: %w", err)
	}
	if m.jobsFailed, err = meter.Int64Counter(
		"quill_jobs_failed_total",
		metric.WithDescription("Total jobs failed"),
	); err != nil {
		return nil, fmt.Errorf("failed to create jobs failed counter: %w", err)
	}

	if m.brokerPublished, err = meter.Int64Counter(
		"quill_broker_messages_published_total",
		metric.WithDescription("Total messages published to the broker"),
	); err != nil {
		return nil, fmt.Errorf("failed to create broker published counter: %w", err)
	}
	if m.brokerDelivered, err = meter.Int64Counter(
		"quill_broker_messages_delivered_total",
		metric.WithDescription("Total messages delivered to subscribers"),
	); err != nil {
		return nil, fmt.Errorf("failed to create broker delivered counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordLLMCall(ctx context.Context, provider, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrLLMProvider, provider),
		attribute.String(AttrLLMModel, model),
	)
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	m.llmInputTokens.Add(ctx, int64(inputTokens), attrs)
	m.llmOutputTokens.Add(ctx, int64(outputTokens), attrs)
	if err != nil {
		m.llmErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordAgentRun(ctx context.Context, agent string, duration time.Duration, err error) {
	if m == nil || m.agentDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(AttrAgentName, agent))
	m.agentDuration.Record(ctx, duration.Seconds(), attrs)
	m.agentRuns.Add(ctx, 1, attrs)
	if err != nil {
		m.agentErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordJob(ctx context.Context, name, queue string, duration time.Duration, err error) {
	if m == nil || m.jobDuration == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrJobName, name),
		attribute.String(AttrJobQueue, queue),
	)
	m.jobDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.jobsFailed.Add(ctx, 1, attrs)
	} else {
		m.jobsCompleted.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordPublish(ctx context.Context, topic string) {
	if m == nil || m.brokerPublished == nil {
		return
	}
	m.brokerPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *Metrics) RecordDelivery(ctx context.Context, topic string) {
	if m == nil || m.brokerDelivered == nil {
		return
	}
	m.brokerDelivered.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
