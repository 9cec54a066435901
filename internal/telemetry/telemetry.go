package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/bastion-ai/bastion/internal/redact"
)

// Config controls telemetry setup.
type Config struct {
	Enabled  bool
	Endpoint string
	Protocol string // grpc | http
	Service  string
	Version  string
}

// Provider wires tracer/meter providers and exposes helpers.
type Provider struct {
	Enabled bool
	tracer  trace.Tracer
	meter   metric.Meter

	requestsCounter   metric.Int64Counter
	requestDuration   metric.Float64Histogram
	upstreamDuration  metric.Float64Histogram
	policyHitsCounter metric.Int64Counter

	cyclesCounter     metric.Int64Counter
	stageDuration     metric.Float64Histogram
	verdictsCounter   metric.Int64Counter
	activationCounter metric.Int64Counter
	mitigationLatency metric.Float64Histogram

	shutdownTraceProvider func(context.Context) error
	shutdownMeterProvider func(context.Context) error
}

// NewProvider configures OTEL exporters + providers. When disabled, returns no-op providers.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !cfg.Enabled {
		no := &Provider{
			Enabled: false,
			tracer:  trace.NewNoopTracerProvider().Tracer(""),
			meter:   noop.NewMeterProvider().Meter(""),
		}
		no.initInstruments()
		return no, nil
	}

	redact.Logf("telemetry enabled (OpenTelemetry OTLP %s) endpoint=%s; if no collector is listening, periodic 'failed to upload metrics' warnings are expected", strings.ToLower(cfg.Protocol), cfg.Endpoint)

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.Service),
			attribute.String("service.version", cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	var tp *sdktrace.TracerProvider

	switch strings.ToLower(cfg.Protocol) {
	case "", "grpc":
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
	case "http":
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, err
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
	default:
		return nil, nil
	}

	otel.SetTracerProvider(tp)

	var metricExporter sdkmetric.Reader
	switch strings.ToLower(cfg.Protocol) {
	case "", "grpc":
		exp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
		metricExporter = sdkmetric.NewPeriodicReader(exp)
	case "http":
		exp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, err
		}
		metricExporter = sdkmetric.NewPeriodicReader(exp)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(metricExporter))
	otel.SetMeterProvider(mp)

	p := &Provider{
		Enabled:               true,
		tracer:                tp.Tracer("bastion"),
		meter:                 mp.Meter("bastion"),
		shutdownTraceProvider: tp.Shutdown,
		shutdownMeterProvider: func(ctx context.Context) error {
			if mp != nil {
				return mp.Shutdown(ctx)
			}
			return nil
		},
	}
	p.initInstruments()
	return p, nil
}

func (p *Provider) initInstruments() {
	if p == nil {
		return
	}
	// Use meter to create instruments; ignore errors to keep telemetry best-effort.
	p.requestsCounter, _ = p.meter.Int64Counter("bastion_requests_total")
	p.requestDuration, _ = p.meter.Float64Histogram("bastion_request_duration_ms")
	p.upstreamDuration, _ = p.meter.Float64Histogram("bastion_upstream_duration_ms")
	p.policyHitsCounter, _ = p.meter.Int64Counter("bastion_policy_hits_total")
	p.cyclesCounter, _ = p.meter.Int64Counter("bastion_cycles_total")
	p.stageDuration, _ = p.meter.Float64Histogram("bastion_stage_duration_ms")
	p.verdictsCounter, _ = p.meter.Int64Counter("bastion_verdicts_total")
	p.activationCounter, _ = p.meter.Int64Counter("bastion_policies_activated_total")
	p.mitigationLatency, _ = p.meter.Float64Histogram("bastion_time_to_mitigation_ms")
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return trace.NewNoopTracerProvider().Tracer("")
	}
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	if p == nil {
		return noop.NewMeterProvider().Meter("")
	}
	return p.meter
}

// Shutdown flushes providers.
func (p *Provider) Shutdown(ctx context.Context) {
	if p == nil {
		return
	}
	if p.shutdownTraceProvider != nil {
		_ = p.shutdownTraceProvider(ctx)
	}
	if p.shutdownMeterProvider != nil {
		_ = p.shutdownMeterProvider(ctx)
	}
}

// RecordRequestMetrics emits gateway counters/histograms with safe labels.
func (p *Provider) RecordRequestMetrics(action string, probe bool, durMs, upstreamMs float64, policyHits int) {
	if p == nil {
		return
	}
	labels := []attribute.KeyValue{
		attribute.String("bastion.action", action),
		attribute.Bool("bastion.probe", probe),
	}
	p.requestsCounter.Add(context.Background(), 1, metric.WithAttributes(labels...))
	p.requestDuration.Record(context.Background(), durMs, metric.WithAttributes(labels...))
	if upstreamMs > 0 {
		p.upstreamDuration.Record(context.Background(), upstreamMs, metric.WithAttributes(labels...))
	}
	if policyHits > 0 {
		p.policyHitsCounter.Add(context.Background(), int64(policyHits), metric.WithAttributes(labels...))
	}
}

// RecordCycle emits one loop cycle with its outcome label.
func (p *Provider) RecordCycle(outcome string) {
	if p == nil {
		return
	}
	p.cyclesCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("bastion.outcome", outcome),
	))
}

// RecordStage emits the duration of one loop stage.
func (p *Provider) RecordStage(stage string, durMs float64) {
	if p == nil {
		return
	}
	p.stageDuration.Record(context.Background(), durMs, metric.WithAttributes(
		attribute.String("bastion.stage", stage),
	))
}

// RecordVerdict counts an adjudication result by decision.
func (p *Provider) RecordVerdict(decision string) {
	if p == nil {
		return
	}
	p.verdictsCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("bastion.decision", decision),
	))
}

// RecordActivation counts a policy activation and its time to mitigation.
func (p *Provider) RecordActivation(ttmMs float64) {
	if p == nil {
		return
	}
	p.activationCounter.Add(context.Background(), 1)
	if ttmMs >= 0 {
		p.mitigationLatency.Record(context.Background(), ttmMs)
	}
}
