package observability

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/sx127x-binder/internal/logging"
	"github.com/signalsfoundry/sx127x-binder/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TraceServiceName is the service.name every binder span carries.
const TraceServiceName = "sx127x-binder"

// Span exporters understood by InitTracing.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

const (
	defaultOTLPEndpoint = "localhost:4317"
	tracingFlushTimeout = 5 * time.Second
)

// TracingConfig selects where binder spans go. An empty Exporter means
// ExporterNone.
type TracingConfig struct {
	Exporter    string
	Endpoint    string
	SampleRatio float64
	// Board names the board profile documents are checked against.
	Board string
	// Version overrides the module version read from the build info.
	Version string
}

func (c TracingConfig) exporter() string {
	if c.Exporter == "" {
		return ExporterNone
	}
	return strings.ToLower(c.Exporter)
}

// TracingConfigFromEnv reads BINDER_TRACE_EXPORTER, BINDER_OTLP_ENDPOINT,
// BINDER_TRACE_SAMPLE_RATIO and BINDER_BOARD. A sample ratio outside [0, 1]
// is ignored.
func TracingConfigFromEnv() TracingConfig {
	cfg := TracingConfig{
		Exporter:    strings.ToLower(strings.TrimSpace(os.Getenv("BINDER_TRACE_EXPORTER"))),
		Endpoint:    os.Getenv("BINDER_OTLP_ENDPOINT"),
		SampleRatio: 1,
		Board:       os.Getenv("BINDER_BOARD"),
	}
	if raw := os.Getenv("BINDER_TRACE_SAMPLE_RATIO"); raw != "" {
		if r, err := strconv.ParseFloat(raw, 64); err == nil && r >= 0 && r <= 1 {
			cfg.SampleRatio = r
		}
	}
	return cfg
}

// BinderResource describes the process emitting spans.
func BinderResource(cfg TracingConfig) *resource.Resource {
	board := cfg.Board
	if board == "" {
		board = model.ESP32.Name
	}
	version := cfg.Version
	if version == "" {
		version = buildVersion()
	}
	return resource.NewSchemaless(
		attribute.String("service.name", TraceServiceName),
		attribute.String("service.namespace", "sx127x"),
		attribute.String("service.version", version),
		attribute.String("sx127x.board", board),
		attribute.Int64("sx127x.spi.max_data_rate_hz", model.MaxSPIDataRateHz),
	)
}

func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "devel"
	}
	return info.Main.Version
}

// InitTracing installs the global tracer provider and propagators. With no
// exporter a noop provider is installed and trace context still propagates.
// The returned function flushes buffered spans.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	name := cfg.exporter()
	if name == ExporterNone {
		otel.SetTracerProvider(noop.NewTracerProvider())
		log.Debug(ctx, "span export disabled")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := spanExporter(ctx, name, cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	res := BinderResource(cfg)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	log.Info(ctx, "span export enabled",
		logging.String("exporter", name),
		logging.Any("sample_ratio", cfg.SampleRatio),
		logging.Int("resource_attributes", res.Len()),
	)
	return tp.Shutdown, nil
}

func spanExporter(ctx context.Context, name, endpoint string) (sdktrace.SpanExporter, error) {
	switch name {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithoutTimestamps())
	case ExporterOTLP:
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		))
	default:
		return nil, fmt.Errorf("unsupported span exporter %q", name)
	}
}

// FlushTracing runs shutdown with a bounded timeout and logs a failure.
func FlushTracing(shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), tracingFlushTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "span flush failed", logging.Err(err))
	}
}
