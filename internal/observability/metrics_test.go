package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/sx127x-binder/model"
)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewBinderCollector(reg)
	if err != nil {
		t.Fatalf("NewBinderCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/sx127x.binder.v1.BinderService/Generate"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(5 * time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("BinderService", "Generate", "OK")); got != 1 {
		t.Fatalf("binder_requests_total = %v, want 1", got)
	}

	if count := histogramSampleCount(t, reg, "binder_request_duration_seconds", map[string]string{
		"service": "BinderService",
		"method":  "Generate",
	}); count != 1 {
		t.Fatalf("binder_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewBinderCollector(reg)
	if err != nil {
		t.Fatalf("NewBinderCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/sx127x.binder.v1.BinderService/Validate"}

	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.InvalidArgument, "bad frequency")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("BinderService", "Validate", "InvalidArgument")); got != 1 {
		t.Fatalf("binder_requests_total error label = %v, want 1", got)
	}
}

func TestBindingRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewBinderCollector(reg)
	if err != nil {
		t.Fatalf("NewBinderCollector: %v", err)
	}

	collector.ObserveValidation(true)
	collector.ObserveValidation(true)
	collector.ObserveValidation(false)
	collector.ObserveBinding(&model.SX127xConfig{Modulation: model.ModulationOOK})
	collector.ObserveBinding(nil)

	if got := testutil.ToFloat64(collector.Validations.WithLabelValues(ResultValid)); got != 2 {
		t.Fatalf("valid validations = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.Validations.WithLabelValues(ResultInvalid)); got != 1 {
		t.Fatalf("invalid validations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.ComponentsGenerated.WithLabelValues("OOK")); got != 1 {
		t.Fatalf("components generated = %v, want 1", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *BinderCollector
	c.ObserveValidation(true)
	c.ObserveBinding(&model.SX127xConfig{})

	var r *RadioCollector
	r.ObserveSetup(time.Millisecond, nil)
	r.ObserveModeSwitch("rx")
}

func TestCollectorReusesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewBinderCollector(reg)
	if err != nil {
		t.Fatalf("NewBinderCollector: %v", err)
	}
	second, err := NewBinderCollector(reg)
	if err != nil {
		t.Fatalf("second NewBinderCollector: %v", err)
	}
	first.ObserveValidation(true)
	if got := testutil.ToFloat64(second.Validations.WithLabelValues(ResultValid)); got != 1 {
		t.Fatalf("shared counter = %v, want 1", got)
	}
}

func TestMetricsHandlerExposesBinderMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewBinderCollector(reg)
	if err != nil {
		t.Fatalf("NewBinderCollector: %v", err)
	}
	collector.RPCRequests.WithLabelValues("svc", "method", "OK").Inc()
	collector.RPCDurations.WithLabelValues("svc", "method").Observe(0.01)
	collector.ObserveValidation(false)
	collector.ObserveBinding(&model.SX127xConfig{Modulation: model.ModulationFSK})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"binder_requests_total",
		"binder_request_duration_seconds",
		`binder_validations_total{result="invalid"} 1`,
		`binder_components_generated_total{modulation="FSK"} 1`,
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output:\n%s", metric, body)
		}
	}
}

func TestRadioCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewRadioCollector(reg)
	if err != nil {
		t.Fatalf("NewRadioCollector: %v", err)
	}
	if c.Gatherer() != reg {
		t.Fatalf("gatherer is not the registry")
	}

	c.ObserveSetup(12*time.Millisecond, nil)
	c.ObserveSetup(0, errors.New("not detected"))
	c.ObserveModeSwitch("tx")
	c.ObserveModeSwitch("tx")

	if got := testutil.ToFloat64(c.RadiosReady); got != 1 {
		t.Fatalf("radios ready = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.SetupFailures); got != 1 {
		t.Fatalf("setup failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.ModeSwitches.WithLabelValues("tx")); got != 2 {
		t.Fatalf("tx switches = %v, want 2", got)
	}
	if count := histogramSampleCount(t, reg, "sx127x_setup_duration_seconds", nil); count != 1 {
		t.Fatalf("setup duration samples = %d, want 1", count)
	}
}

func TestSplitMethod(t *testing.T) {
	tests := []struct {
		in              string
		service, method string
	}{
		{"/sx127x.binder.v1.BinderService/Validate", "BinderService", "Validate"},
		{"BinderService/Generate", "BinderService", "Generate"},
		{"", "unknown", "unknown"},
		{"/Generate", "unknown", "unknown"},
		{"nomethod", "unknown", "unknown"},
	}
	for _, tc := range tests {
		svc, m := SplitMethod(tc.in)
		if svc != tc.service || m != tc.method {
			t.Fatalf("SplitMethod(%q) = %q/%q, want %q/%q", tc.in, svc, m, tc.service, tc.method)
		}
	}
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("BINDER_TRACE_EXPORTER", " OTLP ")
	t.Setenv("BINDER_TRACE_SAMPLE_RATIO", "2")
	t.Setenv("BINDER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("BINDER_BOARD", "esp32-s3")

	cfg := TracingConfigFromEnv()
	want := TracingConfig{Exporter: ExporterOTLP, Endpoint: "collector:4317", SampleRatio: 1, Board: "esp32-s3"}
	if cfg != want {
		t.Fatalf("config = %+v, want %+v", cfg, want)
	}
}

func TestBinderResourceAttributes(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TracingConfig
		board   string
		version string
	}{
		{name: "defaults", cfg: TracingConfig{Version: "v1.2.3"}, board: model.ESP32.Name, version: "v1.2.3"},
		{name: "explicit board", cfg: TracingConfig{Board: "esp32-s3", Version: "v0.1.0"}, board: "esp32-s3", version: "v0.1.0"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			set := BinderResource(tc.cfg).Set()
			checks := map[attribute.Key]string{
				"service.name":    TraceServiceName,
				"service.version": tc.version,
				"sx127x.board":    tc.board,
			}
			for key, want := range checks {
				got, ok := set.Value(key)
				if !ok || got.AsString() != want {
					t.Fatalf("%s = %q (present=%v), want %q", key, got.AsString(), ok, want)
				}
			}
			if got, _ := set.Value("sx127x.spi.max_data_rate_hz"); got.AsInt64() != model.MaxSPIDataRateHz {
				t.Fatalf("max data rate = %d, want %d", got.AsInt64(), model.MaxSPIDataRateHz)
			}
		})
	}

	if got, ok := BinderResource(TracingConfig{}).Set().Value("service.version"); !ok || got.AsString() == "" {
		t.Fatalf("service.version missing without an override")
	}
}

func TestInitTracingWithoutExporter(t *testing.T) {
	for _, exporter := range []string{"", ExporterNone} {
		shutdown, err := InitTracing(context.Background(), TracingConfig{Exporter: exporter}, nil)
		if err != nil {
			t.Fatalf("InitTracing(%q): %v", exporter, err)
		}
		FlushTracing(shutdown, nil)
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	if _, err := InitTracing(context.Background(), TracingConfig{Exporter: "zipkin"}, nil); err == nil {
		t.Fatalf("expected error for unsupported exporter")
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
