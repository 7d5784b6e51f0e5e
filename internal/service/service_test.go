package service

import (
	"context"
	"net"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/sx127x-binder/internal/logging"
	"github.com/signalsfoundry/sx127x-binder/internal/observability"
)

const document = `
spi:
  clk_pin: 14
  mosi_pin: 13
  miso_pin: 12
remote_transmitter:
  id: rf_tx
  pin: 32
sx127x:
  id: radio
  rst_pin: 23
  nss_pin:
    number: 18
    inverted: true
  frequency: 433920000
  modulation: OOK
  transmitter_id: rf_tx
`

const minimalDocument = `
spi:
  clk_pin: 14
sx127x:
  rst_pin: 23
  nss_pin: 18
  frequency: 915000000
  modulation: FSK
`

func mustStruct(t *testing.T, yaml string) *structpb.Struct {
	t.Helper()
	doc, err := StructFromYAML(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("StructFromYAML error: %v", err)
	}
	return doc
}

func startServer(t *testing.T, svc BinderServer, opts ...grpc.ServerOption) *Client {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer(opts...)
	RegisterBinderServiceServer(srv, svc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

func TestValidateAppliesDefaults(t *testing.T) {
	svc := NewService(logging.Noop())

	out, err := svc.Validate(context.Background(), mustStruct(t, minimalDocument))
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}

	radios := out.GetFields()["sx127x"].GetListValue().GetValues()
	if len(radios) != 1 {
		t.Fatalf("expected 1 radio, got %d", len(radios))
	}
	radio := radios[0].GetStructValue().GetFields()

	checks := map[string]string{
		"id":           "sx127x_1",
		"modulation":   "FSK",
		"rx_bandwidth": "50_0kHz",
		"pa_pin":       "PA_BOOST",
		"spi_id":       "spi",
		"spi_mode":     "mode0",
	}
	for key, want := range checks {
		if got := radio[key].GetStringValue(); got != want {
			t.Fatalf("%s = %q, want %q", key, got, want)
		}
	}
	if got := radio["rx_floor"].GetNumberValue(); got != -94 {
		t.Fatalf("rx_floor = %v, want -94", got)
	}
	if got := radio["pa_power"].GetNumberValue(); got != 17 {
		t.Fatalf("pa_power = %v, want 17", got)
	}
	if got := radio["frequency"].GetNumberValue(); got != 915000000 {
		t.Fatalf("frequency = %v, want 915000000", got)
	}
	if !radio["rx_start"].GetBoolValue() {
		t.Fatalf("rx_start = false, want true")
	}
	if _, ok := radio["transmitter_id"]; ok {
		t.Fatalf("transmitter_id present without a transmitter")
	}
	if got := radio["rst_pin"].GetStructValue().GetFields()["number"].GetNumberValue(); got != 23 {
		t.Fatalf("rst_pin.number = %v, want 23", got)
	}
}

func TestValidateOutputValidatesAgain(t *testing.T) {
	svc := NewService(nil)

	first, err := svc.Validate(context.Background(), mustStruct(t, document))
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	second, err := svc.Validate(context.Background(), first)
	if err != nil {
		t.Fatalf("Validate of normalised document error: %v", err)
	}
	if !proto.Equal(first, second) {
		t.Fatalf("normalised document changed:\n%v\n%v", first, second)
	}
}

func TestValidateRejectsInvalidDocument(t *testing.T) {
	svc := NewService(nil)
	doc := mustStruct(t, strings.Replace(minimalDocument, "FSK", "XYZ", 1))

	_, err := svc.Validate(context.Background(), doc)
	if code := status.Code(err); code != codes.InvalidArgument {
		t.Fatalf("code = %v, want InvalidArgument (err=%v)", code, err)
	}
	fields := FieldViolations(err)
	if len(fields) != 1 || fields[0] != "sx127x[0].modulation" {
		t.Fatalf("field violations = %v", fields)
	}
}

func TestValidateNilRequest(t *testing.T) {
	_, err := NewService(nil).Validate(context.Background(), nil)
	if code := status.Code(err); code != codes.InvalidArgument {
		t.Fatalf("code = %v, want InvalidArgument", code)
	}
}

func TestGenerateReturnsSourceAndCalls(t *testing.T) {
	svc := NewService(nil)

	out, err := svc.Generate(context.Background(), mustStruct(t, document))
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	res := DecodeGenerateResult(out)

	for _, want := range []string{
		"radio = new sx127x::SX127x();",
		"radio->set_frequency(433920000);",
		"radio->set_transmitter(rf_tx);",
		"App.setup();",
	} {
		if !strings.Contains(res.Source, want) {
			t.Fatalf("source missing %q:\n%s", want, res.Source)
		}
	}

	if got := strings.Join(res.Components, ","); got != "spi,rf_tx,radio" {
		t.Fatalf("components = %s, want spi,rf_tx,radio", got)
	}

	calls := res.Calls["radio"]
	if len(calls) != 13 {
		t.Fatalf("expected 13 calls, got %d: %v", len(calls), calls)
	}
	if calls[0] != "new(radio)" {
		t.Fatalf("first call = %q, want new(radio)", calls[0])
	}
	if !strings.HasPrefix(calls[len(calls)-1], "set_transmitter(") {
		t.Fatalf("last call = %q, want set_transmitter", calls[len(calls)-1])
	}
}

func TestGenerateReferenceFailures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "unknown transmitter",
			yaml: strings.Replace(document, "transmitter_id: rf_tx", "transmitter_id: missing", 1),
		},
		{
			name: "pin already used by the bus",
			yaml: strings.Replace(document, "rst_pin: 23", "rst_pin: 14", 1),
		},
	}
	svc := NewService(nil)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Generate(context.Background(), mustStruct(t, tc.yaml))
			if code := status.Code(err); code != codes.FailedPrecondition {
				t.Fatalf("code = %v, want FailedPrecondition (err=%v)", code, err)
			}
		})
	}
}

func TestServiceRecordsMetrics(t *testing.T) {
	collector, err := observability.NewBinderCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewBinderCollector: %v", err)
	}
	svc := NewService(nil, WithMetricsRecorder(collector))

	if _, err := svc.Generate(context.Background(), mustStruct(t, document)); err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	_, _ = svc.Validate(context.Background(), mustStruct(t, strings.Replace(minimalDocument, "FSK", "XYZ", 1)))

	if got := testutil.ToFloat64(collector.Validations.WithLabelValues(observability.ResultValid)); got != 1 {
		t.Fatalf("valid validations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.Validations.WithLabelValues(observability.ResultInvalid)); got != 1 {
		t.Fatalf("invalid validations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.ComponentsGenerated.WithLabelValues("OOK")); got != 1 {
		t.Fatalf("generated OOK components = %v, want 1", got)
	}
}

func TestBinderServiceOverGRPC(t *testing.T) {
	collector, err := observability.NewBinderCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewBinderCollector: %v", err)
	}
	client := startServer(t, NewService(nil, WithMetricsRecorder(collector)),
		grpc.ChainUnaryInterceptor(
			RequestIDUnaryServerInterceptor(logging.Noop()),
			collector.UnaryServerInterceptor(),
		),
	)

	ctx := metadata.AppendToOutgoingContext(context.Background(), RequestIDMetadataKey, "req-42")
	var header metadata.MD
	res, err := client.GenerateYAML(ctx, strings.NewReader(document), grpc.Header(&header))
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if len(res.Calls["radio"]) != 13 {
		t.Fatalf("calls = %v", res.Calls)
	}
	if got := header.Get(RequestIDMetadataKey); len(got) != 1 || got[0] != "req-42" {
		t.Fatalf("request id header = %v, want [req-42]", got)
	}

	_, err = client.Validate(context.Background(), mustStruct(t, "sx127x: {rst_pin: 23}"))
	if code := status.Code(err); code != codes.InvalidArgument {
		t.Fatalf("code = %v, want InvalidArgument", code)
	}
	if len(FieldViolations(err)) == 0 {
		t.Fatalf("expected field violations to survive the wire")
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("BinderService", "Generate", "OK")); got != 1 {
		t.Fatalf("Generate OK requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("BinderService", "Validate", "InvalidArgument")); got != 1 {
		t.Fatalf("Validate InvalidArgument requests = %v, want 1", got)
	}
}

func TestRequestIDInterceptorGeneratesID(t *testing.T) {
	client := startServer(t, NewService(nil),
		grpc.UnaryInterceptor(RequestIDUnaryServerInterceptor(nil)),
	)

	var header metadata.MD
	if _, err := client.Validate(context.Background(), mustStruct(t, minimalDocument), grpc.Header(&header)); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if got := header.Get(RequestIDMetadataKey); len(got) != 1 || got[0] == "" {
		t.Fatalf("request id header = %v, want a generated id", got)
	}
}

func TestTracingInterceptorRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	client := startServer(t, NewService(nil),
		grpc.ChainUnaryInterceptor(
			RequestIDUnaryServerInterceptor(nil),
			TracingUnaryServerInterceptor(),
		),
	)
	if _, err := client.GenerateYAML(context.Background(), strings.NewReader(document)); err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	names := make(map[string]bool)
	for _, span := range recorder.Ended() {
		names[span.Name()] = true
	}
	for _, want := range []string{"Binder/BinderService/Generate", "binder.validate", "binder.translate"} {
		if !names[want] {
			t.Fatalf("span %q not recorded, got %v", want, names)
		}
	}
}
