// Package service exposes the binder over gRPC.
package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/sx127x-binder/core"
	"github.com/signalsfoundry/sx127x-binder/internal/codegen"
	"github.com/signalsfoundry/sx127x-binder/internal/logging"
	"github.com/signalsfoundry/sx127x-binder/kb"
	"github.com/signalsfoundry/sx127x-binder/model"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "sx127x.binder.v1.BinderService"

// Full method names, as seen by interceptors.
const (
	ValidateFullMethod = "/" + ServiceName + "/Validate"
	GenerateFullMethod = "/" + ServiceName + "/Generate"
)

// BinderServer is the server API for the binder service. Both methods take a
// configuration document as a google.protobuf.Struct.
type BinderServer interface {
	Validate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Generate(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// BinderServiceDesc describes the binder service for grpc.Server.
var BinderServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BinderServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Validate", Handler: validateHandler},
		{MethodName: "Generate", Handler: generateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sx127x/binder/v1/binder.proto",
}

// RegisterBinderServiceServer registers srv on s.
func RegisterBinderServiceServer(s grpc.ServiceRegistrar, srv BinderServer) {
	s.RegisterService(&BinderServiceDesc, srv)
}

func validateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BinderServer).Validate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ValidateFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BinderServer).Validate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func generateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BinderServer).Generate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GenerateFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BinderServer).Generate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Service implements BinderServer. Every request gets its own binder and
// build graph, so requests share nothing but the schema and metrics.
type Service struct {
	schema  *core.Schema
	metrics core.BindingMetricsRecorder
	log     logging.Logger
}

var _ BinderServer = (*Service)(nil)

// Option customises Service construction.
type Option func(*Service)

// WithMetricsRecorder attaches a recorder for validation and binding outcomes.
func WithMetricsRecorder(m core.BindingMetricsRecorder) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithSchema replaces the default ESP32 schema.
func WithSchema(schema *core.Schema) Option {
	return func(s *Service) {
		s.schema = schema
	}
}

// NewService constructs the binder service.
func NewService(log logging.Logger, opts ...Option) *Service {
	if log == nil {
		log = logging.Noop()
	}
	s := &Service{log: log}
	for _, opt := range opts {
		opt(s)
	}
	if s.schema == nil {
		s.schema = core.NewSchema()
	}
	return s
}

func (s *Service) binder(log logging.Logger) *core.Binder {
	opts := []core.BinderOption{core.WithSchema(s.schema)}
	if s.metrics != nil {
		opts = append(opts, core.WithMetricsRecorder(s.metrics))
	}
	return core.NewBinder(log, opts...)
}

func (s *Service) load(ctx context.Context, b *core.Binder, req *structpb.Struct) (*core.Document, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: document is required", ErrInvalidRequest)
	}
	_, span := StartChildSpan(ctx, "binder.validate")
	defer span.End()

	doc, err := b.DocumentFromMap(req.AsMap())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("sx127x.radios", len(doc.Radios)))
	return doc, nil
}

// Validate checks a document and returns it with every default applied.
func (s *Service) Validate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(logging.String("operation", "validate"))

	doc, err := s.load(ctx, s.binder(log), req)
	if err != nil {
		log.Debug(ctx, "document rejected", logging.Err(err))
		return nil, ToStatusError(err)
	}

	out, err := structpb.NewStruct(DocumentMap(doc))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode document: %v", err)
	}
	log.Debug(ctx, "Validate completed", logging.Any("radios", doc.RadioIDs()))
	return out, nil
}

// Generate validates a document, translates it into generated setup code and
// returns {source, calls, components}. calls lists the driver calls per radio
// id; components lists registered components in registration order.
func (s *Service) Generate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(logging.String("operation", "generate"))
	b := s.binder(log)

	doc, err := s.load(ctx, b, req)
	if err != nil {
		log.Debug(ctx, "document rejected", logging.Err(err))
		return nil, ToStatusError(err)
	}

	tctx, span := StartChildSpan(ctx, "binder.translate")
	graph := kb.NewKnowledgeBase()
	var components []any
	unsubscribe := graph.Subscribe(func(e kb.Event) {
		if e.Type == kb.EventComponentRegistered {
			components = append(components, e.Variable.ID)
		}
	})
	gen := codegen.NewGenerator(graph, log)
	bindings, err := b.TranslateDocument(tctx, gen, doc)
	unsubscribe()
	span.SetAttributes(attribute.Int("sx127x.components", len(components)))
	if err != nil {
		span.RecordError(err)
		span.End()
		log.Warn(ctx, "translation failed", logging.Err(err))
		return nil, ToStatusError(err)
	}
	span.End()

	calls := make(map[string]any, len(bindings))
	for _, binding := range bindings {
		list := make([]any, 0, len(binding.Calls))
		for _, c := range binding.Calls {
			list = append(list, c.String())
		}
		calls[binding.Config.ID] = list
	}
	out, err := structpb.NewStruct(map[string]any{
		"source":     gen.Render(),
		"calls":      calls,
		"components": components,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	log.Debug(ctx, "Generate completed", logging.Int("radios", len(bindings)))
	return out, nil
}

// DocumentMap renders a validated document in the input document shape with
// every option explicit.
func DocumentMap(doc *core.Document) map[string]any {
	buses := make([]any, 0, len(doc.Buses))
	for _, bus := range doc.Buses {
		m := map[string]any{
			"id":      bus.ID,
			"clk_pin": bus.ClkPin,
		}
		if bus.MosiPin != nil {
			m["mosi_pin"] = *bus.MosiPin
		}
		if bus.MisoPin != nil {
			m["miso_pin"] = *bus.MisoPin
		}
		buses = append(buses, m)
	}

	transmitters := make([]any, 0, len(doc.Transmitters))
	for _, tx := range doc.Transmitters {
		transmitters = append(transmitters, map[string]any{
			"id":                   tx.ID,
			"pin":                  pinMap(tx.Pin),
			"carrier_duty_percent": tx.CarrierDutyPercent,
		})
	}

	radios := make([]any, 0, len(doc.Radios))
	for _, cfg := range doc.Radios {
		m := map[string]any{
			"id":           cfg.ID,
			"rst_pin":      pinMap(cfg.RstPin),
			"nss_pin":      pinMap(cfg.NssPin),
			"frequency":    int64(cfg.FrequencyHz),
			"modulation":   cfg.Modulation.String(),
			"rx_floor":     float64(cfg.RxFloorDBm),
			"rx_start":     cfg.RxStart,
			"rx_bandwidth": cfg.RxBandwidth.Name(),
			"pa_pin":       cfg.PaPin.String(),
			"pa_power":     int(cfg.PaPower),
			"spi_id":       cfg.SPI.BusID,
			"data_rate":    cfg.SPI.DataRateHz,
			"spi_mode":     fmt.Sprintf("mode%d", cfg.SPI.Mode),
		}
		if cfg.HasTransmitter() {
			m["transmitter_id"] = cfg.TransmitterID
		}
		radios = append(radios, m)
	}

	return map[string]any{
		core.SectionSPI:               buses,
		core.SectionRemoteTransmitter: transmitters,
		core.SectionSX127x:            radios,
	}
}

func pinMap(p model.PinRef) map[string]any {
	return map[string]any{
		"number":   p.Number,
		"inverted": p.Inverted,
	}
}
