package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/sx127x-binder/model"
)

// Validation outcomes used as the result label.
const (
	ResultValid   = "valid"
	ResultInvalid = "invalid"
)

// BinderCollector bundles Prometheus metrics for the binder service and the
// binder itself, and provides helpers to wire them into gRPC servers and HTTP
// handlers.
type BinderCollector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	Validations         *prometheus.CounterVec
	ComponentsGenerated *prometheus.CounterVec
}

// NewBinderCollector registers binder Prometheus metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewBinderCollector(reg prometheus.Registerer) (*BinderCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "binder_requests_total",
		Help: "Total number of handled binder RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "binder_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "binder_request_duration_seconds",
		Help:    "Binder RPC latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	}, []string{"service", "method"}), "binder_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	validations, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "binder_validations_total",
		Help: "Configuration documents validated, labeled by result.",
	}, []string{"result"}), "binder_validations_total")
	if err != nil {
		return nil, err
	}

	generated, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "binder_components_generated_total",
		Help: "SX127x handles wired into a host, labeled by modulation.",
	}, []string{"modulation"}), "binder_components_generated_total")
	if err != nil {
		return nil, err
	}

	return &BinderCollector{
		gatherer:            gatherer,
		RPCRequests:         requests,
		RPCDurations:        durations,
		Validations:         validations,
		ComponentsGenerated: generated,
	}, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *BinderCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *BinderCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveValidation satisfies core.BindingMetricsRecorder.
func (c *BinderCollector) ObserveValidation(ok bool) {
	if c == nil || c.Validations == nil {
		return
	}
	result := ResultInvalid
	if ok {
		result = ResultValid
	}
	c.Validations.WithLabelValues(result).Inc()
}

// ObserveBinding satisfies core.BindingMetricsRecorder.
func (c *BinderCollector) ObserveBinding(cfg *model.SX127xConfig) {
	if c == nil || c.ComponentsGenerated == nil || cfg == nil {
		return
	}
	c.ComponentsGenerated.WithLabelValues(cfg.Modulation.String()).Inc()
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

// register adds c to reg, returning the already registered collector when an
// identical one exists.
func register[T prometheus.Collector](reg prometheus.Registerer, c T, name string) (T, error) {
	if err := reg.Register(c); err != nil {
		var zero T
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return zero, err
	}
	return c, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	return register(reg, vec, name)
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	return register(reg, vec, name)
}
