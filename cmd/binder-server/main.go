package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/sx127x-binder/internal/logging"
	"github.com/signalsfoundry/sx127x-binder/internal/observability"
	"github.com/signalsfoundry/sx127x-binder/internal/service"
)

// Config holds the server settings.
type Config struct {
	ListenAddress  string
	MetricsAddress string
	LogLevel       string
	LogFormat      string
}

func main() {
	logCfg := logging.ConfigFromEnv()
	cfg := Config{}
	flag.StringVar(&cfg.ListenAddress, "grpc-addr", ":50051", "TCP address the binder gRPC server listens on")
	flag.StringVar(&cfg.MetricsAddress, "metrics-addr", ":9090", "HTTP address for Prometheus /metrics (empty disables)")
	flag.StringVar(&cfg.LogLevel, "log-level", logCfg.Level, "log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", logCfg.Format, "log format (text or json)")
	flag.Parse()

	logCfg.Level = cfg.LogLevel
	logCfg.Format = cfg.LogFormat
	log := logging.New(logCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.FlushTracing(shutdownTracing, log)

	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.ListenAddress), logging.Err(err))
		os.Exit(1)
	}

	if err := run(ctx, cfg, log, lis); err != nil {
		log.Error(ctx, "binder server exited", logging.Err(err))
		stop()
		os.Exit(1)
	}
}

// run serves the binder service on lis until ctx is cancelled.
func run(ctx context.Context, cfg Config, log logging.Logger, lis net.Listener) error {
	collector, err := observability.NewBinderCollector(nil)
	if err != nil {
		return err
	}
	metricsSrv := serveMetrics(cfg.MetricsAddress, collector, log)

	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			service.RequestIDUnaryServerInterceptor(log),
			service.TracingUnaryServerInterceptor(),
			collector.UnaryServerInterceptor(),
		),
	)
	service.RegisterBinderServiceServer(server, service.NewService(log, service.WithMetricsRecorder(collector)))

	errCh := make(chan error, 1)
	log.Info(ctx, "starting binder gRPC server", logging.String("addr", lis.Addr().String()))
	go func() {
		errCh <- server.Serve(lis)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info(context.Background(), "shutting down binder server")
		server.GracefulStop()
		<-errCh
	case serveErr = <-errCh:
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if errors.Is(serveErr, grpc.ErrServerStopped) {
		return nil
	}
	return serveErr
}

func serveMetrics(addr string, collector *observability.BinderCollector, log logging.Logger) *http.Server {
	if collector == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
