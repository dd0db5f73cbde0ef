package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/sosdispatch/internal/config"
	"github.com/example/sosdispatch/internal/location"
	"github.com/example/sosdispatch/internal/sos/registry"
	"github.com/example/sosdispatch/pkg/observability"
)

// locationservice ingests driver position streams into the shared Redis
// registry read by one or more dispatch services.
func main() {
	configPath := flag.String("config", os.Getenv("SOS_CONFIG"), "path to a YAML or JSON config file")
	metricsAddr := flag.String("metrics-addr", ":8081", "observability listen address")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		observability.SetupLogger("location-service", false).Fatal("load config", zap.Error(err))
	}

	logger := observability.SetupLogger("location-service", cfg.Debug)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "location-service", cfg.TraceSampleRatio)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	if cfg.Redis.Addr == "" {
		logger.Fatal("redis.addr is required: the registry must be shared with the dispatch service")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis ping", zap.Error(err))
	}
	defer redisClient.Close()
	drivers := registry.NewRedisRegistry(redisClient, cfg.Redis.GeoKey)

	var presence *location.Presence
	if cfg.GRPC.PresenceTTL > 0 {
		presence = location.NewPresence(cfg.GRPC.PresenceTTL, logger)
		go presence.Run(ctx, drivers, cfg.GRPC.PresenceTTL/2)
	}

	go runMetrics(logger, *metricsAddr, redisClient)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		logger.Fatal("listen grpc", zap.Error(err))
	}
	srv := grpc.NewServer()
	location.RegisterLocationServer(srv, location.NewServer(drivers, presence, logger))
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		srv.GracefulStop()
	}()

	logger.Info("location grpc listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil {
		logger.Fatal("grpc serve", zap.Error(err))
	}
}

func runMetrics(logger *zap.Logger, addr string, client *redis.Client) {
	srv := &http.Server{
		Addr: addr,
		Handler: observability.MetricsRouter(map[string]observability.Check{
			"redis": func(ctx context.Context) error { return client.Ping(ctx).Err() },
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("observability listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server", zap.Error(err))
	}
}
