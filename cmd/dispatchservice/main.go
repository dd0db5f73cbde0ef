package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/sosdispatch/internal/auth"
	"github.com/example/sosdispatch/internal/config"
	etahandler "github.com/example/sosdispatch/internal/eta/handler"
	etaservice "github.com/example/sosdispatch/internal/eta/service"
	"github.com/example/sosdispatch/internal/http/middleware"
	"github.com/example/sosdispatch/internal/location"
	outboxworker "github.com/example/sosdispatch/internal/outbox"
	"github.com/example/sosdispatch/internal/sos/domain"
	"github.com/example/sosdispatch/internal/sos/handler"
	"github.com/example/sosdispatch/internal/sos/ledger"
	"github.com/example/sosdispatch/internal/sos/notify"
	"github.com/example/sosdispatch/internal/sos/ranking"
	"github.com/example/sosdispatch/internal/sos/registry"
	"github.com/example/sosdispatch/internal/sos/repository"
	"github.com/example/sosdispatch/internal/sos/service"
	"github.com/example/sosdispatch/internal/sos/timeout"
	"github.com/example/sosdispatch/pkg/observability"
	outboxpkg "github.com/example/sosdispatch/pkg/outbox"
)

type driverStore interface {
	handler.Registry
	location.Updater
}

func main() {
	configPath := flag.String("config", os.Getenv("SOS_CONFIG"), "path to a YAML or JSON config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		observability.SetupLogger("dispatch-service", false).Fatal("load config", zap.Error(err))
	}

	logger := observability.SetupLogger("dispatch-service", cfg.Debug)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "dispatch-service", cfg.TraceSampleRatio)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	checks := map[string]observability.Check{}

	var db *sql.DB
	if cfg.Postgres.DSN != "" {
		db, err = sql.Open("pgx", cfg.Postgres.DSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
		checks["postgres"] = db.PingContext
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		if conn, err := nats.Connect(cfg.NATS.URL, nats.Name("dispatchservice")); err == nil {
			natsConn = conn
			defer conn.Drain() //nolint:errcheck
			checks["nats"] = func(context.Context) error {
				if !conn.IsConnected() {
					return errors.New(conn.Status().String())
				}
				return nil
			}
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	estimatorCfg, err := cfg.ETA.Estimator()
	if err != nil {
		logger.Fatal("eta config", zap.Error(err))
	}
	estimator := etaservice.NewEstimator(estimatorCfg)

	var (
		drivers driverStore
		locks   ledger.Ledger
	)
	if redisClient != nil {
		drivers = registry.NewRedisRegistry(redisClient, cfg.Redis.GeoKey)
		locks = ledger.NewRedisLedger(redisClient, cfg.Redis.LedgerPrefix, cfg.Redis.LedgerTTL)
	} else {
		drivers = registry.NewMemoryRegistry()
		locks = ledger.NewMemoryLedger()
	}

	var repo domain.Repository = repository.NewMemoryRepository()
	if db != nil {
		pg := repository.NewPostgresRepository(db, cfg.Outbox.Topic)
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		repo = pg
	}

	hub := notify.NewHub(logger)
	defer hub.Close()
	notifiers := notify.Multi{hub}
	var publisher domain.EventPublisher
	if natsConn != nil {
		notifiers = append(notifiers, outboxpkg.NewNotifier(natsConn, cfg.NATS.OfferPrefix))
		// With Postgres the outbox relay publishes the events.
		if db == nil {
			publisher = outboxpkg.NewPublisher(natsConn, cfg.NATS.EventSubject)
		}
	}

	svc := service.New(service.Deps{
		Repository:  repo,
		Idempotency: repository.NewMemoryIdempotencyRepo(),
		Registry:    drivers,
		Ranker:      ranking.New(cfg.Ranking),
		Estimator:   estimator,
		Ledger:      locks,
		Notifier:    notifiers,
		Publisher:   publisher,
		Logger:      logger,
	}, service.Config{
		SearchRadiusKM: cfg.Dispatch.SearchRadiusKM,
		CandidateLimit: cfg.Dispatch.CandidateLimit,
	})
	restored, err := svc.Restore(ctx)
	if err != nil {
		logger.Fatal("restore active requests", zap.Error(err))
	}
	logger.Info("active requests restored", zap.Int("count", restored))

	limiter := middleware.NewRateLimiter(redisClient,
		middleware.RateConfig{Rate: cfg.RateLimit.ReadRPS, Burst: cfg.RateLimit.ReadBurst},
		middleware.RateConfig{Rate: cfg.RateLimit.WriteRPS, Burst: cfg.RateLimit.WriteBurst},
		middleware.RateConfig{Rate: cfg.RateLimit.SOSRPS, Burst: cfg.RateLimit.SOSBurst},
		logger.Named("ratelimit"),
	)
	sosHTTP := handler.NewHTTP(svc, drivers, handler.Options{
		JWTSecret: cfg.Auth.JWTSecret,
		Limiter:   limiter.Middleware,
		Logger:    logger,
	})
	etaHTTP := etahandler.New(etaservice.New(drivers, estimator, nil), logger)

	r := chi.NewRouter()
	r.With(auth.Middleware(cfg.Auth.JWTSecret, auth.RoleDriver)).Handle("/v1/drivers/ws", hub)
	r.With(auth.Middleware(cfg.Auth.JWTSecret), limiter.Middleware).Handle("/v1/eta", etaHTTP.Router())
	r.Mount("/observability", observability.MetricsRouter(checks))
	r.Mount("/", sosHTTP.Router())

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if db != nil && natsConn != nil {
		worker := outboxworker.NewWorker(db, natsConn, logger.Named("outbox"), outboxworker.WorkerConfig{
			PollInterval: cfg.Outbox.PollInterval,
			BatchSize:    cfg.Outbox.BatchSize,
			RetryMax:     cfg.Outbox.RetryMax,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled", zap.Bool("db", db != nil), zap.Bool("nats", natsConn != nil))
	}

	if cfg.Timeout.Enabled {
		sweeper := timeout.New(svc, nil, timeout.Config{
			Interval:    cfg.Timeout.Interval,
			PendingTTL:  cfg.Timeout.PendingTTL,
			AssignedTTL: cfg.Timeout.AssignedTTL,
		}, logger)
		go func() {
			if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("timeout sweeper stopped", zap.Error(err))
			}
		}()
	}

	var presence *location.Presence
	if cfg.GRPC.PresenceTTL > 0 {
		presence = location.NewPresence(cfg.GRPC.PresenceTTL, logger)
		go presence.Run(ctx, drivers, cfg.GRPC.PresenceTTL/2)
	}
	grpcSrv := grpc.NewServer()
	location.RegisterLocationServer(grpcSrv, location.NewServer(drivers, presence, logger))
	go func() {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			logger.Fatal("listen grpc", zap.Error(err))
		}
		logger.Info("location grpc listening", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("grpc serve", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("dispatch service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	grpcSrv.GracefulStop()
	_ = srv.Shutdown(shutdownCtx)
}
