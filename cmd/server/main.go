package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rl1809/inventory-sync/internal/adapter/handler"
	"github.com/rl1809/inventory-sync/internal/adapter/messaging"
	"github.com/rl1809/inventory-sync/internal/adapter/storage"
	"github.com/rl1809/inventory-sync/internal/config"
	"github.com/rl1809/inventory-sync/internal/core/realtime"
	"github.com/rl1809/inventory-sync/internal/core/service"
	"github.com/rl1809/inventory-sync/internal/observability"
	"github.com/rl1809/inventory-sync/internal/port"
)

const idempotencyTTL = 24 * time.Hour

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "inventory-sync",
		Short:        "Real-time inventory sync server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}

			logger, err := observability.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if err := run(cfg, logger); err != nil {
				logger.Error("server exited with error", zap.Error(err))
				return err
			}
			return nil
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing
	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OtelEndpoint, cfg.OtelInsecure)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	// Initialize metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)

	// Initialize store
	repo, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Initialize Redis (optional): idempotency keys and cross-instance relay
	var (
		cache      port.CacheRepository = storage.NewMemoryCache(idempotencyTTL)
		relay      port.EventRelay
		publishers []port.EventPublisher
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		redisAdapter := storage.NewRedisAdapter(rdb, logger)
		cache, relay = redisAdapter, redisAdapter
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	}

	// Initialize Kafka (optional): durable mutation feed
	if cfg.KafkaBroker != "" {
		kafkaPublisher := messaging.NewKafkaPublisher(messaging.NewKafkaWriter(cfg.KafkaBroker, cfg.KafkaTopic, logger))
		defer kafkaPublisher.Close()
		publishers = append(publishers, kafkaPublisher)
		logger.Info("publishing mutations to kafka", zap.String("broker", cfg.KafkaBroker), zap.String("topic", cfg.KafkaTopic))
	}

	// Initialize core
	mutations := service.NewMutationService(repo, service.Options{
		MaxRetries: cfg.MutationMaxRetries,
		QueueSize:  cfg.EventQueueSize,
		Logger:     logger.Named("processor"),
		Metrics:    metrics,
	})
	registry := realtime.NewRegistry(metrics)
	broadcaster := realtime.NewBroadcaster(registry, realtime.BroadcasterOptions{
		QueueSize: cfg.TopicQueueSize,
		Logger:    logger.Named("broadcaster"),
		Metrics:   metrics,
	})

	if err := seedItems(ctx, mutations, cfg.SeedBarcodes, logger); err != nil {
		return err
	}

	// Relayed events feed the local broadcaster; the forwarder drains the processor.
	relayCtx, cancelRelay := context.WithCancel(context.Background())
	defer cancelRelay()
	var eventRelay port.EventPublisher
	relayDone := make(chan struct{})
	if relay != nil {
		relayed, err := relay.Subscribe(relayCtx)
		if err != nil {
			return err
		}
		eventRelay = relay
		go func() {
			defer close(relayDone)
			broadcaster.Consume(relayCtx, relayed)
		}()
	} else {
		close(relayDone)
	}

	forwarder := service.NewEventForwarder(broadcaster, eventRelay, logger.Named("forwarder"), publishers...)
	forwarderDone := make(chan struct{})
	go func() {
		defer close(forwarderDone)
		forwarder.Run(context.Background(), mutations.Events())
	}()

	// Initialize gRPC server
	grpcServer := grpc.NewServer()
	handler.RegisterInventoryServer(grpcServer, handler.NewGRPCHandler(mutations, cache, logger.Named("grpc")))
	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.InventoryServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	// Initialize HTTP server
	mux := http.NewServeMux()
	handler.NewHTTPHandler(mutations, cache, registry, logger.Named("http")).Register(mux)
	mux.Handle("GET /ws", handler.NewWSHandler(mutations, registry, cfg.SessionBuffer, logger.Named("ws")))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	// Shutdown neither closes nor waits for hijacked WebSocket connections.
	httpServer.RegisterOnShutdown(func() {
		n := registry.DisconnectAll()
		logger.Info("live sessions closed", zap.Int("sessions", n))
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		healthServer.Shutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown incomplete", zap.Error(err))
		}
		logger.Info("HTTP server stopped")
		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")
		return nil
	})

	err = g.Wait()

	// Waits for in-flight mutations; later ones fail with ErrClosed.
	mutations.Close()
	<-forwarderDone
	cancelRelay()
	<-relayDone
	broadcaster.Close()
	logger.Info("event pipeline stopped")
	return err
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (port.InventoryRepository, func(), error) {
	kind, dsn, err := cfg.Store()
	if err != nil {
		return nil, nil, err
	}

	var dialect storage.Dialect
	switch kind {
	case config.StoreMemory:
		logger.Warn("using in-memory store, data is lost on exit")
		return storage.NewMemoryAdapter(), func() {}, nil
	case config.StoreSQLite:
		dialect = storage.SQLite
	case config.StoreMySQL:
		dialect = storage.MySQL
	}

	db, err := storage.OpenSQL(ctx, dialect, dsn)
	if err != nil {
		return nil, nil, err
	}
	adapter := storage.NewSQLAdapter(db, dialect)
	if err := adapter.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	logger.Info("connected to database", zap.String("driver", dialect.Driver))
	return adapter, func() { db.Close() }, nil
}

// seedItems creates any missing barcode with quantity 0 so scans can find it.
func seedItems(ctx context.Context, mutations *service.MutationService, barcodes []string, logger *zap.Logger) error {
	for _, barcode := range barcodes {
		item, err := mutations.Create(ctx, barcode, barcode, 0)
		switch {
		case errors.Is(err, service.ErrDuplicateBarcode):
			continue
		case err != nil:
			return err
		}
		logger.Info("seeded item", zap.String("item_id", item.ID), zap.String("barcode", barcode))
	}
	return nil
}
