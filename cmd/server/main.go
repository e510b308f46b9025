package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Frowell/Flowforge-sub002/internal/api"
	"github.com/Frowell/Flowforge-sub002/internal/compiler"
	"github.com/Frowell/Flowforge-sub002/internal/config"
	"github.com/Frowell/Flowforge-sub002/internal/db"
	"github.com/Frowell/Flowforge-sub002/internal/event"
	grpcserver "github.com/Frowell/Flowforge-sub002/internal/grpc"
	"github.com/Frowell/Flowforge-sub002/internal/logging"
	"github.com/Frowell/Flowforge-sub002/internal/metadata"
	"github.com/Frowell/Flowforge-sub002/internal/query"
	"github.com/Frowell/Flowforge-sub002/internal/rollup"
	"github.com/Frowell/Flowforge-sub002/internal/schema"
	"github.com/Frowell/Flowforge-sub002/internal/store"
	"github.com/Frowell/Flowforge-sub002/internal/widget"
)

// metadataSource is what the engine needs from the workflow store.
type metadataSource interface {
	widget.Metadata
	schema.Catalog
}

func main() {
	configPath := flag.String("config", "", "path to config file (default ./flowforge.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	// Graceful shutdown context
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Fatalw("Server exited with error", "error", err)
	}
	sugar.Info("Server stopped")
}

func run(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) error {
	granularities, err := cfg.Granularities()
	if err != nil {
		return err
	}

	// 1. Open the analytics store
	st, err := store.OpenSQL(ctx, store.Backend(cfg.Analytics.Backend), cfg.Analytics.DSN)
	if err != nil {
		return fmt.Errorf("open analytics store: %w", err)
	}
	defer st.Close()
	sugar.Infow("Analytics store opened", "backend", cfg.Analytics.Backend)

	// 2. Connect to the workflow metadata
	var meta metadataSource
	if cfg.Metadata.DSN != "" {
		client, err := db.NewClient(ctx, cfg.Metadata.DSN, sugar)
		if err != nil {
			return fmt.Errorf("connect to metadata database: %w", err)
		}
		defer client.Close()
		meta = client
	} else {
		static, err := metadata.LoadFile(cfg.Metadata.File)
		if err != nil {
			return err
		}
		sugar.Infow("Loaded static metadata", "file", cfg.Metadata.File)
		meta = static
	}

	// 3. Build the pipeline
	registry := schema.NewRegistry(meta, cfg.Schema.TTL, sugar)
	comp := compiler.New(registry, compiler.Options{
		Granularities:   granularities,
		DefaultLookback: cfg.Compiler.DefaultLookback,
	}, sugar)
	maintainer := rollup.NewMaintainer(st, rollup.Config{
		Granularities:  granularities,
		DebounceWindow: cfg.Rollup.Debounce,
		Workers:        cfg.Rollup.Workers,
	}, sugar)
	exec := query.NewExecutor(st, query.Config{
		QueryTimeout: cfg.Query.Timeout,
		FreshnessLag: cfg.Query.FreshnessLag,
	}, sugar).WithPendingBuckets(maintainer)
	bus := event.NewBus(cfg.Notifier.Buffer, sugar)

	svc, err := widget.NewService(meta, comp, exec, bus, widget.Config{
		ResultTTL:      cfg.Widget.ResultTTL,
		MaxRetries:     cfg.Widget.MaxRetries,
		InitialBackoff: cfg.Widget.InitialBackoff,
		MaxEntries:     cfg.Widget.MaxEntries,
	}, sugar)
	if err != nil {
		return err
	}
	svc.WithSchemaInvalidator(registry)
	maintainer.OnCommit(svc.HandleRollupCommit)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	// 4. Optional cross-replica relay
	if cfg.Redis.Addr != "" {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		relay := event.NewRedisRelay(rdb, bus, sugar)
		g.Go(func() error { return relay.Run(ctx) })
	}

	// 5. Rollup maintenance loop; it flushes pending buckets on shutdown
	g.Go(func() error {
		maintainer.Run(ctx)
		return nil
	})

	// 6. HTTP server
	httpServer := api.NewServer(svc, maintainer, bus, api.Config{CORSOrigins: cfg.HTTP.CORSOrigins}, sugar)
	g.Go(func() error { return httpServer.Run(ctx, cfg.HTTP.Addr) })

	// 7. gRPC server
	server := grpclib.NewServer(
		grpclib.UnaryInterceptor(grpcserver.UnaryTenantInterceptor(sugar)),
		grpclib.StreamInterceptor(grpcserver.StreamTenantInterceptor(sugar)),
	)

	// Register health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(grpcserver.ServiceName, healthpb.HealthCheckResponse_SERVING)

	grpcserver.NewWidgetServer(svc, bus, sugar).Register(server)

	g.Go(func() error {
		sugar.Infow("gRPC server listening", "addr", cfg.GRPC.Addr)
		if err := server.Serve(lis); err != nil {
			return fmt.Errorf("serve grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("Shutting down gRPC server...")
		healthServer.Shutdown()
		server.GracefulStop()
		return nil
	})

	return g.Wait()
}
