package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quantfabric/datacore/internal/bus"
	"github.com/quantfabric/datacore/internal/cache"
	"github.com/quantfabric/datacore/internal/catalog"
	"github.com/quantfabric/datacore/internal/clock"
	"github.com/quantfabric/datacore/internal/config"
	"github.com/quantfabric/datacore/internal/engine"
	"github.com/quantfabric/datacore/internal/metrics"
	"github.com/quantfabric/datacore/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config yaml (optional)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer zapLogger.Sync()

	if err := run(cfg, zapLogger); err != nil {
		zapLogger.Fatal("datacore exited", zap.Error(err))
	}
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	mbus := bus.New(zapLogger, m)
	defer mbus.Close()

	var mirror cache.Mirror
	if cfg.Redis.Enabled {
		redisMirror, err := cache.NewRedisMirror(ctx, cfg.RedisConfig())
		if err != nil {
			return err
		}
		defer redisMirror.Close()
		mirror = redisMirror
		zapLogger.Info("redis mirror enabled", zap.String("addr", cfg.Redis.Addr))
	}
	c := cache.New(zapLogger, cfg.CacheConfig(), mbus, mirror)

	var opts []engine.Option
	if cfg.Kafka.Enabled {
		appender := catalog.NewAsyncAppender(
			zapLogger, m,
			catalog.NewKafkaAppender(cfg.KafkaConfig()),
			cfg.Catalog.BufferSize,
			cfg.Catalog.AppendTimeout,
		)
		defer appender.Close()
		opts = append(opts, engine.WithAppender(appender))
		zapLogger.Info("kafka appender enabled", zap.Strings("brokers", cfg.Kafka.Brokers))
	}
	if cfg.Postgres.Enabled {
		pg, err := catalog.NewPostgresCatalog(ctx, cfg.PostgresConfig())
		if err != nil {
			return err
		}
		defer pg.Close()
		opts = append(opts, engine.WithReader(pg))
		zapLogger.Info("postgres catalog enabled")
	}

	var eng *engine.DataEngine
	clk := clock.NewLiveClock(func(ev clock.TimeEvent) { eng.OnTimeEvent(ev) })
	eng = engine.New(zapLogger, m, mbus, c, clk, cfg.EngineConfig(), opts...)

	// Venue clients are registered here before Start. Which adapters run
	// is a deployment concern; see internal/adapters for the available
	// implementations (wsfeed with a venue codec, feedsim for replay).

	if err := eng.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: scrapeHandler(m)}
	g.Go(func() error {
		zapLogger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	zapLogger.Info("datacore running")
	<-ctx.Done()
	zapLogger.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := eng.Stop(stopCtx); err != nil {
		zapLogger.Error("engine stop failed", zap.Error(err))
	}
	clk.CancelTimers()

	return g.Wait()
}

func scrapeHandler(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	return mux
}
