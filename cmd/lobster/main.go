package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lobster/internal/api"
	"lobster/internal/config"
	"lobster/internal/gateway"
	"lobster/internal/logging"
	"lobster/internal/metrics"
	"lobster/internal/orderbook"
	"lobster/internal/protocol"
	"lobster/internal/publish"
	"lobster/internal/store"
)

func main() {
	configPath := flag.String("config", "", "config file (yaml, toml or json)")
	envFile := flag.String("env", ".env", "dotenv file read before the environment")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Failed to load %s: %v", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Options{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		File:        cfg.Log.File,
	})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
	logger.Info("Server shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	engine := orderbook.New()
	engine.SetPriceRule(cfg.PriceRule())
	handler := protocol.NewHandler(engine, protocol.NewSequencer(0), m, logger.Named("protocol"))

	// Every sink runs inside the engine lock and must not block.
	sinks := []func(orderbook.Trade){
		func(t orderbook.Trade) { m.ObserveTrade(t.Quantity) },
	}

	// Trade consumers outlive the servers so the last trades are flushed.
	drainCtx, drain := context.WithCancel(context.Background())
	defer drain()
	var drained errgroup.Group

	var st *store.Store
	if cfg.Store.Path != "" {
		var err error
		st, err = store.New(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer st.Close()

		schema, err := st.Schema(ctx)
		if err != nil {
			return err
		}
		logger.Info("Trade store ready", zap.String("path", cfg.Store.Path),
			zap.Int("schema_version", schema.Version), zap.Ints("pending", schema.Pending))

		rec := store.NewRecorder(st, store.RecorderConfig{
			BatchSize:     cfg.Store.BatchSize,
			FlushInterval: cfg.Store.FlushInterval,
		}, logger)
		sinks = append(sinks, rec.Record)
		drained.Go(func() error { return rec.Run(drainCtx) })
	}

	if len(cfg.Kafka.Brokers) > 0 {
		pub := publish.New(publish.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			Buffer:       cfg.Kafka.Buffer,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		}, logger)
		defer func() {
			if err := pub.Close(); err != nil {
				logger.Error("Kafka close error", zap.Error(err))
			}
			if n := pub.Dropped(); n > 0 {
				logger.Warn("Trades not published", zap.Uint64("dropped", n))
			}
		}()
		sinks = append(sinks, pub.Publish)
		logger.Info("Publishing trades", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	var apiServer *api.Server
	if cfg.HTTP.Addr != "" {
		apiServer = api.NewServer(engine, handler, st, api.Options{
			CORSOrigins: cfg.HTTP.CORSOrigins,
			Gatherer:    reg,
			Logger:      logger,
		})
		sinks = append(sinks, apiServer.Hub().HandleTrade)
	}

	engine.OnTrade(func(t orderbook.Trade) {
		for _, sink := range sinks {
			sink(t)
		}
	})

	g, gctx := errgroup.WithContext(ctx)

	gw := gateway.New(gateway.Config{
		Addr:         cfg.TCP.Addr,
		MaxLineBytes: cfg.TCP.MaxLineBytes,
		AcceptLimit:  cfg.TCP.AcceptLimit,
		AcceptWindow: cfg.TCP.AcceptWindow,
	}, handler, m, logger)
	g.Go(func() error { return gw.ListenAndServe(gctx) })

	if apiServer != nil {
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           apiServer.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("Starting HTTP server", zap.String("addr", cfg.HTTP.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			apiServer.Shutdown()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			apiServer.RunBookBroadcast(gctx, cfg.HTTP.BookInterval)
			return nil
		})
	}

	logger.Info("Lobster started",
		zap.String("tcp", cfg.TCP.Addr),
		zap.String("http", cfg.HTTP.Addr),
		zap.Stringer("price_rule", cfg.PriceRule()),
	)

	err := g.Wait()
	logger.Info("Shutting down", zap.Int("resting_orders", engine.Len()))

	drain()
	if derr := drained.Wait(); derr != nil && err == nil {
		err = derr
	}
	return err
}
