package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/efreitasn/ordermatch/internal/config"
	"github.com/efreitasn/ordermatch/internal/engine"
	"github.com/efreitasn/ordermatch/internal/handler"
	"github.com/efreitasn/ordermatch/internal/logging"
	"github.com/efreitasn/ordermatch/internal/metrics"
	"github.com/efreitasn/ordermatch/internal/service"
	"github.com/efreitasn/ordermatch/internal/store"
)

// tradeTapeLimit is how many recent trades per instrument are kept for
// the trades and price endpoints.
const tradeTapeLimit = 10_000

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, the Kafka and redis adapters, and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			return serve(cfg, logger)
		},
	}
}

func serve(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	trades := store.NewTradeStore(tradeTapeLimit)
	opts := engine.Options{
		Log:        engine.NewMemoryLog(),
		Trades:     trades,
		Metrics:    m,
		Logger:     logger,
		QueueDepth: cfg.QueueDepth,
	}

	var outbox *store.Outbox
	if cfg.DataDir != "" {
		db, err := store.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		defer db.Close()
		outbox = store.NewOutbox(db)
		opts.Log = outbox
		opts.Journal = store.NewJournal(db)
		logger.Info("durable store opened", zap.String("dir", cfg.DataDir))
	} else {
		logger.Warn("DATA_DIR not set; journal and outbox are in memory only")
	}

	if cfg.RedisAddr != "" {
		client, err := service.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer client.Close()
		prices := service.NewPricePublisher(client, logger.Named("prices"))
		opts.Prices = prices
		go prices.Run(ctx)
	}

	e := engine.New(cfg.Instruments, opts)
	if err := e.Replay(ctx); err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}
	e.Start(ctx)

	commands := service.NewCommandService(e, logger.Named("commands"))
	market := service.NewMarketService(e, trades, cfg.VWAPWindow)

	var workers sync.WaitGroup
	if len(cfg.KafkaBrokers) > 0 {
		if outbox != nil {
			producer, err := service.NewSyncProducer(cfg.KafkaBrokers)
			if err != nil {
				return err
			}
			b := service.NewBroadcaster(outbox, producer, cfg.EventTopic, cfg.BroadcastInterval,
				cfg.BroadcastBatch, logger.Named("broadcaster"), m)
			defer b.Close()
			workers.Add(1)
			go func() {
				defer workers.Done()
				b.Run(ctx)
			}()
		} else {
			logger.Warn("event broadcast disabled: it needs DATA_DIR for the outbox")
		}

		reader := service.NewCommandReader(cfg.KafkaBrokers, cfg.CommandTopic, cfg.ConsumerGroup, logger)
		defer reader.Close()
		ing := service.NewIngestor(reader, commands, logger.Named("ingest"))
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := ing.Run(ctx); err != nil {
				logger.Error("command ingestion stopped", zap.Error(err))
				stop()
			}
		}()
	}

	router := handler.NewRouter(commands, market, m, logger.Named("http"))
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	srvErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", addr),
			zap.Int("instruments", len(cfg.Instruments)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-srvErr:
		logger.Error("server error", zap.Error(runErr))
	}

	// Graceful shutdown: stop HTTP intake first, then the loops and workers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	stop()
	e.Wait()
	workers.Wait()

	logger.Info("server stopped")
	return runErr
}
