// cmd/circulation/serve.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"loanengine/internal/catalog"
	"loanengine/internal/circulation"
	"loanengine/internal/config"
	"loanengine/internal/eventstore"
	"loanengine/internal/journal"
	"loanengine/internal/ledger"
	"loanengine/internal/membership"
	"loanengine/internal/observability"
	"loanengine/internal/reservation"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the pickup sweeper and the event journal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			level := zapcore.InfoLevel
			if debug {
				level = zapcore.DebugLevel
			}
			return serve(cmd.Context(), cfg, level)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "log rejected operations")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, level zapcore.Level) error {
	svc := observability.Service{Name: config.ServiceName, Version: config.ServiceVersion}

	shutdownTracing, err := observability.SetupTracing(ctx, svc, cfg.OtelEndpoint)
	if err != nil {
		return err
	}
	defer flush(shutdownTracing)

	shutdownLogging, err := observability.SetupLogging(ctx, svc, cfg.OtelEndpoint)
	if err != nil {
		return err
	}
	defer flush(shutdownLogging)

	var provider log.LoggerProvider
	if cfg.OtelEndpoint != "" {
		provider = global.GetLoggerProvider()
	}
	logger := observability.NewLogger(svc, os.Stdout, level, provider)
	defer logger.Sync()

	sinks, journalReader, closeSinks, err := buildSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	outbox := journal.NewOutbox(cfg.JournalBuffer, logger.Named("journal"), sinks...)
	outbox.SetGapTimeout(cfg.JournalGapTimeout)

	engine := circulation.NewEngine(
		circulation.Stores{
			Catalog: catalog.NewStore(),
			Members: membership.NewStore(cfg.Limits()),
			Ledger:  ledger.New(),
			Holds:   reservation.NewManager(cfg.MaxHoldQueueLength),
		},
		cfg.Calculator(),
		cfg.Policy(),
		circulation.WithLogger(logger.Named("engine")),
		circulation.WithPublisher(outbox),
	)

	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateBurst)
	router := chi.NewRouter()
	if journalReader != nil {
		router.Mount("/journal", journal.NewHandler(journalReader, logger.Named("http.journal")).Routes())
	}
	router.Mount("/", circulation.NewHandler(engine, limiter, logger.Named("http")).Routes())

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	sweeper := circulation.NewSweeper(engine, cfg.PickupSweepInterval, logger.Named("sweeper"))

	// The outbox gets its own context so it keeps draining until the HTTP
	// server and the sweeper have stopped publishing.
	outboxCtx, stopOutbox := context.WithCancel(context.WithoutCancel(ctx))
	defer stopOutbox()
	outboxDone := make(chan error, 1)
	go func() { outboxDone <- outbox.Run(outboxCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("circulation service listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down http server")
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	stopOutbox()
	err = errors.Join(err, <-outboxDone)
	logger.Info("circulation service stopped")
	return err
}

// buildSinks connects the configured sinks. The reader is nil unless the
// Postgres journal is enabled.
func buildSinks(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]journal.Sink, journal.Reader, func(), error) {
	var (
		sinks   []journal.Sink
		reader  journal.Reader
		closers []func() error
	)

	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("closing sink failed", zap.Error(err))
			}
		}
	}

	if cfg.DatabaseURL != "" {
		db, err := eventstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		closers = append(closers, db.Close)

		store := eventstore.NewEventStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		sinks = append(sinks, journal.NewPostgresSink(store, logger.Named("journal.postgres")))
		reader = store
		logger.Info("event journal enabled")
	}

	if cfg.KafkaBroker != "" {
		kafkaSink := journal.NewKafkaSink(journal.NewKafkaWriter(cfg.KafkaBroker, cfg.NotificationsTopic))
		closers = append(closers, kafkaSink.Close)
		sinks = append(sinks, kafkaSink)
		logger.Info("member notifications enabled",
			zap.String("broker", cfg.KafkaBroker),
			zap.String("topic", cfg.NotificationsTopic))
	}

	return sinks, reader, closeAll, nil
}

func flush(shutdown observability.ShutdownFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "telemetry shutdown:", err)
	}
}
