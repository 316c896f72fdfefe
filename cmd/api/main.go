package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/gorm"

	"github.com/Windi-Fikriyansyah/escrowd/internal/config"
	"github.com/Windi-Fikriyansyah/escrowd/internal/db"
	"github.com/Windi-Fikriyansyah/escrowd/internal/handlers"
	"github.com/Windi-Fikriyansyah/escrowd/internal/logger"
	"github.com/Windi-Fikriyansyah/escrowd/internal/notify"
	"github.com/Windi-Fikriyansyah/escrowd/internal/realtime"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/agreement"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/escrow"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/inbox"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/milestone"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/reconcile"
	"github.com/Windi-Fikriyansyah/escrowd/internal/services/unit"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store/gormstore"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store/memstore"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, gdb, err := openStore(cfg)
	if err != nil {
		fatal("open store", err)
	}

	hub := realtime.NewHub()
	hubStop := make(chan struct{})
	go hub.Run(hubStop)
	defer close(hubStop)

	sinks, closeSinks, err := buildSinks(ctx, cfg, st, hub)
	if err != nil {
		fatal("notification sinks", err)
	}
	defer closeSinks()

	relay := notify.NewRelay(st, sinks, notify.RelayConfig{
		BatchSize:    cfg.OutboxBatchSize,
		PollInterval: cfg.OutboxPollInterval,
		MaxAttempts:  cfg.OutboxMaxAttempts,
	})
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("outbox relay stopped", "error", err)
		}
	}()

	run := unit.NewRunner(st, cfg.OpTimeout)
	esc := escrow.New(run, cfg.DefaultCurrency)
	app := handlers.NewApp(handlers.RouterConfig{
		JWTSecret:   cfg.JWTSecret,
		CORSOrigins: cfg.CORSOrigins,
		Health:      healthCheck(gdb),
	}, handlers.Services{
		Agreements: agreement.New(run, cfg.DefaultCurrency),
		Milestones: milestone.New(run, esc),
		Escrow:     esc,
		Inbox:      inbox.New(run),
		Reconcile:  reconcile.New(run),
		Hub:        hub,
	})

	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			slog.Error("http shutdown", "error", err)
		}
	}()

	slog.Info("escrowd listening", "port", cfg.AppPort, "store", cfg.StoreDriver, "sinks", cfg.NotifySinks)
	if err := app.Listen(":" + cfg.AppPort); err != nil {
		fatal("http server", err)
	}
	stop()
	<-relayDone
}

func openStore(cfg config.Config) (store.Store, *gorm.DB, error) {
	if cfg.StoreDriver == config.DriverMemory {
		slog.Warn("using in-memory store; data is lost on restart")
		return memstore.New(), nil, nil
	}
	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(gdb); err != nil {
		return nil, nil, err
	}
	return gormstore.New(gdb), gdb, nil
}

// buildSinks wires the configured delivery sinks. Redis and Kafka connections are
// checked at startup so a misconfigured broker fails fast.
func buildSinks(ctx context.Context, cfg config.Config, st store.Store, hub *realtime.Hub) ([]notify.Sink, func(), error) {
	var (
		sinks   []notify.Sink
		closers []func() error
	)
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				slog.Warn("closing sink", "error", err)
			}
		}
	}

	if cfg.SinkEnabled("inbox") {
		sinks = append(sinks, &notify.InboxSink{Store: st})
	}
	if cfg.SinkEnabled("websocket") {
		sinks = append(sinks, &notify.HubSink{Hub: hub})
	}
	if cfg.SinkEnabled("redis") {
		rdb := realtime.NewRedis(realtime.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, rdb.Close)
		sinks = append(sinks, &notify.RedisSink{Client: rdb})
	}
	if cfg.SinkEnabled("kafka") {
		producer, err := notify.NewKafkaProducer(notify.KafkaProducerConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, producer.Close)
		sinks = append(sinks, &notify.KafkaSink{Producer: producer})
	}
	return sinks, closeAll, nil
}

func healthCheck(gdb *gorm.DB) func() error {
	if gdb == nil {
		return nil
	}
	return func() error {
		sqlDB, err := gdb.DB()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return sqlDB.PingContext(ctx)
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
