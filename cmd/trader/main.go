package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"capital-autopilot-go/internal/admission"
	"capital-autopilot-go/internal/advisory"
	"capital-autopilot-go/internal/api"
	"capital-autopilot-go/internal/autopilot"
	"capital-autopilot-go/internal/botlock"
	"capital-autopilot-go/internal/breaker"
	"capital-autopilot-go/internal/config"
	"capital-autopilot-go/internal/database"
	"capital-autopilot-go/internal/events"
	"capital-autopilot-go/internal/exchange"
	"capital-autopilot-go/internal/logger"
	"capital-autopilot-go/internal/metrics"
	"capital-autopilot-go/internal/promotion"
	"capital-autopilot-go/internal/risk"
	"capital-autopilot-go/internal/trader"
	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	store := database.NewStore(db)
	log.Info("Database connection successful and schema migrated.")

	m := metrics.New()

	// Notification sinks: the log always, Redis when configured.
	sinks := []events.Sink{events.NewLogSink(log)}
	if cfg.Redis.Enabled {
		rdb, err := events.NewRedisClient(cfg.Redis)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer rdb.Close()
		sinks = append(sinks, events.NewRedisSink(rdb, cfg.Redis.ChannelPrefix))
		log.Info("Publishing events to Redis", zap.String("addr", cfg.Redis.Addr))
	}
	dispatcher := events.NewDispatcher(log, m, 1024, 5*time.Second, sinks...)

	rest := exchange.NewRestGateway(cfg.Gateway, log)
	advisor := advisory.NewClient(cfg.Advisory, log)
	locks := botlock.New()
	admit := admission.New(cfg.Admission)
	brk := breaker.New(cfg.Breaker, store, dispatcher, m, log)
	gate := promotion.New(cfg.Promotion, cfg.Trading.DecisionTimeout, store, advisor, dispatcher, m, log)
	allocator := autopilot.New(cfg.Autopilot, store, locks, dispatcher, m, log)

	engine := trader.NewEngine(log, cfg, trader.Deps{
		Store:     store,
		Locks:     locks,
		Admission: admit,
		Breaker:   brk,
		Evaluator: risk.NewEvaluator(cfg.Trading, advisor, log),
		Advisor:   advisor,
		Oracle:    rest,
		Paper:     exchange.NewPaperGateway(cfg.Gateway.PaperFeeRate, log),
		Live:      trader.CredentialGateways(store, rest),
		Publisher: dispatcher,
		Metrics:   m,
	})

	server := api.NewServer(cfg.Server.Port, api.Deps{
		Store:     store,
		Breaker:   brk,
		Gate:      gate,
		Admission: admit,
		Engine:    engine,
		Metrics:   m,
	}, log)
	server.Start()

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	go dispatcher.Run(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		allocator.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		gate.Run(ctx)
	}()

	// The engine runs on the main goroutine until shutdown.
	engine.Run(ctx)
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}
	dispatcher.Wait()

	log.Info("Trader has been shut down.")
}
