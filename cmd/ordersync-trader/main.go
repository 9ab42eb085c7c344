package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"

	"ordersync/internal/broker"
	"ordersync/internal/config"
	"ordersync/internal/engine"
	"ordersync/internal/live"
	"ordersync/internal/store"
	"ordersync/internal/util"
)

func main() {
	cfgPath := "config/ordersync.yaml"
	if p := os.Getenv("ORDERSYNC_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
		log.Fatalf("creating storage dir: %v", err)
	}
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening journal: %v", err)
	}
	defer db.Close()

	exchange := newExchange(cfg, logger)
	resolver := broker.NewCachedResolver(exchange, cfg.Broker.ResolveAttempts, 500*time.Millisecond, logger)
	hub := live.NewHub()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engines := make([]*engine.Engine, 0, len(cfg.Accounts))
	for _, account := range cfg.Accounts {
		e := engine.New(exchange, account,
			engine.WithLogger(logger),
			engine.WithResolver(resolver),
			engine.WithJournal(db),
			engine.WithObserver(hub.Publish),
			engine.WithUsePositions(cfg.Engine.UsePositions),
			engine.WithUnresolvedBuffer(cfg.Engine.UnresolvedBuffer),
			engine.WithDefaultClass(cfg.Engine.DefaultClass),
		)
		if err := e.Start(ctx); err != nil {
			log.Fatalf("starting engine for %s: %v", account, err)
		}
		engines = append(engines, e)
		logger.Info("engine started", "account", account, "exchange", exchange.Name())
	}

	gs := grpc.NewServer()
	live.NewServer(hub, logger).RegisterGRPC(gs)
	lis, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		log.Fatalf("listening on %s: %v", cfg.Server.Addr(), err)
	}
	go func() {
		logger.Info("order feed listening", "addr", lis.Addr().String())
		if err := gs.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()

	tick := time.NewTicker(time.Second)
	defer tick.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-tick.C:
			for _, e := range engines {
				drainNotifications(e, logger)
			}
		}
	}

	logger.Info("shutting down")
	gs.GracefulStop()
	for _, e := range engines {
		if err := e.Close(); err != nil {
			logger.Error("engine stopped with error", "account", e.Account(), "error", err)
		}
	}
}

func newExchange(cfg *config.Config, logger *slog.Logger) broker.Exchange {
	if cfg.Broker.Kind == "sim" {
		return broker.NewSimulatorBroker()
	}
	return broker.NewAlpacaBroker(broker.AlpacaOpts{
		APIKey:            cfg.Broker.APIKey,
		APISecret:         cfg.Broker.APISecret,
		BaseURL:           cfg.Broker.BaseURL,
		ClassCode:         cfg.Broker.ClassCode,
		PriceIncrement:    decimal.NewFromFloat(cfg.Broker.PriceIncrement),
		RequestsPerMinute: cfg.Broker.RequestsPerMinute,
	}, logger)
}

// drainNotifications logs the queued order changes of e, closing the tick
// with a heartbeat.
func drainNotifications(e *engine.Engine, logger *slog.Logger) {
	e.Heartbeat()
	for {
		n, ok := e.PollNotification()
		if !ok || n.Heartbeat {
			return
		}
		logger.Debug("order update",
			"account", n.Order.Account,
			"ref", n.Order.Ref,
			"status", n.Order.Status,
			"executed", n.Order.Executed.Size,
		)
	}
}
