package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"ordersync/internal/config"
	"ordersync/internal/store"
	"ordersync/internal/util"
)

func main() {
	date := flag.String("date", time.Now().UTC().Format("2006-01-02"), "UTC day to archive (YYYY-MM-DD)")
	flag.Parse()

	cfgPath := "config/ordersync.yaml"
	if p := os.Getenv("ORDERSYNC_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	day, err := time.Parse("2006-01-02", *date)
	if err != nil {
		log.Fatalf("parsing date %q: %v", *date, err)
	}

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening journal: %v", err)
	}
	defer db.Close()

	ps := store.NewParquetStore(cfg.Storage.DataDir)
	ctx := context.Background()
	start, end := day, day.Add(24*time.Hour)

	for _, account := range cfg.Accounts {
		fills, err := db.ListFills(ctx, account, start, end)
		if err != nil {
			log.Fatalf("listing fills of %s: %v", account, err)
		}
		if err := ps.WriteFills(ctx, account, fills); err != nil {
			log.Fatalf("archiving fills of %s: %v", account, err)
		}
		logger.Info("fills archived", "account", account, "date", *date, "count", len(fills))
	}
}
