package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"ordersync/internal/domain"
	"ordersync/internal/live"
)

func main() {
	addr := flag.String("addr", "localhost:9191", "order feed address")
	account := flag.String("account", "", "only show orders of this account")
	flag.Parse()

	if a := os.Getenv("ORDERSYNC_FEED_ADDR"); a != "" && !isFlagSet("addr") {
		*addr = a
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := live.NewClient(*addr, logger)
	err := client.Sync(ctx, *account, func(o domain.Order) {
		fmt.Printf("%s %-8s ref=%-5d %-4s %6d %-14s %-10s exec=%d@%s %s\n",
			o.UpdatedAt.Local().Format("15:04:05.000"),
			o.Account, o.Ref, o.Side, o.Size, o.Instrument(), o.Status,
			o.Executed.Size, o.Executed.Price.StringFixed(2), o.Reason)
	})
	if err != nil {
		logger.Error("sync error", "error", err)
		os.Exit(1)
	}
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
