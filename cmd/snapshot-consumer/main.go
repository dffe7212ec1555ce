package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/bestseller-crawler/internal/config"
	"github.com/maltedev/bestseller-crawler/internal/events"
	"github.com/maltedev/bestseller-crawler/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var (
		group     = flag.String("group", "catalog-snapshot-consumers", "Consumer group name")
		name      = flag.String("name", "consumer-1", "Consumer name within the group")
		providers = flag.String("providers", strings.Join(cfg.Crawler.Providers, ","), "Comma-separated providers whose streams to read")
	)
	flag.Parse()

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	consumer := events.NewConsumer(client, events.ConsumerConfig{
		Stream:    cfg.Redis.Stream,
		Providers: splitList(*providers),
		Group:     *group,
		Name:      *name,
	}, func(_ context.Context, p *events.SnapshotStoredPayload) error {
		log.Info("catalog snapshot stored",
			"provider", p.Provider,
			"run_id", p.RunID,
			"partial", p.Partial,
			"categories", len(p.Categories),
			"items", p.Items,
			"inserted", p.Inserted,
			"updated", p.Updated,
			"conflicts", p.Conflicts)
		return nil
	}, log)

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("consumer stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("consumer stopped")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
