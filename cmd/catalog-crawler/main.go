package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/maltedev/bestseller-crawler/internal/api"
	"github.com/maltedev/bestseller-crawler/internal/browser"
	"github.com/maltedev/bestseller-crawler/internal/config"
	"github.com/maltedev/bestseller-crawler/internal/crawler"
	"github.com/maltedev/bestseller-crawler/internal/database"
	"github.com/maltedev/bestseller-crawler/internal/events"
	"github.com/maltedev/bestseller-crawler/internal/jobs"
	"github.com/maltedev/bestseller-crawler/internal/profile"
	"github.com/maltedev/bestseller-crawler/internal/ratelimit"
	"github.com/maltedev/bestseller-crawler/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg, log); err != nil {
		log.Error("service stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	profiles, err := profile.Load(cfg.Crawler.ProfilesPath)
	if err != nil {
		return err
	}
	for _, id := range cfg.Crawler.Providers {
		if _, err := profiles.Get(id); err != nil {
			return fmt.Errorf("CRAWL_PROVIDERS: %w", err)
		}
	}

	launcher, err := browser.NewLauncher(cfg.Browser.Driver, browserOptions(cfg.Browser, log))
	if err != nil {
		return err
	}

	var (
		store  database.Store
		outbox api.OutboxStats
	)
	switch cfg.Database.Driver {
	case "postgres":
		db, err := database.New(ctx, database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Name,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}

		if cfg.Redis.RelayEnabled {
			redisClient := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer redisClient.Close()
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("failed to connect to redis: %w", err)
			}

			relay := database.NewRelay(db, redisClient, log, database.RelayConfig{
				PollInterval: cfg.Redis.RelayPoll,
				BatchSize:    100,
				Stream:       cfg.Redis.Stream,
				MaxLen:       cfg.Redis.StreamMaxLen,
			})
			go func() {
				if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("relay stopped with error", "error", err)
				}
			}()
			outbox = relay
		}

		publisher := events.NewPublisher(database.NewOutboxRepository(db, cfg.Redis.Stream), log)
		store = database.NewCatalogStore(db, publisher, log)

	case "sqlite":
		sqliteStore, err := database.OpenSQLite(ctx, cfg.Database.SQLitePath, log)
		if err != nil {
			return err
		}
		defer sqliteStore.Close()
		store = sqliteStore

	default:
		log.Warn("no catalog store configured, snapshots are not persisted")
	}

	metrics := crawler.NewMetrics()
	var sink crawler.Sink
	if store != nil {
		sink = store
	}
	c := crawler.New(launcher, sink, crawler.Options{
		RunTimeout:        cfg.Crawler.RunTimeout,
		NavigationTimeout: cfg.Crawler.NavigationTimeout,
		SettleDelay:       cfg.Crawler.SettleDelay,
		PageCeiling:       cfg.Crawler.PageCeiling,
		Concurrency:       cfg.Crawler.Concurrency,
		Pacer:             ratelimit.NewAdaptive(cfg.Crawler.PacingMin, cfg.Crawler.PacingMax),
		Metrics:           metrics,
	}, log)

	loc, err := time.LoadLocation(cfg.Crawler.ScheduleTimezone)
	if err != nil {
		return err
	}
	manager := jobs.NewManager(c, profiles, jobs.Config{
		Providers: cfg.Crawler.Providers,
		Interval:  cfg.Crawler.Interval,
		Location:  loc,
	}, log)
	if cfg.Crawler.SchedulerEnabled {
		go manager.StartScheduler(ctx)
	}

	var catalogReader api.Catalog
	if store != nil {
		catalogReader = store
	}
	handlers := api.NewHandlers(manager, catalogReader, outbox, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://localhost:*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	handlers.Mount(r)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting", "port", cfg.Server.Port, "browser", cfg.Browser.Driver, "store", cfg.Database.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error("active crawls did not finish", "error", err)
	}

	log.Info("server stopped")
	return nil
}

func browserOptions(cfg config.BrowserConfig, log *slog.Logger) *browser.Options {
	opts := browser.DefaultOptions()
	opts.Headless = cfg.Headless
	if cfg.UserAgent != "" {
		opts.UserAgent = cfg.UserAgent
	}
	opts.ViewportWidth = cfg.ViewportWidth
	opts.ViewportHeight = cfg.ViewportHeight
	opts.AcceptLanguage = cfg.AcceptLanguage
	opts.TimezoneID = cfg.TimezoneID
	opts.Locale = cfg.Locale
	opts.ProxyServer = cfg.Proxy
	if cfg.ActionTimeout > 0 {
		opts.ActionTimeout = cfg.ActionTimeout
	}
	opts.Logger = log
	return opts
}
