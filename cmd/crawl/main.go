package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/maltedev/bestseller-crawler/internal/browser"
	"github.com/maltedev/bestseller-crawler/internal/catalog"
	"github.com/maltedev/bestseller-crawler/internal/config"
	"github.com/maltedev/bestseller-crawler/internal/crawler"
	"github.com/maltedev/bestseller-crawler/internal/database"
	"github.com/maltedev/bestseller-crawler/internal/profile"
	"github.com/maltedev/bestseller-crawler/internal/ratelimit"
	"github.com/maltedev/bestseller-crawler/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var (
		provider    = flag.String("provider", "amazon", "Provider profile to crawl")
		profilesArg = flag.String("profiles", cfg.Crawler.ProfilesPath, "YAML profile file (built-in profiles when empty)")
		storeArg    = flag.String("store", "none", "Where to persist the snapshot: none, sqlite or postgres")
		sqlitePath  = flag.String("sqlite", cfg.Database.SQLitePath, "SQLite file for -store sqlite")
		out         = flag.String("out", "-", "Snapshot JSON output file (- for stdout)")
		concurrency = flag.String("concurrency", "", "Section workers: a positive integer or auto")
		driver      = flag.String("driver", cfg.Browser.Driver, "Browser driver: playwright or rod")
		headless    = flag.Bool("headless", cfg.Browser.Headless, "Run browser in headless mode")
		list        = flag.Bool("list", false, "List known providers and exit")
	)
	flag.Parse()

	log := logger.NewWithWriter(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	profiles, err := profile.Load(*profilesArg)
	if err != nil {
		log.Error("failed to load profiles", "error", err)
		os.Exit(1)
	}
	if *list {
		for _, id := range profiles.IDs() {
			fmt.Println(id)
		}
		return
	}

	p, err := profiles.Get(*provider)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v (known: %v)\n", err, profiles.IDs())
		flag.Usage()
		os.Exit(2)
	}

	if *concurrency != "" {
		n, err := config.ResolveConcurrency(*concurrency)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		cfg.Crawler.Concurrency = n
	}
	cfg.Browser.Driver = *driver
	cfg.Browser.Headless = *headless
	cfg.Database.SQLitePath = *sqlitePath

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, closeSink, err := openSink(ctx, *storeArg, cfg, log)
	if err != nil {
		log.Error("failed to open store", "store", *storeArg, "error", err)
		os.Exit(1)
	}
	defer closeSink()

	launcher, err := browser.NewLauncher(cfg.Browser.Driver, browserOptions(cfg.Browser, log))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	c := crawler.New(launcher, sink, crawler.Options{
		RunTimeout:        cfg.Crawler.RunTimeout,
		NavigationTimeout: cfg.Crawler.NavigationTimeout,
		SettleDelay:       cfg.Crawler.SettleDelay,
		PageCeiling:       cfg.Crawler.PageCeiling,
		Concurrency:       cfg.Crawler.Concurrency,
		Pacer:             ratelimit.NewJittered(cfg.Crawler.PacingMin, cfg.Crawler.PacingMax),
	}, log)

	snap, runErr := c.Run(ctx, p)
	if snap != nil {
		if err := writeSnapshot(*out, snap); err != nil {
			log.Error("failed to write snapshot", "error", err)
			os.Exit(1)
		}
	}
	if runErr != nil {
		log.Error("crawl failed", "provider", p.ID, "error_type", crawler.ErrorLabel(runErr), "error", runErr)
		os.Exit(1)
	}
}

func openSink(ctx context.Context, kind string, cfg *config.Config, log *slog.Logger) (crawler.Sink, func(), error) {
	switch kind {
	case "none", "":
		return nil, func() {}, nil
	case "sqlite":
		store, err := database.OpenSQLite(ctx, cfg.Database.SQLitePath, log)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
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
			return nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return database.NewCatalogStore(db, nil, log), db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", kind)
	}
}

func writeSnapshot(path string, snap *catalog.Snapshot) error {
	var w io.Writer = os.Stdout
	if path != "-" && path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(snap)
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
