package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/segin/efgrabber/internal/config"
	"github.com/segin/efgrabber/internal/controller"
	"github.com/segin/efgrabber/internal/fetch"
	collyfetch "github.com/segin/efgrabber/internal/fetch/colly"
	"github.com/segin/efgrabber/internal/fetch/headless"
	"github.com/segin/efgrabber/internal/grabber"
	"github.com/segin/efgrabber/internal/progress"
	"github.com/segin/efgrabber/internal/progress/sinks"
	pubsubpub "github.com/segin/efgrabber/internal/publisher/pubsub"
	"github.com/segin/efgrabber/internal/store/memory"
	"github.com/segin/efgrabber/internal/store/postgres"
	"github.com/segin/efgrabber/internal/store/sqlite"
)

// buildController assembles the engine from configuration. The returned
// cleanup releases the store, fetchers, and publisher.
func buildController(ctx context.Context, cfg config.Config, logger *zap.Logger) (*controller.Controller, *progress.Hub, func(), error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := store.Initialize(ctx); err != nil {
		_ = store.Close()
		return nil, nil, nil, fmt.Errorf("initialize store: %w", err)
	}

	client, err := fetch.New(fetch.Config{
		UserAgent:      cfg.HTTP.UserAgent,
		Cookie:         cfg.HTTP.Cookie,
		CookieFile:     cfg.HTTP.CookieFile,
		ConnectTimeout: durationSeconds(cfg.HTTP.ConnectTimeoutSeconds),
		LowSpeedLimit:  int64(cfg.HTTP.LowSpeedLimit),
		LowSpeedTime:   durationSeconds(cfg.HTTP.LowSpeedTimeSeconds),
		MaxRedirects:   cfg.HTTP.MaxRedirects,
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}

	pageFetcher, closePages, err := buildPageFetcher(cfg, client)
	if err != nil {
		client.Close()
		_ = store.Close()
		return nil, nil, nil, err
	}

	hub := progress.NewHub()
	hub.Register(sinks.NewLog(logger))
	hub.Register(sinks.NewPrometheus())

	closePublisher := func() {}
	if cfg.PubSub.Enabled {
		pub, err := pubsubpub.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			closePages()
			client.Close()
			_ = store.Close()
			return nil, nil, nil, err
		}
		hub.Register(sinks.NewPublish(pub, func() string { return hub.RunID().String() }, logger))
		closePublisher = func() {
			if err := pub.Close(); err != nil {
				logger.Warn("close publisher", zap.Error(err))
			}
		}
	}

	ctrl, err := controller.New(controller.Deps{
		Store:       store,
		Fetcher:     client,
		PageFetcher: pageFetcher,
		Hub:         hub,
		Logger:      logger,
	}, controller.Options{
		StorageRoot:            cfg.Storage.Root,
		OverwriteExisting:      cfg.Storage.Overwrite,
		MaxConcurrentDownloads: cfg.Downloads.MaxConcurrent,
		MaxPool:                cfg.Downloads.MaxPool,
		MaxConcurrentScrapes:   cfg.Scrape.MaxConcurrent,
		MaxRetries:             cfg.Downloads.MaxRetries,
		DownloadTimeout:        cfg.DownloadTimeout(),
		PageTimeout:            cfg.PageTimeout(),
		ProbeUpperBound:        cfg.Scrape.ProbeUpperBound,
	})
	if err != nil {
		closePublisher()
		closePages()
		client.Close()
		_ = store.Close()
		return nil, nil, nil, err
	}

	cleanup := func() {
		ctrl.Stop()
		closePublisher()
		closePages()
		client.Close()
		if err := store.Close(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}
	return ctrl, hub, cleanup, nil
}

func openStore(ctx context.Context, cfg config.Config) (grabber.WorkStore, error) {
	switch cfg.DB.Driver {
	case "sqlite":
		return sqlite.Open(cfg.DB.Path, nil)
	case "postgres":
		return postgres.Open(ctx, cfg.DB.DSN, nil)
	case "memory":
		return memory.New(nil), nil
	default:
		return nil, fmt.Errorf("%w: unknown db driver %q", grabber.ErrConfig, cfg.DB.Driver)
	}
}

// buildPageFetcher picks the index-page transport: a headless browser for
// anti-bot hosts, colly by default, or the plain client.
func buildPageFetcher(cfg config.Config, client *fetch.Client) (grabber.PageFetcher, func(), error) {
	if cfg.Scrape.Headless {
		hf, err := headless.New(headless.Config{
			MaxParallel:       cfg.Scrape.MaxConcurrent,
			UserAgent:         cfg.HTTP.UserAgent,
			Cookie:            cfg.HTTP.Cookie,
			NavigationTimeout: cfg.PageTimeout(),
		})
		if err != nil {
			return nil, nil, err
		}
		return hf, hf.Close, nil
	}
	if cfg.Scrape.UseColly {
		cf := collyfetch.New(collyfetch.Config{
			UserAgent: cfg.HTTP.UserAgent,
			Cookie:    cfg.HTTP.Cookie,
			Timeout:   cfg.PageTimeout(),
		})
		return cf, func() {}, nil
	}
	return client, func() {}, nil
}

func durationSeconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}
