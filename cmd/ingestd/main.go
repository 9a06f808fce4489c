package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/config"
	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/logging"
	"github.com/JakeFAU/knowledge-ingest/internal/server"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ingestd: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "ingestd",
		Usage: "Crawl sites and ingest documents into per-tenant knowledge collections",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file (env vars with prefix " + config.EnvPrefix + "_ override it)",
				EnvVars: []string{config.EnvPrefix + "_CONFIG"},
			},
		},
		Action: serveCommand,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API, scheduler and crawl workers",
				Action: serveCommand,
			},
			{
				Name:      "ingest",
				Usage:     "Ingest URLs for a tenant and wait for every source to settle",
				ArgsUsage: "URL [URL...]",
				Action:    ingestCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "tenant",
						Aliases:  []string{"t"},
						Usage:    "Tenant that owns the sources",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "language",
						Usage: "Document language (defaults to ingest.default_language)",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "Give up waiting after this long",
						Value: 30 * time.Minute,
					},
					&cli.DurationFlag{
						Name:  "poll-interval",
						Usage: "How often source status is checked",
						Value: 2 * time.Second,
					},
				},
			},
		},
	}
}

// bootstrap loads configuration and builds the service graph.
func bootstrap(c *cli.Context) (*server.App, *zap.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("logger init: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := server.Build(c.Context, &cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, fmt.Errorf("build: %w", err)
	}
	return app, logger, nil
}

func serveCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	c.Context = ctx

	app, logger, err := bootstrap(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	return app.Run(ctx)
}

func ingestCommand(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("at least one URL is required")
	}
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.Duration("timeout"))
	defer cancel()
	c.Context = ctx

	app, logger, err := bootstrap(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	defer app.Close(context.WithoutCancel(ctx))

	batch, err := app.Service.IngestURLs(ctx, c.String("tenant"), c.Args().Slice(), c.String("language"))
	if err != nil {
		return fmt.Errorf("submit batch: %w", err)
	}
	logger.Info("batch submitted",
		zap.String("batch_id", batch.BatchID),
		zap.Int("sources", len(batch.SourceIDs)),
	)

	failed, err := waitForSources(ctx, app, batch.SourceIDs, c.Duration("poll-interval"), logger)
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sources failed", failed, len(batch.SourceIDs))
	}
	return nil
}

// waitForSources polls until every source is COMPLETED or ERROR and returns
// how many ended in ERROR.
func waitForSources(
	ctx context.Context,
	app *server.App,
	ids []string,
	interval time.Duration,
	logger *zap.Logger,
) (int, error) {
	pending := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		pending[id] = struct{}{}
	}
	failed := 0
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for id := range pending {
			src, err := app.Service.GetSource(ctx, id)
			if err != nil {
				return failed, fmt.Errorf("get source %s: %w", id, err)
			}
			switch src.Status {
			case crawler.SourceStatusCompleted:
				logger.Info("source completed", zap.String("source_id", id), zap.String("location", src.Location))
			case crawler.SourceStatusError:
				failed++
				logger.Warn("source failed", zap.String("source_id", id), zap.String("error", src.ErrorText))
			default:
				continue
			}
			delete(pending, id)
		}
		if len(pending) == 0 {
			return failed, nil
		}
		select {
		case <-ctx.Done():
			return failed, fmt.Errorf("waiting for %d sources: %w", len(pending), ctx.Err())
		case <-ticker.C:
		}
	}
}
