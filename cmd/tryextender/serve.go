package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/tryextender/internal/api"
	"github.com/mattjoyce/tryextender/internal/auth"
	"github.com/mattjoyce/tryextender/internal/config"
	"github.com/mattjoyce/tryextender/internal/events"
	"github.com/mattjoyce/tryextender/internal/lock"
	"github.com/mattjoyce/tryextender/internal/log"
	"github.com/mattjoyce/tryextender/internal/queue"
	"github.com/mattjoyce/tryextender/internal/storage"
	"github.com/mattjoyce/tryextender/internal/trigger"
	"github.com/mattjoyce/tryextender/internal/watch"
	"github.com/mattjoyce/tryextender/internal/webhook"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, trigger dispatcher and catalog watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, opts.configPath)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, configPath string) error {
	logger := log.WithComponent("main")
	fingerprint, err := config.Fingerprint(configFile(configPath))
	if err != nil {
		logger.Warn("failed to fingerprint config", "error", err)
	}
	logger.Info("tryextender starting", "version", version, "config", configPath, "config_fingerprint", fingerprint)

	pidLock, err := lock.Acquire(lock.PathFor(cfg.State.Path))
	if err != nil {
		return fmt.Errorf("acquire PID lock (another instance may be running): %w", err)
	}
	defer pidLock.Release()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.State.Path, err)
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	c := newCore(cfg)
	q := queue.New(db)
	hub := events.NewHub(256)

	sink, closeSinks, err := newSinks(cfg.Publish, cfg.Publish.File, len(cfg.Publish.Kafka.Brokers) > 0, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	if _, err := c.store.Current(ctx); err != nil {
		// The first classification retries the load.
		logger.Warn("initial catalog load failed", "error", err)
	}

	submitter := trigger.NewSelfServeClient(trigger.ClientConfig{
		BaseURL:  cfg.BuildAPI.BaseURL,
		Branch:   cfg.BuildAPI.Branch,
		Username: cfg.BuildAPI.Username,
		Password: cfg.BuildAPI.Password,
		Timeout:  cfg.BuildAPI.Timeout,
	})
	disp := trigger.NewDispatcher(q, submitter, hub, c.metrics, trigger.Config{
		PollInterval: cfg.Trigger.PollInterval,
		BackoffBase:  cfg.Trigger.BackoffBase,
		LogRetention: cfg.Trigger.LogRetention,
	})

	watcher := watch.New(c.store, c.classifier, hub, c.metrics, watch.Config{
		Interval: cfg.Catalog.RefreshInterval,
		Jitter:   cfg.Catalog.Jitter,
	}, log.Get())
	watcher.Start(ctx)
	defer watcher.Stop()

	components := []component{{name: "dispatcher", run: disp.Start}}

	if cfg.API.Enabled {
		var hook http.Handler
		if wh := cfg.Catalog.Webhook; wh.Path != "" {
			maxBody, err := webhook.ParseSize(wh.MaxBodySize)
			if err != nil {
				return fmt.Errorf("catalog.webhook.max_body_size: %w", err)
			}
			hook = webhook.New(webhook.Config{
				Secret:          wh.Secret,
				SignatureHeader: wh.SignatureHeader,
				MaxBodySize:     maxBody,
			}, watcher, log.WithComponent("webhook"))
			logger.Info("catalog webhook enabled", "path", wh.Path)
		}

		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		server := api.New(api.Config{
			Listen:          cfg.API.Listen,
			APIKey:          cfg.API.Auth.APIKey,
			Tokens:          tokens,
			MaxAttempts:     cfg.Trigger.MaxAttempts,
			CatalogHookPath: cfg.Catalog.Webhook.Path,
		}, api.Deps{
			Classifier:  c.classifier,
			Queue:       q,
			Catalog:     watcher,
			Events:      hub,
			Metrics:     c.metrics.Handler(),
			Sink:        sink,
			CatalogHook: hook,
		}, log.WithComponent("api"))
		components = append(components, component{name: "api", run: server.Start})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	return runComponents(ctx, logger, components)
}

// component is a long-running part of the server that returns once ctx ends.
type component struct {
	name string
	run  func(ctx context.Context) error
}

// runComponents runs every component until ctx ends or one of them fails,
// then cancels the rest and waits for all of them to return.
func runComponents(ctx context.Context, logger *slog.Logger, components []component) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(components))
	var wg sync.WaitGroup
	for _, c := range components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", c.name, err)
			}
		}()
	}

	logger.Info("tryextender running (press Ctrl+C to stop)")

	var err error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err = <-errCh:
		logger.Error("component failed", "error", err)
	}

	cancel()
	wg.Wait()
	logger.Info("tryextender stopped")
	return err
}

// configFile resolves a config directory to the file inside it.
func configFile(path string) string {
	if st, err := os.Stat(path); err == nil && st.IsDir() {
		return filepath.Join(path, "config.yaml")
	}
	return path
}
