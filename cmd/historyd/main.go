// Historyd is the chat history engine daemon: a relational conversation log
// paired with a semantic vector index, exposed over HTTP.
//
// Usage:
//
//	# Start with the default config file (~/.config/historyd/config.yaml)
//	historyd
//
//	# Start with an explicit config file
//	historyd --config /etc/historyd/config.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/historyd/internal/config"
	"github.com/fyrsmithlabs/historyd/internal/conversationlog"
	"github.com/fyrsmithlabs/historyd/internal/embeddings"
	httpapi "github.com/fyrsmithlabs/historyd/internal/http"
	"github.com/fyrsmithlabs/historyd/internal/logging"
	"github.com/fyrsmithlabs/historyd/internal/metrics"
	"github.com/fyrsmithlabs/historyd/internal/resilience"
	"github.com/fyrsmithlabs/historyd/internal/retention"
	"github.com/fyrsmithlabs/historyd/internal/semanticindex"
	"github.com/fyrsmithlabs/historyd/internal/service"
)

// Version information (set via ldflags during build)
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "historyd",
	Short:   "Chat history engine with semantic search",
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting historyd",
		zap.String("version", version),
		zap.String("environment", cfg.Index.Environment),
		zap.String("index_backend", cfg.Index.Backend))

	registry := prometheus.NewRegistry()
	sink, err := metrics.NewPrometheusSink(registry)
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	embedder, err := embeddings.NewHTTPProvider(cfg.Embeddings, logger.Named("embeddings"))
	if err != nil {
		return fmt.Errorf("initializing embedding provider: %w", err)
	}

	var expander embeddings.QueryExpander
	if cfg.Expander.Enabled {
		expander, err = embeddings.NewHTTPExpander(cfg.Expander.ExpanderConfig, logger.Named("expander"))
		if err != nil {
			return fmt.Errorf("initializing query expander: %w", err)
		}
	}

	store, err := newPointStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing point store: %w", err)
	}

	wrapper := resilience.New(cfg.Resilience, logger.Named("resilience"), sink)
	index, err := semanticindex.New(store, embedder, expander, wrapper,
		logger.Named("semanticindex"), sink, cfg.Index.Config)
	if err != nil {
		return fmt.Errorf("initializing semantic index: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := index.Init(ctx); err != nil {
		return fmt.Errorf("ensuring collection: %w", err)
	}

	log, err := conversationlog.Open(cfg.Log.DataDir, logger.Named("conversationlog"))
	if err != nil {
		return fmt.Errorf("opening conversation log: %w", err)
	}

	svc := service.New(log, index, logger.Named("service"), sink, cfg.Service)
	defer svc.Close() //nolint:errcheck

	engine := retention.NewEngine(log, index, logger.Named("retention"), sink, cfg.Retention.Policy)
	scheduler, err := retention.NewScheduler(engine, cfg.Retention.Scheduler, logger.Named("retention"))
	if err != nil {
		return fmt.Errorf("initializing retention scheduler: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Hot-reload the retention policy when the config file changes.
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, logger.Named("config"), func(next *config.Config) {
			engine.SetPolicy(next.Retention.Policy)
		})
		if err != nil {
			logger.Warn("config watcher unavailable, retention policy is static", zap.Error(err))
		} else {
			defer watcher.Close() //nolint:errcheck
		}
	}

	server, err := httpapi.NewServer(svc, engine, registry, logger.Named("http"), httpapi.Config{
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	return nil
}

// newPointStore builds the configured vector store backend.
func newPointStore(cfg *config.Config, logger *zap.Logger) (semanticindex.PointStore, error) {
	switch cfg.Index.Backend {
	case config.BackendQdrant:
		return semanticindex.NewQdrantStore(cfg.Index.Qdrant, logger.Named("qdrant"))
	case config.BackendEmbedded:
		return semanticindex.NewChromemStore(cfg.Index.EmbeddedPath, logger.Named("chromem"))
	default:
		return nil, fmt.Errorf("unknown index backend %q", cfg.Index.Backend)
	}
}
