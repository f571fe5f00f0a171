// Package config provides configuration loading for historyd.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables. The retention policy section supports hot reload via Watcher.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/historyd/internal/embeddings"
	"github.com/fyrsmithlabs/historyd/internal/logging"
	"github.com/fyrsmithlabs/historyd/internal/resilience"
	"github.com/fyrsmithlabs/historyd/internal/retention"
	"github.com/fyrsmithlabs/historyd/internal/semanticindex"
	"github.com/fyrsmithlabs/historyd/internal/service"
)

// Index backends.
const (
	BackendQdrant   = "qdrant"
	BackendEmbedded = "embedded"
)

// Config holds the complete historyd configuration.
type Config struct {
	Server     ServerConfig      `koanf:"server"`
	Logging    logging.Config    `koanf:"logging"`
	Log        LogConfig         `koanf:"log"`
	Index      IndexConfig       `koanf:"index"`
	Embeddings embeddings.Config `koanf:"embeddings"`
	Expander   ExpanderConfig    `koanf:"expander"`
	Resilience resilience.Config `koanf:"resilience"`
	Retention  RetentionConfig   `koanf:"retention"`
	Service    service.Config    `koanf:"service"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig holds conversation log storage configuration.
type LogConfig struct {
	// DataDir is the SQLite data directory; ":memory:" for ephemeral storage.
	DataDir string `koanf:"data_dir"`
}

// IndexConfig holds semantic index configuration.
type IndexConfig struct {
	semanticindex.Config `koanf:",squash"`

	// Backend selects the point store: "qdrant" or "embedded".
	Backend string `koanf:"backend"`

	// Qdrant configures the gRPC backend.
	Qdrant semanticindex.QdrantConfig `koanf:"qdrant"`

	// EmbeddedPath persists the embedded backend; empty keeps it in memory.
	EmbeddedPath string `koanf:"embedded_path"`
}

// ExpanderConfig holds query-expansion configuration.
type ExpanderConfig struct {
	// Enabled turns fusion query expansion on.
	Enabled bool `koanf:"enabled"`

	embeddings.ExpanderConfig `koanf:",squash"`
}

// RetentionConfig combines the retention policy with its scheduler.
type RetentionConfig struct {
	Policy    retention.Policy          `koanf:"policy"`
	Scheduler retention.SchedulerConfig `koanf:"scheduler"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Log.DataDir == "" {
		cfg.Log.DataDir = "/var/lib/historyd"
	}
	if cfg.Index.Backend == "" {
		cfg.Index.Backend = BackendEmbedded
	}
	if cfg.Index.Environment == "" {
		cfg.Index.Environment = "dev"
	}
	cfg.Resilience.ApplyDefaults()
	cfg.Retention.Scheduler.ApplyDefaults()
	cfg.Service.ApplyDefaults()
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	switch c.Index.Backend {
	case BackendQdrant, BackendEmbedded:
	default:
		return fmt.Errorf("unknown index backend %q (must be %q or %q)",
			c.Index.Backend, BackendQdrant, BackendEmbedded)
	}
	if _, err := semanticindex.CollectionName(c.Index.Environment); err != nil {
		return err
	}

	if err := c.Embeddings.Validate(); err != nil {
		return err
	}
	if c.Expander.Enabled && c.Expander.BaseURL == "" {
		return errors.New("expander enabled but base URL missing")
	}
	return nil
}
