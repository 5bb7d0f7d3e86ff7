// Package config loads and validates crawl configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mkoster/scavenge/internal/crawler"
	"github.com/mkoster/scavenge/internal/filter"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Filters    filter.Spec      `mapstructure:"filters"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Output     OutputConfig     `mapstructure:"output"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// CrawlConfig governs traversal behavior.
type CrawlConfig struct {
	MaxDepth       int    `mapstructure:"max_depth"`
	MaxPages       int    `mapstructure:"max_pages"`
	Concurrency    int    `mapstructure:"concurrency"`
	FollowExternal bool   `mapstructure:"follow_external"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	ExtractText    bool   `mapstructure:"extract_text"`
	SaveHTML       bool   `mapstructure:"save_html"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
}

// CheckpointConfig selects the checkpoint log location and durability.
type CheckpointConfig struct {
	// URI is a local path or a gs://bucket/object address. Empty disables
	// checkpointing.
	URI           string `mapstructure:"uri"`
	FlushInterval int    `mapstructure:"flush_interval"`
}

// OutputConfig selects where the final result set lands.
type OutputConfig struct {
	Path   string `mapstructure:"path"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig controls the optional Postgres result sink.
type DatabaseConfig struct {
	DSN             string `mapstructure:"dsn"`
	Table           string `mapstructure:"table"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime_seconds"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk and environment. Environment variables
// use the SCAVENGE_ prefix with dots replaced by underscores, e.g.
// SCAVENGE_CRAWL_MAX_DEPTH.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCAVENGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := crawler.DefaultConfig()
	v.SetDefault("crawl.max_depth", def.MaxDepth)
	v.SetDefault("crawl.max_pages", def.MaxPages)
	v.SetDefault("crawl.concurrency", def.Concurrency)
	v.SetDefault("crawl.follow_external", def.FollowExternal)
	v.SetDefault("crawl.user_agent", def.UserAgent)
	v.SetDefault("crawl.timeout_seconds", def.TimeoutSeconds)
	v.SetDefault("crawl.extract_text", def.ExtractText)
	v.SetDefault("crawl.save_html", def.SaveHTML)
	v.SetDefault("crawl.respect_robots", false)
	// Empty-string defaults register the keys so environment overrides are
	// visible to Unmarshal.
	v.SetDefault("checkpoint.uri", "")
	v.SetDefault("checkpoint.flush_interval", 10)
	v.SetDefault("database.dsn", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("output.path", "results.json")
	v.SetDefault("output.format", "")
	v.SetDefault("database.table", "pages")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("logging.development", true)
}

// Validate rejects configurations the crawl cannot run with.
func (c Config) Validate() error {
	if err := c.CrawlerConfig().Validate(); err != nil {
		return err
	}
	if c.Checkpoint.FlushInterval < 0 {
		return fmt.Errorf("checkpoint.flush_interval must not be negative")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	return nil
}

// CrawlerConfig converts the crawl section to the engine's config type.
func (c Config) CrawlerConfig() crawler.Config {
	return crawler.Config{
		MaxDepth:       c.Crawl.MaxDepth,
		MaxPages:       c.Crawl.MaxPages,
		Concurrency:    c.Crawl.Concurrency,
		FollowExternal: c.Crawl.FollowExternal,
		UserAgent:      c.Crawl.UserAgent,
		TimeoutSeconds: c.Crawl.TimeoutSeconds,
		ExtractText:    c.Crawl.ExtractText,
		SaveHTML:       c.Crawl.SaveHTML,
	}
}

// Timeout returns the per-request timeout as a duration.
func (c CrawlConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
