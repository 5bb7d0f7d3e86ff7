// Package crawler defines the core types for the crawl engine and the
// interfaces of its external collaborators.
package crawler

import (
	"fmt"
	"time"
)

// Page is the materialized result of one fetch/parse/extract cycle.
// It is immutable once built and is what gets appended to the results
// list and to the checkpoint log.
type Page struct {
	URL        string            `json:"url"`
	Title      string            `json:"title,omitempty"`
	Text       string            `json:"text,omitempty"`
	HTML       string            `json:"html,omitempty"`
	Links      []string          `json:"links"`
	Metadata   map[string]string `json:"metadata"`
	StatusCode int               `json:"status_code"`
	Depth      int               `json:"depth"`
	CrawledAt  time.Time         `json:"crawled_at"`
}

// Config holds the settings for one crawl session. It is decoupled from
// Viper so the engine can be constructed and tested without a config file;
// the JSON tags define how it is persisted in the checkpoint metadata record.
type Config struct {
	MaxDepth       int    `json:"max_depth" mapstructure:"max_depth"`
	MaxPages       int    `json:"max_pages" mapstructure:"max_pages"`
	Concurrency    int    `json:"max_concurrency" mapstructure:"max_concurrency"`
	FollowExternal bool   `json:"follow_external" mapstructure:"follow_external"`
	UserAgent      string `json:"user_agent" mapstructure:"user_agent"`
	TimeoutSeconds int    `json:"timeout" mapstructure:"timeout_seconds"`
	ExtractText    bool   `json:"extract_text" mapstructure:"extract_text"`
	SaveHTML       bool   `json:"save_html" mapstructure:"save_html"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxDepth:       1,
		MaxPages:       100,
		Concurrency:    10,
		FollowExternal: false,
		UserAgent:      "scavenge/0.3.0 (+https://github.com/mkoster/scavenge)",
		TimeoutSeconds: 30,
		ExtractText:    true,
		SaveHTML:       false,
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.MaxDepth < 0 {
		return fmt.Errorf("max_depth must be >= 0, got %d", c.MaxDepth)
	}
	if c.MaxPages < 1 {
		return fmt.Errorf("max_pages must be >= 1, got %d", c.MaxPages)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("max_concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.TimeoutSeconds < 1 {
		return fmt.Errorf("timeout must be >= 1 second, got %d", c.TimeoutSeconds)
	}
	return nil
}

// Timeout returns the per-request timeout as a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
