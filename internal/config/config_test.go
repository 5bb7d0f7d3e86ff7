package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkoster/scavenge/internal/crawler"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scavenge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, crawler.DefaultConfig(), cfg.CrawlerConfig())
	require.Equal(t, 10, cfg.Checkpoint.FlushInterval)
	require.Equal(t, "results.json", cfg.Output.Path)
	require.Equal(t, "pages", cfg.Database.Table)
	require.False(t, cfg.Metrics.Enabled)
	require.True(t, cfg.Logging.Development)
	require.True(t, cfg.Filters.Empty())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
crawl:
  max_depth: 3
  max_pages: 500
  concurrency: 8
  follow_external: true
  save_html: true
filters:
  include:
    - "*/blog/*"
  exclude:
    - "*/private/*"
  skip_extensions:
    - ".pdf"
  allowed_domains:
    - "a.test"
checkpoint:
  uri: "gs://bucket/crawl.ndjson"
  flush_interval: 25
output:
  path: "out.jsonl"
metrics:
  enabled: true
  addr: ":9100"
pubsub:
  project_id: "proj"
  topic: "crawl-events"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Crawl.MaxDepth)
	require.Equal(t, 500, cfg.Crawl.MaxPages)
	require.Equal(t, 8, cfg.Crawl.Concurrency)
	require.True(t, cfg.Crawl.FollowExternal)
	require.True(t, cfg.Crawl.SaveHTML)
	require.Equal(t, []string{"*/blog/*"}, cfg.Filters.IncludePatterns)
	require.Equal(t, []string{".pdf"}, cfg.Filters.SkipExtensions)
	require.Equal(t, "gs://bucket/crawl.ndjson", cfg.Checkpoint.URI)
	require.Equal(t, 25, cfg.Checkpoint.FlushInterval)
	require.Equal(t, "out.jsonl", cfg.Output.Path)
	require.True(t, cfg.Metrics.Enabled)
	require.Equal(t, "proj", cfg.PubSub.ProjectID)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SCAVENGE_CRAWL_MAX_DEPTH", "7")
	t.Setenv("SCAVENGE_CHECKPOINT_URI", "/tmp/crawl.ndjson")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Crawl.MaxDepth)
	require.Equal(t, "/tmp/crawl.ndjson", cfg.Checkpoint.URI)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []string{
		"crawl:\n  max_pages: 0\n",
		"crawl:\n  concurrency: 0\n",
		"crawl:\n  max_depth: -1\n",
		"checkpoint:\n  flush_interval: -5\n",
		"metrics:\n  enabled: true\n  addr: \"\"\n",
		"pubsub:\n  project_id: \"proj\"\n",
	}
	for _, body := range cases {
		_, err := Load(writeConfig(t, body))
		require.Error(t, err, body)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
