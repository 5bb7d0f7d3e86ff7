package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mkoster/scavenge/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the connection pool used for page rows.
type PostgresConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Postgres writes crawled pages into a Postgres table. The expected
// schema:
//
//	CREATE TABLE pages (
//	    crawl_id    TEXT NOT NULL,
//	    url         TEXT NOT NULL,
//	    title       TEXT,
//	    text        TEXT,
//	    links       JSONB,
//	    metadata    JSONB,
//	    status_code INT NOT NULL,
//	    depth       INT NOT NULL,
//	    crawled_at  TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (crawl_id, url)
//	);
type Postgres struct {
	pool   execCloser
	table  string
	logger *zap.Logger
}

// NewPostgres connects a pool using cfg.
func NewPostgres(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewPostgresWithPool(pool, cfg.Table, logger)
}

// NewPostgresWithPool constructs a writer from an existing pool,
// primarily for testing.
func NewPostgresWithPool(pool execCloser, table string, logger *zap.Logger) (*Postgres, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "pages"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{pool: pool, table: table, logger: logger}, nil
}

// Write upserts one row per page, keyed by crawl id and URL so a resumed
// run can re-save without conflicts.
func (w *Postgres) Write(ctx context.Context, crawlID string, pages []crawler.Page) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	crawl_id, url, title, text, links, metadata, status_code, depth, crawled_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (crawl_id, url) DO UPDATE SET
	title = EXCLUDED.title,
	text = EXCLUDED.text,
	links = EXCLUDED.links,
	metadata = EXCLUDED.metadata,
	status_code = EXCLUDED.status_code,
	depth = EXCLUDED.depth,
	crawled_at = EXCLUDED.crawled_at`, w.table)

	for _, p := range pages {
		linksJSON, err := json.Marshal(p.Links)
		if err != nil {
			return fmt.Errorf("marshal links for %s: %w", p.URL, err)
		}
		metaJSON, err := json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for %s: %w", p.URL, err)
		}
		if _, err := w.pool.Exec(ctx, query,
			crawlID, p.URL, p.Title, p.Text, linksJSON, metaJSON,
			p.StatusCode, p.Depth, p.CrawledAt,
		); err != nil {
			return fmt.Errorf("insert page %s: %w", p.URL, err)
		}
	}

	w.logger.Info("results written to postgres",
		zap.String("crawl_id", crawlID),
		zap.String("table", w.table),
		zap.Int("pages", len(pages)),
	)
	return nil
}

// Close releases the pool.
func (w *Postgres) Close() {
	if w == nil || w.pool == nil {
		return
	}
	w.pool.Close()
}
