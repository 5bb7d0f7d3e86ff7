package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mkoster/scavenge/internal/checkpoint"
	"github.com/mkoster/scavenge/internal/config"
	"github.com/mkoster/scavenge/internal/crawler"
	"github.com/mkoster/scavenge/internal/engine"
	"github.com/mkoster/scavenge/internal/extractor"
	"github.com/mkoster/scavenge/internal/fetcher"
	"github.com/mkoster/scavenge/internal/filter"
	"github.com/mkoster/scavenge/internal/frontier"
	"github.com/mkoster/scavenge/internal/metrics"
	"github.com/mkoster/scavenge/internal/notify"
	"github.com/mkoster/scavenge/internal/parser"
	"github.com/mkoster/scavenge/internal/stats"
	"github.com/mkoster/scavenge/internal/storage"
	"github.com/mkoster/scavenge/internal/writer"
)

type crawlFlags struct {
	resume         bool
	maxDepth       int
	maxPages       int
	concurrency    int
	timeout        int
	followExternal bool
	saveHTML       bool
	noExtract      bool
	userAgent      string
	output         string
	format         string
	include        []string
	exclude        []string
	skipExtensions []string
	allowDomains   []string
	checkpoint     string
	flushInterval  int
}

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var flags crawlFlags

	cmd := &cobra.Command{
		Use:   "crawl <start-url>",
		Short: "Starts a crawl from the given URL",
		Long: `Crawls breadth-first from the start URL, respecting the configured
depth, page, and filter limits. With --resume, replays the checkpoint log
and continues from the saved frontier instead of starting over.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, args[0], flags)
		},
	}

	cmd.Flags().BoolVar(&flags.resume, "resume", false, "resume from the checkpoint log")
	cmd.Flags().IntVar(&flags.maxDepth, "max-depth", -1, "override crawl.max_depth")
	cmd.Flags().IntVar(&flags.maxPages, "max-pages", 0, "override crawl.max_pages")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "override crawl.concurrency")
	cmd.Flags().IntVar(&flags.timeout, "timeout", 0, "per-request timeout in seconds")
	cmd.Flags().BoolVar(&flags.followExternal, "follow-external", false, "follow links to other domains")
	cmd.Flags().BoolVar(&flags.saveHTML, "save-html", false, "keep raw HTML in page records")
	cmd.Flags().BoolVar(&flags.noExtract, "no-extract", false, "skip text extraction")
	cmd.Flags().StringVar(&flags.userAgent, "user-agent", "", "override crawl.user_agent")
	cmd.Flags().StringVar(&flags.output, "output", "", "override output.path")
	cmd.Flags().StringVar(&flags.format, "format", "", "output format: json, jsonl, or text")
	cmd.Flags().StringSliceVar(&flags.include, "include", nil, "URL include patterns")
	cmd.Flags().StringSliceVar(&flags.exclude, "exclude", nil, "URL exclude patterns")
	cmd.Flags().StringSliceVar(&flags.skipExtensions, "skip-extensions", nil, "file extensions to skip")
	cmd.Flags().StringSliceVar(&flags.allowDomains, "allow-domains", nil, "domain allow-list")
	cmd.Flags().StringVar(&flags.checkpoint, "checkpoint", "", "override checkpoint.uri")
	cmd.Flags().IntVar(&flags.flushInterval, "checkpoint-interval", 0, "pages between checkpoint flushes")
	return cmd
}

func runCrawl(cmd *cobra.Command, startURL string, flags crawlFlags) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	applyCrawlFlags(&cfg, cmd, flags)

	crawlCfg := cfg.CrawlerConfig()
	if err := crawlCfg.Validate(); err != nil {
		return fmt.Errorf("crawl config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ckpt *checkpoint.Manager
	if cfg.Checkpoint.URI != "" {
		backend, err := storage.FromURI(ctx, cfg.Checkpoint.URI, logger)
		if err != nil {
			return fmt.Errorf("open checkpoint backend: %w", err)
		}
		ckpt = checkpoint.NewManager(backend, cfg.Checkpoint.FlushInterval, nil, logger)
	} else if flags.resume {
		return fmt.Errorf("--resume requires checkpoint.uri to be configured")
	}

	var chain *filter.Chain
	if !cfg.Filters.Empty() {
		chain = filter.New(cfg.Filters, logger)
	}

	met := metrics.New()
	if ckpt != nil {
		ckpt.OnFlush(met.ObserveCheckpointFlush)
	}
	if cfg.Metrics.Enabled {
		server := met.Serve(cfg.Metrics.Addr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metrics.Shutdown(shutdownCtx, server)
		}()
	}

	var notifier notify.Notifier = notify.NoOp{}
	if cfg.PubSub.ProjectID != "" {
		ps, err := notify.NewPubSub(ctx, cfg.PubSub.ProjectID, cfg.PubSub.Topic, logger)
		if err != nil {
			return fmt.Errorf("init pubsub notifier: %w", err)
		}
		notifier = ps
	}
	defer func() {
		if err := notifier.Close(); err != nil {
			logger.Warn("close notifier", zap.Error(err))
		}
	}()

	eng, err := engine.New(crawlCfg, engine.Deps{
		Frontier: frontier.New(crawlCfg.MaxDepth, crawlCfg.FollowExternal, chain, logger),
		Fetcher: fetcher.New(fetcher.Config{
			UserAgent:     crawlCfg.UserAgent,
			Timeout:       crawlCfg.Timeout(),
			RespectRobots: cfg.Crawl.RespectRobots,
		}, logger),
		Parser:     parser.New(logger),
		Extractor:  extractor.New(logger),
		Checkpoint: ckpt,
		Notifier:   notifier,
		Metrics:    met,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	pages, runErr := eng.Run(ctx, startURL, flags.resume)

	// Results collected before a failure are still worth saving.
	if len(pages) > 0 {
		if err := saveResults(ctx, cfg, eng.CrawlID(), pages, logger); err != nil {
			if runErr == nil {
				runErr = err
			} else {
				logger.Error("save results", zap.Error(err))
			}
		}
	}

	fmt.Fprintln(cmd.OutOrStdout(), stats.Compute(pages).String())
	return runErr
}

// applyCrawlFlags layers explicitly set flags over the loaded config.
// Boolean flags only apply when the user passed them, so a config file
// setting is not clobbered by a flag default.
func applyCrawlFlags(cfg *config.Config, cmd *cobra.Command, flags crawlFlags) {
	if flags.maxDepth >= 0 {
		cfg.Crawl.MaxDepth = flags.maxDepth
	}
	if flags.maxPages > 0 {
		cfg.Crawl.MaxPages = flags.maxPages
	}
	if flags.concurrency > 0 {
		cfg.Crawl.Concurrency = flags.concurrency
	}
	if flags.timeout > 0 {
		cfg.Crawl.TimeoutSeconds = flags.timeout
	}
	if cmd.Flags().Changed("follow-external") {
		cfg.Crawl.FollowExternal = flags.followExternal
	}
	if cmd.Flags().Changed("save-html") {
		cfg.Crawl.SaveHTML = flags.saveHTML
	}
	if flags.noExtract {
		cfg.Crawl.ExtractText = false
	}
	if flags.userAgent != "" {
		cfg.Crawl.UserAgent = flags.userAgent
	}
	if flags.output != "" {
		cfg.Output.Path = flags.output
	}
	if flags.format != "" {
		cfg.Output.Format = flags.format
	}
	if len(flags.include) > 0 {
		cfg.Filters.IncludePatterns = flags.include
	}
	if len(flags.exclude) > 0 {
		cfg.Filters.ExcludePatterns = flags.exclude
	}
	if len(flags.skipExtensions) > 0 {
		cfg.Filters.SkipExtensions = flags.skipExtensions
	}
	if len(flags.allowDomains) > 0 {
		cfg.Filters.AllowedDomains = flags.allowDomains
	}
	if flags.checkpoint != "" {
		cfg.Checkpoint.URI = flags.checkpoint
	}
	if flags.flushInterval > 0 {
		cfg.Checkpoint.FlushInterval = flags.flushInterval
	}
}

// saveResults writes the result set to the configured file and, when a
// DSN is set, to Postgres. It runs on a detached context so an
// interrupted crawl still lands its partial results.
func saveResults(ctx context.Context, cfg config.Config, crawlID string, pages []crawler.Page, logger *zap.Logger) error {
	saveCtx := context.WithoutCancel(ctx)

	var format writer.Format
	if cfg.Output.Format != "" {
		f, err := writer.ParseFormat(cfg.Output.Format)
		if err != nil {
			return err
		}
		format = f
	}
	fileWriter := writer.NewFile(cfg.Output.Path, format, logger)
	if err := fileWriter.Write(saveCtx, crawlID, pages); err != nil {
		return err
	}

	if cfg.Database.DSN == "" {
		return nil
	}
	pg, err := writer.NewPostgres(saveCtx, writer.PostgresConfig{
		DSN:             cfg.Database.DSN,
		Table:           cfg.Database.Table,
		MaxConns:        cfg.Database.MaxConns,
		MaxConnLifetime: time.Duration(cfg.Database.MaxConnLifetime) * time.Second,
	}, logger)
	if err != nil {
		return err
	}
	defer pg.Close()
	return pg.Write(saveCtx, crawlID, pages)
}
