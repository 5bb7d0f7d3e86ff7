// Package engine implements the concurrent crawl orchestrator: a fixed
// pool of workers draining the frontier, invoking the fetch/parse/extract
// collaborators, and recording progress in the checkpoint log.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mkoster/scavenge/internal/checkpoint"
	"github.com/mkoster/scavenge/internal/clock"
	"github.com/mkoster/scavenge/internal/crawler"
	"github.com/mkoster/scavenge/internal/frontier"
	"github.com/mkoster/scavenge/internal/metrics"
	"github.com/mkoster/scavenge/internal/notify"
)

// idleDelay is how long a worker waits before re-checking an empty
// frontier while other workers are still mid-page.
const idleDelay = 100 * time.Millisecond

// Deps are the collaborators an Engine drives. Frontier, Fetcher, and
// Parser are required; Checkpoint nil disables checkpointing, Extractor
// nil disables text extraction, Metrics and Notifier nil disable those
// side channels.
type Deps struct {
	Frontier   *frontier.Frontier
	Fetcher    crawler.Fetcher
	Parser     crawler.Parser
	Extractor  crawler.Extractor
	Checkpoint *checkpoint.Manager
	Notifier   notify.Notifier
	Metrics    *metrics.Metrics
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Engine runs one crawl session.
type Engine struct {
	cfg       crawler.Config
	frontier  *frontier.Frontier
	fetcher   crawler.Fetcher
	parser    crawler.Parser
	extractor crawler.Extractor
	ckpt      *checkpoint.Manager
	notifier  notify.Notifier
	met       *metrics.Metrics
	clk       clock.Clock
	logger    *zap.Logger

	crawlID string
	cancel  context.CancelFunc

	mu       sync.Mutex
	pages    []crawler.Page
	inflight int
	runErr   error
}

// New validates the wiring and builds an Engine.
func New(cfg crawler.Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("crawl config: %w", err)
	}
	if deps.Frontier == nil {
		return nil, fmt.Errorf("frontier is required")
	}
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if deps.Parser == nil {
		return nil, fmt.Errorf("parser is required")
	}
	if cfg.ExtractText && deps.Extractor == nil {
		return nil, fmt.Errorf("extractor is required when extract_text is enabled")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NoOp{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewSystem()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		frontier:  deps.Frontier,
		fetcher:   deps.Fetcher,
		parser:    deps.Parser,
		extractor: deps.Extractor,
		ckpt:      deps.Checkpoint,
		notifier:  deps.Notifier,
		met:       deps.Metrics,
		clk:       deps.Clock,
		logger:    deps.Logger,
	}, nil
}

// Run crawls from startURL (or from the checkpoint when resume is set)
// until the page budget is reached or the frontier drains, then appends a
// final frontier snapshot and closes the checkpoint log. The collected
// pages are returned even when the run ends with an error.
func (e *Engine) Run(ctx context.Context, startURL string, resume bool) ([]crawler.Page, error) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	defer cancel()

	e.crawlID = uuid.NewString()

	if resume && e.ckpt != nil {
		if err := e.resume(runCtx, startURL); err != nil {
			e.releaseCheckpoint(ctx)
			return nil, err
		}
	} else {
		if e.ckpt != nil {
			meta := checkpoint.Metadata{
				CrawlID:   e.crawlID,
				StartURL:  startURL,
				Config:    e.cfg,
				StartedAt: e.clk.Now(),
			}
			if err := e.ckpt.WriteMetadata(runCtx, meta); err != nil {
				e.releaseCheckpoint(ctx)
				return nil, fmt.Errorf("write checkpoint metadata: %w", err)
			}
		}
		e.frontier.Add(startURL, 0)
	}

	e.logger.Info("crawl started",
		zap.String("crawl_id", e.crawlID),
		zap.String("url", startURL),
		zap.Int("max_depth", e.cfg.MaxDepth),
		zap.Int("max_pages", e.cfg.MaxPages),
		zap.Int("concurrency", e.cfg.Concurrency),
		zap.Bool("resume", resume),
	)

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			e.worker(runCtx, id)
		}(i)
	}
	wg.Wait()

	// The final snapshot and close run on a context detached from the
	// crawl's, so an aborted run still lands its state durably.
	if e.ckpt != nil {
		finalCtx := context.WithoutCancel(ctx)
		if err := e.ckpt.WriteState(finalCtx, e.frontier.Snapshot()); err != nil {
			e.fail(fmt.Errorf("write final frontier state: %w", err))
		}
		if err := e.ckpt.Close(finalCtx); err != nil {
			e.fail(fmt.Errorf("close checkpoint: %w", err))
		}
	}

	pages := e.Pages()
	if err := e.notifier.CrawlFinished(context.WithoutCancel(ctx), e.crawlID, len(pages)); err != nil {
		e.logger.Warn("crawl finished notification failed", zap.Error(err))
	}

	e.logger.Info("crawl completed",
		zap.String("crawl_id", e.crawlID),
		zap.Int("pages_crawled", len(pages)),
		zap.Int("urls_visited", e.frontier.VisitedCount()),
		zap.Int("urls_filtered", e.frontier.FilteredCount()),
	)
	return pages, e.err()
}

// worker drains the frontier until the page budget is spent or the crawl
// is complete. Completion is deterministic: a worker only exits on an
// empty frontier when no other worker has a page in flight, so links
// discovered by a slow page cannot be stranded.
func (e *Engine) worker(ctx context.Context, id int) {
	logger := e.logger.With(zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}
		// Optimistic budget check: not atomic across workers, so a few
		// pages of overshoot are possible and tolerated.
		if e.pageCount() >= e.cfg.MaxPages {
			return
		}

		entry, ok, done := e.next()
		if done {
			return
		}
		if !ok {
			if !e.sleep(ctx, idleDelay) {
				return
			}
			continue
		}

		e.process(ctx, entry, logger)
		e.finish()
	}
}

// next pops the frontier and accounts the entry as in flight in one
// critical section. The pop and the in-flight increment must not be
// separable, otherwise another worker could observe an empty frontier
// with zero in-flight work and exit early.
func (e *Engine) next() (entry frontier.Entry, ok bool, done bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok = e.frontier.Get()
	if ok {
		e.inflight++
		return entry, true, false
	}
	return frontier.Entry{}, false, e.inflight == 0
}

func (e *Engine) finish() {
	e.mu.Lock()
	e.inflight--
	e.mu.Unlock()
}

func (e *Engine) process(ctx context.Context, entry frontier.Entry, logger *zap.Logger) {
	start := time.Now()

	body, statusCode, err := e.fetcher.Fetch(ctx, entry.URL)
	if err != nil {
		logger.Error("fetch failed",
			zap.String("url", entry.URL),
			zap.Int("depth", entry.Depth),
			zap.Error(err),
		)
		e.met.ObserveFailure()
		return
	}

	parsed, err := e.parser.Parse(body, entry.URL)
	if err != nil {
		logger.Error("parse failed",
			zap.String("url", entry.URL),
			zap.Int("depth", entry.Depth),
			zap.Error(err),
		)
		e.met.ObserveFailure()
		return
	}

	var text string
	if e.cfg.ExtractText && e.extractor != nil {
		text = e.extractor.Extract(body, entry.URL)
	}

	page := crawler.Page{
		URL:        entry.URL,
		Title:      parsed.Title,
		Text:       text,
		Links:      parsed.Links,
		Metadata:   parsed.Metadata,
		StatusCode: statusCode,
		Depth:      entry.Depth,
		CrawledAt:  e.clk.Now(),
	}
	if e.cfg.SaveHTML {
		page.HTML = body
	}

	total := e.appendPage(page)

	if e.ckpt != nil {
		if err := e.ckpt.WritePage(ctx, page); err != nil {
			// Durability is the point of the checkpoint; losing a write
			// aborts the whole crawl rather than continuing blind.
			logger.Error("checkpoint write failed, aborting crawl",
				zap.String("url", entry.URL),
				zap.Error(err),
			)
			e.fail(fmt.Errorf("checkpoint page write: %w", err))
			return
		}
	}

	e.met.ObservePage(statusCode, time.Since(start))
	if err := e.notifier.PageCrawled(ctx, e.crawlID, page); err != nil {
		logger.Warn("page notification failed", zap.String("url", entry.URL), zap.Error(err))
	}

	logger.Info("page crawled",
		zap.String("url", entry.URL),
		zap.Int("depth", entry.Depth),
		zap.Int("status", statusCode),
		zap.Int("links", len(parsed.Links)),
		zap.Int("total_pages", total),
	)

	for _, link := range parsed.Links {
		e.frontier.Add(link, entry.Depth+1)
	}
	e.met.SetQueueDepth(e.frontier.Size())
}

// releaseCheckpoint closes the checkpoint log on paths that abort before
// the worker pool starts, so the backing file handle or client is not
// leaked.
func (e *Engine) releaseCheckpoint(ctx context.Context) {
	if err := e.ckpt.Close(context.WithoutCancel(ctx)); err != nil {
		e.logger.Warn("close checkpoint after aborted start", zap.Error(err))
	}
}

// resume reconciles the engine with a replayed checkpoint.
func (e *Engine) resume(ctx context.Context, startURL string) error {
	replay, err := e.ckpt.Load(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	if replay.Metadata != nil {
		if replay.Metadata.CrawlID != "" {
			e.crawlID = replay.Metadata.CrawlID
		}
		if replay.Metadata.StartURL != startURL {
			e.logger.Warn("checkpoint was written for a different start url",
				zap.String("checkpoint_url", replay.Metadata.StartURL),
				zap.String("requested_url", startURL),
			)
		}
	}

	e.mu.Lock()
	e.pages = replay.Pages
	e.mu.Unlock()
	e.logger.Info("checkpoint pages restored", zap.Int("count", len(replay.Pages)))

	if replay.State != nil {
		e.frontier.Restore(replay.State.ToSnapshot())
		return nil
	}

	// Without a frontier snapshot the dedup state is gone: the crawl
	// restarts from the seed and already-checkpointed URLs may be fetched
	// again.
	e.logger.Warn("checkpoint has no frontier state, re-seeding from start url")
	e.frontier.Add(startURL, 0)
	return nil
}

// Pages returns a copy of the results collected so far.
func (e *Engine) Pages() []crawler.Page {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]crawler.Page, len(e.pages))
	copy(out, e.pages)
	return out
}

// CrawlID returns the identifier of the current run.
func (e *Engine) CrawlID() string {
	return e.crawlID
}

func (e *Engine) pageCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pages)
}

func (e *Engine) appendPage(p crawler.Page) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pages = append(e.pages, p)
	return len(e.pages)
}

// fail records the first fatal error and cancels all workers.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	if e.runErr == nil {
		e.runErr = err
	}
	e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runErr
}

// sleep waits for d or until the context ends, reporting false on
// cancellation.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
