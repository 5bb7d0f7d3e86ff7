package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mkoster/scavenge/internal/checkpoint"
	"github.com/mkoster/scavenge/internal/crawler"
	"github.com/mkoster/scavenge/internal/engine"
	"github.com/mkoster/scavenge/internal/frontier"
	"github.com/mkoster/scavenge/internal/storage"
)

type fakeSite struct {
	mu    sync.Mutex
	pages map[string]fakePage
	calls []string
}

type fakePage struct {
	title    string
	links    []string
	fetchErr error
	parseErr error
}

func (s *fakeSite) Fetch(_ context.Context, url string) (string, int, error) {
	s.mu.Lock()
	s.calls = append(s.calls, url)
	page, ok := s.pages[url]
	s.mu.Unlock()
	if !ok {
		return "", 404, fmt.Errorf("fetch %s: not found", url)
	}
	if page.fetchErr != nil {
		return "", 0, page.fetchErr
	}
	return "<html>" + url + "</html>", 200, nil
}

func (s *fakeSite) Parse(_ string, baseURL string) (crawler.ParseResult, error) {
	s.mu.Lock()
	page := s.pages[baseURL]
	s.mu.Unlock()
	if page.parseErr != nil {
		return crawler.ParseResult{}, page.parseErr
	}
	return crawler.ParseResult{
		Title: page.title,
		Links: page.links,
	}, nil
}

func (s *fakeSite) Extract(_ string, url string) string {
	return "text of " + url
}

func (s *fakeSite) fetched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	sort.Strings(out)
	return out
}

// blockingSite wraps a fakeSite so one URL's fetch parks until the
// context is canceled, signaling when it has started.
type blockingSite struct {
	*fakeSite
	slowURL string
	started chan struct{}
}

func (s *blockingSite) Fetch(ctx context.Context, url string) (string, int, error) {
	if url == s.slowURL {
		close(s.started)
		<-ctx.Done()
		return "", 0, ctx.Err()
	}
	return s.fakeSite.Fetch(ctx, url)
}

// brokenReadBackend holds a checkpoint that exists but cannot be read,
// and counts Close calls.
type brokenReadBackend struct {
	mu     sync.Mutex
	closes int
}

func (b *brokenReadBackend) Append(_ context.Context, _ string) error { return nil }

func (b *brokenReadBackend) ReadAll(_ context.Context) (io.ReadCloser, error) {
	return nil, errors.New("object unreadable")
}

func (b *brokenReadBackend) Exists(_ context.Context) bool { return true }

func (b *brokenReadBackend) Flush(_ context.Context) error { return nil }

func (b *brokenReadBackend) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	return nil
}

func (b *brokenReadBackend) closeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

// failingBackend succeeds on the first flush (metadata) and fails on every
// flush after that.
type failingBackend struct {
	mu      sync.Mutex
	flushes int
}

func (b *failingBackend) Append(_ context.Context, _ string) error { return nil }

func (b *failingBackend) ReadAll(_ context.Context) (io.ReadCloser, error) {
	return nil, errors.New("nothing to read")
}

func (b *failingBackend) Exists(_ context.Context) bool { return false }

func (b *failingBackend) Flush(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushes++
	if b.flushes > 1 {
		return errors.New("backend unavailable")
	}
	return nil
}

func (b *failingBackend) Close(_ context.Context) error { return nil }

func testConfig(t *testing.T) crawler.Config {
	t.Helper()
	cfg := crawler.DefaultConfig()
	cfg.MaxDepth = 1
	cfg.MaxPages = 100
	cfg.Concurrency = 4
	return cfg
}

type siteFake interface {
	Fetch(ctx context.Context, url string) (string, int, error)
	Parse(content, baseURL string) (crawler.ParseResult, error)
	Extract(content, url string) string
}

func newTestEngine(t *testing.T, cfg crawler.Config, site siteFake, ckpt *checkpoint.Manager) *engine.Engine {
	t.Helper()
	e, err := engine.New(cfg, engine.Deps{
		Frontier:   frontier.New(cfg.MaxDepth, cfg.FollowExternal, nil, zap.NewNop()),
		Fetcher:    site,
		Parser:     site,
		Extractor:  site,
		Checkpoint: ckpt,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return e
}

func fileCheckpoint(t *testing.T, path string) *checkpoint.Manager {
	t.Helper()
	return checkpoint.NewManager(storage.NewLocalFile(path, zap.NewNop()), 1, nil, zap.NewNop())
}

func TestRunCrawlsLinkedPages(t *testing.T) {
	t.Parallel()

	site := &fakeSite{pages: map[string]fakePage{
		"https://a.test/":     {title: "Home", links: []string{"https://a.test/b", "https://a.test/c"}},
		"https://a.test/b":    {title: "B", links: []string{"https://a.test/", "https://a.test/deep"}},
		"https://a.test/c":    {title: "C"},
		"https://a.test/deep": {title: "Deep", links: []string{"https://a.test/deeper"}},
	}}

	path := filepath.Join(t.TempDir(), "crawl.ndjson")
	e := newTestEngine(t, testConfig(t), site, fileCheckpoint(t, path))

	pages, err := e.Run(context.Background(), "https://a.test/", false)
	require.NoError(t, err)

	// The seed plus its two depth-1 links; /deep is discovered at depth 2
	// and rejected by the depth bound, and the back-link to the seed is
	// deduplicated.
	require.Len(t, pages, 3)
	require.Equal(t, []string{"https://a.test/", "https://a.test/b", "https://a.test/c"}, site.fetched())

	byURL := map[string]crawler.Page{}
	for _, p := range pages {
		byURL[p.URL] = p
	}
	require.Equal(t, "Home", byURL["https://a.test/"].Title)
	require.Equal(t, 0, byURL["https://a.test/"].Depth)
	require.Equal(t, 1, byURL["https://a.test/b"].Depth)
	require.Equal(t, "text of https://a.test/c", byURL["https://a.test/c"].Text)
	require.Equal(t, 200, byURL["https://a.test/c"].StatusCode)
	require.False(t, byURL["https://a.test/"].CrawledAt.IsZero())

	replay, err := fileCheckpoint(t, path).Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, replay.Metadata)
	require.Equal(t, "https://a.test/", replay.Metadata.StartURL)
	require.Len(t, replay.Pages, 3)
	require.NotNil(t, replay.State)
	require.Empty(t, replay.State.Queue)
	require.Len(t, replay.State.Visited, 3)
}

func TestRunStopsAtPageBudget(t *testing.T) {
	t.Parallel()

	site := &fakeSite{pages: map[string]fakePage{
		"https://a.test/":  {links: []string{"https://a.test/1", "https://a.test/2", "https://a.test/3"}},
		"https://a.test/1": {},
		"https://a.test/2": {},
		"https://a.test/3": {},
	}}

	cfg := testConfig(t)
	cfg.MaxPages = 2
	cfg.Concurrency = 1
	e := newTestEngine(t, cfg, site, nil)

	pages, err := e.Run(context.Background(), "https://a.test/", false)
	require.NoError(t, err)
	require.Len(t, pages, 2)
}

func TestRunIsolatesPageFailures(t *testing.T) {
	t.Parallel()

	site := &fakeSite{pages: map[string]fakePage{
		"https://a.test/":  {links: []string{"https://a.test/boom", "https://a.test/bad", "https://a.test/ok"}},
		"https://a.test/boom": {fetchErr: errors.New("connection reset")},
		"https://a.test/bad":  {parseErr: errors.New("not html")},
		"https://a.test/ok":   {title: "OK"},
	}}

	e := newTestEngine(t, testConfig(t), site, nil)
	pages, err := e.Run(context.Background(), "https://a.test/", false)
	require.NoError(t, err)

	urls := make([]string, 0, len(pages))
	for _, p := range pages {
		urls = append(urls, p.URL)
	}
	sort.Strings(urls)
	require.Equal(t, []string{"https://a.test/", "https://a.test/ok"}, urls)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "crawl.ndjson")
	pages := map[string]fakePage{
		"https://a.test/":  {title: "Home", links: []string{"https://a.test/b", "https://a.test/c"}},
		"https://a.test/b": {title: "B", links: []string{"https://a.test/"}},
		"https://a.test/c": {title: "C"},
	}

	// First run crawls only the seed before hitting the budget.
	first := &fakeSite{pages: pages}
	cfg := testConfig(t)
	cfg.MaxPages = 1
	cfg.Concurrency = 1
	e1 := newTestEngine(t, cfg, first, fileCheckpoint(t, path))
	got, err := e1.Run(ctx, "https://a.test/", false)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// The resumed run restores the seed's page and drains the pending
	// queue without refetching anything already visited.
	second := &fakeSite{pages: pages}
	cfg2 := testConfig(t)
	cfg2.Concurrency = 1
	e2 := newTestEngine(t, cfg2, second, fileCheckpoint(t, path))
	got, err = e2.Run(ctx, "https://a.test/", true)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []string{"https://a.test/b", "https://a.test/c"}, second.fetched())
}

func TestRunCancellationWritesFinalSnapshot(t *testing.T) {
	t.Parallel()

	site := &blockingSite{
		fakeSite: &fakeSite{pages: map[string]fakePage{
			"https://a.test/":     {title: "Home", links: []string{"https://a.test/slow"}},
			"https://a.test/slow": {title: "Slow"},
		}},
		slowURL: "https://a.test/slow",
		started: make(chan struct{}),
	}

	path := filepath.Join(t.TempDir(), "crawl.ndjson")
	cfg := testConfig(t)
	cfg.Concurrency = 1
	e := newTestEngine(t, cfg, site, fileCheckpoint(t, path))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-site.started
		cancel()
	}()

	pages, err := e.Run(ctx, "https://a.test/", false)
	require.NoError(t, err)
	// Only the seed completed; the slow page was abandoned mid-fetch.
	require.Len(t, pages, 1)
	require.Equal(t, "https://a.test/", pages[0].URL)

	// The final snapshot still lands despite the canceled context, and the
	// abandoned URL stays marked visited so a resume does not refetch it.
	replay, err := fileCheckpoint(t, path).Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, replay.State)
	require.Contains(t, replay.State.Visited, "https://a.test/slow")
	require.Contains(t, replay.State.Visited, "https://a.test/")
	require.Len(t, replay.Pages, 1)
}

func TestRunClosesCheckpointWhenResumeFails(t *testing.T) {
	t.Parallel()

	site := &fakeSite{pages: map[string]fakePage{"https://a.test/": {}}}
	backend := &brokenReadBackend{}
	ckpt := checkpoint.NewManager(backend, 1, nil, zap.NewNop())
	e := newTestEngine(t, testConfig(t), site, ckpt)

	_, err := e.Run(context.Background(), "https://a.test/", true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "load checkpoint")
	require.Equal(t, 1, backend.closeCount())
}

func TestRunAbortsOnCheckpointWriteFailure(t *testing.T) {
	t.Parallel()

	site := &fakeSite{pages: map[string]fakePage{
		"https://a.test/":  {links: []string{"https://a.test/b"}},
		"https://a.test/b": {},
	}}

	ckpt := checkpoint.NewManager(&failingBackend{}, 1, nil, zap.NewNop())
	e := newTestEngine(t, testConfig(t), site, ckpt)

	_, err := e.Run(context.Background(), "https://a.test/", false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "checkpoint")
}

func TestNewRejectsMissingDeps(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	site := &fakeSite{}

	_, err := engine.New(cfg, engine.Deps{Fetcher: site, Parser: site, Extractor: site})
	require.ErrorContains(t, err, "frontier")

	_, err = engine.New(cfg, engine.Deps{
		Frontier: frontier.New(1, false, nil, nil),
		Parser:   site,
	})
	require.ErrorContains(t, err, "fetcher")

	cfg.ExtractText = true
	_, err = engine.New(cfg, engine.Deps{
		Frontier: frontier.New(1, false, nil, nil),
		Fetcher:  site,
		Parser:   site,
	})
	require.ErrorContains(t, err, "extractor")
}
