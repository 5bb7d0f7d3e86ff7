package checkpoint

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mkoster/scavenge/internal/crawler"
	"github.com/mkoster/scavenge/internal/frontier"
)

// memBackend is an in-memory storage.Backend that makes appended data
// visible to readers only after Flush, mirroring the remote backend's
// semantics, and counts calls for batching assertions.
type memBackend struct {
	mu       sync.Mutex
	durable  strings.Builder
	pending  strings.Builder
	appends  int
	flushes  int
	flushErr error
}

func (b *memBackend) Append(_ context.Context, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending.WriteString(text)
	b.appends++
	return nil
}

func (b *memBackend) ReadAll(_ context.Context) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return io.NopCloser(strings.NewReader(b.durable.String())), nil
}

func (b *memBackend) Exists(_ context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.durable.Len() > 0
}

func (b *memBackend) Flush(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushErr != nil {
		return b.flushErr
	}
	b.durable.WriteString(b.pending.String())
	b.pending.Reset()
	b.flushes++
	return nil
}

func (b *memBackend) Close(ctx context.Context) error {
	return b.Flush(ctx)
}

func (b *memBackend) contents() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.durable.String()
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func testPage(i int) crawler.Page {
	return crawler.Page{
		URL:        fmt.Sprintf("https://a.test/page-%d", i),
		Title:      fmt.Sprintf("Page %d", i),
		Links:      []string{"https://a.test/next"},
		Metadata:   map[string]string{"og:type": "article"},
		StatusCode: 200,
		Depth:      1,
		CrawledAt:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func testSnapshot() frontier.Snapshot {
	return frontier.Snapshot{
		Visited:  []string{"https://a.test/", "https://a.test/page-1"},
		Queue:    []frontier.Entry{{URL: "https://a.test/next", Depth: 2}},
		Filtered: []string{"https://a.test/skip.pdf"},
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &memBackend{}
	clk := fixedClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(backend, 2, clk, zap.NewNop())

	meta := Metadata{
		CrawlID:   "run-1",
		StartURL:  "https://a.test/",
		Config:    crawler.DefaultConfig(),
		StartedAt: clk.now,
	}
	require.NoError(t, m.WriteMetadata(ctx, meta))
	for i := 0; i < 5; i++ {
		require.NoError(t, m.WritePage(ctx, testPage(i)))
	}
	require.NoError(t, m.WriteState(ctx, testSnapshot()))

	// Metadata and state flush immediately; with flush_interval=2 the five
	// page writes force two more flushes and the fifth page stays buffered
	// until the state write carries it along.
	require.Equal(t, 4, backend.flushes)

	require.NoError(t, m.Close(ctx))
	require.Equal(t, 5, m.PageCount())

	replay, err := m.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, replay.Metadata)
	require.Equal(t, "https://a.test/", replay.Metadata.StartURL)
	require.Equal(t, crawler.DefaultConfig(), replay.Metadata.Config)
	require.Len(t, replay.Pages, 5)
	require.Equal(t, "https://a.test/page-0", replay.Pages[0].URL)
	require.Equal(t, "https://a.test/page-4", replay.Pages[4].URL)
	require.NotNil(t, replay.State)
	require.Equal(t, testSnapshot(), replay.State.ToSnapshot())
	require.Zero(t, replay.Skipped)
}

func TestWireFormat(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &memBackend{}
	m := NewManager(backend, 1, fixedClock{now: time.Unix(100, 0).UTC()}, zap.NewNop())

	require.NoError(t, m.WriteMetadata(ctx, Metadata{StartURL: "https://a.test/"}))
	require.NoError(t, m.WritePage(ctx, testPage(0)))
	require.NoError(t, m.WriteState(ctx, testSnapshot()))

	lines := strings.Split(strings.TrimSpace(backend.contents()), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], `"type":"metadata"`)
	require.Contains(t, lines[0], `"start_url":"https://a.test/"`)
	require.Contains(t, lines[1], `"type":"page"`)
	require.Contains(t, lines[1], `"status_code":200`)
	require.Contains(t, lines[1], `"crawled_at"`)
	require.Contains(t, lines[2], `"type":"state"`)
	// Queue entries are two-element [url, depth] arrays.
	require.Contains(t, lines[2], `"queue":[["https://a.test/next",2]]`)
	require.Contains(t, lines[2], `"saved_at"`)
}

func TestLoadToleratesTruncatedTrailingLine(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &memBackend{}
	m := NewManager(backend, 1, nil, zap.NewNop())

	require.NoError(t, m.WriteMetadata(ctx, Metadata{StartURL: "https://a.test/"}))
	require.NoError(t, m.WritePage(ctx, testPage(0)))
	require.NoError(t, m.WritePage(ctx, testPage(1)))

	// Simulate a crash mid-write: the last durable line is cut short.
	full := backend.contents()
	backend.durable.Reset()
	backend.durable.WriteString(full[:len(full)-25])

	replay, err := m.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, replay.Metadata)
	require.Len(t, replay.Pages, 1)
	require.Equal(t, "https://a.test/page-0", replay.Pages[0].URL)
	require.Equal(t, 1, replay.Skipped)
}

func TestLoadSkipsMalformedAndUnknownLines(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &memBackend{}
	backend.durable.WriteString(`{"type":"metadata","start_url":"https://a.test/"}` + "\n")
	backend.durable.WriteString("\n")
	backend.durable.WriteString("not json at all\n")
	backend.durable.WriteString(`{"type":"mystery","x":1}` + "\n")
	backend.durable.WriteString(`{"type":"page","url":"https://a.test/p","status_code":200}` + "\n")

	m := NewManager(backend, 1, nil, zap.NewNop())
	replay, err := m.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, replay.Metadata)
	require.Len(t, replay.Pages, 1)
	require.Equal(t, 2, replay.Skipped)
}

func TestLoadIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &memBackend{}
	m := NewManager(backend, 1, nil, zap.NewNop())

	require.NoError(t, m.WriteMetadata(ctx, Metadata{StartURL: "https://a.test/"}))
	for i := 0; i < 3; i++ {
		require.NoError(t, m.WritePage(ctx, testPage(i)))
	}
	require.NoError(t, m.WriteState(ctx, testSnapshot()))
	older := testSnapshot()
	older.Visited = append(older.Visited, "https://a.test/page-3")
	require.NoError(t, m.WriteState(ctx, older))

	first, err := m.Load(ctx)
	require.NoError(t, err)
	second, err := m.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)
	// Only the last state record is authoritative.
	require.Contains(t, first.State.Visited, "https://a.test/page-3")
}

func TestLoadWithoutCheckpointIsEmpty(t *testing.T) {
	t.Parallel()

	m := NewManager(&memBackend{}, 1, nil, zap.NewNop())
	replay, err := m.Load(context.Background())
	require.NoError(t, err)
	require.Nil(t, replay.Metadata)
	require.Nil(t, replay.State)
	require.Empty(t, replay.Pages)
}

func TestConcurrentWritePageKeepsCounterAndBatches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &memBackend{}
	m := NewManager(backend, 5, nil, zap.NewNop())

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_ = m.WritePage(ctx, testPage(w*5+i))
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, 20, m.PageCount())
	require.Equal(t, 20, backend.appends)
	// Every fifth write flushes, exactly once each.
	require.Equal(t, 4, backend.flushes)
}

func TestOnFlushHookFires(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewManager(&memBackend{}, 2, nil, zap.NewNop())

	var flushes int
	m.OnFlush(func() { flushes++ })

	require.NoError(t, m.WriteMetadata(ctx, Metadata{StartURL: "https://a.test/"}))
	require.NoError(t, m.WritePage(ctx, testPage(0)))
	require.NoError(t, m.WritePage(ctx, testPage(1)))
	require.NoError(t, m.WriteState(ctx, testSnapshot()))

	// Metadata, the second page, and the state record each sync.
	require.Equal(t, 3, flushes)
}

func TestWritePagePropagatesFlushFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &memBackend{flushErr: fmt.Errorf("disk gone")}
	m := NewManager(backend, 1, nil, zap.NewNop())

	err := m.WritePage(ctx, testPage(0))
	require.Error(t, err)
	require.Contains(t, err.Error(), "flush page records")
}
