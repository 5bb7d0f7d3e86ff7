package checkpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mkoster/scavenge/internal/clock"
	"github.com/mkoster/scavenge/internal/crawler"
	"github.com/mkoster/scavenge/internal/frontier"
	"github.com/mkoster/scavenge/internal/storage"
)

// DefaultFlushInterval is the number of page records between forced
// durability syncs when nothing is configured.
const DefaultFlushInterval = 10

// Replay log lines can carry full page HTML; allow records well past
// bufio.Scanner's default 64 KiB token limit.
const maxRecordBytes = 16 * 1024 * 1024

// Replay is the state materialized from a checkpoint log.
type Replay struct {
	Metadata *Metadata
	Pages    []crawler.Page
	State    *State
	// Skipped counts malformed lines tolerated during replay, such as a
	// record truncated by a crash mid-write.
	Skipped int
}

// Manager writes tagged records through a storage backend and batches
// flushes: page records are synced every flushInterval writes, while
// metadata and state records are synced immediately. All write methods are
// safe for concurrent use by the crawl workers; the page counter and its
// flush decision are taken under one lock so interleaved workers cannot
// double-flush or skip a flush.
type Manager struct {
	backend       storage.Backend
	flushInterval int
	clk           clock.Clock
	logger        *zap.Logger

	mu        sync.Mutex
	pageCount int
	flushHook func()
}

// NewManager wraps backend. A non-positive flushInterval falls back to
// DefaultFlushInterval.
func NewManager(backend storage.Backend, flushInterval int, clk clock.Clock, logger *zap.Logger) *Manager {
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		backend:       backend,
		flushInterval: flushInterval,
		clk:           clk,
		logger:        logger,
	}
}

// OnFlush registers a callback invoked after every successful durability
// sync, e.g. to feed a metrics counter. Call before the first write.
func (m *Manager) OnFlush(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushHook = fn
}

func (m *Manager) flushed() {
	if m.flushHook != nil {
		m.flushHook()
	}
}

// WriteMetadata appends the run metadata record and flushes immediately.
func (m *Manager) WriteMetadata(ctx context.Context, meta Metadata) error {
	line, err := encodeLine(metadataWire{Type: typeMetadata, Metadata: meta})
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.backend.Append(ctx, line); err != nil {
		return fmt.Errorf("append metadata record: %w", err)
	}
	if err := m.backend.Flush(ctx); err != nil {
		return fmt.Errorf("flush metadata record: %w", err)
	}
	m.flushed()
	m.logger.Info("checkpoint metadata written",
		zap.String("start_url", meta.StartURL),
		zap.String("crawl_id", meta.CrawlID),
	)
	return nil
}

// WritePage appends one page record, flushing every flushInterval pages.
func (m *Manager) WritePage(ctx context.Context, page crawler.Page) error {
	line, err := encodeLine(pageWire{Type: typePage, Page: page})
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.backend.Append(ctx, line); err != nil {
		return fmt.Errorf("append page record: %w", err)
	}
	m.pageCount++
	if m.pageCount%m.flushInterval == 0 {
		if err := m.backend.Flush(ctx); err != nil {
			return fmt.Errorf("flush page records: %w", err)
		}
		m.flushed()
		m.logger.Debug("checkpoint flushed", zap.Int("pages", m.pageCount))
	}
	return nil
}

// WriteState appends a frontier snapshot record and flushes immediately.
func (m *Manager) WriteState(ctx context.Context, snap frontier.Snapshot) error {
	line, err := encodeLine(stateWire{Type: typeState, State: stateFromSnapshot(snap, m.clk.Now())})
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.backend.Append(ctx, line); err != nil {
		return fmt.Errorf("append state record: %w", err)
	}
	if err := m.backend.Flush(ctx); err != nil {
		return fmt.Errorf("flush state record: %w", err)
	}
	m.flushed()
	m.logger.Info("checkpoint state written",
		zap.Int("visited", len(snap.Visited)),
		zap.Int("queued", len(snap.Queue)),
		zap.Int("filtered", len(snap.Filtered)),
	)
	return nil
}

// PageCount returns the number of page records written so far.
func (m *Manager) PageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pageCount
}

// Load replays the whole log. Blank lines are skipped. Malformed lines,
// including a trailing record truncated by a crash mid-write, are counted,
// logged, and skipped. For state records the last one wins. Replaying the
// same log twice yields the same Replay.
func (m *Manager) Load(ctx context.Context) (Replay, error) {
	var replay Replay

	if !m.backend.Exists(ctx) {
		m.logger.Warn("no checkpoint found, nothing to replay")
		return replay, nil
	}

	r, err := m.backend.ReadAll(ctx)
	if err != nil {
		return replay, fmt.Errorf("read checkpoint: %w", err)
	}
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		m.replayLine(line, &replay)
	}
	if err := scanner.Err(); err != nil {
		return replay, fmt.Errorf("scan checkpoint: %w", err)
	}

	m.logger.Info("checkpoint loaded",
		zap.Int("pages", len(replay.Pages)),
		zap.Bool("has_metadata", replay.Metadata != nil),
		zap.Bool("has_state", replay.State != nil),
		zap.Int("skipped_lines", replay.Skipped),
	)
	return replay, nil
}

func (m *Manager) replayLine(line string, replay *Replay) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(line), &tag); err != nil {
		m.skipLine(line, err, replay)
		return
	}

	switch tag.Type {
	case typeMetadata:
		var w metadataWire
		if err := json.Unmarshal([]byte(line), &w); err != nil {
			m.skipLine(line, err, replay)
			return
		}
		replay.Metadata = &w.Metadata
	case typePage:
		var w pageWire
		if err := json.Unmarshal([]byte(line), &w); err != nil {
			m.skipLine(line, err, replay)
			return
		}
		replay.Pages = append(replay.Pages, w.Page)
	case typeState:
		var w stateWire
		if err := json.Unmarshal([]byte(line), &w); err != nil {
			m.skipLine(line, err, replay)
			return
		}
		replay.State = &w.State
	default:
		m.skipLine(line, fmt.Errorf("unknown record type %q", tag.Type), replay)
	}
}

func (m *Manager) skipLine(line string, err error, replay *Replay) {
	replay.Skipped++
	preview := line
	if len(preview) > 100 {
		preview = preview[:100]
	}
	m.logger.Warn("skipping malformed checkpoint line",
		zap.Error(err),
		zap.String("line", preview),
	)
}

// Close flushes any buffered records and releases the backend.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.backend.Flush(ctx); err != nil {
		return fmt.Errorf("flush checkpoint on close: %w", err)
	}
	if err := m.backend.Close(ctx); err != nil {
		return fmt.Errorf("close checkpoint backend: %w", err)
	}
	m.logger.Info("checkpoint closed", zap.Int("total_pages", m.pageCount))
	return nil
}
