// Package checkpoint serializes crawl progress into an append-only log of
// tagged, newline-delimited JSON records and replays such logs back into
// materialized state. Three record kinds exist: one metadata record at the
// head, a page record per crawled URL, and frontier state records of which
// only the last one is authoritative.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mkoster/scavenge/internal/crawler"
	"github.com/mkoster/scavenge/internal/frontier"
)

// Wire discriminants. The type field is persisted at rest and dispatches
// replay.
const (
	typeMetadata = "metadata"
	typePage     = "page"
	typeState    = "state"
)

// Metadata identifies a crawl run: where it started and with which
// configuration. Exactly one is expected per log, as the first record.
type Metadata struct {
	CrawlID   string         `json:"crawl_id,omitempty"`
	StartURL  string         `json:"start_url"`
	Config    crawler.Config `json:"config"`
	StartedAt time.Time      `json:"started_at"`
}

// State is a persisted frontier snapshot. Replays keep only the latest.
type State struct {
	Visited  []string     `json:"visited"`
	Queue    []QueueEntry `json:"queue"`
	Filtered []string     `json:"filtered"`
	SavedAt  time.Time    `json:"saved_at"`
}

// QueueEntry is one pending visit, marshaled as the two-element array
// [url, depth] on the wire.
type QueueEntry struct {
	URL   string
	Depth int
}

// MarshalJSON emits ["url", depth].
func (e QueueEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.URL, e.Depth})
}

// UnmarshalJSON accepts ["url", depth].
func (e *QueueEntry) UnmarshalJSON(data []byte) error {
	var parts []any
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("queue entry: %w", err)
	}
	if len(parts) != 2 {
		return fmt.Errorf("queue entry: want [url, depth], got %d elements", len(parts))
	}
	u, ok := parts[0].(string)
	if !ok {
		return fmt.Errorf("queue entry: url is %T, want string", parts[0])
	}
	d, ok := parts[1].(float64)
	if !ok {
		return fmt.Errorf("queue entry: depth is %T, want number", parts[1])
	}
	e.URL = u
	e.Depth = int(d)
	return nil
}

// ToSnapshot converts a replayed state record into frontier form.
func (s *State) ToSnapshot() frontier.Snapshot {
	snap := frontier.Snapshot{
		Visited:  s.Visited,
		Filtered: s.Filtered,
		Queue:    make([]frontier.Entry, len(s.Queue)),
	}
	for i, e := range s.Queue {
		snap.Queue[i] = frontier.Entry{URL: e.URL, Depth: e.Depth}
	}
	return snap
}

func stateFromSnapshot(snap frontier.Snapshot, savedAt time.Time) State {
	s := State{
		Visited:  snap.Visited,
		Filtered: snap.Filtered,
		Queue:    make([]QueueEntry, len(snap.Queue)),
		SavedAt:  savedAt,
	}
	for i, e := range snap.Queue {
		s.Queue[i] = QueueEntry{URL: e.URL, Depth: e.Depth}
	}
	return s
}

type metadataWire struct {
	Type string `json:"type"`
	Metadata
}

type pageWire struct {
	Type string `json:"type"`
	crawler.Page
}

type stateWire struct {
	Type string `json:"type"`
	State
}

func encodeLine(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode checkpoint record: %w", err)
	}
	return string(b) + "\n", nil
}
