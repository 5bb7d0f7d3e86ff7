// Package frontier holds the crawl frontier: the FIFO queue of pending
// visits plus the dedup and scope bookkeeping that gates admission.
//
// The queue, the visited and filtered sets, and the start-domain anchor
// form one consistency domain and are guarded by a single mutex so the
// admission sequence in Add is atomic. Splitting them into independently
// locked fields would let concurrent producers admit the same URL twice.
package frontier

import (
	"net/url"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/mkoster/scavenge/internal/filter"
)

// Entry is one pending visit.
type Entry struct {
	URL   string
	Depth int
}

// Snapshot is a point-in-time copy of the frontier state, suitable for
// checkpointing. Visited and Filtered are sorted for stable output.
type Snapshot struct {
	Visited  []string
	Queue    []Entry
	Filtered []string
}

// Frontier manages URL admission, deduplication, and FIFO scheduling.
type Frontier struct {
	mu             sync.Mutex
	queue          []Entry
	visited        map[string]struct{}
	filtered       map[string]struct{}
	startDomain    string
	maxDepth       int
	followExternal bool
	filter         *filter.Chain
	logger         *zap.Logger
}

// New creates an empty frontier. chain may be nil to disable pattern
// filtering entirely.
func New(maxDepth int, followExternal bool, chain *filter.Chain, logger *zap.Logger) *Frontier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Frontier{
		visited:        make(map[string]struct{}),
		filtered:       make(map[string]struct{}),
		maxDepth:       maxDepth,
		followExternal: followExternal,
		filter:         chain,
		logger:         logger,
	}
}

// Add admits rawURL at depth if it passes every check, marking it visited
// and enqueueing it in one atomic step. The checks run in order: start
// domain anchoring, dedup, depth bound, external-domain scope, filter
// chain. It reports whether the URL was admitted.
func (f *Frontier) Add(rawURL string, depth int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	// The first URL ever offered anchors the crawl scope.
	if f.startDomain == "" {
		f.startDomain = authority(rawURL)
	}

	if _, seen := f.visited[rawURL]; seen {
		return false
	}
	if depth > f.maxDepth {
		return false
	}
	if !f.followExternal && authority(rawURL) != f.startDomain {
		return false
	}
	if f.filter != nil && !f.filter.Allow(rawURL) {
		f.filtered[rawURL] = struct{}{}
		return false
	}

	f.visited[rawURL] = struct{}{}
	f.queue = append(f.queue, Entry{URL: rawURL, Depth: depth})
	f.logger.Debug("url queued",
		zap.String("url", rawURL),
		zap.Int("depth", depth),
		zap.Int("queue_size", len(f.queue)),
	)
	return true
}

// Get pops the next entry in FIFO order. ok is false when the queue is
// empty.
func (f *Frontier) Get() (entry Entry, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return Entry{}, false
	}
	entry = f.queue[0]
	f.queue = f.queue[1:]
	return entry, true
}

// Size returns the number of queued entries.
func (f *Frontier) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// VisitedCount returns the number of URLs ever admitted.
func (f *Frontier) VisitedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visited)
}

// FilteredCount returns the number of URLs rejected by the filter chain.
func (f *Frontier) FilteredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.filtered)
}

// IsEmpty reports whether the queue is drained.
func (f *Frontier) IsEmpty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue) == 0
}

// StartDomain returns the scope anchor, or "" before the first Add.
func (f *Frontier) StartDomain() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startDomain
}

// Snapshot copies the current state for checkpointing.
func (f *Frontier) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := Snapshot{
		Visited:  make([]string, 0, len(f.visited)),
		Queue:    make([]Entry, len(f.queue)),
		Filtered: make([]string, 0, len(f.filtered)),
	}
	for u := range f.visited {
		snap.Visited = append(snap.Visited, u)
	}
	for u := range f.filtered {
		snap.Filtered = append(snap.Filtered, u)
	}
	copy(snap.Queue, f.queue)
	sort.Strings(snap.Visited)
	sort.Strings(snap.Filtered)
	return snap
}

// Restore replaces the frontier state with a replayed snapshot. The start
// domain is re-derived from the first visited URL, falling back to the
// head of the queue, so scope checks keep working after a resume.
func (f *Frontier) Restore(snap Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.visited = make(map[string]struct{}, len(snap.Visited))
	for _, u := range snap.Visited {
		f.visited[u] = struct{}{}
	}
	f.filtered = make(map[string]struct{}, len(snap.Filtered))
	for _, u := range snap.Filtered {
		f.filtered[u] = struct{}{}
	}
	f.queue = make([]Entry, len(snap.Queue))
	copy(f.queue, snap.Queue)

	switch {
	case len(snap.Visited) > 0:
		f.startDomain = authority(snap.Visited[0])
	case len(f.queue) > 0:
		f.startDomain = authority(f.queue[0].URL)
	}
	f.logger.Info("frontier state restored",
		zap.Int("visited", len(f.visited)),
		zap.Int("queued", len(f.queue)),
		zap.Int("filtered", len(f.filtered)),
		zap.String("start_domain", f.startDomain),
	)
}

// authority extracts the host (netloc) of a URL. Unparseable URLs yield ""
// and will fail the external-domain check against any real anchor.
func authority(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
