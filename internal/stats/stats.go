// Package stats summarizes a crawl's result set.
package stats

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mkoster/scavenge/internal/crawler"
)

// Summary aggregates the pages of one crawl.
type Summary struct {
	Pages      int            `json:"pages"`
	TotalLinks int            `json:"total_links"`
	TextBytes  int            `json:"text_bytes"`
	MaxDepth   int            `json:"max_depth"`
	ByStatus   map[int]int    `json:"by_status"`
	ByDepth    map[int]int    `json:"by_depth"`
	ByDomain   map[string]int `json:"by_domain"`
	FirstPage  time.Time      `json:"first_page,omitzero"`
	LastPage   time.Time      `json:"last_page,omitzero"`
}

// Compute builds a Summary from pages.
func Compute(pages []crawler.Page) Summary {
	s := Summary{
		Pages:    len(pages),
		ByStatus: make(map[int]int),
		ByDepth:  make(map[int]int),
		ByDomain: make(map[string]int),
	}

	for _, p := range pages {
		s.TotalLinks += len(p.Links)
		s.TextBytes += len(p.Text)
		s.ByStatus[p.StatusCode]++
		s.ByDepth[p.Depth]++
		s.ByDomain[domain(p.URL)]++
		if p.Depth > s.MaxDepth {
			s.MaxDepth = p.Depth
		}
		if !p.CrawledAt.IsZero() {
			if s.FirstPage.IsZero() || p.CrawledAt.Before(s.FirstPage) {
				s.FirstPage = p.CrawledAt
			}
			if p.CrawledAt.After(s.LastPage) {
				s.LastPage = p.CrawledAt
			}
		}
	}
	return s
}

// String renders the summary as a human-readable report.
func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pages crawled:  %d\n", s.Pages)
	fmt.Fprintf(&b, "links found:    %d\n", s.TotalLinks)
	fmt.Fprintf(&b, "text extracted: %d bytes\n", s.TextBytes)
	fmt.Fprintf(&b, "max depth:      %d\n", s.MaxDepth)
	if !s.FirstPage.IsZero() {
		fmt.Fprintf(&b, "duration:       %s\n", s.LastPage.Sub(s.FirstPage).Round(time.Millisecond))
	}

	b.WriteString("\nby status:\n")
	for _, code := range sortedIntKeys(s.ByStatus) {
		fmt.Fprintf(&b, "  %d: %d\n", code, s.ByStatus[code])
	}
	b.WriteString("\nby depth:\n")
	for _, depth := range sortedIntKeys(s.ByDepth) {
		fmt.Fprintf(&b, "  %d: %d\n", depth, s.ByDepth[depth])
	}
	b.WriteString("\nby domain:\n")
	for _, d := range sortedStringKeys(s.ByDomain) {
		fmt.Fprintf(&b, "  %s: %d\n", d, s.ByDomain[d])
	}
	return b.String()
}

func domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "(unknown)"
	}
	return u.Host
}

func sortedIntKeys(m map[int]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func sortedStringKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
