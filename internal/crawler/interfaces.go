package crawler

import "context"

// ParseResult carries everything the parser pulls out of one document.
type ParseResult struct {
	Title    string
	Links    []string
	Metadata map[string]string
}

// Fetcher retrieves a URL and returns the body plus the HTTP status code.
// Implementations own retry and backoff policy; an error means the URL is
// terminally unfetchable for this crawl.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (body string, statusCode int, err error)
}

// Parser extracts the title, outgoing links, and metadata from an HTML
// document. Links must be resolved against baseURL, stripped of fragments,
// limited to http/https, and de-duplicated within the document.
type Parser interface {
	Parse(html string, baseURL string) (ParseResult, error)
}

// Extractor pulls the main readable text out of an HTML document.
// An empty return means no extractable text; extraction never fails a page.
type Extractor interface {
	Extract(html string, url string) string
}
