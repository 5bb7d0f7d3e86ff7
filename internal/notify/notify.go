// Package notify defines the interface for publishing crawl completion
// events to a message bus. This abstraction keeps the engine independent
// of a specific transport (GCP Pub/Sub, RabbitMQ, Kafka).
package notify

import (
	"context"

	"github.com/mkoster/scavenge/internal/crawler"
)

// Notifier publishes crawl progress events. Publishing is best-effort:
// the engine logs failures but never fails a page over them.
type Notifier interface {
	// PageCrawled announces one completed page.
	PageCrawled(ctx context.Context, crawlID string, page crawler.Page) error

	// CrawlFinished announces the end of a crawl run.
	CrawlFinished(ctx context.Context, crawlID string, pages int) error

	// Close releases any client connections.
	Close() error
}

// NoOp is a Notifier that discards everything. It is the default when no
// message bus is configured.
type NoOp struct{}

// PageCrawled does nothing.
func (NoOp) PageCrawled(_ context.Context, _ string, _ crawler.Page) error { return nil }

// CrawlFinished does nothing.
func (NoOp) CrawlFinished(_ context.Context, _ string, _ int) error { return nil }

// Close does nothing.
func (NoOp) Close() error { return nil }
