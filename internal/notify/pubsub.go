package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/mkoster/scavenge/internal/crawler"
)

// PubSub publishes crawl events to a Google Cloud Pub/Sub topic. Publish
// calls are asynchronous; the client batches and retries in the
// background, and Close drains what is still in flight.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

type pageEvent struct {
	Event      string `json:"event"`
	CrawlID    string `json:"crawl_id"`
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	Depth      int    `json:"depth"`
	Links      int    `json:"links"`
}

type doneEvent struct {
	Event   string `json:"event"`
	CrawlID string `json:"crawl_id"`
	Pages   int    `json:"pages"`
}

// NewPubSub connects to the topic using Application Default Credentials
// and verifies it exists, failing fast on misconfiguration.
func NewPubSub(ctx context.Context, projectID, topicID string, logger *zap.Logger) (*PubSub, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close pubsub client after topic check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close pubsub client after missing topic", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}

	return &PubSub{client: client, topic: topic, logger: logger}, nil
}

// PageCrawled publishes a page completion event, fire-and-forget.
func (p *PubSub) PageCrawled(ctx context.Context, crawlID string, page crawler.Page) error {
	return p.publish(ctx, pageEvent{
		Event:      "page_crawled",
		CrawlID:    crawlID,
		URL:        page.URL,
		StatusCode: page.StatusCode,
		Depth:      page.Depth,
		Links:      len(page.Links),
	})
}

// CrawlFinished publishes the final crawl summary event.
func (p *PubSub) CrawlFinished(ctx context.Context, crawlID string, pages int) error {
	return p.publish(ctx, doneEvent{
		Event:   "crawl_finished",
		CrawlID: crawlID,
		Pages:   pages,
	})
}

func (p *PubSub) publish(ctx context.Context, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal pubsub event: %w", err)
	}
	// The returned result is intentionally not awaited; the client
	// delivers in the background and Close drains outstanding sends.
	_ = p.topic.Publish(ctx, &pubsub.Message{Data: payload})
	return nil
}

// Close drains pending publishes and closes the client.
func (p *PubSub) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
