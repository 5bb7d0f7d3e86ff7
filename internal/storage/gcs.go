package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// GCSObject is a Backend over a single object in a Google Cloud Storage
// bucket. Object stores have no append primitive, so writes are buffered
// in memory and Flush performs a read-modify-write of the whole object:
// download the existing content, concatenate the buffer, re-upload. Each
// flush therefore costs O(total log size); for long crawls a local file
// checkpoint is the cheaper choice. The rewrite is the durability
// boundary: the object always holds a prefix of the logical log, never a
// torn middle.
type GCSObject struct {
	client     *gcs.Client
	bucket     string
	object     string
	ownsClient bool
	logger     *zap.Logger

	mu     sync.Mutex
	buffer strings.Builder
}

// ParseGCSURI splits a gs://bucket/key URI.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	trimmed := strings.TrimPrefix(uri, "gs://")
	if trimmed == uri {
		return "", "", fmt.Errorf("not a gs:// uri: %s", uri)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid gcs uri %q, expected gs://bucket/key", uri)
	}
	return parts[0], parts[1], nil
}

// NewGCSObject creates a backend for one bucket object. When ownsClient is
// true, Close also closes the client.
func NewGCSObject(client *gcs.Client, bucket, object string, ownsClient bool, logger *zap.Logger) (*GCSObject, error) {
	if client == nil {
		return nil, errors.New("gcs client is required")
	}
	if bucket == "" || object == "" {
		return nil, errors.New("gcs bucket and object are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GCSObject{
		client:     client,
		bucket:     bucket,
		object:     object,
		ownsClient: ownsClient,
		logger:     logger,
	}, nil
}

// Append buffers text in memory until the next Flush.
func (g *GCSObject) Append(_ context.Context, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.buffer.WriteString(text)
	return nil
}

// BufferedBytes returns the number of bytes waiting for the next Flush.
func (g *GCSObject) BufferedBytes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.buffer.Len()
}

// ReadAll streams the object content as last flushed.
func (g *GCSObject) ReadAll(ctx context.Context) (io.ReadCloser, error) {
	r, err := g.client.Bucket(g.bucket).Object(g.object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open gcs object gs://%s/%s: %w", g.bucket, g.object, err)
	}
	return r, nil
}

// Exists reports whether the object is present. Any lookup error, not just
// not-found, reports false: on a transient GCS failure a resume will start
// from scratch instead of failing. The ambiguous case is logged at Warn so
// the fail-open is visible to operators.
func (g *GCSObject) Exists(ctx context.Context) bool {
	_, err := g.client.Bucket(g.bucket).Object(g.object).Attrs(ctx)
	if err == nil {
		return true
	}
	if !errors.Is(err, gcs.ErrObjectNotExist) {
		g.logger.Warn("gcs existence check failed, treating checkpoint as absent",
			zap.String("bucket", g.bucket),
			zap.String("object", g.object),
			zap.Error(err),
		)
	}
	return false
}

// Flush uploads the buffered appends. The existing object content is
// downloaded first and the concatenation re-uploaded in full.
func (g *GCSObject) Flush(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.buffer.Len() == 0 {
		return nil
	}

	handle := g.client.Bucket(g.bucket).Object(g.object)

	var existing []byte
	r, err := handle.NewReader(ctx)
	switch {
	case err == nil:
		existing, err = io.ReadAll(r)
		closeErr := r.Close()
		if err != nil {
			return fmt.Errorf("download existing checkpoint: %w", err)
		}
		if closeErr != nil {
			return fmt.Errorf("close checkpoint reader: %w", closeErr)
		}
	case errors.Is(err, gcs.ErrObjectNotExist):
		// First flush, nothing to merge.
	default:
		return fmt.Errorf("open existing checkpoint: %w", err)
	}

	w := handle.NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	if _, err := w.Write(existing); err != nil {
		_ = w.Close()
		return fmt.Errorf("rewrite existing checkpoint content: %w", err)
	}
	if _, err := w.Write([]byte(g.buffer.String())); err != nil {
		_ = w.Close()
		return fmt.Errorf("write buffered checkpoint content: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize checkpoint upload: %w", err)
	}

	g.logger.Debug("checkpoint object flushed",
		zap.String("bucket", g.bucket),
		zap.String("object", g.object),
		zap.Int("appended_bytes", g.buffer.Len()),
		zap.Int("object_bytes", len(existing)+g.buffer.Len()),
	)
	g.buffer.Reset()
	return nil
}

// Close flushes the remaining buffer and releases the client if owned.
func (g *GCSObject) Close(ctx context.Context) error {
	if err := g.Flush(ctx); err != nil {
		return err
	}
	if g.ownsClient {
		if err := g.client.Close(); err != nil {
			return fmt.Errorf("close gcs client: %w", err)
		}
	}
	return nil
}
