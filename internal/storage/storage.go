// Package storage provides the durable, line-oriented backends underneath
// the checkpoint log. A backend only knows how to append text, stream it
// back, and make it durable; record framing and replay live in the
// checkpoint package.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// Backend is the durability contract for a checkpoint log.
type Backend interface {
	// Append adds text at the end of the log. Implementations may buffer;
	// the data is only guaranteed durable after Flush.
	Append(ctx context.Context, text string) error

	// ReadAll opens the log for one sequential pass. The returned reader
	// observes writes flushed before the call; the caller must close it.
	ReadAll(ctx context.Context) (io.ReadCloser, error)

	// Exists reports whether a log is already present. Backends that
	// cannot distinguish "absent" from "unreachable" report false for
	// both, which makes a resume silently start fresh; implementations
	// log the ambiguous case so operators can see it.
	Exists(ctx context.Context) bool

	// Flush persists buffered appends. Reads and Exists issued afterwards
	// observe everything appended before the Flush.
	Flush(ctx context.Context) error

	// Close flushes and releases the backend.
	Close(ctx context.Context) error
}

// FromURI selects a backend for a checkpoint URI: gs://bucket/key resolves
// to a GCS object, anything else is treated as a local file path.
func FromURI(ctx context.Context, uri string, logger *zap.Logger) (Backend, error) {
	if strings.HasPrefix(uri, "gs://") {
		bucket, object, err := ParseGCSURI(uri)
		if err != nil {
			return nil, err
		}
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		return NewGCSObject(client, bucket, object, true, logger)
	}
	return NewLocalFile(uri, logger), nil
}
