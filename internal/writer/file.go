package writer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/mkoster/scavenge/internal/crawler"
)

// File writes the result set to a single local file in the configured
// format. Each Write replaces the file wholesale.
type File struct {
	path   string
	format Format
	logger *zap.Logger
}

// NewFile builds a file writer.
func NewFile(path string, format Format, logger *zap.Logger) *File {
	if format == "" {
		format = FormatForPath(path)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &File{path: path, format: format, logger: logger}
}

// Write encodes pages to the target path.
func (w *File) Write(_ context.Context, crawlID string, pages []crawler.Page) error {
	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}

	buf := bufio.NewWriter(f)
	switch w.format {
	case FormatJSONL:
		err = writeJSONL(buf, pages)
	case FormatText:
		err = writeText(buf, pages)
	default:
		err = writeJSON(buf, pages)
	}
	if err == nil {
		err = buf.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write results to %s: %w", w.path, err)
	}

	w.logger.Info("results written",
		zap.String("crawl_id", crawlID),
		zap.String("path", w.path),
		zap.String("format", string(w.format)),
		zap.Int("pages", len(pages)),
	)
	return nil
}

func writeJSON(buf *bufio.Writer, pages []crawler.Page) error {
	enc := json.NewEncoder(buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if pages == nil {
		pages = []crawler.Page{}
	}
	return enc.Encode(pages)
}

func writeJSONL(buf *bufio.Writer, pages []crawler.Page) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	for _, p := range pages {
		if err := enc.Encode(p); err != nil {
			return err
		}
	}
	return nil
}

func writeText(buf *bufio.Writer, pages []crawler.Page) error {
	for i, p := range pages {
		if i > 0 {
			if _, err := buf.WriteString("\n"); err != nil {
				return err
			}
		}
		header := fmt.Sprintf("%s\n%s\n%s\n", p.URL, p.Title, strings.Repeat("-", 72))
		if _, err := buf.WriteString(header); err != nil {
			return err
		}
		if p.Text != "" {
			if _, err := buf.WriteString(p.Text + "\n"); err != nil {
				return err
			}
		}
	}
	return nil
}
