// Package writer persists crawl results once a run completes: flat files
// in JSON, JSONL, or plain-text form, or rows in Postgres.
package writer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mkoster/scavenge/internal/crawler"
)

// Writer persists the pages collected by a finished crawl.
type Writer interface {
	Write(ctx context.Context, crawlID string, pages []crawler.Page) error
}

// Format identifies an output encoding.
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatText  Format = "text"
)

// ParseFormat maps a config string to a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatJSONL:
		return FormatJSONL, nil
	case FormatText, "txt":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want json, jsonl, or text)", s)
	}
}

// FormatForPath guesses the output format from a file extension,
// defaulting to JSON.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return FormatJSONL
	case ".txt", ".text":
		return FormatText
	default:
		return FormatJSON
	}
}
