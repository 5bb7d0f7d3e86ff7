// Package extractor pulls readable text out of HTML documents.
package extractor

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// chrome is the set of elements removed before text extraction: scripts,
// styling, and the navigational furniture around the main content.
const chrome = "script, style, noscript, nav, header, footer, aside"

// Extractor implements crawler.Extractor with goquery.
type Extractor struct {
	logger *zap.Logger
}

// New builds an Extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// Extract returns the document's visible text with whitespace collapsed
// to single spaces. Extraction never fails a page: an unparseable
// document yields "".
func (e *Extractor) Extract(html string, url string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		e.logger.Debug("text extraction failed", zap.String("url", url), zap.Error(err))
		return ""
	}

	doc.Find(chrome).Remove()

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	return strings.Join(strings.Fields(body.Text()), " ")
}
