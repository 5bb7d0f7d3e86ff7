// Package parser extracts titles, outgoing links, and document metadata
// from HTML using goquery.
package parser

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/mkoster/scavenge/internal/crawler"
)

// metaNames are the plain <meta name=...> keys worth keeping alongside
// the OpenGraph properties.
var metaNames = map[string]struct{}{
	"description": {},
	"author":      {},
	"keywords":    {},
	"date":        {},
}

// Parser implements crawler.Parser over goquery documents.
type Parser struct {
	logger *zap.Logger
}

// New builds a Parser.
func New(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger}
}

// Parse pulls the title, links, and metadata out of one document. Links
// are resolved against baseURL, stripped of fragments, restricted to
// http/https, and de-duplicated in document order.
func (p *Parser) Parse(html string, baseURL string) (crawler.ParseResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return crawler.ParseResult{}, fmt.Errorf("parse document at %s: %w", baseURL, err)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return crawler.ParseResult{}, fmt.Errorf("parse base url %s: %w", baseURL, err)
	}

	return crawler.ParseResult{
		Title:    strings.TrimSpace(doc.Find("title").First().Text()),
		Links:    p.links(doc, base),
		Metadata: p.metadata(doc),
	}, nil
}

func (p *Parser) links(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	var links []string

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}

		ref, err := url.Parse(href)
		if err != nil {
			p.logger.Debug("skipping unparseable href", zap.String("href", href))
			return
		}
		resolved := base.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		resolved.Fragment = ""

		link := resolved.String()
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links
}

func (p *Parser) metadata(doc *goquery.Document) map[string]string {
	meta := make(map[string]string)

	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		content, ok := s.Attr("content")
		if !ok || strings.TrimSpace(content) == "" {
			return
		}
		content = strings.TrimSpace(content)

		if prop, ok := s.Attr("property"); ok && strings.HasPrefix(prop, "og:") {
			meta[prop] = content
			return
		}
		if name, ok := s.Attr("name"); ok {
			if _, want := metaNames[strings.ToLower(name)]; want {
				meta[strings.ToLower(name)] = content
			}
		}
	})

	if len(meta) == 0 {
		return nil
	}
	return meta
}
