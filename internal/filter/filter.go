// Package filter implements the URL filter chain consulted during frontier
// admission. The chain is stateless: it answers whether a candidate URL may
// be crawled, checking file extension, domain allow-list, include patterns,
// and exclude patterns in that order.
package filter

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
	"go.uber.org/zap"
)

// Spec lists the raw filter configuration as provided by the operator.
type Spec struct {
	IncludePatterns []string `mapstructure:"include"`
	ExcludePatterns []string `mapstructure:"exclude"`
	SkipExtensions  []string `mapstructure:"skip_extensions"`
	AllowedDomains  []string `mapstructure:"allowed_domains"`
}

// Empty reports whether no filtering is configured at all.
func (s Spec) Empty() bool {
	return len(s.IncludePatterns) == 0 &&
		len(s.ExcludePatterns) == 0 &&
		len(s.SkipExtensions) == 0 &&
		len(s.AllowedDomains) == 0
}

// Chain evaluates the configured filters. Patterns are compiled once at
// construction; evaluation itself allocates nothing and is safe for
// concurrent use.
type Chain struct {
	include  []matcher
	exclude  []matcher
	skipExts []string
	domains  *domainAllowList
}

// New compiles a filter chain from spec. Invalid regular expressions fail
// open: they are logged once here and never match anything afterwards.
func New(spec Spec, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Chain{
		domains: newDomainAllowList(spec.AllowedDomains),
	}
	for _, ext := range spec.SkipExtensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			c.skipExts = append(c.skipExts, ext)
		}
	}
	for _, p := range spec.IncludePatterns {
		c.include = append(c.include, compileMatcher(p, logger))
	}
	for _, p := range spec.ExcludePatterns {
		c.exclude = append(c.exclude, compileMatcher(p, logger))
	}
	return c
}

// Allow reports whether rawURL passes every configured filter.
func (c *Chain) Allow(rawURL string) bool {
	if len(c.skipExts) > 0 {
		path := rawURL
		if u, err := url.Parse(rawURL); err == nil {
			path = u.Path
		}
		path = strings.ToLower(path)
		for _, ext := range c.skipExts {
			if strings.HasSuffix(path, "."+ext) {
				return false
			}
		}
	}

	if !c.domains.allows(rawURL) {
		return false
	}

	// With include patterns configured, the URL must match at least one.
	if len(c.include) > 0 {
		matched := false
		for _, m := range c.include {
			if m.match(rawURL) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for _, m := range c.exclude {
		if m.match(rawURL) {
			return false
		}
	}
	return true
}

type matcher interface {
	match(url string) bool
}

// compileMatcher dispatches on the pattern shape: glob metacharacters win,
// then anchored/bracketed patterns are treated as regular expressions, and
// anything else is substring containment.
func compileMatcher(pattern string, logger *zap.Logger) matcher {
	if strings.ContainsAny(pattern, "*?") {
		g, err := glob.Compile(pattern)
		if err != nil {
			logger.Warn("invalid glob pattern, falling back to substring match",
				zap.String("pattern", pattern), zap.Error(err))
			return substringMatcher(pattern)
		}
		return globMatcher{g}
	}
	if strings.HasPrefix(pattern, "^") || strings.HasSuffix(pattern, "$") || strings.Contains(pattern, "[") {
		re, err := regexp.Compile(pattern)
		if err != nil {
			logger.Warn("invalid regex pattern, it will never match",
				zap.String("pattern", pattern), zap.Error(err))
			return matchNothing{}
		}
		return regexMatcher{re}
	}
	return substringMatcher(pattern)
}

type globMatcher struct {
	g glob.Glob
}

func (m globMatcher) match(url string) bool { return m.g.Match(url) }

type regexMatcher struct {
	re *regexp.Regexp
}

// match requires the expression to match at the start of the URL.
func (m regexMatcher) match(url string) bool {
	loc := m.re.FindStringIndex(url)
	return loc != nil && loc[0] == 0
}

type substringMatcher string

func (m substringMatcher) match(url string) bool { return strings.Contains(url, string(m)) }

type matchNothing struct{}

func (matchNothing) match(string) bool { return false }

// domainAllowList accepts a host when it equals an allowed domain or is a
// subdomain of one.
type domainAllowList struct {
	exact    map[string]struct{}
	suffixes []string
}

func newDomainAllowList(domains []string) *domainAllowList {
	l := &domainAllowList{exact: make(map[string]struct{})}
	for _, raw := range domains {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		l.exact[value] = struct{}{}
		l.suffixes = append(l.suffixes, value)
	}
	return l
}

func (l *domainAllowList) allows(rawURL string) bool {
	if len(l.exact) == 0 {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Host)
	if _, ok := l.exact[host]; ok {
		return true
	}
	for _, suffix := range l.suffixes {
		if strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
