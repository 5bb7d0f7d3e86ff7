package parser

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleDoc = `<!DOCTYPE html>
<html>
<head>
  <title>  Widgets Weekly  </title>
  <meta property="og:title" content="Widgets Weekly">
  <meta property="og:type" content="article">
  <meta name="description" content="All about widgets">
  <meta name="Author" content="M. Koster">
  <meta name="viewport" content="width=device-width">
  <meta name="keywords" content="">
</head>
<body>
  <a href="/about">About</a>
  <a href="/about">About again</a>
  <a href="/about#team">Team</a>
  <a href="products.html">Products</a>
  <a href="https://other.test/page">Elsewhere</a>
  <a href="mailto:hi@a.test">Mail</a>
  <a href="javascript:void(0)">JS</a>
  <a href="ftp://files.a.test/x">FTP</a>
  <a href="   ">Blank</a>
</body>
</html>`

func TestParseExtractsEverything(t *testing.T) {
	t.Parallel()

	p := New(zap.NewNop())
	result, err := p.Parse(sampleDoc, "https://a.test/docs/index.html")
	require.NoError(t, err)

	require.Equal(t, "Widgets Weekly", result.Title)

	// Relative links resolve against the base, fragments are dropped and
	// collapse into the fragmentless duplicate, and non-http schemes are
	// excluded.
	require.Equal(t, []string{
		"https://a.test/about",
		"https://a.test/docs/products.html",
		"https://other.test/page",
	}, result.Links)

	require.Equal(t, map[string]string{
		"og:title":    "Widgets Weekly",
		"og:type":     "article",
		"description": "All about widgets",
		"author":      "M. Koster",
	}, result.Metadata)
}

func TestParseEmptyDocument(t *testing.T) {
	t.Parallel()

	p := New(nil)
	result, err := p.Parse("", "https://a.test/")
	require.NoError(t, err)
	require.Empty(t, result.Title)
	require.Empty(t, result.Links)
	require.Nil(t, result.Metadata)
}

func TestParseRejectsBadBaseURL(t *testing.T) {
	t.Parallel()

	p := New(nil)
	_, err := p.Parse("<html></html>", "://not-a-url")
	require.Error(t, err)
}

func TestParsePreservesDocumentOrder(t *testing.T) {
	t.Parallel()

	doc := `<a href="/c">c</a><a href="/a">a</a><a href="/b">b</a><a href="/a">dup</a>`
	p := New(nil)
	result, err := p.Parse(doc, "https://a.test/")
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://a.test/c",
		"https://a.test/a",
		"https://a.test/b",
	}, result.Links)
}
