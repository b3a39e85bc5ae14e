// Package fetch defines the fetcher collaborator consumed by the crawl
// frontier and provides the default Colly-based implementation with
// readability content extraction.
package fetch

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/gocolly/colly/v2"
	"github.com/sirupsen/logrus"

	"github.com/deepresearch/frontier/internal/urlutil"
)

// DefaultUserAgent identifies the crawler to fetched sites.
const DefaultUserAgent = "deepresearch-frontier/1.0 (+https://github.com/deepresearch/frontier)"

// Result holds everything the frontier needs from one fetched page.
type Result struct {
	HTTPStatus   int
	Title        string
	RawHTML      string
	CleanContent string
	Metadata     map[string]any
	Links        []string
}

// Fetcher retrieves a page and extracts its outbound links. Fetch blocks
// for at most the implementation's configured timeout and must be safe for
// concurrent use.
type Fetcher interface {
	Fetch(ctx context.Context, targetURL string) (*Result, error)
}

// CollyFetcher is the default Fetcher. A fresh collector is built per call
// so concurrent fetches never share callback state; depth and scheduling
// stay with the frontier, not the collector.
type CollyFetcher struct {
	userAgent string
	timeout   time.Duration
}

// NewCollyFetcher creates a CollyFetcher with the given per-request timeout.
func NewCollyFetcher(userAgent string, timeout time.Duration) *CollyFetcher {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CollyFetcher{userAgent: userAgent, timeout: timeout}
}

// Fetch retrieves targetURL, collecting the HTTP status, raw body, page
// title and deduplicated absolute outbound links, then runs readability
// extraction over the body.
func (f *CollyFetcher) Fetch(ctx context.Context, targetURL string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &Result{Metadata: make(map[string]any)}
	seenLinks := make(map[string]bool)
	var fetchErr error

	// StdlibContext threads ctx into the underlying HTTP request, so a
	// cancelled run aborts the fetch instead of waiting out the timeout.
	collector := colly.NewCollector(colly.UserAgent(f.userAgent), colly.StdlibContext(ctx))
	collector.SetRequestTimeout(f.timeout)

	collector.OnHTML("title", func(e *colly.HTMLElement) {
		if result.Title == "" {
			result.Title = strings.TrimSpace(e.Text)
		}
	})

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		href := e.Attr("href")
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "mailto:") {
			return
		}
		absolute := e.Request.AbsoluteURL(href)
		if !urlutil.IsFetchable(absolute) {
			return
		}
		normalized := urlutil.Normalize(absolute)
		if seenLinks[normalized] {
			return
		}
		seenLinks[normalized] = true
		result.Links = append(result.Links, normalized)
	})

	collector.OnResponse(func(r *colly.Response) {
		result.HTTPStatus = r.StatusCode
		result.RawHTML = string(r.Body)
	})

	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.HTTPStatus = r.StatusCode
		}
		fetchErr = err
	})

	if err := collector.Visit(targetURL); err != nil && fetchErr == nil {
		fetchErr = err
	}
	collector.Wait()

	if fetchErr != nil {
		return result, fmt.Errorf("fetch %s: %w", targetURL, fetchErr)
	}
	if result.HTTPStatus >= 400 {
		return result, fmt.Errorf("fetch %s: HTTP %d", targetURL, result.HTTPStatus)
	}

	f.extractContent(result, targetURL)
	return result, nil
}

var reWhitespace = regexp.MustCompile(`\s+`)

// extractContent runs readability over the raw body and flattens the
// article HTML into clean text. Extraction failure is not a fetch failure:
// the page keeps its raw snapshot and links.
func (f *CollyFetcher) extractContent(result *Result, targetURL string) {
	if result.RawHTML == "" {
		return
	}
	parsedURL, err := url.Parse(targetURL)
	if err != nil {
		return
	}

	article, err := readability.FromReader(strings.NewReader(result.RawHTML), parsedURL)
	if err != nil {
		logrus.Debugf("Readability extraction failed for %s: %v", targetURL, err)
		return
	}

	if result.Title == "" {
		result.Title = article.Title
	}
	if article.Excerpt != "" {
		result.Metadata["excerpt"] = article.Excerpt
	}
	if article.SiteName != "" {
		result.Metadata["siteName"] = article.SiteName
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(article.Content))
	if err != nil {
		logrus.Debugf("Failed to flatten article HTML for %s: %v", targetURL, err)
		return
	}
	result.CleanContent = strings.TrimSpace(reWhitespace.ReplaceAllString(doc.Text(), " "))
	result.Metadata["contentLength"] = len(result.CleanContent)
}
