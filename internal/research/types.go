// Package research defines the core domain types shared by the crawl
// frontier, the URL ledger, the content cache and the relevance evaluator.
package research

import (
	"fmt"
	"net/url"
	"time"
)

// URLStatus is the lifecycle state of a discovered URL within a research run.
type URLStatus string

const (
	// URLStatusPending indicates the URL is registered but not yet fetched.
	URLStatusPending URLStatus = "pending"

	// URLStatusCrawled indicates the URL was fetched and its content stored.
	URLStatusCrawled URLStatus = "crawled"

	// URLStatusFailed indicates the URL exhausted its fetch attempts.
	URLStatusFailed URLStatus = "failed"
)

// Domain holds per-domain crawl politeness state.
type Domain struct {
	Domain           string
	RobotsDirectives string
	CrawlDelay       time.Duration
	LastCrawlAt      time.Time
}

// URLRecord is a deduplicated ledger entry for a discovered URL.
// URLHash, Domain and Depth are immutable once the record is created.
type URLRecord struct {
	URL            string
	URLHash        string
	Domain         string
	Depth          int
	Status         URLStatus
	Priority       int
	HTTPStatus     int
	Attempts       int
	FailureReason  string
	DiscoveredAt   time.Time
	LastCrawledAt  time.Time
	NextEligibleAt time.Time
}

// CrawledContent is the stored result of one successful fetch. It is owned
// one-to-one by the URLRecord it was produced from and overwritten only on
// an explicit forced refresh.
type CrawledContent struct {
	URLHash       string
	URL           string
	HTTPStatus    int
	Title         string
	CleanContent  string
	RawSnapshot   string
	Metadata      map[string]any
	OutboundLinks []string
	CrawledAt     time.Time
}

// LinkRelevanceResult is the ephemeral per-URL output of a relevance
// evaluation batch, consumed immediately by the frontier.
type LinkRelevanceResult struct {
	URL            string  `json:"url"`
	RelevanceScore float64 `json:"relevance_score"`
	Reasoning      string  `json:"reasoning"`
	Priority       int     `json:"priority"`
	ShouldCrawl    bool    `json:"should_crawl"`
}

// CrawlProgress is a derived, read-only view over ledger state.
type CrawlProgress struct {
	URLsCrawled  int `json:"urls_crawled"`
	URLsPending  int `json:"urls_pending"`
	URLsFailed   int `json:"urls_failed"`
	CurrentDepth int `json:"current_depth"`
}

// Request bounds for CrawlRequest.MaxDepth.
const (
	MinCrawlDepth = 1
	MaxCrawlDepth = 5
)

// CrawlRequest is the inbound request that starts a research run.
type CrawlRequest struct {
	URL          string `json:"url"`
	Topic        string `json:"topic,omitempty"`
	MaxDepth     int    `json:"maxDepth,omitempty"`
	Summarize    bool   `json:"summarize,omitempty"`
	ForceRefresh bool   `json:"forceRefresh,omitempty"`
}

// ApplyDefaults fills unset request fields with their documented defaults.
func (r *CrawlRequest) ApplyDefaults() {
	if r.MaxDepth == 0 {
		r.MaxDepth = MinCrawlDepth
	}
}

// Validate rejects malformed requests before any ledger mutation.
func (r *CrawlRequest) Validate() error {
	if r.URL == "" {
		return fmt.Errorf("url is required")
	}
	parsed, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("url has no host")
	}
	if r.MaxDepth < MinCrawlDepth || r.MaxDepth > MaxCrawlDepth {
		return fmt.Errorf("maxDepth must be between %d and %d, got %d", MinCrawlDepth, MaxCrawlDepth, r.MaxDepth)
	}
	return nil
}

// CrawledPage mirrors URLRecord plus CrawledContent fields for API responses.
type CrawledPage struct {
	URL           string         `json:"url"`
	Domain        string         `json:"domain"`
	Status        URLStatus      `json:"status"`
	HTTPStatus    int            `json:"httpStatus,omitempty"`
	Title         string         `json:"title,omitempty"`
	CleanContent  string         `json:"cleanContent,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	LastCrawledAt time.Time      `json:"lastCrawledAt,omitempty"`
}

// CrawlResult is the terminal outcome of a research run. A run with a
// non-zero failed count is still a successful run.
type CrawlResult struct {
	PagesCrawled int           `json:"pagesCrawled"`
	Results      []CrawledPage `json:"results"`
	AISummary    string        `json:"aiSummary,omitempty"`
}
