// Package frontier orchestrates a research run: it pulls pending URLs from
// the ledger, fetches them through a bounded worker pool under per-domain
// politeness rules, scores discovered links and feeds the accepted ones back
// into the ledger.
package frontier

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/deepresearch/frontier/internal/cache"
	"github.com/deepresearch/frontier/internal/fetch"
	"github.com/deepresearch/frontier/internal/ledger"
	"github.com/deepresearch/frontier/internal/metrics"
	"github.com/deepresearch/frontier/internal/policy"
	"github.com/deepresearch/frontier/internal/relevance"
	"github.com/deepresearch/frontier/internal/research"
	"github.com/deepresearch/frontier/internal/urlutil"
)

const (
	// MinWorkers and MaxWorkers bound the fetch worker pool.
	MinWorkers = 4
	MaxWorkers = 8

	// seedPriority is assigned to the seed URL so it always schedules first.
	seedPriority = 10

	// idleWait is how long Run sleeps when pending URLs exist but none are
	// currently eligible (politeness windows or retry backoffs still open).
	idleWait = 200 * time.Millisecond

	// summaryExcerptChars is how much of each crawled page feeds the
	// evaluator's page context.
	summaryExcerptChars = 300
)

// Options configures a single research run.
type Options struct {
	Topic          string
	MaxDepth       int
	MaxPages       int
	Threshold      float64
	BatchSize      int
	Workers        int
	CrawlDelay     time.Duration
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	ForceRefresh   bool
	Summarize      bool
	UserAgent      string
}

// DomainSaver persists per-domain politeness state.
type DomainSaver interface {
	SaveDomain(d research.Domain) error
}

// Engine owns all state for one research run. Engines are not shared across
// runs; every inbound request builds a fresh one.
type Engine struct {
	opts      Options
	ledger    *ledger.Ledger
	policy    *policy.Store
	cache     *cache.Cache
	evaluator *relevance.Evaluator

	fetcher    fetch.Fetcher
	summarizer relevance.Summarizer
	domains    DomainSaver
	tracker    *metrics.Tracker

	robotsClient *http.Client

	mu            sync.Mutex
	robotsFetched map[string]bool
	summaries     []string
}

// NewEngine builds an engine from options. The fetcher defaults to the colly
// fetcher and can be overridden with SetFetcher for tests.
func NewEngine(opts Options) *Engine {
	if opts.MaxDepth < research.MinCrawlDepth {
		opts.MaxDepth = research.MinCrawlDepth
	}
	if opts.MaxDepth > research.MaxCrawlDepth {
		opts.MaxDepth = research.MaxCrawlDepth
	}
	if opts.MaxPages < 1 {
		opts.MaxPages = 20
	}
	if opts.Threshold == 0 {
		opts.Threshold = relevance.DefaultThreshold
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = relevance.DefaultMaxBatchSize
	}
	if opts.Workers < MinWorkers {
		opts.Workers = MinWorkers
	}
	if opts.Workers > MaxWorkers {
		opts.Workers = MaxWorkers
	}
	if opts.CrawlDelay <= 0 {
		opts.CrawlDelay = policy.DefaultCrawlDelay
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = fetch.DefaultUserAgent
	}

	led := ledger.New(opts.MaxDepth)
	if opts.MaxRetries > 0 || opts.RetryBackoff > 0 {
		led.SetRetryPolicy(opts.MaxRetries, opts.RetryBackoff)
	}

	return &Engine{
		opts:          opts,
		ledger:        led,
		policy:        policy.NewStore(opts.CrawlDelay, opts.UserAgent),
		cache:         cache.New(nil),
		evaluator:     relevance.NewEvaluator(nil),
		fetcher:       fetch.NewCollyFetcher(opts.UserAgent, opts.RequestTimeout),
		robotsClient:  &http.Client{Timeout: opts.RequestTimeout},
		robotsFetched: make(map[string]bool),
	}
}

// SetFetcher replaces the page fetcher, mainly for tests.
func (e *Engine) SetFetcher(f fetch.Fetcher) {
	e.fetcher = f
}

// SetRobotsClient replaces the HTTP client used for robots.txt lookups.
func (e *Engine) SetRobotsClient(c *http.Client) {
	e.robotsClient = c
}

// SetClassifier wires an LLM classifier into the relevance evaluator. Without
// one every batch is scored by the heuristic.
func (e *Engine) SetClassifier(c relevance.Classifier) {
	e.evaluator = relevance.NewEvaluator(c)
	e.wireFallbackCounter()
}

// SetSummarizer wires the run-level summary generator.
func (e *Engine) SetSummarizer(s relevance.Summarizer) {
	e.summarizer = s
}

// SetStores wires persistence for ledger records, crawled content and domain
// state. All three are optional; without them the run is memory-only.
func (e *Engine) SetStores(rec ledger.Recorder, content cache.Store, domains DomainSaver) {
	if rec != nil {
		e.ledger.SetRecorder(rec)
	}
	if content != nil {
		e.cache = cache.New(content)
	}
	e.domains = domains
}

// SetTracker attaches a metrics tracker.
func (e *Engine) SetTracker(t *metrics.Tracker) {
	e.tracker = t
	e.wireFallbackCounter()
}

// wireFallbackCounter connects classifier degradation to the metrics
// tracker. SetClassifier replaces the evaluator, so both setters re-apply it.
func (e *Engine) wireFallbackCounter() {
	if e.tracker == nil {
		return
	}
	tracker := e.tracker
	e.evaluator.OnFallback(func(int) {
		tracker.IncrementHeuristicFallback()
	})
}

// Seed registers the starting URL at depth zero.
func (e *Engine) Seed(rawURL string) error {
	domain, err := urlutil.ExtractDomain(rawURL)
	if err != nil || domain == "" {
		return fmt.Errorf("invalid seed URL %q: %w", rawURL, err)
	}

	accepted, _ := e.ledger.Register(rawURL, domain, 0, seedPriority)
	if !accepted {
		return fmt.Errorf("seed URL %q was not accepted by the ledger", rawURL)
	}
	return nil
}

// Step runs one scheduling pass: it pulls up to one worker pool's worth of
// eligible pending URLs and processes them concurrently. It reports done when
// the page budget is reached or no pending URLs remain, and worked when at
// least one URL was dispatched this pass.
func (e *Engine) Step(ctx context.Context) (done, worked bool) {
	prog := e.ledger.Progress()
	if prog.URLsCrawled >= e.opts.MaxPages {
		return true, false
	}
	if prog.URLsPending == 0 {
		return true, false
	}

	budget := e.opts.MaxPages - prog.URLsCrawled
	limit := e.opts.Workers
	if budget < limit {
		limit = budget
	}

	batch := e.ledger.NextBatch(limit, e.policy.CanFetchNow)
	if len(batch) == 0 {
		return false, false
	}

	var wg sync.WaitGroup
	for _, rec := range batch {
		// One fetch per domain at a time. Losers stay Pending and are
		// picked up on a later pass.
		if !e.policy.TryAcquire(rec.Domain) {
			continue
		}

		worked = true
		wg.Add(1)
		go func(rec research.URLRecord) {
			defer wg.Done()
			defer e.policy.Release(rec.Domain)
			e.processURL(ctx, rec)
		}(rec)
	}
	wg.Wait()

	return false, worked
}

// Run drives Step until the run finishes or ctx is cancelled, then assembles
// the final result. Cancellation leaves unprocessed URLs Pending.
func (e *Engine) Run(ctx context.Context) (*research.CrawlResult, error) {
	logrus.Infof("Starting research run: topic=%q maxDepth=%d maxPages=%d workers=%d",
		e.opts.Topic, e.opts.MaxDepth, e.opts.MaxPages, e.opts.Workers)

	for {
		if err := ctx.Err(); err != nil {
			logrus.Warnf("Run cancelled: %v", err)
			return e.assembleResult(ctx), err
		}

		done, worked := e.Step(ctx)
		if done {
			break
		}
		if !worked {
			select {
			case <-ctx.Done():
				return e.assembleResult(ctx), ctx.Err()
			case <-time.After(idleWait):
			}
		}
	}

	result := e.assembleResult(ctx)
	logrus.Infof("Research run finished: %d pages crawled", result.PagesCrawled)
	return result, nil
}

// Progress returns the current ledger-derived snapshot.
func (e *Engine) Progress() research.CrawlProgress {
	return e.ledger.Progress()
}

// Results returns the crawled pages accumulated so far, in discovery order.
func (e *Engine) Results() []research.CrawledPage {
	var pages []research.CrawledPage
	for _, rec := range e.ledger.Records() {
		if rec.Status != research.URLStatusCrawled {
			continue
		}

		page := research.CrawledPage{
			URL:           rec.URL,
			Domain:        rec.Domain,
			Status:        rec.Status,
			HTTPStatus:    rec.HTTPStatus,
			LastCrawledAt: rec.LastCrawledAt,
		}
		if content, ok := e.cache.Get(rec.URLHash); ok {
			page.Title = content.Title
			page.CleanContent = content.CleanContent
			page.Metadata = content.Metadata
			page.Summary = excerpt(content.CleanContent, summaryExcerptChars)
		}
		pages = append(pages, page)
	}
	return pages
}

// processURL handles one pending URL: cache lookup, politeness gate, fetch,
// ledger transition and link discovery.
func (e *Engine) processURL(ctx context.Context, rec research.URLRecord) {
	if content, ok := e.cachedContent(rec); ok {
		logrus.Debugf("Cache hit for %s", rec.URL)
		// Replay the status the content was originally fetched with.
		// Entries written before the status was stored carry zero.
		status := content.HTTPStatus
		if status == 0 {
			status = http.StatusOK
		}
		e.ledger.MarkCrawled(rec.URLHash, status)
		if e.tracker != nil {
			e.tracker.IncrementPagesFromCache()
		}
		e.noteSummary(content.Title, content.CleanContent)
		e.handleLinks(ctx, rec, content.OutboundLinks)
		return
	}

	// Re-check under the domain lock: another worker may have fetched this
	// domain between the batch query and now.
	if !e.policy.CanFetchNow(rec.Domain) {
		return
	}

	e.ensureRobots(ctx, rec.Domain)
	if !e.allowedByRobots(rec) {
		e.ledger.MarkFailed(rec.URLHash, "disallowed by robots.txt")
		if e.tracker != nil {
			e.tracker.IncrementPagesFailed()
		}
		return
	}

	start := time.Now()
	result, err := e.fetcher.Fetch(ctx, rec.URL)
	e.policy.RecordFetch(rec.Domain, time.Now())

	if ctx.Err() != nil {
		// Cancelled mid-fetch. The record stays Pending so a later run
		// can pick it up.
		return
	}

	if err != nil {
		logrus.Warnf("Fetch failed for %s: %v", rec.URL, err)
		e.ledger.MarkFailed(rec.URLHash, err.Error())
		if e.tracker != nil {
			e.tracker.IncrementPagesFailed()
		}
		return
	}

	if e.tracker != nil {
		e.tracker.IncrementPagesFetched()
		e.tracker.RecordFetchTime(time.Since(start))
	}

	content := research.CrawledContent{
		URLHash:       rec.URLHash,
		URL:           rec.URL,
		HTTPStatus:    result.HTTPStatus,
		Title:         result.Title,
		CleanContent:  result.CleanContent,
		RawSnapshot:   result.RawHTML,
		Metadata:      result.Metadata,
		OutboundLinks: result.Links,
		CrawledAt:     time.Now(),
	}
	e.cache.Put(content)
	e.ledger.MarkCrawled(rec.URLHash, result.HTTPStatus)

	logrus.Infof("Crawled %s (depth=%d, status=%d, links=%d)",
		rec.URL, rec.Depth, result.HTTPStatus, len(result.Links))

	e.noteSummary(result.Title, result.CleanContent)
	e.handleLinks(ctx, rec, result.Links)
}

// handleLinks filters, scores and registers a page's outbound links.
func (e *Engine) handleLinks(ctx context.Context, parent research.URLRecord, links []string) {
	nextDepth := parent.Depth + 1
	if nextDepth > e.opts.MaxDepth {
		return
	}
	if e.tracker != nil {
		e.tracker.AddLinksDiscovered(len(links))
	}

	var candidates []string
	seen := make(map[string]bool)
	for _, link := range links {
		if !urlutil.IsFetchable(link) {
			continue
		}
		normalized := urlutil.Normalize(link)
		if seen[normalized] || e.ledger.Seen(normalized) {
			continue
		}
		domain, err := urlutil.ExtractDomain(normalized)
		if err != nil || domain == "" {
			continue
		}
		if !e.policy.Allowed(domain, pathOf(normalized)) {
			continue
		}
		seen[normalized] = true
		candidates = append(candidates, normalized)
	}
	if len(candidates) == 0 {
		return
	}

	evaluation := e.evaluator.EvaluateBatch(ctx, candidates, e.opts.Topic,
		e.recentSummaries(), e.opts.Threshold, e.opts.BatchSize)

	// Registration order doubles as the scheduling tie-break for equal
	// priorities, so accepted links go in ranked best-first.
	accepted := 0
	for _, res := range relevance.RankURLs(evaluation.Results) {
		if !res.ShouldCrawl {
			continue
		}
		domain, err := urlutil.ExtractDomain(res.URL)
		if err != nil || domain == "" {
			continue
		}
		if ok, _ := e.ledger.Register(res.URL, domain, nextDepth, res.Priority); ok {
			accepted++
		}
	}

	if e.tracker != nil {
		e.tracker.AddLinksAccepted(accepted)
	}
	logrus.Debugf("Links from %s: %d candidates, %d accepted (avg score %.2f)",
		parent.URL, evaluation.TotalEvaluated, accepted, evaluation.AverageScore)
}

// cachedContent returns stored content for the record unless the run forces
// a refresh.
func (e *Engine) cachedContent(rec research.URLRecord) (research.CrawledContent, bool) {
	if !e.cache.Has(rec.URLHash, e.opts.ForceRefresh) {
		return research.CrawledContent{}, false
	}
	return e.cache.Get(rec.URLHash)
}

// ensureRobots fetches and applies a domain's robots.txt once per run.
func (e *Engine) ensureRobots(ctx context.Context, domain string) {
	e.mu.Lock()
	if e.robotsFetched[domain] {
		e.mu.Unlock()
		return
	}
	e.robotsFetched[domain] = true
	e.mu.Unlock()

	directives := e.fetchRobots(ctx, domain)
	e.policy.SetPolicy(domain, e.opts.CrawlDelay, directives)

	if e.domains != nil {
		if err := e.domains.SaveDomain(e.policy.Snapshot(domain)); err != nil {
			logrus.Warnf("Failed to persist domain %s: %v", domain, err)
		}
	}
}

// fetchRobots retrieves robots.txt for a domain. Any failure yields empty
// directives, which the policy store treats as allow-all.
func (e *Engine) fetchRobots(ctx context.Context, domain string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+domain+"/robots.txt", nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", e.opts.UserAgent)

	resp, err := e.robotsClient.Do(req)
	if err != nil {
		logrus.Debugf("robots.txt fetch failed for %s: %v", domain, err)
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return ""
	}
	return string(body)
}

func (e *Engine) allowedByRobots(rec research.URLRecord) bool {
	return e.policy.Allowed(rec.Domain, pathOf(rec.URL))
}

// noteSummary records a short excerpt of a crawled page to feed the
// evaluator's page context. Summaries are kept in crawl order; the
// evaluator reads them newest-first.
func (e *Engine) noteSummary(title, content string) {
	text := excerpt(content, summaryExcerptChars)
	if title != "" {
		text = title + ": " + text
	}
	if text == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.summaries = append(e.summaries, text)
}

func (e *Engine) recentSummaries() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.summaries))
	copy(out, e.summaries)
	return out
}

// assembleResult builds the terminal CrawlResult, generating the run summary
// when one was requested and a summarizer is wired.
func (e *Engine) assembleResult(ctx context.Context) *research.CrawlResult {
	pages := e.Results()
	result := &research.CrawlResult{
		PagesCrawled: len(pages),
		Results:      pages,
	}

	if e.opts.Summarize && e.summarizer != nil && len(pages) > 0 {
		var contents []string
		for _, page := range pages {
			contents = append(contents, page.Title+"\n"+page.CleanContent)
		}
		summary, err := e.summarizer.Summarize(ctx, e.opts.Topic, contents)
		if err != nil {
			logrus.Warnf("Summary generation failed: %v", err)
		} else {
			result.AISummary = summary
		}
	}
	return result
}

func pathOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Path == "" {
		return "/"
	}
	return parsed.Path
}

// excerpt truncates s to at most n bytes without splitting a UTF-8 rune.
func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
