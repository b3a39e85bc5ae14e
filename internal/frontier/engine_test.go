package frontier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/deepresearch/frontier/internal/fetch"
	"github.com/deepresearch/frontier/internal/metrics"
	"github.com/deepresearch/frontier/internal/relevance"
	"github.com/deepresearch/frontier/internal/research"
	"github.com/deepresearch/frontier/internal/urlutil"
)

// stubFetcher serves canned pages keyed by normalized URL and records which
// URLs were fetched.
type stubFetcher struct {
	mu      sync.Mutex
	pages   map[string]*fetch.Result
	fetched []string
	block   chan struct{} // when non-nil, Fetch waits for close or ctx
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{pages: make(map[string]*fetch.Result)}
}

func (s *stubFetcher) addPage(rawURL string, links ...string) {
	var normalized []string
	for _, l := range links {
		normalized = append(normalized, urlutil.Normalize(l))
	}
	s.pages[urlutil.Normalize(rawURL)] = &fetch.Result{
		HTTPStatus:   http.StatusOK,
		Title:        "Page " + rawURL,
		CleanContent: "content of " + rawURL,
		Links:        normalized,
	}
}

func (s *stubFetcher) Fetch(ctx context.Context, targetURL string) (*fetch.Result, error) {
	if s.block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.block:
		}
	}

	s.mu.Lock()
	s.fetched = append(s.fetched, urlutil.Normalize(targetURL))
	page, ok := s.pages[urlutil.Normalize(targetURL)]
	s.mu.Unlock()

	if !ok {
		return &fetch.Result{HTTPStatus: http.StatusNotFound},
			fmt.Errorf("fetch %s: HTTP 404", targetURL)
	}
	return page, nil
}

func (s *stubFetcher) fetchCount(rawURL string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.fetched {
		if u == urlutil.Normalize(rawURL) {
			n++
		}
	}
	return n
}

// stubClassifier replays canned scores, or fails every call when err is set.
type stubClassifier struct {
	mu     sync.Mutex
	scores map[string]relevance.LinkScore
	err    error
}

func (s *stubClassifier) Classify(ctx context.Context, topic, pageContext string, urls []string) ([]relevance.LinkScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []relevance.LinkScore
	for _, u := range urls {
		if score, ok := s.scores[u]; ok {
			out = append(out, score)
		}
	}
	return out, nil
}

// noRobotsTransport answers every robots.txt lookup with 404 so tests never
// touch the network.
type noRobotsTransport struct{}

func (noRobotsTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Header:     make(http.Header),
		Body:       http.NoBody,
		Request:    r,
	}, nil
}

func newTestEngine(t *testing.T, opts Options, fetcher fetch.Fetcher) *Engine {
	t.Helper()
	if opts.CrawlDelay == 0 {
		opts.CrawlDelay = time.Millisecond
	}
	e := NewEngine(opts)
	e.SetFetcher(fetcher)
	e.SetRobotsClient(&http.Client{Transport: noRobotsTransport{}})
	return e
}

const seedURL = "https://research-hub.example/start"

func TestRunFollowsRelevantLinks(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addPage(seedURL,
		"https://archive.example.edu/docs/topic",     // scores 0.80
		"https://papers.example.org/papers/overview", // scores 0.75
		"https://example.com/blog/post",              // scores 0.45
		"https://example.com/category/misc",          // scores 0.40
		"https://other.example/blog/noise",           // scores 0.45
	)
	fetcher.addPage("https://archive.example.edu/docs/topic")
	fetcher.addPage("https://papers.example.org/papers/overview")

	e := newTestEngine(t, Options{Topic: "testing", MaxDepth: 1, MaxPages: 20, Threshold: 0.5}, fetcher)
	if err := e.Seed(seedURL); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.PagesCrawled != 3 {
		t.Errorf("PagesCrawled = %d, want 3 (seed plus two relevant links)", result.PagesCrawled)
	}

	prog := e.Progress()
	want := research.CrawlProgress{URLsCrawled: 3, URLsPending: 0, URLsFailed: 0, CurrentDepth: 1}
	if prog != want {
		t.Errorf("Progress = %+v, want %+v", prog, want)
	}

	// The below-threshold links were never registered, let alone fetched.
	for _, rejected := range []string{"https://example.com/blog/post", "https://example.com/category/misc"} {
		if fetcher.fetchCount(rejected) != 0 {
			t.Errorf("below-threshold link %s was fetched", rejected)
		}
	}
}

func TestEqualPriorityLinksScheduleByScore(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addPage(seedURL, "https://a.example/low-score", "https://b.example/high-score")

	// Both links share a priority, so only registration order separates
	// them in the pending queue.
	classifier := &stubClassifier{scores: map[string]relevance.LinkScore{
		"https://a.example/low-score":  {URL: "https://a.example/low-score", Score: 0.55, Priority: 7},
		"https://b.example/high-score": {URL: "https://b.example/high-score", Score: 0.95, Priority: 7},
	}}

	e := newTestEngine(t, Options{Topic: "testing", MaxDepth: 1, MaxPages: 20, Threshold: 0.5}, fetcher)
	e.SetClassifier(classifier)
	if err := e.Seed(seedURL); err != nil {
		t.Fatal(err)
	}

	if done, worked := e.Step(context.Background()); done || !worked {
		t.Fatalf("seed step: done=%v worked=%v", done, worked)
	}

	batch := e.ledger.NextBatch(2, nil)
	if len(batch) != 2 {
		t.Fatalf("got %d pending records, want 2", len(batch))
	}
	if batch[0].URL != "https://b.example/high-score" {
		t.Errorf("highest-scored link not scheduled first: got %s", batch[0].URL)
	}
}

func TestClassifierFailureCountsFallback(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addPage(seedURL, "https://archive.example.edu/docs/a")
	fetcher.addPage("https://archive.example.edu/docs/a")

	tracker := metrics.NewTracker()
	e := newTestEngine(t, Options{MaxDepth: 1, MaxPages: 20, Threshold: 0.5}, fetcher)
	e.SetTracker(tracker)
	e.SetClassifier(&stubClassifier{err: errors.New("connection refused")})
	if err := e.Seed(seedURL); err != nil {
		t.Fatal(err)
	}

	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The run degrades silently to the heuristic and still crawls the link.
	if result.PagesCrawled != 2 {
		t.Errorf("PagesCrawled = %d, want 2", result.PagesCrawled)
	}
	if snap := tracker.GetSnapshot(); snap.HeuristicFallback != 1 {
		t.Errorf("HeuristicFallback = %d, want 1", snap.HeuristicFallback)
	}
}

func TestStepBoundaries(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addPage(seedURL, "https://archive.example.edu/docs/a", "https://papers.example.org/papers/b")
	fetcher.addPage("https://archive.example.edu/docs/a")
	fetcher.addPage("https://papers.example.org/papers/b")

	e := newTestEngine(t, Options{MaxDepth: 1, MaxPages: 20, Threshold: 0.5}, fetcher)
	if err := e.Seed(seedURL); err != nil {
		t.Fatal(err)
	}

	// First pass crawls the seed and registers its relevant links.
	done, worked := e.Step(context.Background())
	if done || !worked {
		t.Fatalf("first step: done=%v worked=%v, want false/true", done, worked)
	}
	prog := e.Progress()
	if prog.URLsCrawled != 1 || prog.URLsPending != 2 {
		t.Fatalf("after first step: %+v", prog)
	}

	// Drain the rest; the terminal step reports done without work.
	for i := 0; i < 20; i++ {
		done, _ = e.Step(context.Background())
		if done {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !done {
		t.Fatal("run never reported done")
	}
	if prog := e.Progress(); prog.URLsPending != 0 || prog.URLsCrawled != 3 {
		t.Errorf("final progress: %+v", prog)
	}
}

func TestMaxPagesBudget(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addPage(seedURL, "https://archive.example.edu/docs/a", "https://papers.example.org/papers/b")
	fetcher.addPage("https://archive.example.edu/docs/a")
	fetcher.addPage("https://papers.example.org/papers/b")

	e := newTestEngine(t, Options{MaxDepth: 1, MaxPages: 1, Threshold: 0.5}, fetcher)
	if err := e.Seed(seedURL); err != nil {
		t.Fatal(err)
	}

	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.PagesCrawled != 1 {
		t.Errorf("PagesCrawled = %d, want 1", result.PagesCrawled)
	}
	// Discovered links stay Pending when the budget runs out.
	if prog := e.Progress(); prog.URLsPending != 2 {
		t.Errorf("expected 2 pending links, got %+v", prog)
	}
}

func TestDepthBudgetStopsExpansion(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addPage(seedURL, "https://archive.example.edu/docs/a")
	fetcher.addPage("https://archive.example.edu/docs/a", "https://papers.example.org/papers/deeper")
	fetcher.addPage("https://papers.example.org/papers/deeper")

	e := newTestEngine(t, Options{MaxDepth: 1, MaxPages: 20, Threshold: 0.5}, fetcher)
	if err := e.Seed(seedURL); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The depth-2 link found on the depth-1 page is never registered.
	if fetcher.fetchCount("https://papers.example.org/papers/deeper") != 0 {
		t.Error("link beyond the depth budget was fetched")
	}
	if prog := e.Progress(); prog.URLsCrawled != 2 || prog.URLsPending != 0 {
		t.Errorf("progress: %+v", prog)
	}
}

func TestFetchFailureMarksFailed(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addPage(seedURL, "https://archive.example.edu/docs/broken")
	// No page registered for the link, so fetching it fails.

	e := newTestEngine(t, Options{MaxDepth: 1, MaxPages: 20, Threshold: 0.5, MaxRetries: 1, RetryBackoff: time.Millisecond}, fetcher)
	if err := e.Seed(seedURL); err != nil {
		t.Fatal(err)
	}

	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// A run with failures is still a successful run.
	if result.PagesCrawled != 1 {
		t.Errorf("PagesCrawled = %d, want 1", result.PagesCrawled)
	}
	prog := e.Progress()
	if prog.URLsFailed != 1 {
		t.Errorf("URLsFailed = %d, want 1", prog.URLsFailed)
	}
	// MaxRetries=1 means the URL was attempted twice before going terminal.
	if got := fetcher.fetchCount("https://archive.example.edu/docs/broken"); got != 2 {
		t.Errorf("broken link fetched %d times, want 2", got)
	}
}

type memoryContentStore struct {
	mu       sync.Mutex
	contents map[string]research.CrawledContent
}

func newMemoryContentStore() *memoryContentStore {
	return &memoryContentStore{contents: make(map[string]research.CrawledContent)}
}

func (m *memoryContentStore) SaveContent(content research.CrawledContent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contents[content.URLHash] = content
	return nil
}

func (m *memoryContentStore) LoadContent(urlHash string) (*research.CrawledContent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.contents[urlHash]
	if !ok {
		return nil, nil
	}
	return &content, nil
}

func TestCachedContentShortCircuitsFetch(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addPage("https://archive.example.edu/docs/a")

	store := newMemoryContentStore()
	store.SaveContent(research.CrawledContent{
		URLHash:       urlutil.Hash(seedURL),
		URL:           urlutil.Normalize(seedURL),
		HTTPStatus:    http.StatusNonAuthoritativeInfo,
		Title:         "Cached seed",
		CleanContent:  "cached content",
		OutboundLinks: []string{urlutil.Normalize("https://archive.example.edu/docs/a")},
		CrawledAt:     time.Now(),
	})

	tracker := metrics.NewTracker()
	e := newTestEngine(t, Options{MaxDepth: 1, MaxPages: 20, Threshold: 0.5}, fetcher)
	e.SetStores(nil, store, nil)
	e.SetTracker(tracker)
	if err := e.Seed(seedURL); err != nil {
		t.Fatal(err)
	}

	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if fetcher.fetchCount(seedURL) != 0 {
		t.Error("cached seed should not be fetched")
	}
	if fetcher.fetchCount("https://archive.example.edu/docs/a") != 1 {
		t.Error("links from cached content should still be followed")
	}
	if result.PagesCrawled != 2 {
		t.Errorf("PagesCrawled = %d, want 2", result.PagesCrawled)
	}
	if snap := tracker.GetSnapshot(); snap.PagesFromCache != 1 {
		t.Errorf("PagesFromCache = %d, want 1", snap.PagesFromCache)
	}

	// The ledger records the status the cached content was originally
	// fetched with, not a synthetic 200.
	for _, page := range e.Results() {
		if page.URL == urlutil.Normalize(seedURL) && page.HTTPStatus != http.StatusNonAuthoritativeInfo {
			t.Errorf("cached page HTTPStatus = %d, want %d", page.HTTPStatus, http.StatusNonAuthoritativeInfo)
		}
	}
}

func TestForceRefreshBypassesCachedContent(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addPage(seedURL)

	store := newMemoryContentStore()
	store.SaveContent(research.CrawledContent{
		URLHash: urlutil.Hash(seedURL),
		URL:     urlutil.Normalize(seedURL),
		Title:   "Stale",
	})

	e := newTestEngine(t, Options{MaxDepth: 1, MaxPages: 20, Threshold: 0.5, ForceRefresh: true}, fetcher)
	e.SetStores(nil, store, nil)
	if err := e.Seed(seedURL); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if fetcher.fetchCount(seedURL) != 1 {
		t.Error("forceRefresh run must re-fetch cached pages")
	}

	// The refreshed content overwrote the stale entry.
	stored, _ := store.LoadContent(urlutil.Hash(seedURL))
	if stored == nil || stored.Title == "Stale" {
		t.Error("refreshed content not written through")
	}
}

func TestCancellationLeavesPending(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addPage(seedURL)
	fetcher.block = make(chan struct{})

	e := newTestEngine(t, Options{MaxDepth: 1, MaxPages: 20, Threshold: 0.5}, fetcher)
	if err := e.Seed(seedURL); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result, err := e.Run(ctx)
	if err == nil {
		t.Fatal("expected a cancellation error")
	}
	if result.PagesCrawled != 0 {
		t.Errorf("PagesCrawled = %d, want 0", result.PagesCrawled)
	}
	if prog := e.Progress(); prog.URLsPending != 1 || prog.URLsFailed != 0 {
		t.Errorf("cancelled run must leave the in-flight URL pending: %+v", prog)
	}
}

func TestSeedValidation(t *testing.T) {
	e := newTestEngine(t, Options{MaxDepth: 1, MaxPages: 20}, newStubFetcher())

	if err := e.Seed("not a url"); err == nil {
		t.Error("expected an error for a malformed seed")
	}
	if err := e.Seed("https://example.com"); err != nil {
		t.Errorf("valid seed rejected: %v", err)
	}
	if err := e.Seed("https://example.com"); err == nil {
		t.Error("duplicate seed should be rejected by the ledger")
	}
}

type stubSummarizer struct {
	topics []string
}

func (s *stubSummarizer) Summarize(ctx context.Context, topic string, contents []string) (string, error) {
	s.topics = append(s.topics, topic)
	return fmt.Sprintf("summary of %d pages", len(contents)), nil
}

func TestRunSummarize(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addPage(seedURL)

	summarizer := &stubSummarizer{}
	e := newTestEngine(t, Options{Topic: "go testing", MaxDepth: 1, MaxPages: 20, Summarize: true}, fetcher)
	e.SetSummarizer(summarizer)
	if err := e.Seed(seedURL); err != nil {
		t.Fatal(err)
	}

	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.AISummary != "summary of 1 pages" {
		t.Errorf("AISummary = %q", result.AISummary)
	}
	if len(summarizer.topics) != 1 || summarizer.topics[0] != "go testing" {
		t.Errorf("summarizer called with %v", summarizer.topics)
	}
}

func TestExcerptKeepsRuneBoundaries(t *testing.T) {
	s := "日本語のテキスト"
	got := excerpt(s, 4)
	if !utf8.ValidString(got) {
		t.Fatalf("excerpt split a UTF-8 sequence: %q", got)
	}
	if got != "日" {
		t.Errorf("excerpt = %q, want %q", got, "日")
	}
	if full := excerpt(s, len(s)); full != s {
		t.Errorf("excerpt trimmed a string within budget: %q", full)
	}
}

func TestResultsCarryContent(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addPage(seedURL)

	e := newTestEngine(t, Options{MaxDepth: 1, MaxPages: 20}, fetcher)
	if err := e.Seed(seedURL); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	pages := e.Results()
	if len(pages) != 1 {
		t.Fatalf("got %d pages, want 1", len(pages))
	}
	page := pages[0]
	if page.Status != research.URLStatusCrawled || page.HTTPStatus != http.StatusOK {
		t.Errorf("page state: %+v", page)
	}
	if !strings.Contains(page.CleanContent, "content of") {
		t.Errorf("page content missing: %q", page.CleanContent)
	}
	if page.Title == "" {
		t.Error("page title missing")
	}
}
