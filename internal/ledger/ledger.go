// Package ledger implements the deduplicated URL registry for a research
// run: discovery, crawl-status transitions with bounded retry, and the
// priority-ordered pending queue consumed by the frontier.
package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deepresearch/frontier/internal/research"
	"github.com/deepresearch/frontier/internal/urlutil"
)

// Retry defaults for fetch failures. A record whose attempts exceed the
// budget transitions to the terminal Failed state.
const (
	DefaultMaxRetries   = 2
	DefaultRetryBackoff = 500 * time.Millisecond
)

// Recorder persists ledger transitions. Implementations must tolerate
// repeated saves of the same record (upsert semantics).
type Recorder interface {
	SaveURL(rec research.URLRecord) error
}

// Ledger is the registry of every URL discovered during a run. Pending is
// the only non-terminal status; Crawled and Failed are terminal and
// transitions out of them are no-ops. All mutations go through one mutex,
// so per-hash transitions are linearizable across workers.
type Ledger struct {
	mu           sync.Mutex
	maxDepth     int
	maxRetries   int
	retryBackoff time.Duration
	records      map[string]*research.URLRecord
	order        []string // discovery order, for FIFO tie-breaks and result assembly
	recorder     Recorder
	now          func() time.Time
}

// New creates a Ledger enforcing the given depth budget.
func New(maxDepth int) *Ledger {
	return &Ledger{
		maxDepth:     maxDepth,
		maxRetries:   DefaultMaxRetries,
		retryBackoff: DefaultRetryBackoff,
		records:      make(map[string]*research.URLRecord),
		now:          time.Now,
	}
}

// SetRecorder attaches a persistence recorder. Every transition is written
// through; persistence errors are logged, never surfaced to the frontier.
func (l *Ledger) SetRecorder(r Recorder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recorder = r
}

// SetRetryPolicy overrides the bounded retry budget for fetch failures.
func (l *Ledger) SetRetryPolicy(maxRetries int, backoff time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if maxRetries >= 0 {
		l.maxRetries = maxRetries
	}
	if backoff > 0 {
		l.retryBackoff = backoff
	}
}

func (l *Ledger) persist(rec *research.URLRecord) {
	if l.recorder == nil {
		return
	}
	if err := l.recorder.SaveURL(*rec); err != nil {
		logrus.Warnf("Failed to persist URL record %s: %v", rec.URLHash, err)
	}
}

// Register inserts a URL as Pending. It rejects (accepted=false) when the
// hash is already present or the depth exceeds the run budget. The hash is
// returned either way so callers can correlate.
func (l *Ledger) Register(rawURL, domain string, depth, priority int) (accepted bool, urlHash string) {
	urlHash = urlutil.Hash(rawURL)

	l.mu.Lock()
	defer l.mu.Unlock()

	if depth < 0 || depth > l.maxDepth {
		return false, urlHash
	}
	if _, exists := l.records[urlHash]; exists {
		return false, urlHash
	}

	rec := &research.URLRecord{
		URL:          urlutil.Normalize(rawURL),
		URLHash:      urlHash,
		Domain:       domain,
		Depth:        depth,
		Status:       research.URLStatusPending,
		Priority:     priority,
		DiscoveredAt: l.now(),
	}
	l.records[urlHash] = rec
	l.order = append(l.order, urlHash)
	l.persist(rec)
	return true, urlHash
}

// Seen reports whether a URL is already registered, without mutating state.
func (l *Ledger) Seen(rawURL string) bool {
	hash := urlutil.Hash(rawURL)
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.records[hash]
	return ok
}

// MarkCrawled transitions a Pending record to Crawled. Calls on terminal
// records or unknown hashes are no-ops.
func (l *Ledger) MarkCrawled(urlHash string, httpStatus int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[urlHash]
	if !ok || rec.Status != research.URLStatusPending {
		return
	}
	rec.Status = research.URLStatusCrawled
	rec.HTTPStatus = httpStatus
	rec.LastCrawledAt = l.now()
	rec.NextEligibleAt = time.Time{}
	l.persist(rec)
}

// MarkFailed records a fetch failure. While the bounded retry budget is
// not exhausted the record stays Pending with an exponential-backoff
// nextEligibleAt; afterwards it transitions to the terminal Failed state.
// Calls on terminal records or unknown hashes are no-ops.
func (l *Ledger) MarkFailed(urlHash, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[urlHash]
	if !ok || rec.Status != research.URLStatusPending {
		return
	}

	rec.Attempts++
	rec.FailureReason = reason
	if rec.Attempts <= l.maxRetries {
		backoff := l.retryBackoff << uint(rec.Attempts-1)
		rec.NextEligibleAt = l.now().Add(backoff)
		logrus.Debugf("Retrying %s after %v (attempt %d/%d): %s", rec.URL, backoff, rec.Attempts, l.maxRetries, reason)
	} else {
		rec.Status = research.URLStatusFailed
		rec.NextEligibleAt = time.Time{}
	}
	l.persist(rec)
}

// NextBatch returns up to limit Pending records ordered by
// (priority desc, discoveredAt asc), filtered to records whose backoff has
// elapsed and whose domain the eligible predicate accepts. Returned records
// are copies; mutations go through the Mark methods.
func (l *Ledger) NextBatch(limit int, eligible func(domain string) bool) []research.URLRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var candidates []*research.URLRecord
	for _, hash := range l.order {
		rec := l.records[hash]
		if rec.Status != research.URLStatusPending {
			continue
		}
		if !rec.NextEligibleAt.IsZero() && now.Before(rec.NextEligibleAt) {
			continue
		}
		if eligible != nil && !eligible(rec.Domain) {
			continue
		}
		candidates = append(candidates, rec)
	}

	// Iteration over l.order is already discoveredAt-ascending, so a
	// stable sort on priority preserves the FIFO tie-break.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]research.URLRecord, len(candidates))
	for i, rec := range candidates {
		out[i] = *rec
	}
	return out
}

// Get returns a copy of the record for a hash.
func (l *Ledger) Get(urlHash string) (research.URLRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[urlHash]
	if !ok {
		return research.URLRecord{}, false
	}
	return *rec, true
}

// Records returns copies of all ledger entries in discovery order.
func (l *Ledger) Records() []research.URLRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]research.URLRecord, 0, len(l.order))
	for _, hash := range l.order {
		out = append(out, *l.records[hash])
	}
	return out
}

// Progress derives the externally reportable counters from ledger state:
// counts grouped by status plus the maximum depth among Crawled records.
func (l *Ledger) Progress() research.CrawlProgress {
	l.mu.Lock()
	defer l.mu.Unlock()

	var p research.CrawlProgress
	for _, rec := range l.records {
		switch rec.Status {
		case research.URLStatusCrawled:
			p.URLsCrawled++
			if rec.Depth > p.CurrentDepth {
				p.CurrentDepth = rec.Depth
			}
		case research.URLStatusPending:
			p.URLsPending++
		case research.URLStatusFailed:
			p.URLsFailed++
		}
	}
	return p
}
