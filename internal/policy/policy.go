// Package policy implements the per-domain crawl politeness store: crawl
// delays, robots directives and the single-fetch-in-flight cap.
package policy

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"

	"github.com/deepresearch/frontier/internal/research"
)

// DefaultCrawlDelay applies to a domain until a robots policy overrides it.
const DefaultCrawlDelay = 1000 * time.Millisecond

type domainState struct {
	delay       time.Duration
	robotsRaw   string
	robotsGroup *robotstxt.Group
	lastCrawlAt time.Time
	inFlight    bool
}

// Store tracks politeness state per domain. Domains are created lazily on
// first lookup and never deleted during a run. All methods are safe for
// concurrent use.
type Store struct {
	mu           sync.Mutex
	defaultDelay time.Duration
	userAgent    string
	domains      map[string]*domainState
	now          func() time.Time
}

// NewStore creates a Store with the given default crawl delay. A zero or
// negative delay falls back to DefaultCrawlDelay.
func NewStore(defaultDelay time.Duration, userAgent string) *Store {
	if defaultDelay <= 0 {
		defaultDelay = DefaultCrawlDelay
	}
	return &Store{
		defaultDelay: defaultDelay,
		userAgent:    userAgent,
		domains:      make(map[string]*domainState),
		now:          time.Now,
	}
}

func (s *Store) state(domain string) *domainState {
	ds, ok := s.domains[domain]
	if !ok {
		ds = &domainState{delay: s.defaultDelay}
		s.domains[domain] = ds
	}
	return ds
}

// CanFetchNow reports whether the domain may be fetched at this moment:
// either no fetch was ever recorded, or the crawl delay has elapsed since
// the last one. Callers must re-check after acquiring a candidate.
func (s *Store) CanFetchNow(domain string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds := s.state(domain)
	if ds.lastCrawlAt.IsZero() {
		return true
	}
	return s.now().Sub(ds.lastCrawlAt) >= ds.delay
}

// RecordFetch notes a fetch attempt against the domain. lastCrawlAt is
// monotonically non-decreasing: stale timestamps are ignored.
func (s *Store) RecordFetch(domain string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds := s.state(domain)
	if t.After(ds.lastCrawlAt) {
		ds.lastCrawlAt = t
	}
}

// SetPolicy overrides the crawl delay and robots directives for a domain.
// A non-positive delay keeps the store default. Unparseable robots text is
// ignored with a warning; the previous directives stay in effect.
func (s *Store) SetPolicy(domain string, crawlDelay time.Duration, robotsDirectives string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds := s.state(domain)
	if crawlDelay > 0 {
		ds.delay = crawlDelay
	}
	if robotsDirectives == "" {
		return
	}

	data, err := robotstxt.FromString(robotsDirectives)
	if err != nil {
		logrus.Warnf("Unparseable robots directives for %s: %v", domain, err)
		return
	}
	ds.robotsRaw = robotsDirectives
	ds.robotsGroup = data.FindGroup(s.userAgent)
	if ds.robotsGroup != nil && ds.robotsGroup.CrawlDelay > 0 {
		ds.delay = ds.robotsGroup.CrawlDelay
	}
}

// Allowed reports whether the domain's robots directives permit fetching
// the given path. Domains without directives allow everything.
func (s *Store) Allowed(domain, path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds := s.state(domain)
	if ds.robotsGroup == nil {
		return true
	}
	if path == "" {
		path = "/"
	}
	return ds.robotsGroup.Test(path)
}

// TryAcquire claims the domain's single in-flight fetch slot. Returns false
// if another worker already holds it; workers skip rather than block.
func (s *Store) TryAcquire(domain string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds := s.state(domain)
	if ds.inFlight {
		return false
	}
	ds.inFlight = true
	return true
}

// Release frees the domain's in-flight fetch slot.
func (s *Store) Release(domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(domain).inFlight = false
}

// Snapshot returns a copy of the domain's politeness state.
func (s *Store) Snapshot(domain string) research.Domain {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds := s.state(domain)
	return research.Domain{
		Domain:           domain,
		RobotsDirectives: ds.robotsRaw,
		CrawlDelay:       ds.delay,
		LastCrawlAt:      ds.lastCrawlAt,
	}
}
