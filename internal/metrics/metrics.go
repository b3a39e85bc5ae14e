package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Snapshot is the exportable view of a run's counters.
type Snapshot struct {
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time,omitempty"`
	TerminationReason string    `json:"termination_reason,omitempty"`
	PagesFetched      int       `json:"pages_fetched"`
	PagesFailed       int       `json:"pages_failed"`
	PagesFromCache    int       `json:"pages_from_cache"`
	LinksDiscovered   int       `json:"links_discovered"`
	LinksAccepted     int       `json:"links_accepted"`
	HeuristicFallback int       `json:"heuristic_fallbacks"`
	TotalFetchTimeMs  int64     `json:"total_fetch_time_ms"`
	AvgFetchTimeMs    int64     `json:"avg_fetch_time_ms"`
}

// Tracker holds and manages crawl metrics
type Tracker struct {
	mu               sync.Mutex
	data             Snapshot
	totalFetchTimeMs int64
	fetchCount       int
}

// NewTracker creates a new metrics tracker
func NewTracker() *Tracker {
	return &Tracker{
		data: Snapshot{
			StartTime: time.Now(),
		},
	}
}

// IncrementPagesFetched increments the successful fetch counter
func (t *Tracker) IncrementPagesFetched() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.PagesFetched++
}

// IncrementPagesFailed increments the failed fetch counter
func (t *Tracker) IncrementPagesFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.PagesFailed++
}

// IncrementPagesFromCache increments the cache hit counter
func (t *Tracker) IncrementPagesFromCache() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.PagesFromCache++
}

// AddLinksDiscovered records how many outbound links a page yielded
func (t *Tracker) AddLinksDiscovered(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.LinksDiscovered += n
}

// AddLinksAccepted records how many links passed relevance filtering
func (t *Tracker) AddLinksAccepted(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.LinksAccepted += n
}

// IncrementHeuristicFallback counts batches scored without the classifier
func (t *Tracker) IncrementHeuristicFallback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.HeuristicFallback++
}

// RecordFetchTime records a page fetch duration
func (t *Tracker) RecordFetchTime(duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalFetchTimeMs += duration.Milliseconds()
	t.fetchCount++
}

// GetSnapshot returns a copy of current metrics
func (t *Tracker) GetSnapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := t.data
	snapshot.TotalFetchTimeMs = t.totalFetchTimeMs

	if t.fetchCount > 0 {
		snapshot.AvgFetchTimeMs = t.totalFetchTimeMs / int64(t.fetchCount)
	}

	return snapshot
}

// WriteToFile exports metrics to a JSON file
func (t *Tracker) WriteToFile(path, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.EndTime = time.Now()
	t.data.TerminationReason = reason
	t.data.TotalFetchTimeMs = t.totalFetchTimeMs

	if t.fetchCount > 0 {
		t.data.AvgFetchTimeMs = t.totalFetchTimeMs / int64(t.fetchCount)
	}

	jsonData, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}

	return nil
}

// LogProgress prints current metrics to console (for periodic updates)
func (t *Tracker) LogProgress() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return fmt.Sprintf("Pages: %d fetched, %d cached, %d failed | Links: %d discovered, %d accepted",
		t.data.PagesFetched,
		t.data.PagesFromCache,
		t.data.PagesFailed,
		t.data.LinksDiscovered,
		t.data.LinksAccepted,
	)
}
