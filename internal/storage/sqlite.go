// Package storage persists Domain, URLRecord and CrawledContent rows for a
// research run in SQLite. The frontier core only needs create/read/update
// by key plus the "pending ordered by priority" query.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/deepresearch/frontier/internal/research"
)

// Storage handles all database operations.
type Storage struct {
	db *sql.DB
}

// NewStorage opens or creates the database at dbPath and initializes the
// schema.
func NewStorage(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storage := &Storage{db: db}
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// initSchema creates tables and indices if they don't exist.
func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS domains (
		domain TEXT PRIMARY KEY,
		robots_directives TEXT,
		crawl_delay_ms INTEGER NOT NULL DEFAULT 1000,
		last_crawl_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS urls (
		url_hash TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		domain TEXT NOT NULL,
		depth INTEGER NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 5,
		http_status INTEGER,
		attempts INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT,
		discovered_at TIMESTAMP NOT NULL,
		last_crawled_at TIMESTAMP,
		next_eligible_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS content (
		url_hash TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		http_status INTEGER,
		title TEXT,
		clean_content TEXT,
		raw_snapshot TEXT,
		metadata TEXT,
		outbound_links TEXT,
		crawled_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_urls_status ON urls(status, priority DESC, discovered_at ASC);
	CREATE INDEX IF NOT EXISTS idx_urls_domain ON urls(domain);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveDomain upserts the politeness state for a domain.
func (s *Storage) SaveDomain(d research.Domain) error {
	_, err := s.db.Exec(`
		INSERT INTO domains (domain, robots_directives, crawl_delay_ms, last_crawl_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			robots_directives = EXCLUDED.robots_directives,
			crawl_delay_ms = EXCLUDED.crawl_delay_ms,
			last_crawl_at = EXCLUDED.last_crawl_at
	`, d.Domain, d.RobotsDirectives, d.CrawlDelay.Milliseconds(), nullableTime(d.LastCrawlAt))

	if err != nil {
		return fmt.Errorf("failed to upsert domain: %w", err)
	}
	return nil
}

// GetDomain retrieves a domain's politeness state, returning nil if absent.
func (s *Storage) GetDomain(domain string) (*research.Domain, error) {
	var d research.Domain
	var delayMs int64
	var lastCrawl sql.NullTime
	err := s.db.QueryRow(`
		SELECT domain, COALESCE(robots_directives, ''), crawl_delay_ms, last_crawl_at
		FROM domains WHERE domain = ?
	`, domain).Scan(&d.Domain, &d.RobotsDirectives, &delayMs, &lastCrawl)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get domain: %w", err)
	}

	d.CrawlDelay = time.Duration(delayMs) * time.Millisecond
	if lastCrawl.Valid {
		d.LastCrawlAt = lastCrawl.Time
	}
	return &d, nil
}

// SaveURL upserts a ledger record.
func (s *Storage) SaveURL(rec research.URLRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO urls (url_hash, url, domain, depth, status, priority, http_status,
			attempts, failure_reason, discovered_at, last_crawled_at, next_eligible_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url_hash) DO UPDATE SET
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			http_status = EXCLUDED.http_status,
			attempts = EXCLUDED.attempts,
			failure_reason = EXCLUDED.failure_reason,
			last_crawled_at = EXCLUDED.last_crawled_at,
			next_eligible_at = EXCLUDED.next_eligible_at
	`, rec.URLHash, rec.URL, rec.Domain, rec.Depth, string(rec.Status), rec.Priority,
		nullableInt(rec.HTTPStatus), rec.Attempts, rec.FailureReason,
		rec.DiscoveredAt, nullableTime(rec.LastCrawledAt), nullableTime(rec.NextEligibleAt))

	if err != nil {
		return fmt.Errorf("failed to upsert url record: %w", err)
	}
	return nil
}

// GetURL retrieves a ledger record by hash, returning nil if absent.
func (s *Storage) GetURL(urlHash string) (*research.URLRecord, error) {
	row := s.db.QueryRow(`
		SELECT url_hash, url, domain, depth, status, priority, http_status,
			attempts, COALESCE(failure_reason, ''), discovered_at, last_crawled_at, next_eligible_at
		FROM urls WHERE url_hash = ?
	`, urlHash)

	rec, err := scanURL(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get url record: %w", err)
	}
	return rec, nil
}

// PendingURLs returns Pending records ordered by (priority desc,
// discoveredAt asc), the query the frontier's scheduler relies on.
func (s *Storage) PendingURLs(limit int) ([]*research.URLRecord, error) {
	rows, err := s.db.Query(`
		SELECT url_hash, url, domain, depth, status, priority, http_status,
			attempts, COALESCE(failure_reason, ''), discovered_at, last_crawled_at, next_eligible_at
		FROM urls
		WHERE status = ?
		ORDER BY priority DESC, discovered_at ASC
		LIMIT ?
	`, string(research.URLStatusPending), limit)

	if err != nil {
		return nil, fmt.Errorf("failed to query pending urls: %w", err)
	}
	defer rows.Close()

	var records []*research.URLRecord
	for rows.Next() {
		rec, err := scanURL(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan url record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating url records: %w", err)
	}
	return records, nil
}

// SaveContent upserts crawled content for a URL hash.
func (s *Storage) SaveContent(content research.CrawledContent) error {
	metadata, err := json.Marshal(content.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal content metadata: %w", err)
	}
	links, err := json.Marshal(content.OutboundLinks)
	if err != nil {
		return fmt.Errorf("failed to marshal outbound links: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO content (url_hash, url, http_status, title, clean_content, raw_snapshot, metadata, outbound_links, crawled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url_hash) DO UPDATE SET
			url = EXCLUDED.url,
			http_status = EXCLUDED.http_status,
			title = EXCLUDED.title,
			clean_content = EXCLUDED.clean_content,
			raw_snapshot = EXCLUDED.raw_snapshot,
			metadata = EXCLUDED.metadata,
			outbound_links = EXCLUDED.outbound_links,
			crawled_at = EXCLUDED.crawled_at
	`, content.URLHash, content.URL, nullableInt(content.HTTPStatus), content.Title, content.CleanContent,
		content.RawSnapshot, string(metadata), string(links), content.CrawledAt)

	if err != nil {
		return fmt.Errorf("failed to upsert content: %w", err)
	}
	return nil
}

// LoadContent retrieves crawled content by URL hash, returning nil if absent.
func (s *Storage) LoadContent(urlHash string) (*research.CrawledContent, error) {
	var content research.CrawledContent
	var metadata, links string
	err := s.db.QueryRow(`
		SELECT url_hash, url, COALESCE(http_status, 0), COALESCE(title, ''), COALESCE(clean_content, ''),
			COALESCE(raw_snapshot, ''), COALESCE(metadata, '{}'), COALESCE(outbound_links, '[]'), crawled_at
		FROM content WHERE url_hash = ?
	`, urlHash).Scan(&content.URLHash, &content.URL, &content.HTTPStatus, &content.Title, &content.CleanContent,
		&content.RawSnapshot, &metadata, &links, &content.CrawledAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load content: %w", err)
	}

	if err := json.Unmarshal([]byte(metadata), &content.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal content metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(links), &content.OutboundLinks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outbound links: %w", err)
	}
	return &content, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanURL(row rowScanner) (*research.URLRecord, error) {
	var rec research.URLRecord
	var status string
	var httpStatus sql.NullInt64
	var lastCrawled, nextEligible sql.NullTime

	err := row.Scan(&rec.URLHash, &rec.URL, &rec.Domain, &rec.Depth, &status, &rec.Priority,
		&httpStatus, &rec.Attempts, &rec.FailureReason, &rec.DiscoveredAt, &lastCrawled, &nextEligible)
	if err != nil {
		return nil, err
	}

	rec.Status = research.URLStatus(status)
	if httpStatus.Valid {
		rec.HTTPStatus = int(httpStatus.Int64)
	}
	if lastCrawled.Valid {
		rec.LastCrawledAt = lastCrawled.Time
	}
	if nextEligible.Valid {
		rec.NextEligibleAt = nextEligible.Time
	}
	return &rec, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
