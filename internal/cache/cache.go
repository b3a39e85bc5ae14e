// Package cache stores fetched page content keyed by URL hash so that
// re-discovery of a known URL does not force a re-fetch.
package cache

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/deepresearch/frontier/internal/research"
)

// Store is the optional durable backend behind the in-memory cache.
type Store interface {
	SaveContent(content research.CrawledContent) error
	LoadContent(urlHash string) (*research.CrawledContent, error)
}

// Cache holds crawled content in memory with write-through to an optional
// durable store. Reads are concurrent; each hash has a single writer.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]research.CrawledContent
	store   Store
}

// New creates an empty Cache. store may be nil for memory-only runs.
func New(store Store) *Cache {
	return &Cache{
		entries: make(map[string]research.CrawledContent),
		store:   store,
	}
}

// Has reports whether content exists for the hash. A forceRefresh request
// always reports false, bypassing the cache regardless of prior puts.
func (c *Cache) Has(urlHash string, forceRefresh bool) bool {
	if forceRefresh {
		return false
	}

	c.mu.RLock()
	_, ok := c.entries[urlHash]
	c.mu.RUnlock()
	if ok {
		return true
	}

	if c.store == nil {
		return false
	}
	stored, err := c.store.LoadContent(urlHash)
	if err != nil {
		logrus.Warnf("Cache store lookup failed for %s: %v", urlHash, err)
		return false
	}
	return stored != nil
}

// Get returns the content for a hash, falling back to the durable store on
// a memory miss.
func (c *Cache) Get(urlHash string) (research.CrawledContent, bool) {
	c.mu.RLock()
	content, ok := c.entries[urlHash]
	c.mu.RUnlock()
	if ok {
		return content, true
	}

	if c.store == nil {
		return research.CrawledContent{}, false
	}
	stored, err := c.store.LoadContent(urlHash)
	if err != nil || stored == nil {
		if err != nil {
			logrus.Warnf("Cache store read failed for %s: %v", urlHash, err)
		}
		return research.CrawledContent{}, false
	}

	c.mu.Lock()
	c.entries[urlHash] = *stored
	c.mu.Unlock()
	return *stored, true
}

// Put stores content, overwriting any prior entry for the same hash.
func (c *Cache) Put(content research.CrawledContent) {
	c.mu.Lock()
	c.entries[content.URLHash] = content
	c.mu.Unlock()

	if c.store == nil {
		return
	}
	if err := c.store.SaveContent(content); err != nil {
		logrus.Warnf("Cache write-through failed for %s: %v", content.URLHash, err)
	}
}

// Len returns the number of entries held in memory.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
