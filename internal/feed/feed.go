// Package feed is the boundary to the announcement collector. Scraping
// lives elsewhere; this package holds the latest published snapshot and
// renders it as RSS 2.0 for the gated /rss endpoint.
package feed

import (
	"context"
	"sync"
	"time"
)

// Item is one announcement.
type Item struct {
	ID         string
	Title      string
	Link       string
	Published  time.Time
	Summary    string
	Department string
	Category   string
}

// Identity is the channel metadata.
type Identity struct {
	Title       string
	Description string
	Link        string
	SelfLink    string
	Language    string
}

// Source supplies announcements newest first.
type Source interface {
	Items(ctx context.Context, limit int) ([]Item, error)
}

// Cache is an in-memory Source. The collector publishes a complete
// snapshot and readers see either the old or the new one.
type Cache struct {
	mu    sync.RWMutex
	items []Item
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// Publish replaces the snapshot. Items are served in the order given.
func (c *Cache) Publish(items []Item) {
	snapshot := make([]Item, len(items))
	copy(snapshot, items)

	c.mu.Lock()
	c.items = snapshot
	c.mu.Unlock()
}

// Items returns up to limit items. A limit of zero or less returns all.
func (c *Cache) Items(_ context.Context, limit int) ([]Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := len(c.items)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]Item, n)
	copy(out, c.items[:n])

	return out, nil
}
