// Package patterncache holds verification outcomes keyed by (domain, pattern)
// and persists new entries in batches.
package patterncache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/mailscout/internal/storage"
)

// Entry is a cached verification outcome.
type Entry struct {
	Email     string
	Status    string
	Verified  bool
	CheckedAt time.Time
}

// Persister is the durable side of the cache.
type Persister interface {
	LoadPatternRecords() ([]storage.PatternRecord, error)
	SavePatternRecords(records []storage.PatternRecord) error
}

type key struct {
	domain  string
	pattern string
}

// Cache is safe for concurrent use. Writes only touch memory; Flush writes
// the accumulated entries to the Persister in one call.
type Cache struct {
	store  Persister
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[key]Entry
	dirty   map[key]struct{}

	flushMu sync.Mutex
}

// New creates an empty cache. store may be nil for a memory-only cache.
func New(store Persister) *Cache {
	return &Cache{
		store:   store,
		logger:  slog.Default(),
		entries: make(map[key]Entry),
		dirty:   make(map[key]struct{}),
	}
}

func newKey(domain, pattern string) key {
	return key{domain: strings.ToLower(strings.TrimSpace(domain)), pattern: pattern}
}

// Load replaces the in-memory contents with the persisted records.
func (c *Cache) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	records, err := c.store.LoadPatternRecords()
	if err != nil {
		return fmt.Errorf("loading pattern cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[key]Entry, len(records))
	c.dirty = make(map[key]struct{})
	for _, r := range records {
		c.entries[newKey(r.Domain, r.Pattern)] = Entry{
			Email:     r.Email,
			Status:    r.Status,
			Verified:  r.Verified,
			CheckedAt: r.CheckedAt,
		}
	}
	c.logger.Info("pattern cache loaded", "entries", len(records))
	return nil
}

func (c *Cache) Has(domain, pattern string) bool {
	_, ok := c.Get(domain, pattern)
	return ok
}

func (c *Cache) Get(domain, pattern string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[newKey(domain, pattern)]
	return e, ok
}

// Set stores an outcome, overwriting any previous one, and marks it for the next Flush.
func (c *Cache) Set(domain, pattern string, e Entry) {
	if e.CheckedAt.IsZero() {
		e.CheckedAt = time.Now().UTC()
	}
	k := newKey(domain, pattern)
	c.mu.Lock()
	c.entries[k] = e
	c.dirty[k] = struct{}{}
	c.mu.Unlock()
}

// ForDomain returns the verified entries for one domain keyed by pattern.
func (c *Cache) ForDomain(domain string) map[string]Entry {
	d := strings.ToLower(strings.TrimSpace(domain))
	out := make(map[string]Entry)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, e := range c.entries {
		if k.domain == d && e.Verified {
			out[k.pattern] = e
		}
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Dirty reports how many entries are waiting to be flushed.
func (c *Cache) Dirty() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.dirty)
}

// Flush persists entries written since the last successful flush and returns
// how many were written. On failure the entries stay pending for the next call.
func (c *Cache) Flush(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	if len(c.dirty) == 0 {
		c.mu.Unlock()
		return 0, nil
	}
	records := make([]storage.PatternRecord, 0, len(c.dirty))
	snapshot := make(map[key]time.Time, len(c.dirty))
	for k := range c.dirty {
		e := c.entries[k]
		records = append(records, storage.PatternRecord{
			Domain:    k.domain,
			Pattern:   k.pattern,
			Email:     e.Email,
			Status:    e.Status,
			Verified:  e.Verified,
			CheckedAt: e.CheckedAt,
		})
		snapshot[k] = e.CheckedAt
	}
	c.mu.Unlock()

	if err := c.store.SavePatternRecords(records); err != nil {
		return 0, fmt.Errorf("saving pattern cache: %w", err)
	}

	// Entries rewritten while the save was in flight stay dirty.
	c.mu.Lock()
	for k, checked := range snapshot {
		if c.entries[k].CheckedAt.Equal(checked) {
			delete(c.dirty, k)
		}
	}
	c.mu.Unlock()

	c.logger.Debug("pattern cache flushed", "entries", len(records))
	return len(records), nil
}
