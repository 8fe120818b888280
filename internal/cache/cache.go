// Package cache memoises LLM extractions keyed by content, so identical
// payloads are never sent to the model twice.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/listing-cli/internal/model"
)

// Entry is one cached extraction.
type Entry struct {
	Key        string                 `json:"key"`
	Fields     *model.ExtractedFields `json:"fields"`
	Confidence float64                `json:"confidence"`
	CreatedAt  time.Time              `json:"created_at"`
	ExpiresAt  time.Time              `json:"expires_at"`
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Backing persists entries across runs. Get returns (nil, nil) on a miss.
type Backing interface {
	GetCachedExtraction(ctx context.Context, key string) (*Entry, error)
	SetCachedExtraction(ctx context.Context, e Entry) error
	DeleteExpiredExtractions(ctx context.Context, now time.Time) (int64, error)
}

// Config tunes the cache.
type Config struct {
	MaxEntries int
	TTL        time.Duration
}

// Stats contains cache performance statistics.
type Stats struct {
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"max_entries"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
}

// Cache is a concurrent-safe LRU cache with TTL expiration, optionally
// backed by a persistent store.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	order      []string // LRU order: front=oldest, back=newest
	maxEntries int
	ttl        time.Duration
	backing    Backing

	hits   atomic.Int64
	misses atomic.Int64

	nowFunc func() time.Time
}

// New creates a cache. backing may be nil.
func New(cfg Config, backing Backing) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	return &Cache{
		entries:    make(map[string]*Entry),
		maxEntries: cfg.MaxEntries,
		ttl:        cfg.TTL,
		backing:    backing,
		nowFunc:    time.Now,
	}
}

// Key derives the cache key from the NFKC-normalised payload, the source and
// the prompt version. Whitespace runs are collapsed so cosmetic re-renders
// of the same page share a key.
func Key(payload []byte, source, promptVersion string) string {
	normalized := strings.Join(strings.Fields(norm.NFKC.String(string(payload))), " ")
	h := sha256.New()
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(promptVersion))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a copy of the cached fields for key. On a local miss the
// backing store is consulted and a hit is promoted into memory.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, bool) {
	now := c.nowFunc()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if !e.expired(now) {
			c.touch(key)
			out := copyEntry(e)
			c.mu.Unlock()
			c.hits.Add(1)
			return out, true
		}
		delete(c.entries, key)
		c.removeFromOrder(key)
	}
	c.mu.Unlock()

	if c.backing != nil {
		e, err := c.backing.GetCachedExtraction(ctx, key)
		if err != nil {
			zap.L().Warn("cache: backing lookup failed", zap.String("key", key), zap.Error(err))
		} else if e != nil && !e.expired(now) {
			c.mu.Lock()
			c.insert(copyEntry(e))
			c.mu.Unlock()
			c.hits.Add(1)
			return copyEntry(e), true
		}
	}

	c.misses.Add(1)
	return nil, false
}

// Put stores fields under key, evicting the least recently used entry if at
// capacity, and writes through to the backing store.
func (c *Cache) Put(ctx context.Context, key string, fields *model.ExtractedFields) {
	if fields == nil {
		return
	}
	now := c.nowFunc().UTC()
	e := &Entry{
		Key:        key,
		Fields:     fields.Clone(),
		Confidence: fields.Confidence,
		CreatedAt:  now,
		ExpiresAt:  now.Add(c.ttl),
	}

	c.mu.Lock()
	c.insert(e)
	c.mu.Unlock()

	if c.backing != nil {
		if err := c.backing.SetCachedExtraction(ctx, *copyEntry(e)); err != nil {
			zap.L().Warn("cache: backing write failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// Prune drops expired entries from memory and the backing store, returning
// how many were removed in total.
func (c *Cache) Prune(ctx context.Context) (int, error) {
	now := c.nowFunc()

	c.mu.Lock()
	var remaining []string
	removed := 0
	for _, key := range c.order {
		if c.entries[key].expired(now) {
			delete(c.entries, key)
			removed++
			continue
		}
		remaining = append(remaining, key)
	}
	c.order = remaining
	c.mu.Unlock()

	if c.backing != nil {
		n, err := c.backing.DeleteExpiredExtractions(ctx, now.UTC())
		if err != nil {
			return removed, err
		}
		removed += int(n)
	}
	return removed, nil
}

// Stats returns cache performance statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return Stats{
		Entries:    entries,
		MaxEntries: c.maxEntries,
		Hits:       hits,
		Misses:     misses,
		HitRate:    hitRate,
	}
}

// insert must be called with mu held.
func (c *Cache) insert(e *Entry) {
	if _, ok := c.entries[e.Key]; ok {
		c.entries[e.Key] = e
		c.touch(e.Key)
		return
	}
	for len(c.entries) >= c.maxEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[e.Key] = e
	c.order = append(c.order, e.Key)
}

// touch moves key to the back of the LRU order. mu must be held.
func (c *Cache) touch(key string) {
	c.removeFromOrder(key)
	c.order = append(c.order, key)
}

func (c *Cache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func copyEntry(e *Entry) *Entry {
	out := *e
	out.Fields = e.Fields.Clone()
	return &out
}
