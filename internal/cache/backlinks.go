// Package cache holds the backlink cache: the objects linking to a target,
// computed at a version from the source class and never persisted.
package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/livestore/internal/metrics"
	"github.com/devrev/livestore/internal/schema"
	"github.com/devrev/livestore/internal/storage/mvcc"
	"github.com/devrev/livestore/internal/value"
)

// Config holds cache configuration
type Config struct {
	MaxEntries      int
	FrequencyWeight float64
	RecencyWeight   float64
	AdaptiveWindow  time.Duration
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		MaxEntries:      4096,
		FrequencyWeight: 0.5,
		RecencyWeight:   0.5,
		AdaptiveWindow:  time.Minute,
	}
}

type cacheKey struct {
	version  mvcc.VersionID
	target   mvcc.Key
	backlink string
}

type cacheEntry struct {
	sources     []mvcc.Key
	accessCount int64
	lastAccess  time.Time
	score       float64
}

// BacklinkCache implements an adaptive LRU/LFU cache of backlink lists keyed
// by (version, target, backlink).
type BacklinkCache struct {
	config          Config
	entries         map[cacheKey]*cacheEntry
	logger          *zap.Logger
	metrics         *metrics.Metrics
	mu              sync.Mutex
	frequencyWeight float64
	recencyWeight   float64
}

// New creates a backlink cache.
func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) *BacklinkCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if cfg.AdaptiveWindow <= 0 {
		cfg.AdaptiveWindow = DefaultConfig().AdaptiveWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BacklinkCache{
		config:          cfg,
		entries:         make(map[cacheKey]*cacheEntry),
		logger:          logger,
		metrics:         m,
		frequencyWeight: cfg.FrequencyWeight,
		recencyWeight:   cfg.RecencyWeight,
	}
}

// Lookup returns the objects of b.SourceClass whose b.SourceProperty links to
// target, one entry per link, in key order. Results read through an open
// write transaction are never cached.
func (c *BacklinkCache) Lookup(r mvcc.Reader, target mvcc.Key, b *schema.Backlink) ([]mvcc.Key, error) {
	if _, ok := r.(*mvcc.Txn); ok {
		return Compute(r, target, b)
	}
	key := cacheKey{version: r.Version(), target: target, backlink: b.SourceClass + "." + b.SourceProperty}
	if sources, ok := c.get(key); ok {
		c.metrics.RecordCacheHit()
		return sources, nil
	}
	c.metrics.RecordCacheMiss()

	sources, err := Compute(r, target, b)
	if err != nil {
		return nil, err
	}
	c.put(key, sources)
	return sources, nil
}

// Count returns the number of links to target through b.
func (c *BacklinkCache) Count(r mvcc.Reader, target mvcc.Key, b *schema.Backlink) (int, error) {
	sources, err := c.Lookup(r, target, b)
	return len(sources), err
}

// Compute scans the source class. A direct link counts once, every list or
// set entry and every dictionary value holding the link counts once more,
// null counts zero.
func Compute(r mvcc.Reader, target mvcc.Key, b *schema.Backlink) ([]mvcc.Key, error) {
	var out []mvcc.Key
	err := r.Scan(b.SourceClass, func(rec *mvcc.Record) bool {
		v, ok := rec.Get(b.SourceProperty)
		if !ok {
			return true
		}
		value.Walk(v, func(e value.Value) {
			if l, err := e.AsLink(); err == nil && l.Class == target.Class && l.Key == target.ObjKey {
				out = append(out, rec.Key)
			}
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BacklinkCache) get(key cacheKey) ([]mvcc.Key, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, found := c.entries[key]
	if !found {
		return nil, false
	}
	entry.accessCount++
	entry.lastAccess = time.Now()
	entry.score = c.calculateScore(entry)
	return entry.sources, true
}

func (c *BacklinkCache) put(key cacheKey, sources []mvcc.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, found := c.entries[key]; found {
		existing.sources = sources
		return
	}
	for len(c.entries) >= c.config.MaxEntries {
		c.evictLowestScore()
	}
	entry := &cacheEntry{sources: sources, accessCount: 1, lastAccess: time.Now()}
	entry.score = c.calculateScore(entry)
	c.entries[key] = entry
	c.metrics.UpdateCacheEntries(len(c.entries))
}

// calculateScore computes adaptive score for eviction (higher is better)
func (c *BacklinkCache) calculateScore(entry *cacheEntry) float64 {
	frequencyScore := float64(entry.accessCount)
	recencyScore := time.Since(entry.lastAccess).Seconds()
	return c.frequencyWeight*frequencyScore - c.recencyWeight*recencyScore
}

func (c *BacklinkCache) evictLowestScore() {
	var lowestKey cacheKey
	found := false
	var lowestScore float64

	for key, entry := range c.entries {
		if !found || entry.score < lowestScore {
			lowestScore = entry.score
			lowestKey = key
			found = true
		}
	}
	if !found {
		return
	}
	delete(c.entries, lowestKey)
	c.metrics.RecordCacheEviction()
	c.logger.Debug("Evicted backlink cache entry",
		zap.Uint64("version", uint64(lowestKey.version)),
		zap.String("target", lowestKey.target.String()),
		zap.Float64("score", lowestScore))
}

// DropBelow removes every entry computed at a version older than floor and
// re-tunes the eviction weights.
func (c *BacklinkCache) DropBelow(floor mvcc.VersionID) int {
	c.mu.Lock()
	dropped := 0
	for key := range c.entries {
		if key.version < floor {
			delete(c.entries, key)
			dropped++
		}
	}
	c.metrics.UpdateCacheEntries(len(c.entries))
	c.mu.Unlock()

	c.AdjustWeights()
	return dropped
}

// AdjustWeights adjusts frequency and recency weights based on workload
func (c *BacklinkCache) AdjustWeights() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) == 0 {
		return
	}
	var recentAccesses int
	recentThreshold := time.Now().Add(-c.config.AdaptiveWindow)
	for _, entry := range c.entries {
		if entry.lastAccess.After(recentThreshold) {
			recentAccesses++
		}
	}
	hotnessRatio := float64(recentAccesses) / float64(len(c.entries))

	switch {
	case hotnessRatio > 0.7:
		// High recency workload - favor LRU
		c.recencyWeight, c.frequencyWeight = 0.7, 0.3
	case hotnessRatio < 0.3:
		// High frequency workload - favor LFU
		c.recencyWeight, c.frequencyWeight = 0.3, 0.7
	default:
		c.recencyWeight, c.frequencyWeight = 0.5, 0.5
	}

	c.logger.Debug("Adjusted backlink cache weights",
		zap.Float64("recency_weight", c.recencyWeight),
		zap.Float64("frequency_weight", c.frequencyWeight),
		zap.Float64("hotness_ratio", hotnessRatio))
}

// Stats holds cache statistics
type Stats struct {
	EntryCount   int
	MaxEntries   int
	UsagePercent float64
}

// Stats returns cache statistics
func (c *BacklinkCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		EntryCount:   len(c.entries),
		MaxEntries:   c.config.MaxEntries,
		UsagePercent: float64(len(c.entries)) / float64(c.config.MaxEntries) * 100,
	}
}
